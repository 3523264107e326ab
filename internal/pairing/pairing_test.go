package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestFullHandshakeSucceeds(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(filepath.Join(dir, "keystore.log"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	const pin = "123456"
	att, err := svc.BeginAttempt("client-1")
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	salt, err := svc.IssueSalt(att)
	if err != nil {
		t.Fatalf("IssueSalt: %v", err)
	}
	challenge, err := svc.IssueChallenge(att)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}

	response := ComputeClientResponse(pin, salt, challenge)
	if err := svc.VerifyClientResponse(att, pin, response); err != nil {
		t.Fatalf("VerifyClientResponse: %v", err)
	}

	hostKP, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("host GenerateECDHKeyPair: %v", err)
	}
	clientKP, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("client GenerateECDHKeyPair: %v", err)
	}
	hostMaster, err := hostKP.DeriveSessionMaster(clientKP.Public)
	if err != nil {
		t.Fatalf("host DeriveSessionMaster: %v", err)
	}
	clientMaster, err := clientKP.DeriveSessionMaster(hostKP.Public)
	if err != nil {
		t.Fatalf("client DeriveSessionMaster: %v", err)
	}
	if string(hostMaster) != string(clientMaster) {
		t.Fatal("ECDH shared secrets do not match")
	}

	clientPub, _, _ := ed25519.GenerateKey(rand.Reader)
	keys, err := svc.CompletePairing(att, clientPub, "test-client", hostMaster)
	if err != nil {
		t.Fatalf("CompletePairing: %v", err)
	}
	defer keys.Zero()

	if att.State() != StateComplete {
		t.Fatalf("attempt state = %s, want complete", att.State())
	}
	if !svc.IsKnown("client-1", clientPub) {
		t.Fatal("expected client to be known after pairing")
	}
	if keys.Video.Reveal() == nil {
		t.Fatal("expected non-nil video key")
	}
}

func TestWrongPinFailsAttempt(t *testing.T) {
	dir := t.TempDir()
	svc, _ := NewService(filepath.Join(dir, "keystore.log"))

	att, _ := svc.BeginAttempt("client-2")
	salt, _ := svc.IssueSalt(att)
	challenge, _ := svc.IssueChallenge(att)

	wrongResponse := ComputeClientResponse("000000", salt, challenge)
	if err := svc.VerifyClientResponse(att, "123456", wrongResponse); err == nil {
		t.Fatal("expected verification failure for wrong PIN")
	}
	if att.State() != StateFailed {
		t.Fatalf("attempt state = %s, want failed", att.State())
	}
}

func TestOutOfOrderTransitionFails(t *testing.T) {
	dir := t.TempDir()
	svc, _ := NewService(filepath.Join(dir, "keystore.log"))

	att, _ := svc.BeginAttempt("client-3")
	// Skip IssueSalt and go straight for challenge.
	if _, err := svc.IssueChallenge(att); err == nil {
		t.Fatal("expected error issuing challenge before salt")
	}
	if att.State() != StateFailed {
		t.Fatalf("attempt state = %s, want failed", att.State())
	}
}

func TestRateLimiterBlocksExcessAttempts(t *testing.T) {
	dir := t.TempDir()
	svc, _ := NewService(filepath.Join(dir, "keystore.log"))
	svc.limiter = NewRateLimiter(2, 1000*1000*1000*60) // 2 per minute

	if _, err := svc.BeginAttempt("client-4"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := svc.BeginAttempt("client-4"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if _, err := svc.BeginAttempt("client-4"); err == nil {
		t.Fatal("expected third attempt to be rate limited")
	}
}

func TestKeystorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.log")

	ks, err := OpenKeystore(path)
	if err != nil {
		t.Fatalf("OpenKeystore: %v", err)
	}
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := ks.Put(ClientRecord{ClientID: "c-1", PublicKey: pub, Name: "living room"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := OpenKeystore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, ok := reopened.Get("c-1")
	if !ok {
		t.Fatal("expected record to persist across reopen")
	}
	if rec.Name != "living room" {
		t.Fatalf("Name = %q, want %q", rec.Name, "living room")
	}
}
