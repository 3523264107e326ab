package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/duskcast/streamhost/internal/herr"
)

// Service runs the pairing/handshake protocol from spec.md §4.2 against
// a keystore of previously paired clients.
type Service struct {
	hostPriv ed25519.PrivateKey
	hostPub  ed25519.PublicKey

	keystore *Keystore
	limiter  *RateLimiter

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewService loads (or creates) the host's Ed25519 identity and wraps
// the keystore at keystorePath. The identity is persisted as a sibling
// file of the keystore so the host presents the same public key across
// restarts; clients that pinned it on first pair would otherwise fail
// every subsequent handshake.
func NewService(keystorePath string) (*Service, error) {
	ks, err := OpenKeystore(keystorePath)
	if err != nil {
		return nil, err
	}

	pub, priv, err := loadOrCreateHostIdentity(hostIdentityPath(keystorePath))
	if err != nil {
		return nil, err
	}

	return &Service{
		hostPriv: priv,
		hostPub:  pub,
		keystore: ks,
		limiter:  NewRateLimiter(5, time.Minute),
		attempts: make(map[string]*Attempt),
	}, nil
}

func hostIdentityPath(keystorePath string) string {
	return keystorePath + ".host-identity"
}

// loadOrCreateHostIdentity reads a hex-encoded Ed25519 seed from path,
// or generates and persists one (mode 0600) if none exists yet.
func loadOrCreateHostIdentity(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(b))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("pairing: corrupt host identity at %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return priv.Public().(ed25519.PublicKey), priv, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("pairing: read host identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: generate host identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, nil, fmt.Errorf("pairing: create host identity dir: %w", err)
		}
	}
	seed := priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, nil, fmt.Errorf("pairing: persist host identity: %w", err)
	}
	return pub, priv, nil
}

// HostPublicKey returns the host's long-term identity. It is not
// included in the mDNS record or in ServerInfo.
func (s *Service) HostPublicKey() ed25519.PublicKey {
	return s.hostPub
}

// BeginAttempt starts a new pairing attempt for clientID, or rejects it
// if the client is rate-limited or its keystore record is blocked.
func (s *Service) BeginAttempt(clientID string) (*Attempt, error) {
	if !s.limiter.Allow(clientID) {
		return nil, fmt.Errorf("pairing: client %s rate limited", clientID)
	}
	if rec, ok := s.keystore.Get(clientID); ok && rec.Blocked {
		return nil, fmt.Errorf("pairing: client %s: %w", clientID, herr.ErrClientBlocked)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	att := NewAttempt(clientID, time.Now())
	s.attempts[clientID] = att
	return att, nil
}

// IssueSalt moves the attempt to SaltIssued and returns a fresh random
// salt used both as the PIN-derivation salt and the HKDF salt.
func (s *Service) IssueSalt(att *Attempt) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("pairing: generate salt: %w", err)
	}
	if err := att.Advance(StateSaltIssued, time.Now()); err != nil {
		return nil, err
	}
	att.mu.Lock()
	att.salt = salt
	att.mu.Unlock()
	return salt, nil
}

// IssueChallenge moves the attempt to ChallengeIssued and returns a
// fresh random challenge the client must sign with the PIN-derived key.
func (s *Service) IssueChallenge(att *Attempt) ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("pairing: generate challenge: %w", err)
	}
	if err := att.Advance(StateChallengeIssued, time.Now()); err != nil {
		return nil, err
	}
	att.mu.Lock()
	att.challenge = challenge
	att.mu.Unlock()
	return challenge, nil
}

// VerifyClientResponse checks the client's HMAC-SHA256(pinKey, challenge)
// response and, if it matches, moves the attempt to ClientVerified.
func (s *Service) VerifyClientResponse(att *Attempt, pin string, response []byte) error {
	att.mu.Lock()
	salt, challenge := att.salt, att.challenge
	att.mu.Unlock()

	expected := expectedResponse(pin, salt, challenge)
	if subtle.ConstantTimeCompare(expected, response) != 1 {
		att.Fail(fmt.Errorf("pin response mismatch"))
		return fmt.Errorf("pairing: pin response mismatch for %s", att.clientID)
	}
	return att.Advance(StateClientVerified, time.Now())
}

// CompletePairing derives the session keys from the ECDH exchange,
// advances the attempt through ServerVerified to Complete, and stores
// the client's identity key in the keystore.
func (s *Service) CompletePairing(att *Attempt, clientPub ed25519.PublicKey, name string, sessionMaster []byte) (*SessionKeys, error) {
	if err := att.Advance(StateServerVerified, time.Now()); err != nil {
		return nil, err
	}

	att.mu.Lock()
	salt := att.salt
	att.mu.Unlock()

	keys, err := DeriveSessionKeys(sessionMaster, salt)
	if err != nil {
		att.Fail(err)
		return nil, err
	}

	if err := att.Advance(StateComplete, time.Now()); err != nil {
		keys.Zero()
		return nil, err
	}

	rec := ClientRecord{
		ClientID:  att.clientID,
		PublicKey: clientPub,
		Name:      name,
		LastSeen:  time.Now(),
	}
	if err := s.keystore.Put(rec); err != nil {
		log.Warn("pairing: failed to persist client record", "client", att.clientID, "error", err)
	}

	s.mu.Lock()
	delete(s.attempts, att.clientID)
	s.mu.Unlock()

	return keys, nil
}

// IsKnown reports whether clientID has a non-blocked keystore entry,
// signed by clientPub.
func (s *Service) IsKnown(clientID string, clientPub ed25519.PublicKey) bool {
	rec, ok := s.keystore.Get(clientID)
	if !ok || rec.Blocked {
		return false
	}
	return ed25519.PublicKey(rec.PublicKey).Equal(clientPub)
}
