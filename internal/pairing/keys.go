package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/duskcast/streamhost/internal/seckey"
)

// SessionKeys holds the four HKDF-derived keys for one streaming
// session, each wrapped so it never prints or marshals in the clear.
type SessionKeys struct {
	Video   *seckey.Key
	Audio   *seckey.Key
	Input   *seckey.Key
	Control *seckey.Key
}

// Zero releases all four keys. Called by the server when the control
// connection that derived them closes or fails during the handshake.
func (k *SessionKeys) Zero() {
	if k == nil {
		return
	}
	k.Video.Zero()
	k.Audio.Zero()
	k.Input.Zero()
	k.Control.Zero()
}

// ECDHKeyPair is the host's (or client's) ephemeral ECDH key pair for
// one handshake.
type ECDHKeyPair struct {
	Private *ecdh.PrivateKey
	Public  []byte // uncompressed point, safe to send on the wire
}

// GenerateECDHKeyPair creates a fresh P-256 ephemeral key pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate ecdh key: %w", err)
	}
	return &ECDHKeyPair{Private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// DeriveSessionMaster computes the ECDH shared secret between the
// host's private key and the peer's public key.
func (kp *ECDHKeyPair) DeriveSessionMaster(peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("pairing: parse peer public key: %w", err)
	}
	secret, err := kp.Private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("pairing: ecdh: %w", err)
	}
	return secret, nil
}

// hkdfContexts names the four independent contexts a single session
// master is expanded into, so a leaked video key never exposes the
// control channel and vice versa.
var hkdfContexts = map[string]string{
	"video":   "streamhost/video/v1",
	"audio":   "streamhost/audio/v1",
	"input":   "streamhost/input/v1",
	"control": "streamhost/control/v1",
}

// DeriveSessionKeys expands a session master secret into the four
// per-purpose 32-byte keys via HKDF-SHA256, salted with the pairing
// salt exchanged during the handshake.
func DeriveSessionKeys(master, salt []byte) (*SessionKeys, error) {
	derive := func(info string) (*seckey.Key, error) {
		r := hkdf.New(sha256.New, master, salt, []byte(info))
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("pairing: hkdf expand %s: %w", info, err)
		}
		k := seckey.New(buf)
		for i := range buf {
			buf[i] = 0
		}
		return k, nil
	}

	video, err := derive(hkdfContexts["video"])
	if err != nil {
		return nil, err
	}
	audio, err := derive(hkdfContexts["audio"])
	if err != nil {
		return nil, err
	}
	input, err := derive(hkdfContexts["input"])
	if err != nil {
		return nil, err
	}
	control, err := derive(hkdfContexts["control"])
	if err != nil {
		return nil, err
	}

	return &SessionKeys{Video: video, Audio: audio, Input: input, Control: control}, nil
}
