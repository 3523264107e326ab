package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/duskcast/streamhost/internal/herr"
)

// MaxControlFrameSize bounds a single control-plane message.
const MaxControlFrameSize = 1 << 20

// ControlMessage is the canonical envelope for every control-plane
// message: pairing, quality changes, keyframe requests, teardown.
type ControlMessage struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ControlConn wraps a net.Conn with length-prefixed, AES-GCM-sealed,
// strictly-increasing-sequence framing. This generalizes the length
// prefix + sequence validation idiom used for the old IPC transport to
// an AEAD instead of HMAC-over-JSON, since the control plane now runs
// over an untrusted network link rather than a local socket.
type ControlConn struct {
	conn    net.Conn
	aead    cipher.AEAD
	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	mu      sync.Mutex // serializes writes
}

// NewControlConn wraps conn with a control-plane key (the HKDF-derived
// "control" key from the pairing handshake).
func NewControlConn(conn net.Conn, key []byte) (*ControlConn, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: control conn key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: control conn gcm: %w", err)
	}
	return &ControlConn{conn: conn, aead: aead}, nil
}

// Close closes the underlying connection.
func (c *ControlConn) Close() error { return c.conn.Close() }

// Send seals and writes a ControlMessage as [4-byte BE length][nonce][ciphertext].
func (c *ControlConn) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal control payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := ControlMessage{
		Seq:     c.sendSeq.Add(1),
		Type:    msgType,
		Payload: raw,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal control envelope: %w", err)
	}
	if len(data) > MaxControlFrameSize {
		return fmt.Errorf("wire: control frame too large: %d > %d", len(data), MaxControlFrameSize)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("wire: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, data, nil)

	frame := make([]byte, 4+len(nonce)+len(sealed))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(nonce)+len(sealed)))
	copy(frame[4:], nonce)
	copy(frame[4+len(nonce):], sealed)

	_, err = c.conn.Write(frame)
	return err
}

// SendPlain writes a ControlMessage as [4-byte BE length][json], with no
// sealing and no sequence tracking. Used only for the unauthenticated
// pre-pairing exchange (ServerInfo, PairBegin/PairFinish), before a
// control key exists to build a ControlConn from.
func SendPlain(conn net.Conn, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal plain control payload: %w", err)
	}
	msg := ControlMessage{Type: msgType, Payload: raw}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal plain control envelope: %w", err)
	}
	if len(data) > MaxControlFrameSize {
		return fmt.Errorf("wire: plain control frame too large: %d > %d", len(data), MaxControlFrameSize)
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	_, err = conn.Write(frame)
	return err
}

// RecvPlain reads one unsealed length-prefixed ControlMessage.
func RecvPlain(conn net.Conn) (ControlMessage, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: read plain control header: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxControlFrameSize {
		return ControlMessage{}, fmt.Errorf("wire: plain control frame size %d out of range", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: read plain control body: %w", err)
	}
	var msg ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: unmarshal plain control envelope: %w", err)
	}
	return msg, nil
}

// Recv reads one sealed frame, verifies it, and validates the sequence
// is strictly increasing (no replay, no duplicate delivery).
func (c *ControlConn) Recv() (ControlMessage, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: read control header: %w", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MaxControlFrameSize {
		return ControlMessage{}, fmt.Errorf("wire: control frame size %d out of range", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: read control body: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(body) < nonceSize {
		return ControlMessage{}, herr.ErrShortPacket
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]

	data, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ControlMessage{}, herr.ErrAuthTagMismatch
	}

	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("wire: unmarshal control envelope: %w", err)
	}

	prev := c.recvSeq.Load()
	if msg.Seq <= prev && prev > 0 {
		return ControlMessage{}, herr.ErrSequenceReplay
	}
	c.recvSeq.Store(msg.Seq)

	return msg, nil
}
