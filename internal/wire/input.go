package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/duskcast/streamhost/internal/herr"
)

// InputPacketSize is the fixed length of every input packet on the
// wire, zero-padded when optional fields are unused, so parsing never
// has to branch on packet shape.
const InputPacketSize = 64

// InputPacketType is the wire constant identifying a controller input
// packet, sent in the first two bytes of every InputPacket.
const InputPacketType uint16 = 0x0C

// InputPacket is the fixed-layout control-surface event sent on the
// input UDP channel. Layout (64 bytes total, network byte order):
//
//	packetType  uint16  offset 0   (InputPacketType, 0x0C)
//	sequence    uint16  offset 2
//	timestamp   uint32  offset 4   (monotonic client ms)
//	controller  uint8   offset 8
//	reserved    uint8   offset 9   (zero)
//	buttonMask  uint32  offset 10
//	axisLX      int16   offset 14
//	axisLY      int16   offset 16
//	axisRX      int16   offset 18
//	axisRY      int16   offset 20
//	triggerL    uint8   offset 22
//	triggerR    uint8   offset 23
//	accelX      int16   offset 24
//	accelY      int16   offset 26
//	accelZ      int16   offset 28
//	gyroX       int16   offset 30
//	gyroY       int16   offset 32
//	gyroZ       int16   offset 34
//	pointerX    int16   offset 36
//	pointerY    int16   offset 38
//	reserved    [8]byte offset 40  (zero-filled)
//	authTag     [16]byte offset 48
type InputPacket struct {
	Sequence   uint16
	Timestamp  uint32
	Controller uint8
	ButtonMask uint32
	AxisLX     int16
	AxisLY     int16
	AxisRX     int16
	AxisRY     int16
	TriggerL   uint8
	TriggerR   uint8
	AccelX     int16
	AccelY     int16
	AccelZ     int16
	GyroX      int16
	GyroY      int16
	GyroZ      int16
	PointerX   int16
	PointerY   int16
}

// inputPlaintextSize is the portion of the packet authenticated as
// associated data: everything before the trailing auth tag.
const inputPlaintextSize = InputPacketSize - AuthTagSize

func putInputFields(out []byte, p InputPacket) {
	binary.BigEndian.PutUint16(out[0:2], InputPacketType)
	binary.BigEndian.PutUint16(out[2:4], p.Sequence)
	binary.BigEndian.PutUint32(out[4:8], p.Timestamp)
	out[8] = p.Controller
	out[9] = 0
	binary.BigEndian.PutUint32(out[10:14], p.ButtonMask)
	binary.BigEndian.PutUint16(out[14:16], uint16(p.AxisLX))
	binary.BigEndian.PutUint16(out[16:18], uint16(p.AxisLY))
	binary.BigEndian.PutUint16(out[18:20], uint16(p.AxisRX))
	binary.BigEndian.PutUint16(out[20:22], uint16(p.AxisRY))
	out[22] = p.TriggerL
	out[23] = p.TriggerR
	binary.BigEndian.PutUint16(out[24:26], uint16(p.AccelX))
	binary.BigEndian.PutUint16(out[26:28], uint16(p.AccelY))
	binary.BigEndian.PutUint16(out[28:30], uint16(p.AccelZ))
	binary.BigEndian.PutUint16(out[30:32], uint16(p.GyroX))
	binary.BigEndian.PutUint16(out[32:34], uint16(p.GyroY))
	binary.BigEndian.PutUint16(out[34:36], uint16(p.GyroZ))
	binary.BigEndian.PutUint16(out[36:38], uint16(p.PointerX))
	binary.BigEndian.PutUint16(out[38:40], uint16(p.PointerY))
	for i := 40; i < inputPlaintextSize; i++ {
		out[i] = 0
	}
}

func parseInputFields(in []byte) InputPacket {
	var p InputPacket
	p.Sequence = binary.BigEndian.Uint16(in[2:4])
	p.Timestamp = binary.BigEndian.Uint32(in[4:8])
	p.Controller = in[8]
	p.ButtonMask = binary.BigEndian.Uint32(in[10:14])
	p.AxisLX = int16(binary.BigEndian.Uint16(in[14:16]))
	p.AxisLY = int16(binary.BigEndian.Uint16(in[16:18]))
	p.AxisRX = int16(binary.BigEndian.Uint16(in[18:20]))
	p.AxisRY = int16(binary.BigEndian.Uint16(in[20:22]))
	p.TriggerL = in[22]
	p.TriggerR = in[23]
	p.AccelX = int16(binary.BigEndian.Uint16(in[24:26]))
	p.AccelY = int16(binary.BigEndian.Uint16(in[26:28]))
	p.AccelZ = int16(binary.BigEndian.Uint16(in[28:30]))
	p.GyroX = int16(binary.BigEndian.Uint16(in[30:32]))
	p.GyroY = int16(binary.BigEndian.Uint16(in[32:34]))
	p.GyroZ = int16(binary.BigEndian.Uint16(in[34:36]))
	p.PointerX = int16(binary.BigEndian.Uint16(in[36:38]))
	p.PointerY = int16(binary.BigEndian.Uint16(in[38:40]))
	return p
}

// InputCodec authenticates input packets with the per-session input key,
// mirroring MediaCodec's truncated-GCM-tag-over-associated-data scheme:
// the controller state itself is not secret, so the whole plaintext
// region is carried as associated data under an empty ciphertext and the
// 16-byte GCM tag fills the packet's trailing AuthTag field exactly.
type InputCodec struct {
	aead cipher.AEAD
}

// NewInputCodec builds a codec bound to a session's input key. key must
// be 16, 24, or 32 bytes (AES-128/192/256).
func NewInputCodec(key []byte) (*InputCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: input codec key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: input codec gcm: %w", err)
	}
	return &InputCodec{aead: aead}, nil
}

// nonce is derived from the controller index and sequence/timestamp
// already present in the packet, so no extra bytes need to ride the
// wire to keep each (key, nonce) pair unique.
func (c *InputCodec) nonce(p InputPacket) []byte {
	n := make([]byte, c.aead.NonceSize())
	n[0] = p.Controller
	binary.BigEndian.PutUint16(n[1:3], p.Sequence)
	binary.BigEndian.PutUint32(n[3:7], p.Timestamp)
	return n
}

// Encode serializes and authenticates p into a fixed 64-byte buffer.
func (c *InputCodec) Encode(p InputPacket) ([InputPacketSize]byte, error) {
	var out [InputPacketSize]byte
	putInputFields(out[:], p)

	nonce := c.nonce(p)
	tag := c.aead.Seal(nil, nonce, nil, out[:inputPlaintextSize])
	copy(out[inputPlaintextSize:], tag)
	return out, nil
}

// Decode parses and authenticates a fixed 64-byte buffer into an
// InputPacket, rejecting it with herr.ErrAuthTagMismatch if the trailing
// tag does not verify.
func (c *InputCodec) Decode(buf []byte) (InputPacket, error) {
	if len(buf) != InputPacketSize {
		return InputPacket{}, herr.ErrShortPacket
	}
	p := parseInputFields(buf)
	nonce := c.nonce(p)
	tag := buf[inputPlaintextSize:]
	if _, err := c.aead.Open(nil, nonce, tag, buf[:inputPlaintextSize]); err != nil {
		return InputPacket{}, herr.ErrAuthTagMismatch
	}
	return p, nil
}
