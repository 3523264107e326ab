// Package wire implements the bit-exact packet formats from spec.md §6:
// the media packet header, the fixed input packet layout, and the
// length-prefixed authenticated control frame. None of these are
// RTP/RTCP/SRTP compatible; they are a small custom wire format.
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/duskcast/streamhost/internal/herr"
)

// MediaHeaderSize is the fixed 32-byte media packet header:
// flags(2) + streamID(2) + sequence(4) + timestamp(4) + fragIndex(2) +
// fragTotal(2) + authTag(16).
const MediaHeaderSize = 2 + 2 + 4 + 4 + 2 + 2 + 16

// AuthTagSize is the length of the per-packet short authentication tag.
const AuthTagSize = 16

// Flag bits for MediaHeader.Flags.
const (
	FlagKeyframe     uint16 = 1 << 0
	FlagLastFragment uint16 = 1 << 1 // set on exactly the final source fragment of a frame
	FlagFEC          uint16 = 1 << 2 // payload is a parity shard, not source data
)

// MediaHeader is the parsed form of a media packet's fixed header.
type MediaHeader struct {
	Flags        uint16
	StreamID     uint16
	Sequence     uint32
	Timestamp    uint32
	FragIndex    uint16 // low byte would overflow fragment counts > 255 in a
	FragTotal    uint16 // real deployment; kept at 16 bits per spec.md §6.
	AuthTag      [AuthTagSize]byte
}

// GetSequence, GetFragIndex, GetParityShards and IsKeyframe satisfy the
// packetizer package's headerLike interface without that package
// needing to import wire's AEAD machinery.
func (h MediaHeader) GetSequence() uint32    { return h.Sequence }
func (h MediaHeader) GetFragIndex() uint16   { return h.FragIndex }
func (h MediaHeader) IsKeyframe() bool       { return h.Flags&FlagKeyframe != 0 }
func (h MediaHeader) IsLastFragment() bool   { return h.Flags&FlagLastFragment != 0 }
func (h MediaHeader) GetParityShards() int   { return h.ParityShards() }
func (h MediaHeader) GetSourceShards() int   { return h.SourceShards() }

// SourceShards returns the declared FEC source-shard count, packed into
// the high byte of FragTotal (see SPEC_FULL.md §3 FEC group clarification).
func (h MediaHeader) SourceShards() int { return int(h.FragTotal >> 8) }

// ParityShards returns the declared FEC parity-shard count, packed into
// the low byte of FragTotal.
func (h MediaHeader) ParityShards() int { return int(h.FragTotal & 0xFF) }

// EncodeFragTotal packs a source/parity shard count pair into the
// FragTotal field so every packet self-describes its FEC group shape.
func EncodeFragTotal(sourceShards, parityShards int) uint16 {
	return uint16(sourceShards&0xFF)<<8 | uint16(parityShards&0xFF)
}

// MediaPacket pairs a header with its (decrypted) payload.
type MediaPacket struct {
	Header  MediaHeader
	Payload []byte
}

// MediaCodec encrypts/authenticates and decrypts/verifies media packets
// for one stream (video or audio) using a per-stream AES-GCM key. The
// 16-byte GCM tag fills the header's AuthTag field exactly; the nonce
// itself is never sent on the wire, only derived from the stream id,
// sequence number and fragment index that are already in the header.
type MediaCodec struct {
	streamID uint16
	aead     cipher.AEAD
}

// NewMediaCodec builds a codec bound to one stream id and key. key must
// be 16, 24, or 32 bytes (AES-128/192/256).
func NewMediaCodec(streamID uint16, key []byte) (*MediaCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: media codec key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: media codec gcm: %w", err)
	}
	return &MediaCodec{streamID: streamID, aead: aead}, nil
}

func (c *MediaCodec) nonce(sequence uint32, fragIndex uint16) []byte {
	n := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint16(n[0:2], c.streamID)
	binary.BigEndian.PutUint32(n[2:6], sequence)
	binary.BigEndian.PutUint16(n[6:8], fragIndex)
	return n
}

// Encode serializes a header and plaintext payload into a wire packet,
// authenticating the header fields as associated data and truncating
// the GCM tag to AuthTagSize.
func (c *MediaCodec) Encode(h MediaHeader, plaintext []byte) ([]byte, error) {
	h.StreamID = c.streamID
	ad := headerAD(h)
	nonce := c.nonce(h.Sequence, h.FragIndex)

	sealed := c.aead.Seal(nil, nonce, plaintext, ad)
	// sealed = ciphertext || 16-byte tag; ciphertext is same length as
	// plaintext since GCM is a stream cipher under the hood.
	ct := sealed[:len(sealed)-16]
	tag := sealed[len(sealed)-16:]
	copy(h.AuthTag[:], tag[:AuthTagSize])

	out := make([]byte, MediaHeaderSize+len(ct))
	putHeader(out, h)
	copy(out[MediaHeaderSize:], ct)
	return out, nil
}

// Decode parses and authenticates a wire packet, returning the header
// and plaintext payload.
func (c *MediaCodec) Decode(packet []byte) (MediaPacket, error) {
	if len(packet) < MediaHeaderSize {
		return MediaPacket{}, herr.ErrShortPacket
	}
	h := parseHeader(packet)
	ct := packet[MediaHeaderSize:]

	ad := headerAD(h)
	nonce := c.nonce(h.Sequence, h.FragIndex)

	sealed := append(append([]byte{}, ct...), h.AuthTag[:]...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return MediaPacket{}, herr.ErrAuthTagMismatch
	}
	return MediaPacket{Header: h, Payload: plaintext}, nil
}

// headerAD returns the header fields (minus the auth tag itself) as
// associated data for the AEAD, so a tampered header fails to verify.
func headerAD(h MediaHeader) []byte {
	ad := make([]byte, MediaHeaderSize-AuthTagSize)
	binary.BigEndian.PutUint16(ad[0:2], h.Flags)
	binary.BigEndian.PutUint16(ad[2:4], h.StreamID)
	binary.BigEndian.PutUint32(ad[4:8], h.Sequence)
	binary.BigEndian.PutUint32(ad[8:12], h.Timestamp)
	binary.BigEndian.PutUint16(ad[12:14], h.FragIndex)
	binary.BigEndian.PutUint16(ad[14:16], h.FragTotal)
	return ad
}

func putHeader(out []byte, h MediaHeader) {
	binary.BigEndian.PutUint16(out[0:2], h.Flags)
	binary.BigEndian.PutUint16(out[2:4], h.StreamID)
	binary.BigEndian.PutUint32(out[4:8], h.Sequence)
	binary.BigEndian.PutUint32(out[8:12], h.Timestamp)
	binary.BigEndian.PutUint16(out[12:14], h.FragIndex)
	binary.BigEndian.PutUint16(out[14:16], h.FragTotal)
	copy(out[16:32], h.AuthTag[:])
}

func parseHeader(in []byte) MediaHeader {
	var h MediaHeader
	h.Flags = binary.BigEndian.Uint16(in[0:2])
	h.StreamID = binary.BigEndian.Uint16(in[2:4])
	h.Sequence = binary.BigEndian.Uint32(in[4:8])
	h.Timestamp = binary.BigEndian.Uint32(in[8:12])
	h.FragIndex = binary.BigEndian.Uint16(in[12:14])
	h.FragTotal = binary.BigEndian.Uint16(in[14:16])
	copy(h.AuthTag[:], in[16:32])
	return h
}
