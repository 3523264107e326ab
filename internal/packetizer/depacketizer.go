package packetizer

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"

	"github.com/duskcast/streamhost/internal/herr"
)

// group tracks the fragments received so far for one (sequence,
// timestamp) frame, mirroring the access-unit reassembly state machine
// used for NAL-unit depacketization, but keyed on FEC group shape
// instead of RTP marker bits.
type group struct {
	sourceCount int
	parityCount int
	shards      [][]byte
	haveMask    []bool
	haveCount   int
	keyframe    bool
	delivered   bool
}

// Depacketizer reassembles frames from a stream of MediaPackets,
// recovering missing source shards from parity when possible. Every
// fragment carries its own strictly-increasing per-stream sequence
// number (spec.md I3/P1); a frame's group key is derived as
// sequence-fragIndex (the first shard's sequence) rather than carried
// as a separate field, so sequence numbers never repeat within a frame.
type Depacketizer struct {
	groups map[uint32]*group // keyed by the frame's first-shard sequence
	// lastDelivered tracks the highest group key already handed to the
	// caller, so fragments for an already-delivered or already-expired
	// frame are discarded instead of silently reassembled twice.
	lastDelivered uint32
	haveDelivered bool
}

// New creates an empty depacketizer.
func New() *Depacketizer {
	return &Depacketizer{groups: make(map[uint32]*group)}
}

// Accept processes one received shard. It returns (frameData, true, nil)
// once the frame is fully reassembled (directly or via FEC recovery).
func (d *Depacketizer) Accept(h headerLike, payload []byte) ([]byte, bool, error) {
	groupKey := h.GetSequence() - uint32(h.GetFragIndex())

	if d.haveDelivered && groupKey <= d.lastDelivered {
		return nil, false, nil // late fragment for an already-delivered frame
	}

	g, ok := d.groups[groupKey]
	if !ok {
		src, par := h.GetSourceShards(), h.GetParityShards()
		if src <= 0 {
			return nil, false, herr.ErrFECUnrecoverable
		}
		g = &group{
			sourceCount: src,
			parityCount: par,
			shards:      make([][]byte, src+par),
			haveMask:    make([]bool, src+par),
			keyframe:    h.IsKeyframe(),
		}
		d.groups[groupKey] = g
	}

	idx := int(h.GetFragIndex())
	if idx < 0 || idx >= len(g.shards) {
		return nil, false, herr.ErrShortPacket
	}
	if !g.haveMask[idx] {
		g.shards[idx] = payload
		g.haveMask[idx] = true
		g.haveCount++
	}

	haveSource := 0
	for i := 0; i < g.sourceCount; i++ {
		if g.haveMask[i] {
			haveSource++
		}
	}
	if haveSource < g.sourceCount {
		if g.haveCount < g.sourceCount {
			return nil, false, nil // not enough shards yet, or not recoverable yet
		}
		if err := d.recover(g); err != nil {
			return nil, false, nil // still short; wait for more shards or give up on timeout
		}
	}

	frame, err := reassemble(g)
	if err != nil {
		delete(d.groups, groupKey)
		return nil, false, err
	}
	g.delivered = true
	delete(d.groups, groupKey)
	d.lastDelivered = groupKey
	d.haveDelivered = true
	return frame, true, nil
}

func (d *Depacketizer) recover(g *group) error {
	if g.parityCount == 0 {
		return herr.ErrFECUnrecoverable
	}
	enc, err := reedsolomon.New(g.sourceCount, g.parityCount)
	if err != nil {
		return err
	}
	shards := make([][]byte, len(g.shards))
	for i, s := range g.shards {
		if g.haveMask[i] {
			shards[i] = s
		}
	}
	if err := enc.Reconstruct(shards); err != nil {
		return herr.ErrFECUnrecoverable
	}
	g.shards = shards
	for i := range g.haveMask {
		g.haveMask[i] = true
	}
	g.haveCount = len(g.shards)
	return nil
}

// reassemble concatenates the source shards and strips the 4-byte
// original-length prefix the packetizer embeds ahead of the frame data,
// truncating the Reed-Solomon padding added to the last source shard so
// the result is byte-exact (spec.md P6) regardless of MTU alignment.
func reassemble(g *group) ([]byte, error) {
	var out []byte
	for i := 0; i < g.sourceCount; i++ {
		out = append(out, g.shards[i]...)
	}
	if len(out) < lengthPrefixSize {
		return nil, herr.ErrShortPacket
	}
	length := binary.BigEndian.Uint32(out[:lengthPrefixSize])
	out = out[lengthPrefixSize:]
	if int(length) > len(out) {
		return nil, herr.ErrShortPacket
	}
	return out[:length], nil
}

// headerLike is the subset of wire.MediaHeader the depacketizer needs,
// expressed as an interface so tests can exercise it without importing
// the wire package's AEAD machinery.
type headerLike interface {
	GetSequence() uint32
	GetFragIndex() uint16
	GetSourceShards() int
	GetParityShards() int
	IsKeyframe() bool
}
