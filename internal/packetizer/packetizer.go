// Package packetizer implements the Packetizer/Depacketizer component
// from spec.md §4.7: MTU-sized fragmentation of encoded video units
// with Reed-Solomon FEC, and single-packet-per-frame audio.
package packetizer

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"

	"github.com/duskcast/streamhost/internal/herr"
	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/wire"
)

// lengthPrefixSize is the size of the original-unit-length prefix placed
// ahead of the source data before fragmentation, so the depacketizer can
// truncate the Reed-Solomon padding added to the last source shard and
// reassemble a byte-exact frame (spec.md P6) even when len(data) isn't a
// multiple of the MTU.
const lengthPrefixSize = 4

var log = logging.L("packetizer")

// Packetizer fragments one encoder Unit into wire.MediaPacket-ready
// payloads, adding Reed-Solomon parity shards over the fragment group.
type Packetizer struct {
	streamID     uint16
	mtu          int
	parityPct    int
}

// New creates a packetizer for streamID, fragmenting into payloads of at
// most mtu bytes and adding parityPct% parity shards per frame (e.g. 25
// for the default 8 source / 2 parity shape).
func New(streamID uint16, mtu, parityPct int) *Packetizer {
	return &Packetizer{streamID: streamID, mtu: mtu, parityPct: parityPct}
}

// Fragment splits data into <= mtu-byte source shards, pads the last
// shard to match shard length (required by Reed-Solomon), computes
// parity shards, and returns one (header-less) payload per shard in
// transmission order: all source shards, then all parity shards.
// baseSeq is the sequence number of the frame's first shard; each
// subsequent shard's sequence is baseSeq+fragIndex, keeping the
// per-stream sequence strictly increasing across every packet the host
// emits (spec.md I3/P1), not just across frames.
func (p *Packetizer) Fragment(baseSeq, timestamp uint32, data []byte, keyframe bool) ([]wire.MediaHeader, [][]byte, error) {
	prefixed := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(prefixed[:lengthPrefixSize], uint32(len(data)))
	copy(prefixed[lengthPrefixSize:], data)

	sourceCount := (len(prefixed) + p.mtu - 1) / p.mtu
	if sourceCount == 0 {
		sourceCount = 1
	}
	parityCount := (sourceCount*p.parityPct + 99) / 100
	if parityCount == 0 && p.parityPct > 0 {
		parityCount = 1
	}
	if sourceCount > 255 || parityCount > 255 {
		return nil, nil, herr.ErrInvalidResolution
	}

	shardLen := p.mtu
	shards := make([][]byte, sourceCount+parityCount)
	for i := 0; i < sourceCount; i++ {
		start := i * p.mtu
		end := start + p.mtu
		if end > len(prefixed) {
			end = len(prefixed)
		}
		shard := make([]byte, shardLen)
		copy(shard, prefixed[start:end])
		shards[i] = shard
	}
	for i := sourceCount; i < sourceCount+parityCount; i++ {
		shards[i] = make([]byte, shardLen)
	}

	if parityCount > 0 {
		enc, err := reedsolomon.New(sourceCount, parityCount)
		if err != nil {
			return nil, nil, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, nil, err
		}
	}

	headers := make([]wire.MediaHeader, len(shards))
	total := wire.EncodeFragTotal(sourceCount, parityCount)
	for i := range shards {
		flags := uint16(0)
		if keyframe {
			flags |= wire.FlagKeyframe
		}
		if i == sourceCount-1 {
			flags |= wire.FlagLastFragment
		}
		if i >= sourceCount {
			flags |= wire.FlagFEC
		}
		headers[i] = wire.MediaHeader{
			Flags:     flags,
			StreamID:  p.streamID,
			Sequence:  baseSeq + uint32(i),
			Timestamp: timestamp,
			FragIndex: uint16(i),
			FragTotal: total,
		}
	}

	return headers, shards, nil
}
