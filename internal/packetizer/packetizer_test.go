package packetizer

import (
	"bytes"
	"testing"

	"github.com/duskcast/streamhost/internal/wire"
)

func sampleFrame(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestFragmentAndReassembleNoLoss(t *testing.T) {
	p := New(1, 256, 25)
	data := sampleFrame(1000)

	headers, shards, err := p.Fragment(1, 1000, data, true)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	d := New()
	var out []byte
	var done bool
	for i, h := range headers {
		out, done, err = d.Accept(h, shards[i])
		if err != nil {
			t.Fatalf("Accept shard %d: %v", i, err)
		}
		if done {
			break
		}
	}
	if !done {
		t.Fatal("expected frame to be fully reassembled")
	}
	if len(out) != len(data) {
		t.Fatalf("reassembled length = %d, want %d", len(out), len(data))
	}
	if !bytes.Equal(out, data) {
		t.Fatal("reassembled frame does not match original")
	}
}

func TestReassembleRecoversFromMissingSourceShard(t *testing.T) {
	p := New(1, 256, 25)
	data := sampleFrame(1000)

	headers, shards, err := p.Fragment(2, 2000, data, false)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	sourceCount := headers[0].GetSourceShards()
	d := New()
	var out []byte
	var done bool
	for i, h := range headers {
		if i == 1 {
			continue // drop one source shard; parity should cover it
		}
		out, done, err = d.Accept(h, shards[i])
		if err != nil {
			t.Fatalf("Accept shard %d: %v", i, err)
		}
		if done {
			break
		}
	}
	if !done {
		t.Fatalf("expected recovery to succeed with %d source shards, one missing", sourceCount)
	}
	if len(out) != len(data) {
		t.Fatalf("recovered length = %d, want %d", len(out), len(data))
	}
	if !bytes.Equal(out, data) {
		t.Fatal("recovered frame does not match original")
	}
}

func TestLateFragmentForDeliveredFrameIsIgnored(t *testing.T) {
	p := New(1, 256, 0)
	data := sampleFrame(100)
	headers, shards, err := p.Fragment(3, 3000, data, true)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	d := New()
	for i, h := range headers {
		if _, done, _ := d.Accept(h, shards[i]); done {
			break
		}
	}

	// Re-deliver the first shard again after the frame was reassembled.
	_, done, err := d.Accept(headers[0], shards[0])
	if err != nil {
		t.Fatalf("Accept late shard: %v", err)
	}
	if done {
		t.Fatal("expected late fragment for delivered frame to be ignored")
	}
}

var _ = wire.FlagKeyframe
