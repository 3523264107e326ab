package session

import (
	"sync/atomic"
	"time"
)

// Stats is the non-blocking Observe() snapshot from spec.md §4.4.
type Stats struct {
	State                  State
	Uptime                 time.Duration
	FramesCaptured         uint64
	FramesEncoded          uint64
	VideoPacketsSent       uint64
	AudioPacketsSent       uint64
	PacketsDropped         uint64
	KeyframesSent          uint64
	CaptureStalls          uint64
	InputApplied           uint64
	InputDuplicatesDropped uint64
	InputOutOfOrderDropped uint64
}

// counters holds the live atomics a running session updates; Observe
// copies them into an immutable Stats value.
type counters struct {
	framesCaptured   atomic.Uint64
	framesEncoded    atomic.Uint64
	videoPacketsSent atomic.Uint64
	audioPacketsSent atomic.Uint64
	packetsDropped   atomic.Uint64
	keyframesSent    atomic.Uint64
	captureStalls    atomic.Uint64
	inputApplied     atomic.Uint64
	inputDuplicates  atomic.Uint64
	inputOutOfOrder  atomic.Uint64
}

func (c *counters) snapshot(state State, startedAt time.Time) Stats {
	return Stats{
		State:                  state,
		Uptime:                 time.Since(startedAt),
		FramesCaptured:         c.framesCaptured.Load(),
		FramesEncoded:          c.framesEncoded.Load(),
		VideoPacketsSent:       c.videoPacketsSent.Load(),
		AudioPacketsSent:       c.audioPacketsSent.Load(),
		PacketsDropped:         c.packetsDropped.Load(),
		KeyframesSent:          c.keyframesSent.Load(),
		CaptureStalls:          c.captureStalls.Load(),
		InputApplied:           c.inputApplied.Load(),
		InputDuplicatesDropped: c.inputDuplicates.Load(),
		InputOutOfOrderDropped: c.inputOutOfOrder.Load(),
	}
}
