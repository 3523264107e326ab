package capture

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/duskcast/streamhost/internal/emulator"
)

// SyntheticConfig parameterizes the deterministic Synthetic source.
type SyntheticConfig struct {
	Width, Height int
	FPS           int
	SampleRate    int
	Channels      int
	// FrameLimit bounds the number of frames produced before Next
	// returns io.EOF; zero means unbounded (Next keeps producing frames
	// until Close). Tests use a small positive limit to make the stream
	// deterministic and finite.
	FrameLimit int
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	return c
}

// Synthetic is the deterministic, bounded-cadence capture backend
// spec.md §9 calls for: it produces solid-color NV12 frames (cycling
// through a small palette by frame index, so consecutive frames differ
// deterministically) and sine-wave PCM, with no dependency on any real
// display or emulator. It implements both Source and Handle since it
// needs no real window handle.
type Synthetic struct {
	cfg SyntheticConfig

	mu      sync.Mutex
	started time.Time
	index   int
	closed  bool
}

// NewSynthetic creates a Synthetic source/handle with cfg defaults
// filled in.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	return &Synthetic{cfg: cfg.withDefaults()}
}

// Open ignores the window handle (Synthetic needs none) and returns
// itself as the Handle, matching the single-capture-per-source use the
// Session makes of it.
func (s *Synthetic) Open(_ emulator.WindowHandle) (Handle, error) {
	return s, nil
}

var palette = [][3]byte{
	{0x10, 0x10, 0x10},
	{0x40, 0x40, 0x40},
	{0x70, 0x70, 0x70},
	{0xa0, 0xa0, 0xa0},
}

// Next produces the next frame at the configured cadence, blocking
// until it is due or ctx is canceled. Returns io.EOF once FrameLimit
// frames have been produced (if FrameLimit > 0).
func (s *Synthetic) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, io.EOF
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if s.cfg.FrameLimit > 0 && s.index >= s.cfg.FrameLimit {
		s.mu.Unlock()
		return Frame{}, io.EOF
	}
	idx := s.index
	s.index++
	s.mu.Unlock()

	interval := time.Second / time.Duration(s.cfg.FPS)
	due := s.started.Add(time.Duration(idx) * interval)
	if wait := time.Until(due); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-t.C:
		}
	}

	return Frame{
		Video: solidNV12(s.cfg.Width, s.cfg.Height, palette[idx%len(palette)]),
		Audio: sinePCM(s.cfg.SampleRate, s.cfg.Channels, idx, interval),
		PTS:   int64(idx) * int64(interval),
	}, nil
}

// Close marks the source exhausted; subsequent Next calls return io.EOF.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// solidNV12 fills a full NV12 frame (Y plane + interleaved UV plane)
// with a single luma/chroma value.
func solidNV12(width, height int, color [3]byte) []byte {
	y, u, v := rgbToYUV(color)
	ySize := width * height
	uvSize := ySize / 2
	out := make([]byte, ySize+uvSize)
	for i := 0; i < ySize; i++ {
		out[i] = y
	}
	for i := ySize; i < ySize+uvSize; i += 2 {
		out[i] = u
		out[i+1] = v
	}
	return out
}

func rgbToYUV(c [3]byte) (y, u, v byte) {
	r, g, b := float64(c[0]), float64(c[1]), float64(c[2])
	yy := 0.299*r + 0.587*g + 0.114*b
	uu := 128 + (-0.169*r - 0.331*g + 0.500*b)
	vv := 128 + (0.500*r - 0.419*g - 0.081*b)
	return clampByte(yy), clampByte(uu), clampByte(vv)
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// sinePCM generates one frame interval's worth of interleaved 16-bit
// PCM at a fixed 440Hz tone, phase-continuous across frame boundaries
// via the frame index.
func sinePCM(sampleRate, channels, frameIndex int, interval time.Duration) []int16 {
	samplesPerFrame := int(time.Duration(sampleRate) * interval / time.Second)
	startSample := frameIndex * samplesPerFrame
	const freq = 440.0
	out := make([]int16, samplesPerFrame*channels)
	for i := 0; i < samplesPerFrame; i++ {
		t := float64(startSample+i) / float64(sampleRate)
		v := int16(math.Sin(2*math.Pi*freq*t) * 0.25 * math.MaxInt16)
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = v
		}
	}
	return out
}
