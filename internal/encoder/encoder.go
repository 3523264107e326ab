// Package encoder implements the Hardware Encoder component from
// spec.md §4.6: a pluggable backend abstraction around whatever H.264
// implementation is available, plus a deterministic software backend
// for byte-exact pipeline tests.
package encoder

import (
	"fmt"
	"sync"

	"github.com/duskcast/streamhost/internal/herr"
	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("encoder")

// Codec names a supported video codec.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// Config is the negotiated encoder configuration for one stream.
type Config struct {
	Codec              Codec
	Width              int
	Height             int
	FPS                int
	BitrateKbps        int
	KeyframeIntervalMs int
}

func (c Config) Validate() error {
	if c.Codec != CodecH264 && c.Codec != CodecH265 {
		return herr.ErrInvalidCodec
	}
	if c.Width <= 0 || c.Height <= 0 {
		return herr.ErrInvalidResolution
	}
	if c.BitrateKbps <= 0 {
		return herr.ErrInvalidBitrate
	}
	return nil
}

// Frame is one raw captured frame (NV12 plane data) submitted for
// encoding.
type Frame struct {
	Data []byte
	PTS  int64
}

// Unit is one encoded access unit produced by a Backend.
type Unit struct {
	Data     []byte
	Keyframe bool
	PTS      int64
}

// Backend is the capability interface every concrete encoder
// implementation satisfies.
type Backend interface {
	Configure(cfg Config) error
	Submit(f Frame) error
	PollOutput() (Unit, bool, error)
	Reset() error
	Close() error
}

// keyframer is an optional capability: backends that can force an IDR
// out of band (without waiting for the next keyframe interval) implement
// it; others fall back to Reset().
type keyframer interface {
	ForceKeyframe()
}

// flusher is an optional capability: backends that buffer frames before
// emitting output implement it so Flush can push any pending units out.
type flusher interface {
	Flush() error
}

type backendFactory func() Backend

var (
	factoryMu sync.Mutex
	factories = map[string]backendFactory{}
)

// RegisterBackend makes a named backend available to NewVideoEncoder.
// Platform build-tagged files call this from their init().
func RegisterBackend(name string, factory backendFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

func lookupBackend(name string) (Backend, bool) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	f, ok := factories[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// VideoEncoder wraps a Backend with the coalesced keyframe-request and
// lifecycle handling common to every backend.
type VideoEncoder struct {
	mu      sync.Mutex
	backend Backend
	cfg     Config
	name    string
}

// NewVideoEncoder instantiates the named backend ("software", "openh264", ...)
// and configures it. Falls back to "software" if name is empty or unknown,
// mirroring the host's hardware-then-software fallback chain.
func NewVideoEncoder(name string, cfg Config) (*VideoEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if name == "" {
		name = "software"
	}
	backend, ok := lookupBackend(name)
	if !ok {
		log.Warn("encoder backend unavailable, falling back to software", "requested", name)
		backend, ok = lookupBackend("software")
		if !ok {
			return nil, fmt.Errorf("encoder: no backend registered, not even software")
		}
		name = "software"
	}

	if err := backend.Configure(cfg); err != nil {
		return nil, fmt.Errorf("encoder: configure %s backend: %w", name, err)
	}

	return &VideoEncoder{backend: backend, cfg: cfg, name: name}, nil
}

// Submit pushes one raw frame into the backend.
func (e *VideoEncoder) Submit(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.Submit(f)
}

// PollOutput retrieves the next encoded unit, if any is ready.
func (e *VideoEncoder) PollOutput() (Unit, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.PollOutput()
}

// ForceKeyframe requests an out-of-band IDR, coalesced by the caller
// within one frame interval (the Session tracks a "keyframe already
// pending" flag so repeated control-plane requests don't thrash the
// encoder).
func (e *VideoEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kf, ok := e.backend.(keyframer); ok {
		kf.ForceKeyframe()
		return
	}
	if err := e.backend.Reset(); err != nil {
		log.Warn("encoder: reset as keyframe fallback failed", "backend", e.name, "error", err)
	}
}

// Flush drains any buffered output, if the backend supports it.
func (e *VideoEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fl, ok := e.backend.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// Close releases the backend.
func (e *VideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.Close()
}
