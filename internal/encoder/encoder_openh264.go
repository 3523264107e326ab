//go:build cgo

package encoder

import (
	"fmt"
	"sync"

	openh264 "github.com/y9o/go-openh264"
)

func init() {
	RegisterBackend("openh264", func() Backend { return &openh264Encoder{} })
}

// openh264Encoder wraps the Cisco OpenH264 binding the teacher's go.mod
// already names (and never wired up), giving the host a real H.264
// path instead of only the identity software stand-in.
type openh264Encoder struct {
	mu      sync.Mutex
	cfg     Config
	enc     *openh264.Encoder
	pending []Unit
}

func (e *openh264Encoder) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	params := openh264.EncoderParams{
		Width:              cfg.Width,
		Height:             cfg.Height,
		BitrateBps:         cfg.BitrateKbps * 1000,
		MaxFPS:             float32(cfg.FPS),
		IntraPeriodFrames:  (cfg.KeyframeIntervalMs * cfg.FPS) / 1000,
	}

	enc, err := openh264.NewEncoder(params)
	if err != nil {
		return fmt.Errorf("encoder: openh264 init: %w", err)
	}
	e.enc = enc
	e.cfg = cfg
	return nil
}

func (e *openh264Encoder) Submit(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	nal, isKeyframe, err := e.enc.EncodeYUV420(f.Data)
	if err != nil {
		return fmt.Errorf("encoder: openh264 encode: %w", err)
	}
	e.pending = append(e.pending, Unit{Data: nal, Keyframe: isKeyframe, PTS: f.PTS})
	return nil
}

func (e *openh264Encoder) PollOutput() (Unit, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return Unit{}, false, nil
	}
	u := e.pending[0]
	e.pending = e.pending[1:]
	return u, true, nil
}

func (e *openh264Encoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc != nil {
		e.enc.ForceIntraFrame()
	}
}

func (e *openh264Encoder) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil
	}
	e.enc.Close()
	enc, err := openh264.NewEncoder(openh264.EncoderParams{
		Width:             e.cfg.Width,
		Height:            e.cfg.Height,
		BitrateBps:        e.cfg.BitrateKbps * 1000,
		MaxFPS:            float32(e.cfg.FPS),
		IntraPeriodFrames: (e.cfg.KeyframeIntervalMs * e.cfg.FPS) / 1000,
	})
	if err != nil {
		return fmt.Errorf("encoder: openh264 reset: %w", err)
	}
	e.enc = enc
	e.pending = nil
	return nil
}

func (e *openh264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc != nil {
		e.enc.Close()
		e.enc = nil
	}
	return nil
}
