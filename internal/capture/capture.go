// Package capture implements the Capture Source component from
// spec.md §4.5: a narrow platform-collaborator interface plus a
// deterministic software stand-in, mirroring the teacher's
// ScreenCapturer abstraction in remote/desktop/capture.go (Open/Next in
// place of Capture/CaptureRegion, generalized from a screen-pixel
// source to the emulator's framebuffer+audio output).
package capture

import (
	"context"
	"errors"

	"github.com/duskcast/streamhost/internal/emulator"
)

// Frame is one captured video+audio sample pulled from the source.
// Video is NV12 (Y plane followed by interleaved UV plane); Audio is
// interleaved 16-bit PCM at the negotiated sample rate/channel count.
// A Frame may carry video, audio, or both, matching how a real capture
// backend would deliver whichever is ready first.
type Frame struct {
	Video []byte
	Audio []int16
	PTS   int64
}

// Handle is an open capture session against one emulator window.
type Handle interface {
	// Next blocks until the next frame is available, ctx is canceled,
	// or the source is exhausted (io.EOF) or fails (any other error).
	Next(ctx context.Context) (Frame, error)
	// Close releases the capture session's resources.
	Close() error
}

// Source opens capture handles against an emulator's render surface.
type Source interface {
	Open(handle emulator.WindowHandle) (Handle, error)
}

// ErrNotSupported is returned by platform Source implementations when
// no capture backend is available on the current platform.
var ErrNotSupported = errors.New("capture: not supported on this platform")
