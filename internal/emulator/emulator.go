// Package emulator defines the minimal surface a console/emulator
// process must expose to internal/session. The emulator process itself
// is an out-of-scope collaborator per spec.md §1/§9: this package owns
// nothing but the consumed interface and a deterministic stand-in used
// by tests, mirroring how the teacher treats ScreenCapturer in
// remote/desktop/capture.go as a platform collaborator behind a narrow
// interface rather than something the agent implements itself.
package emulator

import (
	"sync"

	"github.com/duskcast/streamhost/internal/wire"
)

// WindowHandle identifies the emulator's render surface to a capture
// backend. Its concrete shape is platform-specific (an HWND, an X11
// Window id, a Wayland surface); Session only ever passes it through.
type WindowHandle uintptr

// Process is the minimal surface internal/session needs from a running
// emulator instance.
type Process interface {
	// WindowHandle returns the render surface to capture.
	WindowHandle() WindowHandle
	// Alive is closed when the emulator process exits, expectedly or
	// not; the session treats closure as a capture-ended condition.
	Alive() <-chan struct{}
	// InjectInput delivers one decoded input event to the emulator's
	// virtual controller/keyboard/mouse backend.
	InjectInput(wire.InputPacket) error
}

// Stub is a deterministic in-memory Process for tests and the software
// capture stand-in: it never exits on its own and records injected
// input for assertions.
type Stub struct {
	handle WindowHandle

	mu     sync.Mutex
	closed bool
	alive  chan struct{}

	injected []wire.InputPacket
}

// NewStub creates a Stub bound to an arbitrary, non-zero window handle.
func NewStub() *Stub {
	return &Stub{handle: WindowHandle(1), alive: make(chan struct{})}
}

func (s *Stub) WindowHandle() WindowHandle { return s.handle }

func (s *Stub) Alive() <-chan struct{} { return s.alive }

func (s *Stub) InjectInput(p wire.InputPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, p)
	return nil
}

// Injected returns a copy of every input packet delivered so far.
func (s *Stub) Injected() []wire.InputPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.InputPacket, len(s.injected))
	copy(out, s.injected)
	return out
}

// Exit simulates emulator process termination, closing Alive() exactly
// once.
func (s *Stub) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.alive)
}
