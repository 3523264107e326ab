// Package registry implements the Session Registry from spec.md §4.3:
// process-wide admission control and lookup over active sessions.
// Concurrency model grounded on the teacher's "avoid one global lock"
// idiom (the striped rate limiter in the deleted internal/ipc package,
// now internal/pairing/ratelimit.go) applied to admission, plus
// sync.Map for wait-free session lookup.
package registry

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/session"
)

var log = logging.L("registry")

// RejectReason names why TryAdmit refused a client, per spec.md §4.3.
type RejectReason string

const (
	ReasonAtCapacity      RejectReason = "AtCapacity"
	ReasonAlreadyActive   RejectReason = "AlreadyActive"
	ReasonUnpaired        RejectReason = "Unpaired"
	ReasonConfigUnsupported RejectReason = "ConfigUnsupported"
)

// RejectedError is returned by TryAdmit when admission is refused.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string { return fmt.Sprintf("registry: rejected: %s", e.Reason) }

const admissionStripes = 16

// Registry is a concurrent mapping from SessionId to session.Handle,
// with capacity-bounded admission control.
type Registry struct {
	cap int

	sessions sync.Map // session id (string) -> *session.Handle
	count    atomic.Int64

	// admitMu stripes admission by ClientId hash so unrelated clients
	// never serialize on the same mutex, while any two attempts for
	// the same ClientId always do (enforcing spec.md I1: at most one
	// active session per client).
	admitMu   [admissionStripes]sync.Mutex
	byClient  sync.Map // client id (string) -> session id (string)
}

// IsKnown reports whether a client is paired; the caller (the control
// plane handler) supplies this since pairing state lives in
// internal/pairing, which Registry does not depend on to avoid an
// import cycle with Session's pairing-derived key material.
type IsKnownFunc func(clientID string) bool

// New creates a Registry with the given capacity cap (spec.md default 10).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 10
	}
	return &Registry{cap: capacity}
}

func stripeFor(clientID string) int {
	sum := sha256.Sum256([]byte(clientID))
	return int(sum[0]) % admissionStripes
}

// TryAdmit admits clientID into a new session if paired, not already
// active, and the registry has spare capacity. cfg is checked with
// cfg.Validate first; an invalid cfg is rejected with ConfigUnsupported
// before any admission state is touched.
func (r *Registry) TryAdmit(clientID string, cfg session.Config, isKnown IsKnownFunc, deps session.Deps) (*session.Handle, error) {
	if isKnown != nil && !isKnown(clientID) {
		return nil, &RejectedError{Reason: ReasonUnpaired}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &RejectedError{Reason: ReasonConfigUnsupported}
	}

	stripe := &r.admitMu[stripeFor(clientID)]
	stripe.Lock()
	defer stripe.Unlock()

	if _, active := r.byClient.Load(clientID); active {
		return nil, &RejectedError{Reason: ReasonAlreadyActive}
	}
	// Reserve the slot with a CAS: clients in different stripes admit
	// concurrently, so a plain load-then-add could overshoot the cap.
	for {
		n := r.count.Load()
		if int(n) >= r.cap {
			return nil, &RejectedError{Reason: ReasonAtCapacity}
		}
		if r.count.CompareAndSwap(n, n+1) {
			break
		}
	}

	h := session.New(clientID, cfg, deps)
	r.sessions.Store(h.ID(), h)
	r.byClient.Store(clientID, h.ID())

	// A session can tear itself down (peer heartbeat timeout, emulator
	// exit) without anyone calling Terminate; without this the registry
	// slot would leak until the control connection's own close path
	// happened to call Terminate too. Terminate's LoadAndDelete makes the
	// two paths idempotent regardless of which runs first.
	h.SetOnTerminated(func() { r.Terminate(h.ID()) })

	log.Info("session admitted", "client", clientID, "session", h.ID())
	return h, nil
}

// Lookup returns the session handle for id, if any.
func (r *Registry) Lookup(id string) (*session.Handle, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session.Handle), true
}

// Terminate stops and removes the session identified by id.
func (r *Registry) Terminate(id string) {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	h := v.(*session.Handle)
	r.byClient.Delete(h.ClientID())
	r.count.Add(-1)
	h.Stop()
	log.Info("session terminated", "session", id)
}

// Count returns the number of currently active sessions.
func (r *Registry) Count() int { return int(r.count.Load()) }
