// Package pairing implements the pairing/handshake service from
// spec.md §4.2: a PIN-backed, certificate-pinning handshake that
// derives per-session media and control keys, and the on-disk keystore
// of previously paired clients.
package pairing

import (
	"fmt"
	"sync"
	"time"

	"github.com/duskcast/streamhost/internal/logging"
)

var log = logging.L("pairing")

// State is one stage of a single pairing attempt's tagged-variant state
// machine (spec.md §9 "session state machine as tagged variant",
// reused here for the shorter-lived handshake).
type State int

const (
	StateIdle State = iota
	StateSaltIssued
	StateChallengeIssued
	StateClientVerified
	StateServerVerified
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSaltIssued:
		return "salt_issued"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateClientVerified:
		return "client_verified"
	case StateServerVerified:
		return "server_verified"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the only legal next-state moves. Any
// event delivered out of order drives the attempt straight to Failed.
var validTransitions = map[State]State{
	StateIdle:            StateSaltIssued,
	StateSaltIssued:      StateChallengeIssued,
	StateChallengeIssued: StateClientVerified,
	StateClientVerified:  StateServerVerified,
	StateServerVerified:  StateComplete,
}

// AttemptTimeout bounds how long a single pairing attempt may remain
// incomplete before it is expired.
const AttemptTimeout = 60 * time.Second

// Attempt tracks one in-progress pairing handshake.
type Attempt struct {
	mu       sync.Mutex
	state    State
	deadline time.Time // absolute timestamp, per spec.md §5's deadline rule

	clientID  string
	salt      []byte
	challenge []byte
	master    []byte // ECDH shared secret, cleared on Complete/Failed
}

// NewAttempt starts a fresh attempt for clientID with an absolute deadline.
func NewAttempt(clientID string, now time.Time) *Attempt {
	return &Attempt{
		state:    StateIdle,
		deadline: now.Add(AttemptTimeout),
		clientID: clientID,
	}
}

// Advance attempts the transition to next. Any attempt to move
// out of order, or past the deadline, fails the attempt permanently.
func (a *Attempt) Advance(next State, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateFailed || a.state == StateComplete {
		return fmt.Errorf("pairing: attempt for %s already terminal (%s)", a.clientID, a.state)
	}
	if now.After(a.deadline) {
		a.state = StateFailed
		return fmt.Errorf("pairing: attempt for %s expired", a.clientID)
	}
	if validTransitions[a.state] != next {
		a.state = StateFailed
		return fmt.Errorf("pairing: attempt for %s: illegal transition %s -> %s", a.clientID, a.state, next)
	}

	a.state = next
	if next == StateComplete {
		a.zeroMaster()
	}
	return nil
}

// Fail forces the attempt into the terminal Failed state.
func (a *Attempt) Fail(reason error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateFailed || a.state == StateComplete {
		return
	}
	log.Warn("pairing attempt failed", "client", a.clientID, "reason", reason)
	a.state = StateFailed
	a.zeroMaster()
}

func (a *Attempt) zeroMaster() {
	for i := range a.master {
		a.master[i] = 0
	}
	a.master = nil
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
