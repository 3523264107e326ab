package session

import "sync/atomic"

// State is the Session state-machine discriminant from spec.md §4.4,
// stored as an atomic word so Observe() never blocks a task goroutine
// (pattern grounded on the teacher's atomic.Bool-guarded Session fields
// in remote/desktop/session.go, generalized into an explicit enum).
type State int32

const (
	StateNegotiating State = iota
	StateLaunching
	StateStreaming
	StateDegraded
	StateTearingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "Negotiating"
	case StateLaunching:
		return "Launching"
	case StateStreaming:
		return "Streaming"
	case StateDegraded:
		return "Degraded"
	case StateTearingDown:
		return "TearingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// validNext enumerates the legal transitions from spec.md §4.4's state
// diagram. Terminated has no outgoing edges.
var validNext = map[State][]State{
	StateNegotiating: {StateLaunching, StateTearingDown},
	StateLaunching:   {StateStreaming, StateTearingDown},
	StateStreaming:   {StateDegraded, StateTearingDown},
	StateDegraded:    {StateStreaming, StateTearingDown},
	StateTearingDown: {StateTerminated},
	StateTerminated:  {},
}

func allowed(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

type stateWord struct {
	v atomic.Int32
}

func (w *stateWord) load() State { return State(w.v.Load()) }

// transition attempts to move from the current state to to, failing
// (returning false) if the edge is not in validNext. Loops on CAS
// failure so concurrent callers never clobber each other's transition.
func (w *stateWord) transition(to State) bool {
	for {
		cur := State(w.v.Load())
		if !allowed(cur, to) {
			return false
		}
		if w.v.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// force sets the state unconditionally; used only at construction.
func (w *stateWord) force(s State) { w.v.Store(int32(s)) }
