package realtime

import "fmt"

// State is a Session lifecycle state.
type State int

const (
	// StateCreated is the instant before the room document write.
	StateCreated State = iota
	// StateSubscribing spans the room write and subscription setup.
	StateSubscribing
	// StateActive is steady-state event delivery.
	StateActive
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions defines valid state transitions.
var transitions = map[State][]State{
	StateCreated:     {StateSubscribing, StateStopped},
	StateSubscribing: {StateActive, StateFailed, StateStopped},
	StateActive:      {StateStopped, StateFailed},
	StateStopped:     {}, // Terminal state
	StateFailed:      {}, // Terminal state
}

// CanTransition reports whether from -> to is a valid transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}
