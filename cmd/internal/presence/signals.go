package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Transition is an application lifecycle edge.
type Transition int

const (
	Foreground Transition = iota + 1
	Background
)

func (t Transition) String() string {
	switch t {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("Transition(%d)", int(t))
	}
}

// ErrSignalsClosed is returned by Notify after Close.
var ErrSignalsClosed = errors.New("presence: signals closed")

// Signals is an edge-triggered lifecycle source: repeated identical
// transitions collapse into one.
type Signals struct {
	mu     sync.Mutex
	last   Transition
	closed bool
	ch     chan Transition
}

func NewSignals(buffer int) *Signals {
	if buffer < 0 {
		buffer = 0
	}
	return &Signals{ch: make(chan Transition, buffer)}
}

// C delivers transitions in order. It is closed by Close.
func (s *Signals) C() <-chan Transition { return s.ch }

// Notify records t. It reports whether t was an edge and was delivered.
// The send blocks until the consumer catches up or ctx ends.
func (s *Signals) Notify(ctx context.Context, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSignalsClosed
	}
	if t == s.last {
		return false, nil
	}
	select {
	case s.ch <- t:
		s.last = t
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close ends the source. It is idempotent.
func (s *Signals) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
