package presence

import (
	"errors"
	"fmt"
)

// ErrPresenceWrite is the kind of every PresenceWriteError.
var ErrPresenceWrite = errors.New("presence: write failed")

// PresenceWriteError reports a failed presence mutation. It is not retried.
type PresenceWriteError struct {
	Op     string // "online" or "offline"
	UserID string
	Cause  error
}

func (e *PresenceWriteError) Error() string {
	return fmt.Sprintf("presence: %s %s: %v", e.Op, e.UserID, e.Cause)
}

func (e *PresenceWriteError) Unwrap() []error { return []error{ErrPresenceWrite, e.Cause} }
