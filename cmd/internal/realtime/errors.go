package realtime

import (
	"errors"
	"fmt"

	"duochat/cmd/identity"
)

var (
	// ErrSend is the kind of every SendError.
	ErrSend = errors.New("realtime: send failed")
	// ErrSubscription is the kind of every SubscriptionError.
	ErrSubscription = errors.New("realtime: subscription failed")
	// ErrRoomWrite is the kind of every RoomWriteError.
	ErrRoomWrite = errors.New("realtime: room write failed")

	ErrSessionNotActive = errors.New("realtime: session not active")
	ErrSendQueueFull    = errors.New("realtime: send queue full")
	ErrRoomNotFound     = errors.New("realtime: room not found")
	ErrAlreadyStarted   = errors.New("realtime: session already started")

	// ErrNoIdentity is returned when no user is signed in.
	ErrNoIdentity = identity.ErrNoIdentity
)

// SendError reports a message that could not be dispatched to the store.
type SendError struct {
	Cause error
}

func (e *SendError) Error() string { return fmt.Sprintf("realtime: send: %v", e.Cause) }

func (e *SendError) Unwrap() []error { return []error{ErrSend, e.Cause} }

// SubscriptionError reports a change stream that could not be set up, failed
// while active, or could not be torn down. It is terminal for the session.
type SubscriptionError struct {
	Collection string
	Cause      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("realtime: subscription %s: %v", e.Collection, e.Cause)
}

func (e *SubscriptionError) Unwrap() []error { return []error{ErrSubscription, e.Cause} }

// RoomWriteError reports a failed room document write. It is terminal for the session.
type RoomWriteError struct {
	RoomID string
	Cause  error
}

func (e *RoomWriteError) Error() string {
	return fmt.Sprintf("realtime: room %s: %v", e.RoomID, e.Cause)
}

func (e *RoomWriteError) Unwrap() []error { return []error{ErrRoomWrite, e.Cause} }
