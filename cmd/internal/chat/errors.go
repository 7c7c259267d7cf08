package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode is the kind of every DecodeError.
	ErrDecode = errors.New("decode failed")

	// ErrEmptyContent is returned for blank message content.
	ErrEmptyContent = errors.New("empty content")

	// ErrContentTooLong is returned when content exceeds MaxContentRunes.
	ErrContentTooLong = errors.New("content too long")

	// ErrConversationFull is returned when a second participant is already assigned.
	ErrConversationFull = errors.New("conversation full")

	// ErrSameParticipant is returned when a user tries to join its own room as participant B.
	ErrSameParticipant = errors.New("participant already in conversation")
)

// DecodeError reports a malformed storage document.
type DecodeError struct {
	DocumentID string
	Field      string
	Reason     string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %q: %s", e.DocumentID, e.Reason)
	}
	return fmt.Sprintf("decode %q: field %q: %s", e.DocumentID, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

func missing(docID, field string) error {
	return &DecodeError{DocumentID: docID, Field: field, Reason: "missing"}
}

func mistyped(docID, field string, v any) error {
	return &DecodeError{DocumentID: docID, Field: field, Reason: fmt.Sprintf("unexpected type %T", v)}
}
