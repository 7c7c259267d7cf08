// Package chat holds duochat's value types: messages, conversations and presence
// records, plus their storage representations.
package chat

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Storage field names of a message document.
const (
	FieldSenderID = "senderId"
	FieldContent  = "content"
	FieldSentAt   = "sentAt"
)

// MaxContentRunes bounds message content.
const MaxContentRunes = 4000

// Message is one chat message.
// ID is empty until the store assigns one; a message is immutable once persisted.
type Message struct {
	ID       string
	SenderID string
	Content  string
	SentAt   time.Time
}

// NewMessage builds an unsent message after validating content.
func NewMessage(senderID, content string, now time.Time) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return Message{}, ErrContentTooLong
	}
	return Message{
		SenderID: senderID,
		Content:  content,
		SentAt:   now.UTC(),
	}, nil
}

// Persisted reports whether the store has assigned an id.
func (m Message) Persisted() bool { return m.ID != "" }

// Fields returns the storage representation. The id is never included.
func (m Message) Fields() map[string]any {
	return map[string]any{
		FieldSenderID: m.SenderID,
		FieldContent:  m.Content,
		FieldSentAt:   m.SentAt.UTC(),
	}
}

// MessageFromFields decodes a stored message document.
func MessageFromFields(id string, fields map[string]any) (Message, error) {
	if strings.TrimSpace(id) == "" {
		return Message{}, &DecodeError{Reason: "missing document id"}
	}
	if fields == nil {
		return Message{}, &DecodeError{DocumentID: id, Reason: "no fields"}
	}

	sender, err := stringField(id, fields, FieldSenderID)
	if err != nil {
		return Message{}, err
	}
	content, err := stringField(id, fields, FieldContent)
	if err != nil {
		return Message{}, err
	}
	sentAt, err := timeField(id, fields, FieldSentAt)
	if err != nil {
		return Message{}, err
	}

	return Message{ID: id, SenderID: sender, Content: content, SentAt: sentAt}, nil
}

// Compare orders messages by SentAt, then by ID.
func Compare(a, b Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Equal reports whether a and b are the same persisted message.
// Unsent messages are never equal to anything.
func Equal(a, b Message) bool {
	return a.ID != "" && a.ID == b.ID
}

// SortMessages sorts msgs in place by Compare.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, Compare)
}

// IsSorted reports whether msgs is ordered by Compare.
func IsSorted(msgs []Message) bool {
	return slices.IsSortedFunc(msgs, Compare)
}
