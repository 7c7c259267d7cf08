package chat

import "strings"

// Storage field names of a room document.
const (
	FieldIsFull       = "isFull"
	FieldParticipantA = "person0uid"
	FieldParticipantB = "person1uid"
)

// RoomsCollection holds one document per room.
const RoomsCollection = "activeChatRooms"

// Conversation is the single 2-party conversation held by a room.
type Conversation struct {
	ConversationID string
	RoomID         string
	ParticipantA   string
	ParticipantB   string
	IsFull         bool
}

// NewConversation returns a conversation opened by participantA.
func NewConversation(roomID, conversationID, participantA string) Conversation {
	return Conversation{
		ConversationID: conversationID,
		RoomID:         roomID,
		ParticipantA:   participantA,
	}
}

// RoomCollection is the collection that holds the room document.
func (c Conversation) RoomCollection() string { return RoomsCollection }

// MessagesCollection is the collection path of the conversation's messages.
func (c Conversation) MessagesCollection() string {
	return strings.Join([]string{RoomsCollection, c.RoomID, c.ConversationID}, "/")
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// AssignParticipantB fills the second seat. IsFull flips to true exactly once.
// Re-assigning the same user is a no-op.
func (c Conversation) AssignParticipantB(userID string) (Conversation, error) {
	if c.IsFull {
		if c.ParticipantB == userID {
			return c, nil
		}
		return c, ErrConversationFull
	}
	if userID == c.ParticipantA {
		return c, ErrSameParticipant
	}
	c.ParticipantB = userID
	c.IsFull = true
	return c, nil
}

// Fields returns the room document representation.
func (c Conversation) Fields() map[string]any {
	return map[string]any{
		FieldIsFull:       c.IsFull,
		FieldParticipantA: c.ParticipantA,
		FieldParticipantB: c.ParticipantB,
	}
}

// ConversationFromFields decodes a room document.
func ConversationFromFields(roomID, conversationID string, fields map[string]any) (Conversation, error) {
	if fields == nil {
		return Conversation{}, &DecodeError{DocumentID: roomID, Reason: "no fields"}
	}
	full, err := boolField(roomID, fields, FieldIsFull)
	if err != nil {
		return Conversation{}, err
	}
	a, err := stringField(roomID, fields, FieldParticipantA)
	if err != nil {
		return Conversation{}, err
	}
	// person1uid is written as "" on creation; treat absence the same way.
	b := ""
	if _, ok := fields[FieldParticipantB]; ok {
		if b, err = stringField(roomID, fields, FieldParticipantB); err != nil {
			return Conversation{}, err
		}
	}
	return Conversation{
		ConversationID: conversationID,
		RoomID:         roomID,
		ParticipantA:   a,
		ParticipantB:   b,
		IsFull:         full,
	}, nil
}
