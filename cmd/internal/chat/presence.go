package chat

// PresenceCollection holds one document per online user, keyed by user id.
const PresenceCollection = "onlineUsers"

// FieldUserID is the only field of a presence document.
const FieldUserID = "userID"

// PresenceRecord marks a user as online. Absence means offline.
type PresenceRecord struct {
	UserID string
}

// Fields returns the presence document representation.
func (p PresenceRecord) Fields() map[string]any {
	return map[string]any{FieldUserID: p.UserID}
}

// PresenceFromFields decodes a presence document.
func PresenceFromFields(id string, fields map[string]any) (PresenceRecord, error) {
	uid, err := stringField(id, fields, FieldUserID)
	if err != nil {
		return PresenceRecord{}, err
	}
	return PresenceRecord{UserID: uid}, nil
}
