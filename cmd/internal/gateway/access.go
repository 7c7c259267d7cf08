package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"duochat/cmd/internal/chat"
	"duochat/cmd/internal/docstore"
)

// access authorizes a signed-in user's requests against the chat layout:
//
//	onlineUsers/{uid}                     presence; written only by uid
//	activeChatRooms/{room}                room document; see checkRoomWrite
//	activeChatRooms/{room}/{conv}/{msg}   messages; room participants only
//
// Any other path under those roots is refused. Other top-level collections
// are refused unless open is set. Fails closed on unreadable room documents.
type access struct {
	store docstore.Store
	open  bool
}

type namespace uint8

const (
	nsOther namespace = iota
	nsPresence
	nsRooms
	nsMessages
	nsReserved
)

// classify maps a collection to its namespace; roomID is set for nsMessages.
func classify(collection string) (ns namespace, roomID string) {
	segs := strings.Split(collection, "/")
	switch segs[0] {
	case chat.PresenceCollection:
		if len(segs) == 1 {
			return nsPresence, ""
		}
		return nsReserved, ""
	case chat.RoomsCollection:
		switch len(segs) {
		case 1:
			return nsRooms, ""
		case 3:
			return nsMessages, segs[1]
		}
		return nsReserved, ""
	}
	return nsOther, ""
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", docstore.ErrForbidden, fmt.Sprintf(format, args...))
}

func (a access) other(collection string) error {
	if a.open {
		return nil
	}
	return forbidden("collection %q is not served", collection)
}

// room loads and decodes a room document; ok is false when there is none.
func (a access) room(ctx context.Context, roomID string) (conv chat.Conversation, doc docstore.Document, ok bool, err error) {
	doc, err = a.store.Get(ctx, docstore.Doc(chat.RoomsCollection, roomID))
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.Conversation{}, docstore.Document{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, docstore.Document{}, false, err
	}
	conv, err = chat.ConversationFromFields(roomID, "", doc.Fields)
	if err != nil {
		return chat.Conversation{}, docstore.Document{}, false, forbidden("room %s is unreadable", roomID)
	}
	return conv, doc, true, nil
}

func (a access) requireParticipant(ctx context.Context, userID, roomID string) error {
	conv, _, ok, err := a.room(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok || !conv.HasParticipant(userID) {
		return forbidden("%s is not a participant of room %s", userID, roomID)
	}
	return nil
}

func (a access) checkGet(ctx context.Context, userID string, p docstore.Path) error {
	ns, roomID := classify(p.Collection)
	switch ns {
	case nsPresence:
		return nil
	case nsRooms:
		// Rooms with a free seat are readable so a second user can join.
		conv, _, ok, err := a.room(ctx, p.ID)
		if err != nil || !ok || conv.HasParticipant(userID) || !conv.IsFull {
			return err
		}
		return forbidden("room %s is full", p.ID)
	case nsMessages:
		return a.requireParticipant(ctx, userID, roomID)
	case nsReserved:
		return forbidden("path %s is not served", p)
	}
	return a.other(p.Collection)
}

func (a access) checkSubscribe(ctx context.Context, userID, collection string) error {
	ns, roomID := classify(collection)
	switch ns {
	case nsPresence:
		return nil
	case nsMessages:
		return a.requireParticipant(ctx, userID, roomID)
	case nsRooms, nsReserved:
		return forbidden("collection %q cannot be subscribed", collection)
	}
	return a.other(collection)
}

func (a access) checkAdd(ctx context.Context, userID, collection string, fields docstore.Fields) error {
	ns, roomID := classify(collection)
	switch ns {
	case nsMessages:
		if sender, _ := fields[chat.FieldSenderID].(string); sender != userID {
			return forbidden("%s must be %s", chat.FieldSenderID, userID)
		}
		return a.requireParticipant(ctx, userID, roomID)
	case nsOther:
		return a.other(collection)
	}
	return forbidden("collection %q does not take generated ids", collection)
}

// checkSet authorizes a Set and returns the write options to apply. Room
// writes are pinned to the version that was checked, so a concurrent seat
// change fails the write instead of slipping past the check.
func (a access) checkSet(ctx context.Context, userID string, p docstore.Path, fields docstore.Fields, merge bool, ifVersion *int64) ([]docstore.WriteOption, error) {
	var opts []docstore.WriteOption
	if merge {
		opts = append(opts, docstore.Merge())
	}

	ns, _ := classify(p.Collection)
	switch ns {
	case nsPresence:
		if p.ID != userID {
			return nil, forbidden("presence of %s is written only by that user", p.ID)
		}
	case nsRooms:
		checked, err := a.checkRoomWrite(ctx, userID, p.ID, fields, merge)
		if err != nil {
			return nil, err
		}
		if ifVersion != nil && *ifVersion != checked {
			return nil, fmt.Errorf("%w: room %s is at version %d", docstore.ErrVersionMismatch, p.ID, checked)
		}
		return append(opts, docstore.IfVersion(checked)), nil
	case nsMessages:
		return nil, forbidden("messages are append-only")
	case nsReserved:
		return nil, forbidden("path %s is not served", p)
	default:
		if err := a.other(p.Collection); err != nil {
			return nil, err
		}
	}

	if ifVersion != nil {
		opts = append(opts, docstore.IfVersion(*ifVersion))
	}
	return opts, nil
}

// checkRoomWrite enforces seat ownership: participant A opens the room with
// seat B empty, another user may only claim the empty seat B for themself,
// and an occupied seat never changes. It returns the version checked (0 when
// the room does not exist yet).
func (a access) checkRoomWrite(ctx context.Context, userID, roomID string, fields docstore.Fields, merge bool) (int64, error) {
	cur, doc, exists, err := a.room(ctx, roomID)
	if err != nil {
		return 0, err
	}

	next := fields
	if merge && exists {
		next = maps.Clone(doc.Fields)
		maps.Copy(next, fields)
	}
	want, err := chat.ConversationFromFields(roomID, "", next)
	if err != nil {
		return 0, forbidden("room %s: %v", roomID, err)
	}
	if want.IsFull != (want.ParticipantB != "") {
		return 0, forbidden("room %s: %s must match %s", roomID, chat.FieldIsFull, chat.FieldParticipantB)
	}

	if !exists {
		if want.ParticipantA != userID || want.ParticipantB != "" {
			return 0, forbidden("room %s must be opened by %s with seat B empty", roomID, userID)
		}
		return 0, nil
	}

	if want.ParticipantA != cur.ParticipantA {
		return 0, forbidden("seat A of room %s cannot change", roomID)
	}
	switch {
	case want.ParticipantB == cur.ParticipantB:
		if !cur.HasParticipant(userID) {
			return 0, forbidden("%s is not a participant of room %s", userID, roomID)
		}
	case cur.ParticipantB == "" && want.ParticipantB == userID && userID != cur.ParticipantA:
		// Claiming the free seat.
	default:
		return 0, forbidden("seat B of room %s cannot be assigned by %s", roomID, userID)
	}
	return doc.Version, nil
}

func (a access) checkDelete(ctx context.Context, userID string, p docstore.Path) error {
	ns, _ := classify(p.Collection)
	switch ns {
	case nsPresence:
		if p.ID != userID {
			return forbidden("presence of %s is removed only by that user", p.ID)
		}
		return nil
	case nsRooms:
		conv, _, ok, err := a.room(ctx, p.ID)
		if err != nil || !ok {
			return err
		}
		if conv.ParticipantA != userID {
			return forbidden("room %s is closed only by its opener", p.ID)
		}
		return nil
	case nsMessages:
		return forbidden("messages are append-only")
	case nsReserved:
		return forbidden("path %s is not served", p)
	}
	return a.other(p.Collection)
}
