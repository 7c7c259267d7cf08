// Package ids provides the id primitives used across duochat:
// ULIDs for store-assigned document ids and UUIDs for room/conversation ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, so store-assigned message ids also break
// sentAt ties in creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRoomID returns a random (v4) UUID string for room and conversation ids.
func NewRoomID() string {
	return uuid.NewString()
}
