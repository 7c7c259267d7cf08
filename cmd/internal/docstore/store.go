// Package docstore is the document database the chat core is written against.
//
// A Store holds JSON-like documents addressed by "collection/id" paths and pushes
// per-collection change notifications to subscribers. Several backends implement
// the same contract: MemoryStore (dev/tests), PostgresStore, RedisStore and
// RemoteStore (a client of the chatd WebSocket gateway).
package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultSubscriptionBuffer is the per-subscription change buffer used when a
// backend is not configured otherwise.
const DefaultSubscriptionBuffer = 256

// Fields is the content of a document.
type Fields = map[string]any

// Document is one stored document.
type Document struct {
	Path       Path
	Fields     Fields
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
}

// ID is the document id (last path segment).
func (d Document) ID() string { return d.Path.ID }

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ParseChangeKind is the inverse of ChangeKind.String.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "added":
		return Added, nil
	case "modified":
		return Modified, nil
	case "removed":
		return Removed, nil
	default:
		return 0, fmt.Errorf("docstore: unknown change kind %q", s)
	}
}

// Change is a single notification delivered by a Subscription.
// For Removed, Doc carries the last state of the deleted document.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Store is the backing document database.
//
// Requirements:
//   - Set/Add/Delete are atomic per document
//   - Writes that leave a document unchanged do not bump Version and emit no change
//   - Subscribe delivers the current documents as Added, then live changes in commit order
type Store interface {
	Get(ctx context.Context, p Path) (Document, error)
	Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error)
	// Add creates a document with a store-assigned id.
	Add(ctx context.Context, collection string, fields Fields) (Document, error)
	// Delete removes a document. Deleting an absent document is not an error
	// unless IfVersion asks for an existing version.
	Delete(ctx context.Context, p Path, opts ...WriteOption) error
	// Subscribe opens a change stream on collection. ctx bounds setup only;
	// the subscription lives until Close or until the store fails it.
	Subscribe(ctx context.Context, collection string) (Subscription, error)
	Close() error
}

// Subscription is a live change stream.
//
// Changes is closed when the subscription ends; Err then reports why
// (nil after Close).
type Subscription interface {
	Changes() <-chan Change
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Pinger is implemented by stores that can check backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks st when it implements Pinger.
func Ping(ctx context.Context, st Store) error {
	if p, ok := st.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
