// Package presence maps application lifecycle transitions onto presence
// records in the backing store: a record exists while the user is online.
package presence

import (
	"context"
	"errors"
	"log/slog"

	"duochat/cmd/identity"
	"duochat/cmd/internal/chat"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
)

// Tracker writes presence records for the current user.
// Calls for one user are expected to be sequential (see Run).
type Tracker struct {
	store docstore.Store
	ident identity.Provider
	log   *slog.Logger
}

func NewTracker(store docstore.Store, ident identity.Provider, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Tracker{store: store, ident: ident, log: log}
}

func recordPath(userID string) docstore.Path {
	return docstore.Doc(chat.PresenceCollection, userID)
}

// MarkOnline writes the user's presence record. Writing it twice is a no-op.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) error {
	rec := chat.PresenceRecord{UserID: userID}
	_, err := t.store.Set(ctx, recordPath(userID), rec.Fields())
	return t.result("online", userID, err)
}

// MarkOffline removes the user's presence record. A missing record is a no-op.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) error {
	err := t.store.Delete(ctx, recordPath(userID))
	return t.result("offline", userID, err)
}

func (t *Tracker) result(op, userID string, err error) error {
	if err != nil {
		metrics.PresenceWrites.WithLabelValues(op, "error").Inc()
		werr := &PresenceWriteError{Op: op, UserID: userID, Cause: err}
		t.log.Error("presence.write.fail", "op", op, "user_id", userID, "err", err)
		return werr
	}
	metrics.PresenceWrites.WithLabelValues(op, "ok").Inc()
	t.log.Debug("presence.write", "op", op, "user_id", userID)
	return nil
}

// OnForeground marks the current user online. Without a signed-in user the
// signal is skipped and nil is returned.
func (t *Tracker) OnForeground(ctx context.Context) error {
	uid, ok := t.currentUser(Foreground)
	if !ok {
		return nil
	}
	return t.MarkOnline(ctx, uid)
}

// OnBackground marks the current user offline, or skips like OnForeground.
func (t *Tracker) OnBackground(ctx context.Context) error {
	uid, ok := t.currentUser(Background)
	if !ok {
		return nil
	}
	return t.MarkOffline(ctx, uid)
}

func (t *Tracker) currentUser(sig Transition) (string, bool) {
	uid, err := identity.RequireUser(t.ident, "presence."+sig.String())
	if err != nil {
		metrics.PresenceSkipped.WithLabelValues(sig.String()).Inc()
		t.log.Warn("presence.skip", "signal", sig.String(), "err", err)
		return "", false
	}
	return uid, true
}

// IsOnline reports whether a presence record exists for userID.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := t.store.Get(ctx, recordPath(userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run applies transitions one at a time until in is closed or ctx ends.
// Write failures are logged and counted; they do not stop the loop.
func (t *Tracker) Run(ctx context.Context, in <-chan Transition) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-in:
			if !ok {
				return nil
			}
			switch tr {
			case Foreground:
				_ = t.OnForeground(ctx)
			case Background:
				_ = t.OnBackground(ctx)
			default:
				t.log.Warn("presence.signal.unknown", "signal", tr.String())
			}
		}
	}
}
