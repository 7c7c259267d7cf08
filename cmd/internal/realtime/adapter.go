package realtime

import (
	"context"
	"log/slog"

	"duochat/cmd/internal/chat"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
)

// Event is a typed change of a conversation's message collection.
// Implementations: MessageAdded, MessageDecodeFailed, ChangeIgnored.
type Event interface {
	isEvent()
}

// MessageAdded carries a newly visible message.
type MessageAdded struct {
	Message chat.Message
}

// MessageDecodeFailed reports a malformed message document. The stream continues.
type MessageDecodeFailed struct {
	DocumentID string
	Err        error
}

// ChangeIgnored reports a modified or removed message document. Messages are
// append-only, so these changes do not affect the session.
type ChangeIgnored struct {
	Kind       docstore.ChangeKind
	DocumentID string
}

func (MessageAdded) isEvent()        {}
func (MessageDecodeFailed) isEvent() {}
func (ChangeIgnored) isEvent()       {}

// Adapter turns store changes into Events.
type Adapter struct {
	log *slog.Logger
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{log: log}
}

// Adapt decodes one change.
func (a *Adapter) Adapt(c docstore.Change) Event {
	id := c.Doc.ID()
	switch c.Kind {
	case docstore.Added:
		m, err := chat.MessageFromFields(id, c.Doc.Fields)
		if err != nil {
			a.log.Warn("message.decode.fail", "document_id", id, "collection", c.Doc.Path.Collection, "err", err)
			metrics.DecodeFailures.Inc()
			return MessageDecodeFailed{DocumentID: id, Err: err}
		}
		return MessageAdded{Message: m}
	default:
		a.log.Debug("message.change.ignored", "kind", c.Kind.String(), "document_id", id)
		metrics.ChangesIgnored.WithLabelValues(c.Kind.String()).Inc()
		return ChangeIgnored{Kind: c.Kind, DocumentID: id}
	}
}

// Stream adapts in order until in is closed or ctx ends, then closes the output.
func (a *Adapter) Stream(ctx context.Context, in <-chan docstore.Change) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- a.Adapt(c):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
