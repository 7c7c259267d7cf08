package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"duochat/cmd/internal/chat"
	"duochat/cmd/internal/docstore"
)

var t0 = time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC)

const testColl = "activeChatRooms/r1/c1"

func msgChange(kind docstore.ChangeKind, id, sender, content string, at time.Time) docstore.Change {
	return docstore.Change{
		Kind: kind,
		Doc: docstore.Document{
			Path:   docstore.Doc(testColl, id),
			Fields: chat.Message{SenderID: sender, Content: content, SentAt: at}.Fields(),
		},
	}
}

func TestAdapter_Adapt(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil)

	ev := a.Adapt(msgChange(docstore.Added, "m1", "U1", "hi", t0))
	added, ok := ev.(MessageAdded)
	if !ok {
		t.Fatalf("event=%T want=MessageAdded", ev)
	}
	want := chat.Message{ID: "m1", SenderID: "U1", Content: "hi", SentAt: t0}
	if added.Message != want {
		t.Fatalf("message=%+v want=%+v", added.Message, want)
	}

	bad := docstore.Change{Kind: docstore.Added, Doc: docstore.Document{
		Path:   docstore.Doc(testColl, "m2"),
		Fields: docstore.Fields{chat.FieldSenderID: "U1"},
	}}
	ev = a.Adapt(bad)
	failed, ok := ev.(MessageDecodeFailed)
	if !ok {
		t.Fatalf("event=%T want=MessageDecodeFailed", ev)
	}
	if failed.DocumentID != "m2" || !errors.Is(failed.Err, chat.ErrDecode) {
		t.Fatalf("decode failure=%+v", failed)
	}

	for _, kind := range []docstore.ChangeKind{docstore.Modified, docstore.Removed} {
		ev = a.Adapt(msgChange(kind, "m1", "U1", "hi", t0))
		ign, ok := ev.(ChangeIgnored)
		if !ok {
			t.Fatalf("kind=%v event=%T want=ChangeIgnored", kind, ev)
		}
		if ign.Kind != kind || ign.DocumentID != "m1" {
			t.Fatalf("ignored=%+v", ign)
		}
	}
}

func TestAdapter_StreamPreservesOrder(t *testing.T) {
	t.Parallel()

	in := make(chan docstore.Change, 3)
	in <- msgChange(docstore.Added, "m1", "U1", "a", t0.Add(10*time.Second))
	in <- msgChange(docstore.Modified, "m1", "U1", "a", t0)
	in <- msgChange(docstore.Added, "m2", "U2", "b", t0)
	close(in)

	out := NewAdapter(nil).Stream(context.Background(), in)

	var got []string
	for ev := range out {
		switch e := ev.(type) {
		case MessageAdded:
			got = append(got, "added:"+e.Message.ID)
		case ChangeIgnored:
			got = append(got, "ignored:"+e.DocumentID)
		default:
			t.Fatalf("unexpected event %T", ev)
		}
	}
	want := []string{"added:m1", "ignored:m1", "added:m2"}
	if len(got) != len(want) {
		t.Fatalf("events=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v want=%v", got, want)
		}
	}
}

func TestAdapter_StreamStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	out := NewAdapter(nil).Stream(ctx, make(chan docstore.Change))
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("unexpected event after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not close after cancel")
	}
}
