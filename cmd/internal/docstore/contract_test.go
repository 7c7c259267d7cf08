package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runStoreContract exercises the Store contract against any backend.
// newStore must return a fresh store (or an isolated namespace of a shared one).
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("set_get", func(t *testing.T) { testSetGet(t, newStore(t)) })
	t.Run("noop_write", func(t *testing.T) { testNoopWrite(t, newStore(t)) })
	t.Run("merge", func(t *testing.T) { testMerge(t, newStore(t)) })
	t.Run("if_version", func(t *testing.T) { testIfVersion(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("add", func(t *testing.T) { testAdd(t, newStore(t)) })
	t.Run("subscribe_snapshot_then_live", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("subscribe_close", func(t *testing.T) { testSubscribeClose(t, newStore(t)) })
	t.Run("update_concurrent", func(t *testing.T) { testUpdateConcurrent(t, newStore(t)) })
	t.Run("invalid_path", func(t *testing.T) { testInvalidPath(t, newStore(t)) })
}

func testCollection() string { return "c" + uuid.NewString()[:8] }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextChange(t *testing.T, sub Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if !ok {
			t.Fatalf("subscription ended early: err=%v", sub.Err())
		}
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for change")
	}
	return Change{}
}

func expectNoChange(t *testing.T, sub Subscription, wait time.Duration) {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		if ok {
			t.Fatalf("unexpected change: kind=%v path=%v", c.Kind, c.Doc.Path)
		}
	case <-time.After(wait):
	}
}

// num reads a numeric field regardless of how the backend round-trips it.
func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return -1
}

func testSetGet(t *testing.T, st Store) {
	ctx := testCtx(t)
	p := Doc(testCollection(), "a")

	if _, err := st.Get(ctx, p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing err=%v want=%v", err, ErrNotFound)
	}

	d, err := st.Set(ctx, p, Fields{"name": "x", "ok": true})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("version=%d want=1", d.Version)
	}
	if d.CreateTime.IsZero() || d.UpdateTime.IsZero() {
		t.Fatalf("timestamps not set: %+v", d)
	}

	got, err := st.Get(ctx, p)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Path != p || got.Fields["name"] != "x" || got.Fields["ok"] != true || got.Version != 1 {
		t.Fatalf("get=%+v", got)
	}

	d2, err := st.Set(ctx, p, Fields{"name": "y"})
	if err != nil {
		t.Fatalf("set 2: %v", err)
	}
	if d2.Version != 2 {
		t.Fatalf("version=%d want=2", d2.Version)
	}
	if _, ok := d2.Fields["ok"]; ok {
		t.Fatalf("replace must drop unspecified fields: %+v", d2.Fields)
	}
}

func testNoopWrite(t *testing.T, st Store) {
	ctx := testCtx(t)
	coll := testCollection()
	p := Doc(coll, "a")

	if _, err := st.Set(ctx, p, Fields{"k": "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	sub, err := st.Subscribe(ctx, coll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if c := nextChange(t, sub); c.Kind != Added {
		t.Fatalf("snapshot kind=%v want=added", c.Kind)
	}

	d, err := st.Set(ctx, p, Fields{"k": "v"})
	if err != nil {
		t.Fatalf("set again: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("noop write bumped version to %d", d.Version)
	}
	if _, err := st.Set(ctx, p, Fields{"k": "v"}, Merge()); err != nil {
		t.Fatalf("merge again: %v", err)
	}
	expectNoChange(t, sub, 300*time.Millisecond)
}

func testMerge(t *testing.T, st Store) {
	ctx := testCtx(t)
	p := Doc(testCollection(), "room")

	if _, err := st.Set(ctx, p, Fields{"isFull": false, "person0uid": "u1"}, Merge()); err != nil {
		t.Fatalf("merge create: %v", err)
	}
	d, err := st.Set(ctx, p, Fields{"person1uid": "u2", "isFull": true}, Merge())
	if err != nil {
		t.Fatalf("merge update: %v", err)
	}
	if d.Fields["person0uid"] != "u1" || d.Fields["person1uid"] != "u2" || d.Fields["isFull"] != true {
		t.Fatalf("merged fields=%v", d.Fields)
	}
}

func testIfVersion(t *testing.T, st Store) {
	ctx := testCtx(t)
	p := Doc(testCollection(), "a")

	if _, err := st.Set(ctx, p, Fields{"n": 1}, IfVersion(3)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("if_version on missing err=%v want=%v", err, ErrVersionMismatch)
	}
	d, err := st.Set(ctx, p, Fields{"n": 1}, IfVersion(0))
	if err != nil {
		t.Fatalf("create-only: %v", err)
	}
	if _, err := st.Set(ctx, p, Fields{"n": 2}, IfVersion(0)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("create-only on existing err=%v want=%v", err, ErrVersionMismatch)
	}
	if _, err := st.Set(ctx, p, Fields{"n": 2}, IfVersion(d.Version+1)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale version err=%v want=%v", err, ErrVersionMismatch)
	}
	d2, err := st.Set(ctx, p, Fields{"n": 2}, IfVersion(d.Version))
	if err != nil {
		t.Fatalf("matching version: %v", err)
	}
	if d2.Version != d.Version+1 {
		t.Fatalf("version=%d want=%d", d2.Version, d.Version+1)
	}
}

func testDelete(t *testing.T, st Store) {
	ctx := testCtx(t)
	p := Doc(testCollection(), "gone")

	if err := st.Delete(ctx, p); err != nil {
		t.Fatalf("delete absent err=%v want=nil", err)
	}
	if err := st.Delete(ctx, p, IfVersion(2)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("delete absent with version err=%v want=%v", err, ErrVersionMismatch)
	}

	d, err := st.Set(ctx, p, Fields{"userID": "u"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Delete(ctx, p, IfVersion(d.Version+5)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("delete stale err=%v want=%v", err, ErrVersionMismatch)
	}
	if err := st.Delete(ctx, p); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, p); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	if _, err := st.Get(ctx, p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err=%v want=%v", err, ErrNotFound)
	}
}

func testAdd(t *testing.T, st Store) {
	ctx := testCtx(t)
	coll := testCollection() + "/room/conv"

	a, err := st.Add(ctx, coll, Fields{"content": "a"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b, err := st.Add(ctx, coll, Fields{"content": "b"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids a=%q b=%q", a.ID(), b.ID())
	}
	if a.Path.Collection != coll || a.Version != 1 {
		t.Fatalf("added=%+v", a)
	}
}

func testSubscribe(t *testing.T, st Store) {
	ctx := testCtx(t)
	coll := testCollection()

	for _, id := range []string{"first", "second"} {
		if _, err := st.Set(ctx, Doc(coll, id), Fields{"id": id}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	// Writes to another collection must not leak in.
	if _, err := st.Set(ctx, Doc(coll+"x", "other"), Fields{}); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	sub, err := st.Subscribe(ctx, coll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for _, want := range []string{"first", "second"} {
		c := nextChange(t, sub)
		if c.Kind != Added || c.Doc.ID() != want {
			t.Fatalf("snapshot kind=%v id=%q want=added/%q", c.Kind, c.Doc.ID(), want)
		}
	}

	if _, err := st.Set(ctx, Doc(coll, "third"), Fields{"id": "third"}); err != nil {
		t.Fatalf("add third: %v", err)
	}
	if _, err := st.Set(ctx, Doc(coll, "first"), Fields{"id": "first", "edited": true}); err != nil {
		t.Fatalf("modify first: %v", err)
	}
	if err := st.Delete(ctx, Doc(coll, "second")); err != nil {
		t.Fatalf("delete second: %v", err)
	}

	wants := []struct {
		kind ChangeKind
		id   string
	}{
		{Added, "third"},
		{Modified, "first"},
		{Removed, "second"},
	}
	for _, w := range wants {
		c := nextChange(t, sub)
		if c.Kind != w.kind || c.Doc.ID() != w.id {
			t.Fatalf("change kind=%v id=%q want=%v/%q", c.Kind, c.Doc.ID(), w.kind, w.id)
		}
		if c.Doc.Path.Collection != coll {
			t.Fatalf("collection=%q want=%q", c.Doc.Path.Collection, coll)
		}
	}
}

func testSubscribeClose(t *testing.T, st Store) {
	ctx := testCtx(t)
	coll := testCollection()

	sub, err := st.Subscribe(ctx, coll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close twice: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("done not closed")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("err after close=%v want=nil", err)
	}

	// Writes after close must not panic on the closed feed.
	if _, err := st.Set(ctx, Doc(coll, "late"), Fields{}); err != nil {
		t.Fatalf("set after close: %v", err)
	}
	for range sub.Changes() {
	}
}

func testUpdateConcurrent(t *testing.T, st Store) {
	ctx := testCtx(t)
	p := Doc(testCollection(), "counter")
	const workers = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Update(ctx, st, p, func(cur Document, exists bool) (Fields, error) {
				n := 0
				if exists {
					n = num(cur.Fields["n"])
				}
				return Fields{"n": n + 1}, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	d, err := st.Get(ctx, p)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := num(d.Fields["n"]); got != workers {
		t.Fatalf("n=%d want=%d", got, workers)
	}
}

func testInvalidPath(t *testing.T, st Store) {
	ctx := testCtx(t)

	bad := []Path{
		{Collection: "", ID: "a"},
		{Collection: "a/b", ID: "c"},
		{Collection: "a", ID: ""},
		{Collection: "a", ID: "b/c"},
	}
	for _, p := range bad {
		if _, err := st.Set(ctx, p, Fields{}); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("set %q err=%v want=%v", p, err, ErrInvalidPath)
		}
	}
	if _, err := st.Subscribe(ctx, "a/b"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("subscribe to document path err=%v want=%v", err, ErrInvalidPath)
	}
}
