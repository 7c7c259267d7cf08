package docstore_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/gateway"
	"duochat/cmd/security/token"
)

func startGateway(t *testing.T, st docstore.Store, cfg gateway.Config) string {
	t.Helper()
	srv := httptest.NewServer(gateway.NewWSGateway(nil, st, cfg))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, opts docstore.RemoteOptions) *docstore.RemoteStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs, err := docstore.DialRemote(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestRemoteStore_Contract(t *testing.T) {
	t.Parallel()

	docstore.RunStoreContract(t, func(t *testing.T) docstore.Store {
		mem := docstore.NewMemoryStore()
		t.Cleanup(func() { _ = mem.Close() })
		url := startGateway(t, mem, gateway.Config{OpenCollections: true})
		return dial(t, url, docstore.RemoteOptions{UserID: "u1"})
	})
}

func TestRemoteStore_SharesBackendAcrossUsers(t *testing.T) {
	t.Parallel()

	mem := docstore.NewMemoryStore()
	defer mem.Close()
	url := startGateway(t, mem, gateway.Config{})

	a := dial(t, url, docstore.RemoteOptions{UserID: "alice"})
	b := dial(t, url, docstore.RemoteOptions{UserID: "bob"})
	ctx := context.Background()

	room := docstore.Fields{"isFull": true, "person0uid": "alice", "person1uid": "bob"}
	if _, err := mem.Set(ctx, docstore.Doc("activeChatRooms", "r1"), room); err != nil {
		t.Fatalf("seed room: %v", err)
	}

	sub, err := b.Subscribe(ctx, "activeChatRooms/r1/c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	added, err := a.Add(ctx, "activeChatRooms/r1/c1", docstore.Fields{"senderId": "alice", "content": "hi"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case c := <-sub.Changes():
		if c.Kind != docstore.Added || c.Doc.ID() != added.ID() || c.Doc.Fields["content"] != "hi" {
			t.Fatalf("change=%+v want added %s", c, added.ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for remote change")
	}
}

func TestRemoteStore_TokenRequired(t *testing.T) {
	t.Parallel()

	cfg := token.DefaultConfig()
	cfg.SecretKeyHex, cfg.PublicKeyHex = token.GenerateKeyPair()
	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := token.NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	url := startGateway(t, docstore.NewMemoryStore(), gateway.Config{Tokens: verifier})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	bobs, _, _ := issuer.Issue("bob", now)
	expired, _, _ := issuer.Issue("alice", now.Add(-time.Hour))

	for name, tok := range map[string]string{"bogus": "bogus", "other user": bobs, "expired": expired} {
		if _, err := docstore.DialRemote(ctx, url, docstore.RemoteOptions{UserID: "alice", Token: tok}); err == nil {
			t.Fatalf("%s: expected hello to be rejected", name)
		}
	}

	tok, _, err := issuer.Issue("alice", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rs, err := docstore.DialRemote(ctx, url, docstore.RemoteOptions{UserID: "alice", Token: tok})
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	defer rs.Close()
	if rs.SessionID() == "" {
		t.Fatalf("expected session id")
	}
	if err := rs.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRemoteStore_ClosedStoreFailsSubscriptions(t *testing.T) {
	t.Parallel()

	url := startGateway(t, docstore.NewMemoryStore(), gateway.Config{})
	ctx := context.Background()
	rs, err := docstore.DialRemote(ctx, url, docstore.RemoteOptions{UserID: "u"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	sub, err := rs.Subscribe(ctx, "onlineUsers")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = rs.Close()

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription not ended by Close")
	}
	if !errors.Is(sub.Err(), docstore.ErrClosed) {
		t.Fatalf("err=%v want=%v", sub.Err(), docstore.ErrClosed)
	}
	if _, err := rs.Get(ctx, docstore.Doc("onlineUsers", "u")); !errors.Is(err, docstore.ErrClosed) {
		t.Fatalf("get after close err=%v want=%v", err, docstore.ErrClosed)
	}
}
