package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "duochat/shared/contracts/docstore/v1"

	"duochat/cmd/internal/docstore"
)

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
	n    int
}

func startTestGateway(t *testing.T, cfg Config) (string, *docstore.MemoryStore) {
	t.Helper()
	st := docstore.NewMemoryStore()
	srv := httptest.NewServer(NewWSGateway(nil, st, cfg))
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), st
}

func dialTest(t *testing.T, url string) *testConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) request(typ string, payload any) string {
	c.t.Helper()
	c.n++
	b, _ := json.Marshal(payload)
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "r" + strconv.Itoa(c.n), TS: time.Now().UTC(), Payload: b}
	if err := writeEnvelope(context.Background(), c.conn, env, 2*time.Second); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
	return env.ID
}

func (c *testConn) read() v1.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := readEnvelope(ctx, c.conn)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

func (c *testConn) expectError(refID, code string) {
	c.t.Helper()
	env := c.read()
	if env.Type != v1.TypeError || env.RefID != refID {
		c.t.Fatalf("got type=%s ref=%s want error ref=%s", env.Type, env.RefID, refID)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != code {
		c.t.Fatalf("code=%s want=%s (%s)", p.Code, code, p.Message)
	}
}

func (c *testConn) hello(user string) {
	c.t.Helper()
	id := c.request(v1.TypeHello, v1.HelloPayload{UserID: user})
	env := c.read()
	if env.Type != v1.TypeHelloAck || env.RefID != id {
		c.t.Fatalf("hello reply type=%s ref=%s", env.Type, env.RefID)
	}
}

func TestGateway_HelloRequired(t *testing.T) {
	t.Parallel()

	url, _ := startTestGateway(t, Config{})
	c := dialTest(t, url)

	id := c.request(v1.TypeDocGet, v1.DocGetPayload{Path: "onlineUsers/u1"})
	c.expectError(id, v1.CodeHelloRequired)

	c.hello("u1")
	id = c.request(v1.TypeDocGet, v1.DocGetPayload{Path: "onlineUsers/u1"})
	c.expectError(id, v1.CodeNotFound)
}

func TestGateway_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	url, _ := startTestGateway(t, Config{})
	c := dialTest(t, url)
	c.hello("u1")

	id := c.request(v1.TypeDocSet, v1.DocSetPayload{Path: "a/b/c", Fields: map[string]any{}})
	c.expectError(id, v1.CodeInvalidPath)

	id = c.request(v1.TypeUnsubscribe, v1.UnsubscribePayload{SubID: "nope"})
	c.expectError(id, v1.CodeUnknownSub)

	// Server -> client types are not accepted as requests.
	b, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeChange, ID: "x1"})
	if err := c.conn.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectError("x1", v1.CodeUnsupported)

	if err := c.conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.expectError("", v1.CodeBadJSON)
}

func TestGateway_SubscribeOrdersReplyBeforeChanges(t *testing.T) {
	t.Parallel()

	url, st := startTestGateway(t, Config{})
	ctx := context.Background()
	if _, err := st.Set(ctx, docstore.Doc("onlineUsers", "u0"), docstore.Fields{"userID": "u0"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := dialTest(t, url)
	c.hello("u1")
	id := c.request(v1.TypeSubscribe, v1.SubscribePayload{Collection: "onlineUsers"})

	env := c.read()
	if env.Type != v1.TypeSubscribed || env.RefID != id {
		t.Fatalf("first frame type=%s ref=%s want subscribed", env.Type, env.RefID)
	}
	var sp v1.SubscribedPayload
	_ = json.Unmarshal(env.Payload, &sp)

	env = c.read()
	var cp v1.ChangePayload
	_ = json.Unmarshal(env.Payload, &cp)
	if env.Type != v1.TypeChange || cp.SubID != sp.SubID || cp.Kind != "added" || cp.Document.Path != "onlineUsers/u0" {
		t.Fatalf("snapshot frame=%s payload=%+v", env.Type, cp)
	}

	id = c.request(v1.TypeUnsubscribe, v1.UnsubscribePayload{SubID: sp.SubID})
	env = c.read()
	if env.Type != v1.TypeAck || env.RefID != id {
		t.Fatalf("unsubscribe reply type=%s ref=%s", env.Type, env.RefID)
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	g := NewWSGateway(nil, docstore.NewMemoryStore(), Config{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost:3000", "https://chat.example.com"},
	})

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "", ok: false},
		{origin: "http://localhost:3000", ok: true},
		{origin: "http://localhost:5173", ok: true},
		{origin: "https://chat.example.com", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin=%q err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	got := deriveOriginPatterns([]string{"http://localhost:3000", "http://localhost", "https://chat.example.com"})
	want := []string{"chat.example.com", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestGateway_MissingOriginRejectedOverHTTP(t *testing.T) {
	t.Parallel()

	url, _ := startTestGateway(t, Config{OriginRequired: true, AllowedOrigins: []string{"http://localhost"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if err == nil {
		t.Fatalf("expected dial without origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v want 403", resp)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1000, 0)
	if !rl.Allow("u", readCost, t0) || !rl.Allow("u", readCost, t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow("u", readCost, t0.Add(200*time.Millisecond)) {
		t.Fatalf("third event inside window must be rejected")
	}
	if !rl.Allow("u", readCost, t0.Add(1100*time.Millisecond)) {
		t.Fatalf("event after window must pass")
	}
}

func TestRateLimiter_WritesCostMore(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(writeCost+1, time.Second)
	t0 := time.Unix(1000, 0)
	if !rl.Allow("u", requestCost(v1.TypeDocAdd), t0) {
		t.Fatalf("first write must pass")
	}
	if rl.Allow("u", requestCost(v1.TypeDocSet), t0) {
		t.Fatalf("second write must exceed the budget")
	}
	if !rl.Allow("u", requestCost(v1.TypeDocGet), t0) {
		t.Fatalf("a read must still fit")
	}
	if rl.Allow("u", requestCost(v1.TypeSubscribe), t0) {
		t.Fatalf("budget exhausted")
	}
}

func TestRateLimiter_KeysShareNothing(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, time.Second)
	t0 := time.Unix(1000, 0)
	if !rl.Allow("user:a", readCost, t0) || !rl.Allow("user:b", readCost, t0) {
		t.Fatalf("separate keys have separate budgets")
	}
	if rl.Allow("user:a", readCost, t0) {
		t.Fatalf("same key shares one budget")
	}
	// Budgets idle for a whole window are swept.
	rl.Allow("user:c", readCost, t0.Add(2*time.Second))
	if n := rl.keys(); n != 1 {
		t.Fatalf("keys=%d want=1 after sweep", n)
	}
}

func TestGateway_RateLimitIsPerUser(t *testing.T) {
	t.Parallel()

	url, _ := startTestGateway(t, Config{RateEvents: 3, RateWindow: time.Minute})

	// hello costs one unit on each connection's own budget; afterwards both
	// connections draw from u1's budget.
	a := dialTest(t, url)
	a.hello("u1")
	b := dialTest(t, url)
	b.hello("u1")

	for i, c := range []*testConn{a, b, a} {
		id := c.request(v1.TypeDocGet, v1.DocGetPayload{Path: "onlineUsers/x"})
		env := c.read()
		if env.Type != v1.TypeError || env.RefID != id {
			t.Fatalf("request %d: type=%s ref=%s", i, env.Type, env.RefID)
		}
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Code != v1.CodeNotFound {
			t.Fatalf("request %d: code=%s want=%s", i, p.Code, v1.CodeNotFound)
		}
	}

	// The fourth request exceeds u1's budget; the gateway may close before
	// the error frame is flushed.
	id := b.request(v1.TypeDocGet, v1.DocGetPayload{Path: "onlineUsers/x"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := readEnvelope(ctx, b.conn)
	if err != nil {
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("read err=%v want policy violation close", err)
		}
		return
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != v1.TypeError || env.RefID != id || p.Code != v1.CodeRateLimited {
		t.Fatalf("type=%s ref=%s code=%s want rate_limited", env.Type, env.RefID, p.Code)
	}
}
