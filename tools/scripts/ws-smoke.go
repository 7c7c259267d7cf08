// Package main is a CI-friendly WebSocket smoke test for the chatd document gateway.
//
// It validates, at the raw envelope level:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment (optionally with a token)
//   - A opens a room, B claims seat B (doc_set with if_version)
//   - subscribe -> subscribed before any change frame
//   - doc_add by A fans out as an "added" change to B
//   - a doc_add with a forged senderId is refused as forbidden
//   - doc_get round trip and not_found mapping
//   - unsubscribe ack
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"duochat/cmd/security/token"
	v1 "duochat/shared/contracts/docstore/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	nextID    int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello duochat", "Message content to add")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "smoke-a", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "smoke-b", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Unique per run so repeated smokes against a durable backend start empty.
	roomID := "smoke-" + uuid.NewString()[:8]
	roomPath := "activeChatRooms/" + roomID
	coll := fmt.Sprintf("%s/%s", roomPath, uuid.NewString()[:8])

	created := versionPtr(0)
	room := mustSet(root, a, roomPath, map[string]any{"isFull": false, "person0uid": a.name, "person1uid": ""}, created, *timeout)
	claimed := versionPtr(room.Version)
	mustSet(root, b, roomPath, map[string]any{"isFull": true, "person0uid": a.name, "person1uid": b.name}, claimed, *timeout)

	subID := mustSubscribe(root, b, coll, *timeout)
	mustAddForbidden(root, b, coll, map[string]any{"senderId": a.name, "content": "forged"}, *timeout)

	doc := mustAdd(root, a, coll, map[string]any{
		"senderId": "smoke-a",
		"content":  *text,
		"sentAt":   time.Now().UTC().Format(time.RFC3339Nano),
	}, *timeout)

	mustAssertChange(root, b, subID, "added", doc.Path, *text, *timeout)

	got := mustGet(root, b, doc.Path, *timeout)
	if got.Version != doc.Version || got.Fields["content"] != *text {
		fatalf("doc_get mismatch: got=%+v want version=%d content=%q", got, doc.Version, *text)
	}
	mustGetNotFound(root, b, coll+"/missing", *timeout)

	mustUnsubscribe(root, b, subID, *timeout)

	fmt.Printf("OK: A=%s B=%s collection=%s doc=%s\n", a.sessionID, b.sessionID, coll, doc.Path)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.HelloPayload{UserID: name}
	tok, err := token.IssueFromEnv(name, time.Now().UTC())
	if err != nil {
		fatalf("mint token for %s: %v", name, err)
	}
	hello.Token = tok
	reqID := c.send(parent, v1.TypeHello, hello, stepTimeout)
	ack := c.mustReadReply(parent, reqID, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	mustUnmarshal(c, ack, &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != name {
		fatalf("hello_ack user_id mismatch (%s): got=%q", name, p.UserID)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// send writes a request envelope and returns its id.
func (c *smokeClient) send(parent context.Context, typ string, payload any, stepTimeout time.Duration) string {
	c.nextID++
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%d", c.name, c.nextID),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s (%s): %v", typ, c.name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
	return env.ID
}

// mustReadReply waits for the reply to reqID. Frames for other requests and
// change pushes are skipped; an error reply is fatal.
func (c *smokeClient) mustReadReply(parent context.Context, reqID, wantType string, stepTimeout time.Duration) v1.Envelope {
	env := c.mustReadUntil(parent, stepTimeout, func(e v1.Envelope) bool { return e.RefID == reqID })
	if env.Type == v1.TypeError && wantType != v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		fatalf("%s got error reply to %s: %s %s", c.name, reqID, p.Code, p.Message)
	}
	if env.Type != wantType {
		fatalf("%s reply type mismatch for %s: got=%q want=%q", c.name, reqID, env.Type, wantType)
	}
	return env
}

func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s timed out waiting for frame", c.name)
		case err := <-c.errCh:
			fatalf("%s read failed: %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s connection closed", c.name)
			}
			if match(env) {
				return env
			}
		}
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, coll string, stepTimeout time.Duration) string {
	reqID := c.send(parent, v1.TypeSubscribe, v1.SubscribePayload{Collection: coll}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeSubscribed, stepTimeout)

	var p v1.SubscribedPayload
	mustUnmarshal(c, env, &p)
	if p.SubID == "" || p.Collection != coll {
		fatalf("subscribed mismatch (%s): %+v", c.name, p)
	}
	return p.SubID
}

func mustAdd(parent context.Context, c *smokeClient, coll string, fields map[string]any, stepTimeout time.Duration) v1.Document {
	reqID := c.send(parent, v1.TypeDocAdd, v1.DocAddPayload{Collection: coll, Fields: fields}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeDoc, stepTimeout)

	var p v1.DocPayload
	mustUnmarshal(c, env, &p)
	if !strings.HasPrefix(p.Document.Path, coll+"/") {
		fatalf("doc_add path %q not under %q", p.Document.Path, coll)
	}
	if p.Document.Version <= 0 {
		fatalf("doc_add invalid version: %d", p.Document.Version)
	}
	return p.Document
}

func mustSet(parent context.Context, c *smokeClient, path string, fields map[string]any, ifVersion *int64, stepTimeout time.Duration) v1.Document {
	reqID := c.send(parent, v1.TypeDocSet, v1.DocSetPayload{Path: path, Fields: fields, IfVersion: ifVersion}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeDoc, stepTimeout)

	var p v1.DocPayload
	mustUnmarshal(c, env, &p)
	if p.Document.Path != path {
		fatalf("doc_set path mismatch (%s): got=%q want=%q", c.name, p.Document.Path, path)
	}
	return p.Document
}

func mustAddForbidden(parent context.Context, c *smokeClient, coll string, fields map[string]any, stepTimeout time.Duration) {
	reqID := c.send(parent, v1.TypeDocAdd, v1.DocAddPayload{Collection: coll, Fields: fields}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeError, stepTimeout)

	var p v1.ErrorPayload
	mustUnmarshal(c, env, &p)
	if p.Code != v1.CodeForbidden {
		fatalf("forged doc_add code mismatch (%s): got=%q want=%q", c.name, p.Code, v1.CodeForbidden)
	}
}

func mustAssertChange(parent context.Context, c *smokeClient, subID, kind, path, content string, stepTimeout time.Duration) {
	env := c.mustReadUntil(parent, stepTimeout, func(e v1.Envelope) bool { return e.Type == v1.TypeChange })

	var p v1.ChangePayload
	mustUnmarshal(c, env, &p)
	if p.SubID != subID {
		fatalf("change sub_id mismatch (%s): got=%q want=%q", c.name, p.SubID, subID)
	}
	if p.Kind != kind {
		fatalf("change kind mismatch (%s): got=%q want=%q", c.name, p.Kind, kind)
	}
	if p.Document.Path != path {
		fatalf("change path mismatch (%s): got=%q want=%q", c.name, p.Document.Path, path)
	}
	if p.Document.Fields["content"] != content {
		fatalf("change content mismatch (%s): got=%v want=%q", c.name, p.Document.Fields["content"], content)
	}
}

func mustGet(parent context.Context, c *smokeClient, path string, stepTimeout time.Duration) v1.Document {
	reqID := c.send(parent, v1.TypeDocGet, v1.DocGetPayload{Path: path}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeDoc, stepTimeout)

	var p v1.DocPayload
	mustUnmarshal(c, env, &p)
	return p.Document
}

func mustGetNotFound(parent context.Context, c *smokeClient, path string, stepTimeout time.Duration) {
	reqID := c.send(parent, v1.TypeDocGet, v1.DocGetPayload{Path: path}, stepTimeout)
	env := c.mustReadReply(parent, reqID, v1.TypeError, stepTimeout)

	var p v1.ErrorPayload
	mustUnmarshal(c, env, &p)
	if p.Code != v1.CodeNotFound {
		fatalf("doc_get missing code mismatch (%s): got=%q want=%q", c.name, p.Code, v1.CodeNotFound)
	}
}

func mustUnsubscribe(parent context.Context, c *smokeClient, subID string, stepTimeout time.Duration) {
	reqID := c.send(parent, v1.TypeUnsubscribe, v1.UnsubscribePayload{SubID: subID}, stepTimeout)
	c.mustReadReply(parent, reqID, v1.TypeAck, stepTimeout)
}

func mustUnmarshal(c *smokeClient, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func versionPtr(v int64) *int64 { return &v }

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal payload: %v", err)
	}
	return b
}

func closeWS(c *websocket.Conn) {
	if c == nil {
		return
	}
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
