package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	v1 "duochat/shared/contracts/docstore/v1"
)

// RemoteOptions configures DialRemote.
type RemoteOptions struct {
	UserID string
	// Token is the gateway hello token (see cmd/security/token). Optional when
	// the gateway does not require one.
	Token  string
	Origin string

	Log                *slog.Logger
	RequestTimeout     time.Duration
	SubscriptionBuffer int
	ReadLimitBytes     int64
	HTTPClient         *http.Client
}

// RemoteStore is a Store served by a chatd gateway over WebSocket.
//
// Requests are correlated to replies by envelope id; change frames are routed
// to subscriptions by sub_id. One reader goroutine owns the connection's read side.
type RemoteStore struct {
	conn      *websocket.Conn
	log       *slog.Logger
	opts      RemoteOptions
	sessionID string

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    map[string]*feed
	closed  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingRequest struct {
	reply chan v1.Envelope
	// onReply runs on the reader goroutine before the reply is delivered.
	onReply func(v1.Envelope)
}

// DialRemote connects to a gateway and completes the hello handshake.
func DialRemote(ctx context.Context, url string, opts RemoteOptions) (*RemoteStore, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("docstore: remote: missing user id")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.SubscriptionBuffer <= 0 {
		opts.SubscriptionBuffer = DefaultSubscriptionBuffer
	}
	if opts.ReadLimitBytes <= 0 {
		opts.ReadLimitBytes = 1 << 20
	}

	h := http.Header{}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: remote dial: %w", err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("docstore: remote: server did not negotiate %s", v1.Subprotocol)
	}
	conn.SetReadLimit(opts.ReadLimitBytes)

	s := &RemoteStore{
		conn:    conn,
		log:     opts.Log,
		opts:    opts,
		pending: make(map[string]*pendingRequest),
		subs:    make(map[string]*feed),
		done:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.readLoop()

	reply, err := s.request(ctx, v1.TypeHello, v1.HelloPayload{UserID: opts.UserID, Token: opts.Token}, nil)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("docstore: remote hello: %w", err)
	}
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("docstore: remote hello_ack: %w", err)
	}
	s.sessionID = ack.SessionID
	s.log.Info("docstore.remote.connected", "url", url, "session_id", ack.SessionID, "user_id", ack.UserID)
	return s, nil
}

// SessionID is the gateway-assigned session id.
func (s *RemoteStore) SessionID() string { return s.sessionID }

func (s *RemoteStore) Close() error {
	s.mu.Lock()
	already := s.closed
	s.mu.Unlock()
	if !already {
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *RemoteStore) Ping(ctx context.Context) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}
	return s.conn.Ping(ctx)
}

func (s *RemoteStore) Get(ctx context.Context, p Path) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	reply, err := s.request(ctx, v1.TypeDocGet, v1.DocGetPayload{Path: p.String()}, nil)
	if err != nil {
		return Document{}, err
	}
	return decodeDocReply(reply)
}

func (s *RemoteStore) Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	o := collectWriteOptions(opts)
	reply, err := s.request(ctx, v1.TypeDocSet, v1.DocSetPayload{
		Path:      p.String(),
		Fields:    fields,
		Merge:     o.merge,
		IfVersion: o.ifVersion,
	}, nil)
	if err != nil {
		return Document{}, err
	}
	return decodeDocReply(reply)
}

func (s *RemoteStore) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	if err := ValidateCollection(collection); err != nil {
		return Document{}, err
	}
	reply, err := s.request(ctx, v1.TypeDocAdd, v1.DocAddPayload{Collection: collection, Fields: fields}, nil)
	if err != nil {
		return Document{}, err
	}
	return decodeDocReply(reply)
}

func (s *RemoteStore) Delete(ctx context.Context, p Path, opts ...WriteOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o := collectWriteOptions(opts)
	_, err := s.request(ctx, v1.TypeDocDelete, v1.DocDeletePayload{Path: p.String(), IfVersion: o.ifVersion}, nil)
	return err
}

// Subscribe registers the subscription on the reader goroutine as soon as the
// subscribed reply arrives, so no change frame can overtake it.
func (s *RemoteStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	var (
		fmu sync.Mutex
		f   *feed
	)
	_, err := s.request(ctx, v1.TypeSubscribe, v1.SubscribePayload{Collection: collection}, func(env v1.Envelope) {
		if env.Type != v1.TypeSubscribed {
			return
		}
		var sp v1.SubscribedPayload
		if err := json.Unmarshal(env.Payload, &sp); err != nil || sp.SubID == "" {
			return
		}
		subID := sp.SubID
		nf := newFeed(s.opts.SubscriptionBuffer, func() { s.unsubscribe(subID) })
		s.mu.Lock()
		s.subs[subID] = nf
		s.mu.Unlock()
		fmu.Lock()
		f = nf
		fmu.Unlock()
	})
	fmu.Lock()
	defer fmu.Unlock()
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}
	if f == nil {
		return nil, errors.New("docstore: remote: malformed subscribed reply")
	}
	return f, nil
}

func (s *RemoteStore) unsubscribe(subID string) {
	s.mu.Lock()
	delete(s.subs, subID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	// The ack is not awaited; it arrives with an unknown ref_id and is dropped.
	if err := s.send(ctx, v1.TypeUnsubscribe, v1.UnsubscribePayload{SubID: subID}); err != nil {
		s.log.Debug("docstore.remote.unsubscribe.fail", "sub_id", subID, "err", err)
	}
}

func (s *RemoteStore) request(ctx context.Context, typ string, payload any, onReply func(v1.Envelope)) (v1.Envelope, error) {
	env, err := s.envelope(typ, payload)
	if err != nil {
		return v1.Envelope{}, err
	}

	pr := &pendingRequest{reply: make(chan v1.Envelope, 1), onReply: onReply}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return v1.Envelope{}, s.closedErr()
	}
	s.pending[env.ID] = pr
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, env.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	if err := s.write(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case reply := <-pr.reply:
		if reply.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			return v1.Envelope{}, ErrorFromCode(ep.Code, ep.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-s.done:
		return v1.Envelope{}, s.closedErr()
	}
}

func (s *RemoteStore) send(ctx context.Context, typ string, payload any) error {
	env, err := s.envelope(typ, payload)
	if err != nil {
		return err
	}
	return s.write(ctx, env)
}

func (s *RemoteStore) envelope(typ string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      "c" + strconv.FormatUint(s.nextID.Add(1), 10),
		TS:      time.Now().UTC(),
		Payload: b,
	}, nil
}

func (s *RemoteStore) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func (s *RemoteStore) readLoop() {
	var readErr error
	defer func() { s.shutdown(readErr) }()

	for {
		mt, data, err := s.conn.Read(s.ctx)
		if err != nil {
			readErr = err
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("docstore.remote.bad_frame", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeChange:
			s.routeChange(env)
		case v1.TypeSubscriptionError:
			s.routeSubscriptionError(env)
		default:
			if env.RefID == "" {
				s.log.Debug("docstore.remote.unsolicited", "type", env.Type)
				continue
			}
			s.mu.Lock()
			pr := s.pending[env.RefID]
			delete(s.pending, env.RefID)
			s.mu.Unlock()
			if pr == nil {
				continue
			}
			if pr.onReply != nil {
				pr.onReply(env)
			}
			pr.reply <- env
		}
	}
}

func (s *RemoteStore) routeChange(env v1.Envelope) {
	var cp v1.ChangePayload
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		s.log.Warn("docstore.remote.change.bad_payload", "err", err)
		return
	}
	s.mu.Lock()
	f := s.subs[cp.SubID]
	s.mu.Unlock()
	if f == nil {
		return
	}

	c, err := decodeWireChange(cp)
	if err != nil {
		s.log.Warn("docstore.remote.change.decode_fail", "sub_id", cp.SubID, "err", err)
		f.fail(err)
		go s.unsubscribe(cp.SubID)
		return
	}
	if !f.push(c) {
		s.log.Warn("docstore.remote.subscription.overflow", "sub_id", cp.SubID)
		go s.unsubscribe(cp.SubID)
	}
}

func (s *RemoteStore) routeSubscriptionError(env v1.Envelope) {
	var sp v1.SubscriptionErrorPayload
	if err := json.Unmarshal(env.Payload, &sp); err != nil {
		return
	}
	s.mu.Lock()
	f := s.subs[sp.SubID]
	delete(s.subs, sp.SubID)
	s.mu.Unlock()
	if f != nil {
		f.fail(ErrorFromCode(sp.Code, sp.Message))
	}
}

func (s *RemoteStore) shutdown(cause error) {
	s.mu.Lock()
	s.closed = true
	if s.err == nil {
		s.err = cause
	}
	subs := s.subs
	s.subs = make(map[string]*feed)
	s.mu.Unlock()

	err := s.closedErr()
	for _, f := range subs {
		f.fail(err)
	}
	if cause != nil && websocket.CloseStatus(cause) != websocket.StatusNormalClosure && s.ctx.Err() == nil {
		s.log.Warn("docstore.remote.disconnected", "err", cause)
	}
	close(s.done)
}

func (s *RemoteStore) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || s.ctx.Err() != nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, s.err)
}

func decodeDocReply(env v1.Envelope) (Document, error) {
	if env.Type != v1.TypeDoc {
		return Document{}, fmt.Errorf("docstore: remote: unexpected reply %q", env.Type)
	}
	var dp v1.DocPayload
	if err := json.Unmarshal(env.Payload, &dp); err != nil {
		return Document{}, fmt.Errorf("docstore: remote: bad doc payload: %w", err)
	}
	return FromWire(dp.Document)
}

func decodeWireChange(cp v1.ChangePayload) (Change, error) {
	kind, err := ParseChangeKind(cp.Kind)
	if err != nil {
		return Change{}, err
	}
	d, err := FromWire(cp.Document)
	if err != nil {
		return Change{}, err
	}
	return Change{Kind: kind, Doc: d}, nil
}
