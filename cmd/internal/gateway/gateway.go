// Package gateway serves a docstore.Store to remote clients over WebSocket.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "duochat/shared/contracts/docstore/v1"

	"duochat/cmd/identity/ids"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
)

// WSGateway is the WebSocket entrypoint of chatd.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the Store.
type WSGateway struct {
	log     *slog.Logger
	store   docstore.Store
	cfg     Config
	access  access
	limiter *RateLimiter

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway over store.
func NewWSGateway(log *slog.Logger, store docstore.Store, cfg Config) *WSGateway {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		store:          store,
		cfg:            cfg,
		access:         access{store: store, open: cfg.OpenCollections},
		limiter:        NewRateLimiter(cfg.RateEvents, cfg.RateWindow),
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and serves one session until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal")
		return
	}
	c := newClient(sessionID, g.cfg.SendQueueSize)

	metrics.GatewayConnections.Inc()
	defer metrics.GatewayConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, c, shutdown)
	}()

	g.log.Info("ws.session.open", "session_id", sessionID, "remote", r.RemoteAddr)
readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(ctx, c, "", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !g.limiter.Allow(c.rateKey(), requestCost(env.Type), time.Now()) {
			metrics.GatewayRateLimited.Inc()
			g.log.Info("ws.rate_limited", "session_id", sessionID, "user_id", c.userID, "type", env.Type)
			g.sendError(ctx, c, env.ID, v1.CodeRateLimited, "too many requests")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(ctx, c, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.IsRequest(env.Type) {
			g.sendError(ctx, c, env.ID, v1.CodeUnsupported, "unsupported type: "+env.Type)
			continue readLoop
		}
		metrics.GatewayEnvelopes.WithLabelValues(env.Type).Inc()

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, c, env); err != nil {
				g.log.Info("ws.hello.fail", "session_id", sessionID, "err", err)
				g.sendError(ctx, c, env.ID, v1.CodeUnauthorized, err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}
		if c.userID == "" {
			g.sendError(ctx, c, env.ID, v1.CodeHelloRequired, "hello first")
			continue readLoop
		}

		g.dispatch(ctx, c, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	c.closeSubs()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", c.userID)
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, c *client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", c.sessionID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *jsonError
	if errors.As(err, &syntaxErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}
