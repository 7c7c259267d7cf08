package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "duochat/shared/contracts/docstore/v1"

	"duochat/cmd/identity"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
	"duochat/cmd/security/token"
)

var errBadPayload = errors.New("invalid payload")

func (g *WSGateway) onHello(ctx context.Context, c *client, env v1.Envelope) error {
	if c.userID != "" {
		return errors.New("duplicate hello")
	}
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	userID, err := identity.NormalizeUserID(p.UserID)
	if err != nil {
		return err
	}
	if g.cfg.Tokens != nil {
		claims, err := g.cfg.Tokens.Verify(p.Token, time.Now().UTC())
		if err != nil {
			return err
		}
		if claims.UserID != userID {
			return fmt.Errorf("%w: token is for another user", token.ErrInvalidToken)
		}
	}
	c.userID = userID

	ack := newEnvelope(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{SessionID: c.sessionID, UserID: userID})
	if !g.enqueue(ctx, c, ack) {
		return errors.New("backpressure: hello_ack")
	}
	g.log.Info("ws.hello", "session_id", c.sessionID, "user_id", userID)
	return nil
}

// dispatch runs one request synchronously; replies go through the send queue
// so they keep request order.
func (g *WSGateway) dispatch(ctx context.Context, c *client, env v1.Envelope) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	var (
		reply v1.Envelope
		err   error
	)
	switch env.Type {
	case v1.TypeDocGet:
		reply, err = g.onGet(reqCtx, c, env)
	case v1.TypeDocSet:
		reply, err = g.onSet(reqCtx, c, env)
	case v1.TypeDocAdd:
		reply, err = g.onAdd(reqCtx, c, env)
	case v1.TypeDocDelete:
		reply, err = g.onDelete(reqCtx, c, env)
	case v1.TypeSubscribe:
		// onSubscribe enqueues its own reply before starting the forwarder.
		err = g.onSubscribe(ctx, reqCtx, c, env)
		if err == nil {
			return
		}
	case v1.TypeUnsubscribe:
		reply, err = g.onUnsubscribe(c, env)
	default:
		err = fmt.Errorf("%w: %s", errUnsupported, env.Type)
	}

	if errors.Is(err, docstore.ErrForbidden) {
		metrics.GatewayForbidden.WithLabelValues(env.Type).Inc()
		g.log.Info("ws.request.forbidden", "session_id", c.sessionID, "user_id", c.userID, "type", env.Type, "err", err)
	}
	if err != nil {
		code := errorCode(err)
		g.log.Debug("ws.request.fail", "session_id", c.sessionID, "type", env.Type, "code", code, "err", err)
		g.sendError(ctx, c, env.ID, code, err.Error())
		return
	}
	if !g.enqueueWait(ctx, c, reply) {
		g.log.Info("ws.reply.drop", "session_id", c.sessionID, "type", reply.Type)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadPayload):
		return v1.CodeBadEnvelope
	case errors.Is(err, errUnknownSub):
		return v1.CodeUnknownSub
	case errors.Is(err, errTooManySubs):
		return v1.CodeRateLimited
	case errors.Is(err, errUnsupported):
		return v1.CodeUnsupported
	}
	return docstore.ErrorCode(err)
}

var (
	errUnknownSub  = errors.New("unknown subscription")
	errTooManySubs = errors.New("too many subscriptions")
	errUnsupported = errors.New("unsupported")
)

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func docReply(refID string, d docstore.Document) v1.Envelope {
	return newEnvelope(v1.TypeDoc, refID, v1.DocPayload{Document: docstore.ToWire(d)})
}

func (g *WSGateway) onGet(ctx context.Context, c *client, env v1.Envelope) (v1.Envelope, error) {
	var p v1.DocGetPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, err
	}
	path, err := docstore.ParsePath(p.Path)
	if err != nil {
		return v1.Envelope{}, err
	}
	if err := g.access.checkGet(ctx, c.userID, path); err != nil {
		return v1.Envelope{}, err
	}
	d, err := g.store.Get(ctx, path)
	if err != nil {
		return v1.Envelope{}, err
	}
	return docReply(env.ID, d), nil
}

func (g *WSGateway) onSet(ctx context.Context, c *client, env v1.Envelope) (v1.Envelope, error) {
	var p v1.DocSetPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, err
	}
	path, err := docstore.ParsePath(p.Path)
	if err != nil {
		return v1.Envelope{}, err
	}
	opts, err := g.access.checkSet(ctx, c.userID, path, p.Fields, p.Merge, p.IfVersion)
	if err != nil {
		return v1.Envelope{}, err
	}
	d, err := g.store.Set(ctx, path, p.Fields, opts...)
	if err != nil {
		return v1.Envelope{}, err
	}
	return docReply(env.ID, d), nil
}

func (g *WSGateway) onAdd(ctx context.Context, c *client, env v1.Envelope) (v1.Envelope, error) {
	var p v1.DocAddPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, err
	}
	if err := docstore.ValidateCollection(p.Collection); err != nil {
		return v1.Envelope{}, err
	}
	if err := g.access.checkAdd(ctx, c.userID, p.Collection, p.Fields); err != nil {
		return v1.Envelope{}, err
	}
	d, err := g.store.Add(ctx, p.Collection, p.Fields)
	if err != nil {
		return v1.Envelope{}, err
	}
	return docReply(env.ID, d), nil
}

func (g *WSGateway) onDelete(ctx context.Context, c *client, env v1.Envelope) (v1.Envelope, error) {
	var p v1.DocDeletePayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, err
	}
	path, err := docstore.ParsePath(p.Path)
	if err != nil {
		return v1.Envelope{}, err
	}
	if err := g.access.checkDelete(ctx, c.userID, path); err != nil {
		return v1.Envelope{}, err
	}
	var opts []docstore.WriteOption
	if p.IfVersion != nil {
		opts = append(opts, docstore.IfVersion(*p.IfVersion))
	}
	if err := g.store.Delete(ctx, path, opts...); err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeAck, env.ID, struct{}{}), nil
}

func (g *WSGateway) onSubscribe(connCtx, reqCtx context.Context, c *client, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := docstore.ValidateCollection(p.Collection); err != nil {
		return err
	}
	if err := g.access.checkSubscribe(reqCtx, c.userID, p.Collection); err != nil {
		return err
	}
	sub, err := g.store.Subscribe(reqCtx, p.Collection)
	if err != nil {
		return err
	}
	subID := c.addSub(sub)
	if subID == "" {
		_ = sub.Close()
		return errTooManySubs
	}

	reply := newEnvelope(v1.TypeSubscribed, env.ID, v1.SubscribedPayload{SubID: subID, Collection: p.Collection})
	if !g.enqueueWait(connCtx, c, reply) {
		if s, ok := c.takeSub(subID); ok {
			_ = s.Close()
		}
		return errors.New("backpressure: subscribed")
	}

	g.log.Debug("ws.subscribe", "session_id", c.sessionID, "sub_id", subID, "collection", p.Collection)
	c.fwd.Add(1)
	go func() {
		defer c.fwd.Done()
		g.forward(connCtx, c, subID, sub)
	}()
	return nil
}

func (g *WSGateway) onUnsubscribe(c *client, env v1.Envelope) (v1.Envelope, error) {
	var p v1.UnsubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, err
	}
	sub, ok := c.takeSub(p.SubID)
	if !ok {
		return v1.Envelope{}, fmt.Errorf("%w: %s", errUnknownSub, p.SubID)
	}
	_ = sub.Close()
	return newEnvelope(v1.TypeAck, env.ID, struct{}{}), nil
}

// forward relays changes in order. A client that cannot keep up loses the
// subscription (subscription_error) rather than individual frames.
func (g *WSGateway) forward(ctx context.Context, c *client, subID string, sub docstore.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case ch, ok := <-sub.Changes():
			if !ok {
				// Ended by the store (overflow, backend failure) or by unsubscribe.
				if _, stillOurs := c.takeSub(subID); stillOurs {
					err := sub.Err()
					if err == nil {
						err = docstore.ErrClosed
					}
					g.log.Info("ws.subscription.end", "session_id", c.sessionID, "sub_id", subID, "err", err)
					g.sendSubscriptionError(ctx, c, subID, docstore.ErrorCode(err), err.Error())
				}
				return
			}

			env := newEnvelope(v1.TypeChange, "", v1.ChangePayload{
				SubID:    subID,
				Kind:     ch.Kind.String(),
				Document: docstore.ToWire(ch.Doc),
			})
			if !g.enqueueWait(ctx, c, env) {
				if s, stillOurs := c.takeSub(subID); stillOurs {
					_ = s.Close()
					g.log.Info("ws.subscription.backpressure", "session_id", c.sessionID, "sub_id", subID)
					g.sendSubscriptionError(ctx, c, subID, v1.CodeBackpressure, "client too slow")
				}
				return
			}
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) sendError(ctx context.Context, c *client, refID, code, msg string) {
	_ = g.enqueueWait(ctx, c, newEnvelope(v1.TypeError, refID, v1.ErrorPayload{Code: code, Message: msg}))
}

func (g *WSGateway) sendSubscriptionError(ctx context.Context, c *client, subID, code, msg string) {
	_ = g.enqueueWait(ctx, c, newEnvelope(v1.TypeSubscriptionError, "", v1.SubscriptionErrorPayload{
		SubID:   subID,
		Code:    code,
		Message: msg,
	}))
}

// enqueue never blocks.
func (g *WSGateway) enqueue(ctx context.Context, c *client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.Done():
		return false
	case c.send <- env:
		return true
	default:
		return false
	}
}

// enqueueWait blocks up to EnqueueTimeout for room in the send queue.
func (g *WSGateway) enqueueWait(ctx context.Context, c *client, env v1.Envelope) bool {
	if g.enqueue(ctx, c, env) {
		return true
	}
	t := time.NewTimer(g.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.Done():
		return false
	case c.send <- env:
		return true
	case <-t.C:
		return false
	}
}
