package gateway

import (
	"strconv"
	"sync"

	v1 "duochat/shared/contracts/docstore/v1"

	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
)

// client represents one connected websocket session.
//
// - send is NOT closed by the server; forwarders may still hold a reference.
// - done signals goroutines to stop; close is idempotent.
type client struct {
	sessionID string
	userID    string // set by hello
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	nextSub uint64
	subs    map[string]docstore.Subscription
	fwd     sync.WaitGroup
}

func newClient(sessionID string, sendQueueSize int) *client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &client{
		sessionID: sessionID,
		send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[string]docstore.Subscription),
	}
}

func (c *client) Done() <-chan struct{} { return c.done }

// rateKey names the limiter budget the connection draws from: the user once
// hello succeeds, the connection itself before that.
func (c *client) rateKey() string {
	if c.userID == "" {
		return "session:" + c.sessionID
	}
	return "user:" + c.userID
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// addSub registers sub and returns its id, or "" when the connection is at its limit.
func (c *client) addSub(sub docstore.Subscription) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) >= maxSubscriptionsPerConn {
		return ""
	}
	c.nextSub++
	id := "s" + strconv.FormatUint(c.nextSub, 10)
	c.subs[id] = sub
	metrics.GatewaySubscriptions.Inc()
	return id
}

// takeSub unregisters id. The caller owns closing the returned subscription.
func (c *client) takeSub(id string) (docstore.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		metrics.GatewaySubscriptions.Dec()
	}
	return sub, ok
}

// closeSubs closes every subscription and waits for the forwarders to exit.
func (c *client) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]docstore.Subscription)
	c.mu.Unlock()
	metrics.GatewaySubscriptions.Sub(float64(len(subs)))

	for _, sub := range subs {
		_ = sub.Close()
	}
	c.fwd.Wait()
}
