package gateway

import (
	"sync"
	"time"

	v1 "duochat/shared/contracts/docstore/v1"
)

// Writes fan out to every subscriber of the collection, so they draw more
// from the budget than reads.
const (
	readCost  = 1
	writeCost = 3
)

func requestCost(typ string) int {
	switch typ {
	case v1.TypeDocSet, v1.TypeDocAdd, v1.TypeDocDelete:
		return writeCost
	default:
		return readCost
	}
}

type spend struct {
	at   time.Time
	cost int
}

type budget struct {
	spent []spend
	used  int
}

func (b *budget) prune(cut time.Time) {
	n := 0
	for _, s := range b.spent {
		if s.at.After(cut) {
			b.spent[n] = s
			n++
			continue
		}
		b.used -= s.cost
	}
	b.spent = b.spent[:n]
}

// RateLimiter is a sliding-window limiter over weighted requests.
//
// Budgets are keyed, not per connection: the gateway keys by user once hello
// succeeds, so opening more sockets does not buy a user more throughput.
type RateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	budgets   map[string]*budget
	lastSweep time.Time
}

// NewRateLimiter allows limit cost units per key per window, falling back to
// defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		budgets: make(map[string]*budget),
	}
}

// Allow charges cost to key at now and reports whether it fits the window.
// A rejected request is not charged.
func (r *RateLimiter) Allow(key string, cost int, now time.Time) bool {
	if cost <= 0 {
		cost = readCost
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(cut)
		r.lastSweep = now
	}

	b := r.budgets[key]
	if b == nil {
		b = &budget{}
		r.budgets[key] = b
	}
	b.prune(cut)

	if b.used+cost > r.limit {
		return false
	}
	b.spent = append(b.spent, spend{at: now, cost: cost})
	b.used += cost
	return true
}

// sweep drops budgets with nothing left in the window.
func (r *RateLimiter) sweep(cut time.Time) {
	for k, b := range r.budgets {
		b.prune(cut)
		if len(b.spent) == 0 {
			delete(r.budgets, k)
		}
	}
}

func (r *RateLimiter) keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.budgets)
}
