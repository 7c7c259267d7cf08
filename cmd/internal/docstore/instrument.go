package docstore

import (
	"context"
	"time"

	"duochat/cmd/internal/metrics"
)

// Instrumented records latency and error metrics for every Store call.
type Instrumented struct {
	Store
	backend string
}

// Instrument wraps st; backend labels the metrics ("memory", "postgres", ...).
func Instrument(st Store, backend string) *Instrumented {
	return &Instrumented{Store: st, backend: backend}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend, op).Inc()
	}
}

func (s *Instrumented) Get(ctx context.Context, p Path) (Document, error) {
	start := time.Now()
	d, err := s.Store.Get(ctx, p)
	// A miss is a normal answer.
	if err != nil && isNotFound(err) {
		s.observe("get", start, nil)
		return d, err
	}
	s.observe("get", start, err)
	return d, err
}

func (s *Instrumented) Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error) {
	start := time.Now()
	d, err := s.Store.Set(ctx, p, fields, opts...)
	s.observe("set", start, err)
	return d, err
}

func (s *Instrumented) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	start := time.Now()
	d, err := s.Store.Add(ctx, collection, fields)
	s.observe("add", start, err)
	return d, err
}

func (s *Instrumented) Delete(ctx context.Context, p Path, opts ...WriteOption) error {
	start := time.Now()
	err := s.Store.Delete(ctx, p, opts...)
	s.observe("delete", start, err)
	return err
}

func (s *Instrumented) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	start := time.Now()
	sub, err := s.Store.Subscribe(ctx, collection)
	s.observe("subscribe", start, err)
	return sub, err
}

// Ping forwards to the wrapped store.
func (s *Instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := Ping(ctx, s.Store)
	s.observe("ping", start, err)
	return err
}
