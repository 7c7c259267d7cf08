// Package app wires the chatd server runtime: config, logging, the document
// store backend, and the HTTP routes (health, metrics, WebSocket gateway).
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/gateway"
)

// App is the chatd runtime: it owns the store backend and the HTTP server wiring.
type App struct {
	cfg   Config
	log   Logger
	store *backendStore
	ws    *gateway.WSGateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tokens, err := tokenVerifier(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	gwCfg := gateway.ConfigFromEnv()
	gwCfg.Tokens = tokens

	return &App{
		cfg:   cfg,
		log:   log,
		store: st,
		ws:    gateway.NewWSGateway(log, st.store, gwCfg),
	}, nil
}

// Handler returns the routed, request-logged HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(mux, a.log)
}

func (a *App) ping(ctx context.Context) error {
	return docstore.Ping(ctx, a.store.store)
}

// Close releases the store backend.
func (a *App) Close() {
	a.store.Close()
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// No WriteTimeout: it would cut long-lived /ws connections.
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.store.backend)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop subscriptions first so gateway forwarders unblock before Shutdown waits.
	a.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
