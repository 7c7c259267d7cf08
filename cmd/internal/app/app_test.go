package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"duochat/cmd/security/token"
)

func TestConfigBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "auto memory", cfg: Config{Store: StoreAuto}, want: StoreMemory},
		{name: "empty is auto", cfg: Config{}, want: StoreMemory},
		{name: "auto postgres wins", cfg: Config{DatabaseURL: "postgres://x", RedisURL: "redis://x"}, want: StorePostgres},
		{name: "auto redis", cfg: Config{RedisURL: "redis://x"}, want: StoreRedis},
		{name: "explicit memory ignores urls", cfg: Config{Store: StoreMemory, DatabaseURL: "postgres://x"}, want: StoreMemory},
		{name: "postgres without url", cfg: Config{Store: StorePostgres}, wantErr: true},
		{name: "redis without url", cfg: Config{Store: StoreRedis}, wantErr: true},
		{name: "unknown", cfg: Config{Store: "mongo"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.cfg.backend()
			if (err != nil) != tc.wantErr {
				t.Fatalf("backend() err=%v wantErr=%v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("backend()=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CHAT_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHAT_STORE", "Redis")
	t.Setenv("CHAT_DB_MAX_CONNS", "-3")
	t.Setenv("CHAT_STORE_POLL_INTERVAL", "250ms")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.Store != StoreRedis {
		t.Fatalf("Store=%q want=%q", cfg.Store, StoreRedis)
	}
	if cfg.DBMaxConns != 10 {
		t.Fatalf("DBMaxConns=%d want=10 (default on invalid)", cfg.DBMaxConns)
	}
	if cfg.StorePollInterval.Milliseconds() != 250 {
		t.Fatalf("StorePollInterval=%v", cfg.StorePollInterval)
	}
}

func TestTokenVerifier(t *testing.T) {
	t.Setenv(token.EnvPublicKey, "")
	t.Setenv(token.EnvTTL, "")
	if v, err := tokenVerifier(Config{}); err != nil || v != nil {
		t.Fatalf("optional token: verifier=%v err=%v", v, err)
	}
	if _, err := tokenVerifier(Config{RequireToken: true}); err == nil {
		t.Fatalf("expected error when token is required but missing")
	}

	t.Setenv(token.EnvPublicKey, "not-hex")
	if _, err := tokenVerifier(Config{}); !errors.Is(err, token.ErrConfig) {
		t.Fatalf("bad key err=%v want=%v", err, token.ErrConfig)
	}

	_, public := token.GenerateKeyPair()
	t.Setenv(token.EnvPublicKey, public)
	v, err := tokenVerifier(Config{RequireToken: true})
	if err != nil || v == nil {
		t.Fatalf("verifier=%v err=%v", v, err)
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestApp_Routes(t *testing.T) {
	a := newTestApp(t, Config{Store: StoreMemory})
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/healthz", status: http.StatusOK, body: "ok"},
		{path: "/readyz", status: http.StatusOK, body: "ready"},
		{path: "/metrics", status: http.StatusOK, body: "duochat_sessions_active"},
		// Plain HTTP to /ws without an Origin is rejected by the gateway.
		{path: "/ws", status: http.StatusForbidden},
	}

	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("GET %s status=%d want=%d", tc.path, resp.StatusCode, tc.status)
		}
		if !strings.Contains(string(b), tc.body) {
			t.Fatalf("GET %s body=%q missing %q", tc.path, b, tc.body)
		}
	}
}

func TestApp_ReadinessRequiresDurableStore(t *testing.T) {
	a := newTestApp(t, Config{Store: StoreMemory, ReadinessRequireStore: true})

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=%d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, Config{Store: StoreMemory, HTTPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	cancel()

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	t.Parallel()

	if err := LoadDotEnv(t.TempDir() + "/does-not-exist.env"); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}
