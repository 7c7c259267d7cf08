package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"

	"duochat/cmd/security/token"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout   = 5 * time.Second
	defaultEnqueueTimeout = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultReadIdle       = 2 * time.Minute
	closeGrace            = 1 * time.Second

	maxPingFailures = 3

	// Origin is required by default and only localhost is allowed (secure-by-default for dev).
	defaultOriginRequired = true
	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config holds the gateway knobs. Zero values fall back to defaults.
type Config struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	// Tokens verifies hello tokens when non-nil.
	Tokens *token.Verifier

	// OpenCollections serves collections outside the chat layout to every
	// signed-in user. Off by default: unknown collections are refused.
	OpenCollections bool

	WriteTimeout    time.Duration
	EnqueueTimeout  time.Duration
	RequestTimeout  time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// ConfigFromEnv reads CHAT_WS_* variables.
func ConfigFromEnv() Config {
	return Config{
		// NOTE: InsecureSkipVerify is a dev-only knob. It is not an origin policy.
		DevInsecure:    envBoolWS("CHAT_WS_DEV_INSECURE", false),
		OriginRequired: envBoolWS("CHAT_WS_ORIGIN_REQUIRED", defaultOriginRequired),
		AllowedOrigins: envCSVWS("CHAT_WS_ALLOWED_ORIGINS", defaultAllowedOrigins),

		OpenCollections: envBoolWS("CHAT_WS_OPEN_COLLECTIONS", false),

		WriteTimeout:    envDurationWS("CHAT_WS_WRITE_TIMEOUT", defaultWriteTimeout),
		EnqueueTimeout:  envDurationWS("CHAT_WS_ENQUEUE_TIMEOUT", defaultEnqueueTimeout),
		RequestTimeout:  envDurationWS("CHAT_WS_REQUEST_TIMEOUT", defaultRequestTimeout),
		ReadIdleTimeout: envDurationWS("CHAT_WS_READ_IDLE_TIMEOUT", defaultReadIdle),
		SendQueueSize:   envIntWS("CHAT_WS_SEND_QUEUE", defaultSendQueueSize),

		HeartbeatEvery:   envDurationWS("CHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("CHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),

		RateEvents: envIntWS("CHAT_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow: envDurationWS("CHAT_WS_RATE_WINDOW", rateLimitWindow),
	}
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
