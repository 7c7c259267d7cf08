package app

import (
	"fmt"
	"strings"
	"time"
)

// Store backends selectable with CHAT_STORE.
const (
	StoreAuto     = "auto"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store is one of StoreAuto, StoreMemory, StorePostgres, StoreRedis.
	// Auto picks Postgres when DatabaseURL is set, then Redis, then memory.
	Store string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool
	DBSchema      string

	RedisURL    string
	RedisPrefix string

	StorePollInterval time.Duration

	// If true, /readyz returns 503 unless a durable backend is configured and reachable.
	ReadinessRequireStore bool

	// If true, CHAT_TOKEN_PUBLIC_KEY MUST be set and every hello must carry a valid token.
	RequireToken bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store: strings.ToLower(EnvString("CHAT_STORE", StoreAuto)),

		DatabaseURL:   EnvString("CHAT_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CHAT_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("CHAT_DB_AUTO_MIGRATE", true),
		DBSchema:      EnvString("CHAT_DB_SCHEMA", "duochat"),

		RedisURL:    EnvString("CHAT_REDIS_URL", ""),
		RedisPrefix: EnvString("CHAT_REDIS_PREFIX", "duochat:"),

		StorePollInterval: EnvDuration("CHAT_STORE_POLL_INTERVAL", time.Second),

		ReadinessRequireStore: EnvBool("CHAT_READINESS_REQUIRE_STORE", false),

		RequireToken: EnvBool("CHAT_REQUIRE_TOKEN", false),
	}
}

// backend resolves StoreAuto against the configured URLs.
func (c Config) backend() (string, error) {
	switch c.Store {
	case "", StoreAuto:
		switch {
		case c.DatabaseURL != "":
			return StorePostgres, nil
		case c.RedisURL != "":
			return StoreRedis, nil
		default:
			return StoreMemory, nil
		}
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if c.DatabaseURL == "" {
			return "", fmt.Errorf("CHAT_STORE=postgres requires CHAT_DATABASE_URL")
		}
		return StorePostgres, nil
	case StoreRedis:
		if c.RedisURL == "" {
			return "", fmt.Errorf("CHAT_STORE=redis requires CHAT_REDIS_URL")
		}
		return StoreRedis, nil
	default:
		return "", fmt.Errorf("unknown CHAT_STORE %q", c.Store)
	}
}
