package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duochat/cmd/internal/docstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// backendStore is the opened document store plus the resources the app owns.
type backendStore struct {
	store   docstore.Store
	backend string
	closers []func()
	once    sync.Once
}

func (b *backendStore) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		if b.store != nil {
			_ = b.store.Close()
		}
		for i := len(b.closers) - 1; i >= 0; i-- {
			b.closers[i]()
		}
	})
}

// openStore selects and opens the document store backend.
// Ownership: the app owns the pool/client; store Close only stops subscriptions.
func openStore(ctx context.Context, cfg Config, log Logger) (*backendStore, error) {
	backend, err := cfg.backend()
	if err != nil {
		return nil, err
	}

	b := &backendStore{backend: backend}
	var st docstore.Store

	switch backend {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)

		pg, err := docstore.NewPostgresStore(pool,
			docstore.WithSchema(cfg.DBSchema),
			docstore.WithPollInterval(cfg.StorePollInterval),
			docstore.WithPostgresLogger(log),
		)
		if err != nil {
			b.Close()
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("postgres schema: %w", err)
			}
		}
		st = pg

	case StoreRedis:
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })

		rs, err := docstore.NewRedisStore(rdb,
			docstore.WithRedisPrefix(cfg.RedisPrefix),
			docstore.WithRedisBlock(cfg.StorePollInterval),
			docstore.WithRedisLogger(log),
		)
		if err != nil {
			b.Close()
			return nil, err
		}
		st = rs

	default:
		st = docstore.NewMemoryStore()
	}

	b.store = docstore.Instrument(st, backend)
	log.Info("store.open", "backend", backend)
	return b, nil
}

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewRedisClient parses CHAT_REDIS_URL and validates connectivity.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
