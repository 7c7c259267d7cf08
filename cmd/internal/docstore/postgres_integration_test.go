package docstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests use DUOCHAT_TEST_DATABASE_URL when set, otherwise a
// throwaway container; they are skipped when neither is available.

func TestPostgresStore_Contract(t *testing.T) {
	pool := mustOpenTestPool(t)

	runStoreContract(t, func(t *testing.T) Store {
		schema := "dt_" + strings.ReplaceAll(uuid.NewString()[:12], "-", "")
		st, err := NewPostgresStore(pool, WithSchema(schema), WithPollInterval(100*time.Millisecond))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := st.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		t.Cleanup(func() {
			_ = st.Close()
			_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		})
		return st
	})
}

func TestPostgresStore_EnsureSchemaIdempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	schema := "dt_" + strings.ReplaceAll(uuid.NewString()[:12], "-", "")
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := st.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema #%d: %v", i+1, err)
		}
	}
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil, WithSchema("bad-schema;")); err == nil {
		t.Fatalf("expected invalid schema error")
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("DUOCHAT_TEST_DATABASE_URL"))
	if dsn == "" {
		dsn = startPostgresContainer(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func startPostgresContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "duochat",
				"POSTGRES_PASSWORD": "duochat",
				"POSTGRES_DB":       "duochat",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://duochat:duochat@%s:%s/duochat?sslmode=disable", host, port.Port())
}
