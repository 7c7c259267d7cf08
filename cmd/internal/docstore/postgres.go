package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duochat/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close ends the store's subscriptions only.
//
// Concurrency model:
//   - Every write takes a per-collection transactional advisory lock, so the
//     changes.seq order of a collection is its commit order.
//   - Subscriptions LISTEN on a notify channel and re-read the change log after
//     every notification or poll interval.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	poll   time.Duration
	buffer int
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "duochat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPollInterval bounds how long a subscription waits for a notification
// before re-reading the change log.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) error {
		if d <= 0 {
			return errors.New("docstore: poll interval must be > 0")
		}
		s.poll = d
		return nil
	}
}

// WithPostgresSubscriptionBuffer sets the per-subscription change buffer.
func WithPostgresSubscriptionBuffer(n int) PostgresOption {
	return func(s *PostgresStore) error {
		if n <= 0 {
			return errors.New("docstore: subscription buffer must be > 0")
		}
		s.buffer = n
		return nil
	}
}

// WithPostgresLogger sets the logger used by subscription tails.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "duochat",
		poll:   time.Second,
		buffer: DefaultSubscriptionBuffer,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	st.ctx, st.cancel = context.WithCancel(context.Background())
	return st, nil
}

// Close stops all subscription tails. The pool stays open.
func (s *PostgresStore) Close() error {
	if s == nil || s.cancel == nil {
		return nil
	}
	s.cancel()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("docstore: nil store")
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the store's schema, tables and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	docs := pgIdent(s.schema, "documents")
	changes := pgIdent(s.schema, "changes")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + docs + ` (
		     collection  text        NOT NULL,
		     doc_id      text        NOT NULL,
		     fields      jsonb       NOT NULL,
		     version     bigint      NOT NULL,
		     create_seq  bigint      NOT NULL,
		     created_at  timestamptz NOT NULL,
		     updated_at  timestamptz NOT NULL,
		     PRIMARY KEY (collection, doc_id)
		   )`,
		`CREATE INDEX IF NOT EXISTS documents_collection_create_seq_idx ON ` + docs + ` (collection, create_seq)`,
		`CREATE TABLE IF NOT EXISTS ` + changes + ` (
		     seq         bigserial   PRIMARY KEY,
		     collection  text        NOT NULL,
		     doc_id      text        NOT NULL,
		     kind        text        NOT NULL,
		     fields      jsonb       NOT NULL,
		     version     bigint      NOT NULL,
		     created_at  timestamptz NOT NULL,
		     updated_at  timestamptz NOT NULL
		   )`,
		`CREATE INDEX IF NOT EXISTS changes_collection_seq_idx ON ` + changes + ` (collection, seq)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("docstore: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, p Path) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := readDocument(ctx, s.pool, pgIdent(s.schema, "documents"), p, false)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return doc, err
}

func (s *PostgresStore) Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	o := collectWriteOptions(opts)

	var out Document
	err := s.inWriteTx(ctx, p.Collection, func(tx pgx.Tx) error {
		cur, err := readDocument(ctx, tx, pgIdent(s.schema, "documents"), p, true)
		exists := true
		if errors.Is(err, pgx.ErrNoRows) {
			exists, err = false, nil
			cur = Document{Path: p}
		}
		if err != nil {
			return err
		}

		plan, err := planSet(cur, exists, fields, o)
		if err != nil {
			return err
		}
		if plan.noop {
			out = cur
			return nil
		}

		now := time.Now().UTC()
		next := Document{
			Path:       p,
			Fields:     plan.fields,
			Version:    cur.Version + 1,
			CreateTime: cur.CreateTime,
			UpdateTime: now,
		}
		if !exists {
			next.CreateTime = now
		}

		seq, err := s.appendChange(ctx, tx, plan.kind, next)
		if err != nil {
			return err
		}
		raw, err := encodeFields(next.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+pgIdent(s.schema, "documents")+`
			     (collection, doc_id, fields, version, create_seq, created_at, updated_at)
			   VALUES ($1, $2, $3, $4, $5, $6, $7)
			   ON CONFLICT (collection, doc_id) DO UPDATE
			     SET fields = EXCLUDED.fields,
			         version = EXCLUDED.version,
			         updated_at = EXCLUDED.updated_at`,
			p.Collection, p.ID, raw, next.Version, seq, next.CreateTime, next.UpdateTime,
		); err != nil {
			return fmt.Errorf("upsert document: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

func (s *PostgresStore) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	if err := ValidateCollection(collection); err != nil {
		return Document{}, err
	}
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return Document{}, fmt.Errorf("docstore: new id: %w", err)
	}
	return s.Set(ctx, Doc(collection, id), fields, IfVersion(0))
}

func (s *PostgresStore) Delete(ctx context.Context, p Path, opts ...WriteOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o := collectWriteOptions(opts)

	return s.inWriteTx(ctx, p.Collection, func(tx pgx.Tx) error {
		cur, err := readDocument(ctx, tx, pgIdent(s.schema, "documents"), p, true)
		exists := true
		if errors.Is(err, pgx.ErrNoRows) {
			exists, err = false, nil
			cur = Document{Path: p}
		}
		if err != nil {
			return err
		}
		if err := o.checkVersion(cur, exists); err != nil {
			return err
		}
		if !exists {
			return nil
		}

		if _, err := s.appendChange(ctx, tx, Removed, cur); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+pgIdent(s.schema, "documents")+` WHERE collection = $1 AND doc_id = $2`,
			p.Collection, p.ID,
		); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
}

// inWriteTx runs fn in a read-committed transaction holding the collection lock.
func (s *PostgresStore) inWriteTx(ctx context.Context, collection string, fn func(pgx.Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("docstore: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writers per collection so seq allocation order equals commit order.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, collection); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) appendChange(ctx context.Context, tx pgx.Tx, kind ChangeKind, d Document) (int64, error) {
	raw, err := encodeFields(d.Fields)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "changes")+`
		     (collection, doc_id, kind, fields, version, created_at, updated_at)
		   VALUES ($1, $2, $3, $4, $5, $6, $7)
		   RETURNING seq`,
		d.Path.Collection, d.Path.ID, kind.String(), raw, d.Version, d.CreateTime, d.UpdateTime,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("insert change: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel(), d.Path.Collection); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) channel() string { return s.schema + "_changes" }

// Subscribe snapshots the collection and its change cursor in one
// repeatable-read transaction, then tails the change log on a dedicated connection.
func (s *PostgresStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	release := func() {
		c := conn.Hijack()
		_ = c.Close(context.Background())
	}

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel()}.Sanitize()); err != nil {
		release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	cursor, docs, err := s.snapshot(ctx, conn, collection)
	if err != nil {
		release()
		return nil, err
	}

	tailCtx, cancel := context.WithCancel(s.ctx)
	exited := make(chan struct{})
	f := newFeed(s.buffer+len(docs), func() {
		cancel()
		<-exited
	})
	for _, d := range docs {
		f.push(Change{Kind: Added, Doc: d})
	}

	go func() {
		defer close(exited)
		defer release()
		s.tail(tailCtx, conn, f, collection, cursor)
		if s.ctx.Err() != nil {
			f.fail(ErrClosed)
		}
	}()
	return f, nil
}

func (s *PostgresStore) snapshot(ctx context.Context, conn *pgxpool.Conn, collection string) (int64, []Document, error) {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cursor int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM `+pgIdent(s.schema, "changes")+` WHERE collection = $1`,
		collection,
	).Scan(&cursor); err != nil {
		return 0, nil, fmt.Errorf("snapshot cursor: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT doc_id, fields, version, created_at, updated_at
		   FROM `+pgIdent(s.schema, "documents")+`
		  WHERE collection = $1
		  ORDER BY create_seq ASC`,
		collection,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("snapshot documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			d   Document
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw, &d.Version, &d.CreateTime, &d.UpdateTime); err != nil {
			return 0, nil, err
		}
		if d.Fields, err = decodeFields(raw); err != nil {
			return 0, nil, err
		}
		d.Path = Doc(collection, id)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return cursor, docs, tx.Commit(ctx)
}

func (s *PostgresStore) tail(ctx context.Context, conn *pgxpool.Conn, f *feed, collection string, cursor int64) {
	for {
		next, err := s.drain(ctx, conn, f, collection, cursor)
		if ctx.Err() != nil || f.isClosed() {
			return
		}
		if err != nil {
			s.log.Warn("docstore.pg.tail.fail", "collection", collection, "err", err)
			f.fail(err)
			return
		}
		cursor = next

		waitCtx, cancel := context.WithTimeout(ctx, s.poll)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		timedOut := waitCtx.Err() != nil
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !timedOut {
			s.log.Warn("docstore.pg.listen.fail", "collection", collection, "err", err)
			f.fail(err)
			return
		}
	}
}

// drain pushes changes after cursor, never more than the feed can take.
func (s *PostgresStore) drain(ctx context.Context, conn *pgxpool.Conn, f *feed, collection string, cursor int64) (int64, error) {
	for {
		limit := f.free()
		if limit == 0 {
			return cursor, nil
		}

		rows, err := conn.Query(ctx,
			`SELECT seq, doc_id, kind, fields, version, created_at, updated_at
			   FROM `+pgIdent(s.schema, "changes")+`
			  WHERE collection = $1 AND seq > $2
			  ORDER BY seq ASC
			  LIMIT $3`,
			collection, cursor, limit,
		)
		if err != nil {
			return cursor, err
		}

		var batch []Change
		for rows.Next() {
			var (
				seq      int64
				id, kind string
				raw      []byte
				d        Document
			)
			if err := rows.Scan(&seq, &id, &kind, &raw, &d.Version, &d.CreateTime, &d.UpdateTime); err != nil {
				rows.Close()
				return cursor, err
			}
			k, err := ParseChangeKind(kind)
			if err != nil {
				rows.Close()
				return cursor, err
			}
			if d.Fields, err = decodeFields(raw); err != nil {
				rows.Close()
				return cursor, err
			}
			d.Path = Doc(collection, id)
			batch = append(batch, Change{Kind: k, Doc: d})
			cursor = seq
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return cursor, err
		}

		for _, c := range batch {
			if !f.push(c) {
				return cursor, nil
			}
		}
		if len(batch) < limit {
			return cursor, nil
		}
	}
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readDocument(ctx context.Context, q pgQuerier, table string, p Path, forUpdate bool) (Document, error) {
	sql := `SELECT fields, version, created_at, updated_at FROM ` + table + ` WHERE collection = $1 AND doc_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		d   = Document{Path: p}
		raw []byte
	)
	if err := q.QueryRow(ctx, sql, p.Collection, p.ID).Scan(&raw, &d.Version, &d.CreateTime, &d.UpdateTime); err != nil {
		return Document{}, err
	}
	var err error
	if d.Fields, err = decodeFields(raw); err != nil {
		return Document{}, err
	}
	d.CreateTime = d.CreateTime.UTC()
	d.UpdateTime = d.UpdateTime.UTC()
	return d, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
