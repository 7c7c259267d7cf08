package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"duochat/cmd/identity/ids"
)

const maxRedisTxAttempts = 16

// RedisStore is a Store backed by Redis.
//
// Layout (all keys under the configured prefix):
//   - doc:{collection}/{id}   JSON document
//   - idx:{collection}        sorted set of ids scored by creation order
//   - changes:{collection}    stream of change entries
//   - seq                     creation counter
//
// Writes WATCH the document key and commit the document, index and stream entry
// in one MULTI, so stream order is commit order. RedisStore does NOT own the client.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	poll   time.Duration
	buffer int
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithRedisPrefix namespaces every key (default "duochat:").
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisBlock sets how long a subscription blocks on XREAD per round.
func WithRedisBlock(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.poll = d
		}
	}
}

func WithRedisSubscriptionBuffer(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if log != nil {
			s.log = log
		}
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("docstore: nil redis client")
	}
	s := &RedisStore{
		rdb:    rdb,
		prefix: "duochat:",
		poll:   time.Second,
		buffer: DefaultSubscriptionBuffer,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close stops all subscription tails. The client stays open.
func (s *RedisStore) Close() error {
	s.cancel()
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

type redisDoc struct {
	Fields     json.RawMessage `json:"fields"`
	Version    int64           `json:"version"`
	CreateTime time.Time       `json:"create_time"`
	UpdateTime time.Time       `json:"update_time"`
}

func (s *RedisStore) docKey(p Path) string         { return s.prefix + "doc:" + p.String() }
func (s *RedisStore) idxKey(collection string) string { return s.prefix + "idx:" + collection }
func (s *RedisStore) streamKey(collection string) string {
	return s.prefix + "changes:" + collection
}
func (s *RedisStore) seqKey() string { return s.prefix + "seq" }

func encodeRedisDoc(d Document) ([]byte, error) {
	raw, err := encodeFields(d.Fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisDoc{
		Fields:     raw,
		Version:    d.Version,
		CreateTime: d.CreateTime,
		UpdateTime: d.UpdateTime,
	})
}

func decodeRedisDoc(p Path, b []byte) (Document, error) {
	var rd redisDoc
	if err := json.Unmarshal(b, &rd); err != nil {
		return Document{}, fmt.Errorf("docstore: decode %s: %w", p, err)
	}
	fields, err := decodeFields(rd.Fields)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:       p,
		Fields:     fields,
		Version:    rd.Version,
		CreateTime: rd.CreateTime.UTC(),
		UpdateTime: rd.UpdateTime.UTC(),
	}, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c redisGetter, p Path) (Document, bool, error) {
	b, err := c.Get(ctx, s.docKey(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{Path: p}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	d, err := decodeRedisDoc(p, b)
	return d, err == nil, err
}

func (s *RedisStore) Get(ctx context.Context, p Path) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	d, ok, err := s.read(ctx, s.rdb, p)
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return d, nil
}

func (s *RedisStore) Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	o := collectWriteOptions(opts)

	var out Document
	err := s.watch(ctx, p, o, func(tx *redis.Tx) error {
		cur, exists, err := s.read(ctx, tx, p)
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
		var order int64
		if !exists {
			next.CreateTime = now
			if order, err = tx.Incr(ctx, s.seqKey()).Result(); err != nil {
				return err
			}
		}
		data, err := encodeRedisDoc(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.docKey(p), data, 0)
			if !exists {
				pipe.ZAdd(ctx, s.idxKey(p.Collection), redis.Z{Score: float64(order), Member: p.ID})
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.streamKey(p.Collection),
				Values: map[string]any{"id": p.ID, "kind": plan.kind.String(), "doc": string(data)},
			})
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

func (s *RedisStore) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	if err := ValidateCollection(collection); err != nil {
		return Document{}, err
	}
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return Document{}, fmt.Errorf("docstore: new id: %w", err)
	}
	return s.Set(ctx, Doc(collection, id), fields, IfVersion(0))
}

func (s *RedisStore) Delete(ctx context.Context, p Path, opts ...WriteOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o := collectWriteOptions(opts)

	return s.watch(ctx, p, o, func(tx *redis.Tx) error {
		cur, exists, err := s.read(ctx, tx, p)
		if err != nil {
			return err
		}
		if err := o.checkVersion(cur, exists); err != nil {
			return err
		}
		if !exists {
			return nil
		}
		data, err := encodeRedisDoc(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.docKey(p))
			pipe.ZRem(ctx, s.idxKey(p.Collection), p.ID)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.streamKey(p.Collection),
				Values: map[string]any{"id": p.ID, "kind": Removed.String(), "doc": string(data)},
			})
			return nil
		})
		return err
	})
}

// watch runs fn under WATCH on the document key. A lost race is retried unless
// the caller pinned a version, in which case it is a mismatch.
func (s *RedisStore) watch(ctx context.Context, p Path, o writeOptions, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxRedisTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, s.docKey(p))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if o.ifVersion != nil {
			return fmt.Errorf("%w: %s changed concurrently", ErrVersionMismatch, p)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("docstore: write %s: too much contention", p)
}

// Subscribe reads the stream position first and the snapshot second, so a
// concurrent write is delivered at least once.
func (s *RedisStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}

	cursor := "0-0"
	last, err := s.rdb.XRevRangeN(ctx, s.streamKey(collection), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("stream position: %w", err)
	}
	if len(last) > 0 {
		cursor = last[0].ID
	}

	docs, err := s.snapshot(ctx, collection)
	if err != nil {
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
		s.tail(tailCtx, f, collection, cursor)
		if s.ctx.Err() != nil {
			f.fail(ErrClosed)
		}
	}()
	return f, nil
}

func (s *RedisStore) snapshot(ctx context.Context, collection string) ([]Document, error) {
	idList, err := s.rdb.ZRange(ctx, s.idxKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot index: %w", err)
	}
	if len(idList) == 0 {
		return nil, nil
	}

	keys := make([]string, len(idList))
	for i, id := range idList {
		keys[i] = s.docKey(Doc(collection, id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot documents: %w", err)
	}

	docs := make([]Document, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Deleted between ZRANGE and MGET; the stream carries the removal.
			continue
		}
		d, err := decodeRedisDoc(Doc(collection, idList[i]), []byte(str))
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *RedisStore) tail(ctx context.Context, f *feed, collection, cursor string) {
	stream := s.streamKey(collection)
	for {
		if ctx.Err() != nil || f.isClosed() {
			return
		}
		limit := f.free()
		if limit == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.poll):
			}
			continue
		}

		res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, cursor},
			Count:   int64(limit),
			Block:   s.poll,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.log.Warn("docstore.redis.tail.fail", "collection", collection, "err", err)
			f.fail(err)
			return
		}

		for _, xs := range res {
			for _, m := range xs.Messages {
				c, err := decodeRedisChange(collection, m)
				if err != nil {
					s.log.Warn("docstore.redis.change.decode_fail", "collection", collection, "entry", m.ID, "err", err)
					f.fail(err)
					return
				}
				cursor = m.ID
				if !f.push(c) {
					return
				}
			}
		}
	}
}

func decodeRedisChange(collection string, m redis.XMessage) (Change, error) {
	id, _ := m.Values["id"].(string)
	kindStr, _ := m.Values["kind"].(string)
	raw, _ := m.Values["doc"].(string)
	if id == "" || kindStr == "" || raw == "" {
		return Change{}, fmt.Errorf("docstore: malformed change entry %s", m.ID)
	}
	kind, err := ParseChangeKind(kindStr)
	if err != nil {
		return Change{}, err
	}
	d, err := decodeRedisDoc(Doc(collection, id), []byte(raw))
	if err != nil {
		return Change{}, err
	}
	return Change{Kind: kind, Doc: d}, nil
}
