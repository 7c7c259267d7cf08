package docstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"duochat/cmd/identity/ids"
)

type memDoc struct {
	doc Document
	seq uint64
}

// MemoryStore is an in-process Store.
//
// All writes and fanout happen under one mutex, so subscribers see changes in commit order.
type MemoryStore struct {
	mu     sync.Mutex
	closed bool
	seq    uint64
	colls  map[string]map[string]*memDoc
	subs   map[string]map[*feed]struct{}

	now    func() time.Time
	buffer int
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for document timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemorySubscriptionBuffer sets the live change buffer per subscription.
func WithMemorySubscriptionBuffer(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		colls:  make(map[string]map[string]*memDoc),
		subs:   make(map[string]map[*feed]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
		buffer: DefaultSubscriptionBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var feeds []*feed
	for _, set := range s.subs {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.subs = make(map[string]map[*feed]struct{})
	s.mu.Unlock()

	for _, f := range feeds {
		f.fail(ErrClosed)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Get(ctx context.Context, p Path) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}
	d, ok := s.colls[p.Collection][p.ID]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return cloneDoc(d.doc), nil
}

func (s *MemoryStore) Set(ctx context.Context, p Path, fields Fields, opts ...WriteOption) (Document, error) {
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	o := collectWriteOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, ErrClosed
	}

	coll := s.colls[p.Collection]
	cur, exists := coll[p.ID]
	curDoc := Document{Path: p}
	if exists {
		curDoc = cur.doc
	}

	plan, err := planSet(curDoc, exists, fields, o)
	if err != nil {
		return Document{}, err
	}
	if plan.noop {
		return cloneDoc(curDoc), nil
	}

	now := s.now()
	if !exists {
		if coll == nil {
			coll = make(map[string]*memDoc)
			s.colls[p.Collection] = coll
		}
		s.seq++
		cur = &memDoc{
			doc: Document{Path: p, CreateTime: now},
			seq: s.seq,
		}
		coll[p.ID] = cur
	}
	cur.doc.Fields = plan.fields
	cur.doc.Version++
	cur.doc.UpdateTime = now

	out := cloneDoc(cur.doc)
	s.fanoutLocked(p.Collection, Change{Kind: plan.kind, Doc: out})
	return cloneDoc(out), nil
}

func (s *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	if err := ValidateCollection(collection); err != nil {
		return Document{}, err
	}
	id, err := ids.NewULID(s.now())
	if err != nil {
		return Document{}, fmt.Errorf("docstore: new id: %w", err)
	}
	return s.Set(ctx, Doc(collection, id), fields, IfVersion(0))
}

func (s *MemoryStore) Delete(ctx context.Context, p Path, opts ...WriteOption) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o := collectWriteOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur, exists := s.colls[p.Collection][p.ID]
	curDoc := Document{Path: p}
	if exists {
		curDoc = cur.doc
	}
	if err := o.checkVersion(curDoc, exists); err != nil {
		return err
	}
	if !exists {
		return nil
	}

	delete(s.colls[p.Collection], p.ID)
	if len(s.colls[p.Collection]) == 0 {
		delete(s.colls, p.Collection)
	}
	s.fanoutLocked(p.Collection, Change{Kind: Removed, Doc: cloneDoc(curDoc)})
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	docs := make([]*memDoc, 0, len(s.colls[collection]))
	for _, d := range s.colls[collection] {
		docs = append(docs, d)
	}
	slices.SortFunc(docs, func(a, b *memDoc) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	var f *feed
	f = newFeed(s.buffer+len(docs), func() { s.unsubscribe(collection, f) })
	for _, d := range docs {
		if !f.push(Change{Kind: Added, Doc: cloneDoc(d.doc)}) {
			return nil, errors.New("docstore: snapshot exceeded subscription buffer")
		}
	}

	set := s.subs[collection]
	if set == nil {
		set = make(map[*feed]struct{})
		s.subs[collection] = set
	}
	set[f] = struct{}{}
	return f, nil
}

func (s *MemoryStore) unsubscribe(collection string, f *feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[collection]; set != nil {
		delete(set, f)
		if len(set) == 0 {
			delete(s.subs, collection)
		}
	}
}

// fanoutLocked delivers c to every subscriber of collection, dropping feeds
// that ended (closed or overflowed).
func (s *MemoryStore) fanoutLocked(collection string, c Change) {
	set := s.subs[collection]
	for f := range set {
		if !f.push(Change{Kind: c.Kind, Doc: cloneDoc(c.Doc)}) {
			delete(set, f)
		}
	}
	if len(set) == 0 {
		delete(s.subs, collection)
	}
}

func cloneDoc(d Document) Document {
	d.Fields = maps.Clone(d.Fields)
	return d
}
