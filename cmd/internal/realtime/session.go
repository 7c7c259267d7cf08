package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"duochat/cmd/identity"
	"duochat/cmd/identity/ids"
	"duochat/cmd/internal/chat"
	"duochat/cmd/internal/docstore"
	"duochat/cmd/internal/metrics"
)

const (
	defaultUpdateBuffer = 64
	defaultSendQueue    = 32
	defaultSendTimeout  = 10 * time.Second
)

// Config carries a Session's dependencies. Store and Identity are required.
type Config struct {
	Store    docstore.Store
	Identity identity.Provider
	Log      *slog.Logger

	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string

	UpdateBuffer int
	SendQueue    int
	// SendTimeout bounds each store write issued for Send.
	SendTimeout time.Duration
}

// Update is published after every message inserted into the list.
type Update struct {
	// Messages is a snapshot of the whole ordered list.
	Messages []chat.Message
	Added    chat.Message
	// IsNewestAppended is true iff Added sorts last.
	IsNewestAppended bool
}

// Session is one open conversation.
//
// Concurrency model:
//   - One event-loop goroutine applies events in subscription order; the list is
//     only mutated there.
//   - Send enqueues to one worker goroutine that writes to the store.
//   - Stop cancels, closes the subscription and waits for the loop, so nothing is
//     applied or published after it returns.
type Session struct {
	store       docstore.Store
	ident       identity.Provider
	log         *slog.Logger
	now         func() time.Time
	newID       func() string
	adapter     *Adapter
	sendTimeout time.Duration

	mu       sync.Mutex
	state    State
	mode     string
	userID   string
	conv     chat.Conversation
	msgs     []chat.Message
	known    map[string]struct{}
	err      error
	sub      docstore.Subscription
	loopDone chan struct{}

	outbox  chan chat.Message
	updates chan Update
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	stopOnce     sync.Once
	stopErr      error
	closeUpdates sync.Once
	closeDone    sync.Once
}

// NewSession returns a Session in StateCreated.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if cfg.Identity == nil {
		return nil, errors.New("realtime: nil identity provider")
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = ids.NewRoomID
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		store:       cfg.Store,
		ident:       cfg.Identity,
		log:         cfg.Log,
		now:         cfg.Now,
		newID:       cfg.NewID,
		adapter:     NewAdapter(cfg.Log),
		sendTimeout: cfg.SendTimeout,
		state:       StateCreated,
		known:       make(map[string]struct{}),
		outbox:      make(chan chat.Message, cfg.SendQueue),
		updates:     make(chan Update, cfg.UpdateBuffer),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start opens a new room for the current user: it writes the room document
// (participant A, not full) and subscribes to the conversation's messages.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime: nil session")
	}
	userID, err := identity.RequireUser(s.ident, "realtime.Session.Start")
	if err != nil {
		s.log.Warn("session.start.no_identity", "err", err)
		return err
	}

	conv := chat.NewConversation(s.newID(), s.newID(), userID)
	if err := s.begin("start", userID, conv); err != nil {
		return err
	}
	s.log.Info("session.start", "user_id", userID, "room_id", conv.RoomID, "conversation_id", conv.ConversationID)

	// Create-only: an existing document with the same id is never overwritten.
	path := docstore.Doc(chat.RoomsCollection, conv.RoomID)
	if _, err := s.store.Set(ctx, path, conv.Fields(), docstore.IfVersion(0)); err != nil {
		return s.fail("room_write", &RoomWriteError{RoomID: conv.RoomID, Cause: err})
	}
	return s.subscribe(ctx)
}

// Join takes the second seat of an existing room and subscribes to its messages.
func (s *Session) Join(ctx context.Context, roomID, conversationID string) error {
	if s == nil {
		return errors.New("realtime: nil session")
	}
	userID, err := identity.RequireUser(s.ident, "realtime.Session.Join")
	if err != nil {
		s.log.Warn("session.join.no_identity", "err", err)
		return err
	}

	conv := chat.Conversation{RoomID: roomID, ConversationID: conversationID}
	if err := s.begin("join", userID, conv); err != nil {
		return err
	}
	s.log.Info("session.join", "user_id", userID, "room_id", roomID, "conversation_id", conversationID)

	path := docstore.Doc(chat.RoomsCollection, roomID)
	_, err = docstore.Update(ctx, s.store, path, func(cur docstore.Document, exists bool) (docstore.Fields, error) {
		if !exists {
			return nil, ErrRoomNotFound
		}
		c, err := chat.ConversationFromFields(roomID, conversationID, cur.Fields)
		if err != nil {
			return nil, err
		}
		if c, err = c.AssignParticipantB(userID); err != nil {
			return nil, err
		}
		conv = c
		return c.Fields(), nil
	})
	if err != nil {
		return s.fail("room_write", &RoomWriteError{RoomID: roomID, Cause: err})
	}

	s.mu.Lock()
	s.conv = conv
	s.mu.Unlock()
	return s.subscribe(ctx)
}

func (s *Session) begin(mode, userID string, conv chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return ErrAlreadyStarted
	}
	s.state = StateSubscribing
	s.mode = mode
	s.userID = userID
	s.conv = conv
	return nil
}

func (s *Session) subscribe(ctx context.Context) error {
	s.mu.Lock()
	coll := s.conv.MessagesCollection()
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, coll)
	if err != nil {
		return s.fail("subscribe", &SubscriptionError{Collection: coll, Cause: err})
	}

	s.mu.Lock()
	if s.state != StateSubscribing {
		// Stopped while subscribing.
		s.mu.Unlock()
		_ = sub.Close()
		return ErrSessionNotActive
	}
	s.state = StateActive
	s.sub = sub
	s.loopDone = make(chan struct{})
	events := s.adapter.Stream(s.ctx, sub.Changes())
	go s.loop(events, sub, coll, s.loopDone)
	go s.sendWorker(coll)
	mode := s.mode
	s.mu.Unlock()

	metrics.SessionsStarted.WithLabelValues(mode).Inc()
	metrics.SessionsActive.Inc()
	s.log.Info("session.active", "collection", coll, "mode", mode)
	return nil
}

// Send validates content and queues it for the store. It returns before the
// message is stored; the message appears in Updates once the store echoes it.
func (s *Session) Send(ctx context.Context, content string) error {
	if s == nil {
		return &SendError{Cause: ErrSessionNotActive}
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &SendError{Cause: ErrSessionNotActive}
	}
	m, err := chat.NewMessage(s.userID, content, s.now())
	if err != nil {
		return &SendError{Cause: err}
	}
	select {
	case s.outbox <- m:
		return nil
	default:
		metrics.SendFailures.WithLabelValues("queue_full").Inc()
		s.log.Warn("message.send.queue_full", "conversation_id", s.conv.ConversationID)
		return &SendError{Cause: ErrSendQueueFull}
	}
}

// sendWorker writes queued messages. After the session ends it drains what was
// already queued; issued sends are never retracted.
func (s *Session) sendWorker(coll string) {
	for {
		select {
		case m := <-s.outbox:
			s.dispatch(coll, m)
		case <-s.ctx.Done():
			for {
				select {
				case m := <-s.outbox:
					s.dispatch(coll, m)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) dispatch(coll string, m chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	doc, err := s.store.Add(ctx, coll, m.Fields())
	if err != nil {
		metrics.SendFailures.WithLabelValues("store").Inc()
		s.log.Error("message.send.fail", "collection", coll, "sender_id", m.SenderID, "err", err)
		return
	}
	metrics.SendsDispatched.Inc()
	s.log.Debug("message.send", "collection", coll, "document_id", doc.ID())
}

func (s *Session) loop(events <-chan Event, sub docstore.Subscription, coll string, done chan struct{}) {
	defer func() {
		s.closeUpdates.Do(func() { close(s.updates) })
		s.closeDone.Do(func() { close(s.done) })
		close(done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if s.ctx.Err() != nil {
					return
				}
				cause := sub.Err()
				if cause == nil {
					cause = docstore.ErrClosed
				}
				s.failActive(&SubscriptionError{Collection: coll, Cause: cause})
				return
			}
			if added, ok := ev.(MessageAdded); ok {
				s.apply(added.Message)
			}
			// MessageDecodeFailed and ChangeIgnored are logged and counted by the adapter.
		}
	}
}

func (s *Session) apply(m chat.Message) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	if _, dup := s.known[m.ID]; dup {
		s.mu.Unlock()
		metrics.MessagesDuplicate.Inc()
		s.log.Debug("message.duplicate", "document_id", m.ID)
		return
	}
	s.known[m.ID] = struct{}{}
	i, _ := slices.BinarySearchFunc(s.msgs, m, chat.Compare)
	s.msgs = slices.Insert(s.msgs, i, m)
	up := Update{
		Messages:         slices.Clone(s.msgs),
		Added:            m,
		IsNewestAppended: i == len(s.msgs)-1,
	}
	s.mu.Unlock()

	metrics.MessagesApplied.Inc()
	select {
	case s.updates <- up:
	case <-s.ctx.Done():
	}
}

// fail moves a starting session to Failed and returns err.
func (s *Session) fail(stage string, err error) error {
	s.mu.Lock()
	if CanTransition(s.state, StateFailed) {
		s.state = StateFailed
		s.err = err
	}
	started := s.loopDone != nil
	conv := s.conv
	s.mu.Unlock()

	metrics.SessionFailures.WithLabelValues(stage).Inc()
	s.log.Error("session.fail", "stage", stage, "room_id", conv.RoomID, "conversation_id", conv.ConversationID, "err", err)
	s.cancel()
	if !started {
		s.endWithoutLoop()
	}
	return err
}

// failActive is called by the event loop when the stream ends on its own.
func (s *Session) failActive(err error) {
	s.mu.Lock()
	wasActive := s.state == StateActive
	if CanTransition(s.state, StateFailed) {
		s.state = StateFailed
		s.err = err
	}
	s.mu.Unlock()

	if wasActive {
		metrics.SessionsActive.Dec()
	}
	metrics.SessionFailures.WithLabelValues("stream").Inc()
	s.log.Error("session.stream.fail", "err", err)
	s.cancel()
}

func (s *Session) endWithoutLoop() {
	s.closeUpdates.Do(func() { close(s.updates) })
	s.closeDone.Do(func() { close(s.done) })
}

// Stop releases the subscription and waits for the event loop to exit.
// It is idempotent, safe on a nil or never-started session, and only the first
// call can return a teardown error.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		if CanTransition(prev, StateStopped) {
			s.state = StateStopped
		}
		sub := s.sub
		loopDone := s.loopDone
		coll := s.conv.MessagesCollection()
		s.mu.Unlock()

		s.cancel()
		if sub != nil {
			if err := sub.Close(); err != nil {
				s.stopErr = &SubscriptionError{Collection: coll, Cause: err}
				s.log.Error("session.stop.fail", "collection", coll, "err", err)
			}
		}
		if loopDone != nil {
			<-loopDone
		} else {
			s.endWithoutLoop()
		}

		if prev == StateActive {
			metrics.SessionsActive.Dec()
		}
		if !prev.Terminal() {
			s.log.Info("session.stop", "from", prev.String())
		}
	})
	return s.stopErr
}

// Updates delivers one Update per inserted message. It is closed when the session ends.
func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed once the session has ended and no more updates will be published.
func (s *Session) Done() <-chan struct{} { return s.done }

// Messages returns a snapshot of the ordered message list.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

func (s *Session) State() State {
	if s == nil {
		return StateStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the room/conversation identity (zero before Start/Join).
func (s *Session) Conversation() chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Err returns the terminal error of a Failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
