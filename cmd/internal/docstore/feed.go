package docstore

import "sync"

// feed is the Subscription implementation shared by all backends.
//
// push never blocks: a full buffer ends the feed with ErrSubscriptionOverflow.
// Pollers that can re-read their source ask free() first and fetch at most that many.
type feed struct {
	ch   chan Change
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error

	onClose   func()
	closeOnce sync.Once
}

func newFeed(buffer int, onClose func()) *feed {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	return &feed{
		ch:      make(chan Change, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (f *feed) Changes() <-chan Change { return f.ch }
func (f *feed) Done() <-chan struct{}  { return f.done }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// push reports false when the feed is (or just became) closed.
func (f *feed) push(c Change) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- c:
		return true
	default:
		f.finishLocked(ErrSubscriptionOverflow)
		return false
	}
}

func (f *feed) free() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	return cap(f.ch) - len(f.ch)
}

func (f *feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fail ends the feed with err. It does not run onClose, so producers may call it.
func (f *feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.finishLocked(err)
	}
}

// Close ends the feed and releases its producer. Buffered changes stay readable.
func (f *feed) Close() error {
	f.fail(nil)
	f.closeOnce.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

func (f *feed) finishLocked(err error) {
	f.closed = true
	f.err = err
	close(f.done)
	close(f.ch)
}
