package docstore

import "errors"

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrVersionMismatch = errors.New("docstore: version mismatch")
	ErrInvalidPath     = errors.New("docstore: invalid path")
	ErrClosed          = errors.New("docstore: closed")
	// ErrForbidden is returned by the gateway when the signed-in user may not
	// touch a path.
	ErrForbidden = errors.New("docstore: forbidden")
	// ErrSubscriptionOverflow ends a subscription whose consumer fell further
	// behind than its buffer.
	ErrSubscriptionOverflow = errors.New("docstore: subscription overflow")
)

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
