package docstore

import (
	"context"
	"errors"
	"fmt"
)

const maxUpdateAttempts = 8

// UpdateFunc computes the next fields from the current document.
// exists is false when the document is absent; returning an error aborts the update.
type UpdateFunc func(cur Document, exists bool) (Fields, error)

// Update performs an optimistic read-modify-write of one document, retrying on
// concurrent writes.
func Update(ctx context.Context, st Store, p Path, fn UpdateFunc) (Document, error) {
	if st == nil {
		return Document{}, errors.New("docstore: nil store")
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := st.Get(ctx, p)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists, err = false, nil
			cur = Document{Path: p}
		}
		if err != nil {
			return Document{}, err
		}

		next, err := fn(cur, exists)
		if err != nil {
			return Document{}, err
		}

		var ver int64
		if exists {
			ver = cur.Version
		}
		doc, err := st.Set(ctx, p, next, IfVersion(ver))
		if errors.Is(err, ErrVersionMismatch) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Document{}, ctxErr
			}
			continue
		}
		return doc, err
	}
	return Document{}, fmt.Errorf("update %s: %w after %d attempts", p, ErrVersionMismatch, maxUpdateAttempts)
}
