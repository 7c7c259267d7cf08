package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// WriteOption modifies Set and Delete.
type WriteOption func(*writeOptions)

type writeOptions struct {
	merge     bool
	ifVersion *int64
}

// Merge makes Set overlay fields onto the existing document instead of replacing it.
func Merge() WriteOption {
	return func(o *writeOptions) { o.merge = true }
}

// IfVersion makes the write conditional on the current version.
// Version 0 means the document must not exist.
func IfVersion(v int64) WriteOption {
	return func(o *writeOptions) { o.ifVersion = &v }
}

func collectWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// checkVersion applies the IfVersion precondition.
func (o writeOptions) checkVersion(cur Document, exists bool) error {
	if o.ifVersion == nil {
		return nil
	}
	want := *o.ifVersion
	switch {
	case want == 0 && exists:
		return fmt.Errorf("%w: %s exists at version %d", ErrVersionMismatch, cur.Path, cur.Version)
	case want > 0 && !exists:
		return fmt.Errorf("%w: %s does not exist", ErrVersionMismatch, cur.Path)
	case want > 0 && cur.Version != want:
		return fmt.Errorf("%w: %s at version %d, want %d", ErrVersionMismatch, cur.Path, cur.Version, want)
	}
	return nil
}

// writePlan is the outcome of applying a Set to the current state.
type writePlan struct {
	fields Fields
	noop   bool
	kind   ChangeKind
}

func planSet(cur Document, exists bool, fields Fields, o writeOptions) (writePlan, error) {
	if err := o.checkVersion(cur, exists); err != nil {
		return writePlan{}, err
	}

	var next Fields
	if o.merge && exists {
		next = maps.Clone(cur.Fields)
		if next == nil {
			next = Fields{}
		}
		maps.Copy(next, fields)
	} else {
		next = maps.Clone(fields)
		if next == nil {
			next = Fields{}
		}
	}

	if !exists {
		return writePlan{fields: next, kind: Added}, nil
	}
	same, err := sameFields(cur.Fields, next)
	if err != nil {
		return writePlan{}, err
	}
	return writePlan{fields: next, noop: same, kind: Modified}, nil
}

// sameFields compares canonical JSON encodings (encoding/json sorts map keys).
func sameFields(a, b Fields) (bool, error) {
	ab, err := encodeFields(a)
	if err != nil {
		return false, err
	}
	bb, err := encodeFields(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

func encodeFields(f Fields) ([]byte, error) {
	if f == nil {
		f = Fields{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode fields: %w", err)
	}
	return b, nil
}

func decodeFields(b []byte) (Fields, error) {
	f := Fields{}
	if len(b) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("docstore: decode fields: %w", err)
	}
	return f, nil
}
