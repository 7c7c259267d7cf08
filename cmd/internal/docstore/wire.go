package docstore

import (
	"errors"
	"fmt"

	v1 "duochat/shared/contracts/docstore/v1"
)

// ToWire converts a Document to its gateway representation.
func ToWire(d Document) v1.Document {
	return v1.Document{
		Path:       d.Path.String(),
		Fields:     d.Fields,
		Version:    d.Version,
		CreateTime: d.CreateTime,
		UpdateTime: d.UpdateTime,
	}
}

// FromWire converts a gateway document back into a Document.
func FromWire(w v1.Document) (Document, error) {
	p, err := ParsePath(w.Path)
	if err != nil {
		return Document{}, err
	}
	fields := w.Fields
	if fields == nil {
		fields = Fields{}
	}
	return Document{
		Path:       p,
		Fields:     fields,
		Version:    w.Version,
		CreateTime: w.CreateTime.UTC(),
		UpdateTime: w.UpdateTime.UTC(),
	}, nil
}

// ErrorCode maps a store error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return v1.CodeNotFound
	case errors.Is(err, ErrVersionMismatch):
		return v1.CodeVersionMismatch
	case errors.Is(err, ErrInvalidPath):
		return v1.CodeInvalidPath
	case errors.Is(err, ErrSubscriptionOverflow):
		return v1.CodeOverflow
	case errors.Is(err, ErrForbidden):
		return v1.CodeForbidden
	default:
		return v1.CodeInternal
	}
}

// ErrorFromCode rebuilds a store error from a wire code so errors.Is keeps
// working across the gateway.
func ErrorFromCode(code, msg string) error {
	var base error
	switch code {
	case v1.CodeNotFound:
		base = ErrNotFound
	case v1.CodeVersionMismatch:
		base = ErrVersionMismatch
	case v1.CodeInvalidPath:
		base = ErrInvalidPath
	case v1.CodeOverflow, v1.CodeBackpressure:
		base = ErrSubscriptionOverflow
	case v1.CodeForbidden:
		base = ErrForbidden
	default:
		return &RemoteError{Code: code, Message: msg}
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w (remote: %s)", base, msg)
}

// RemoteError is a gateway error with no local sentinel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "docstore: remote error: " + e.Code
	}
	return fmt.Sprintf("docstore: remote error: %s: %s", e.Code, e.Message)
}
