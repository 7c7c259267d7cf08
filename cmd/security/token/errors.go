package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing   = errors.New("token key missing")
	ErrConfig       = errors.New("invalid token configuration")
	ErrInvalidToken = errors.New("invalid token")
)
