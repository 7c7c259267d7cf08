package identity

import "strings"

// NormalizeUserID canonicalizes an opaque user id.
// User ids are used as document ids, so they must be non-empty and free of path separators.
func NormalizeUserID(s string) (string, error) {
	id := strings.TrimSpace(s)
	if id == "" {
		return "", OpError{Op: "identity.NormalizeUserID", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if strings.ContainsAny(id, "/\x00") {
		return "", OpError{Op: "identity.NormalizeUserID", Kind: ErrInvalidInput, Msg: "user id contains a path separator"}
	}
	return id, nil
}
