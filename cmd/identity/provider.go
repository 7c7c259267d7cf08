package identity

import "sync"

// Provider exposes the current authenticated user.
// CurrentUserID must be cheap and safe to call from any goroutine.
type Provider interface {
	CurrentUserID() (string, bool)
}

// Static is a Provider that always returns the same user.
// An empty Static reports no user.
type Static string

// CurrentUserID implements Provider.
func (s Static) CurrentUserID() (string, bool) {
	if s == "" {
		return "", false
	}
	return string(s), true
}

// Session is a mutable Provider that tracks sign-in state.
type Session struct {
	mu     sync.RWMutex
	userID string
}

// NewSession returns a signed-out Session.
func NewSession() *Session { return &Session{} }

// SignIn sets the current user.
func (s *Session) SignIn(userID string) error {
	id, err := NormalizeUserID(userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
	return nil
}

// SignOut clears the current user.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
}

// CurrentUserID implements Provider.
func (s *Session) CurrentUserID() (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

// RequireUser resolves the current user or returns ErrNoIdentity.
func RequireUser(p Provider, op string) (string, error) {
	if p == nil {
		return "", OpError{Op: op, Kind: ErrNoIdentity, Msg: "no identity provider"}
	}
	id, ok := p.CurrentUserID()
	if !ok || id == "" {
		return "", OpError{Op: op, Kind: ErrNoIdentity}
	}
	return id, nil
}
