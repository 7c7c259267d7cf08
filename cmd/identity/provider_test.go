package identity

import (
	"sync"
	"testing"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	if id, ok := Static("U1").CurrentUserID(); !ok || id != "U1" {
		t.Fatalf("Static(U1)=%q,%v", id, ok)
	}
	if _, ok := Static("").CurrentUserID(); ok {
		t.Fatalf("empty Static must report no user")
	}
}

func TestSession_SignInOut(t *testing.T) {
	t.Parallel()

	s := NewSession()
	if _, ok := s.CurrentUserID(); ok {
		t.Fatalf("new session must be signed out")
	}

	if err := s.SignIn("  U1 "); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if id, ok := s.CurrentUserID(); !ok || id != "U1" {
		t.Fatalf("CurrentUserID=%q,%v want=U1,true", id, ok)
	}

	s.SignOut()
	if _, ok := s.CurrentUserID(); ok {
		t.Fatalf("expected signed out")
	}

	var nilSession *Session
	if _, ok := nilSession.CurrentUserID(); ok {
		t.Fatalf("nil session must report no user")
	}
}

func TestSession_SignInRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewSession()
	for _, in := range []string{"", "   ", "a/b"} {
		if err := s.SignIn(in); !IsInvalidInput(err) {
			t.Fatalf("SignIn(%q) err=%v want invalid input", in, err)
		}
	}
}

func TestSession_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewSession()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SignIn("U1")
			s.SignOut()
		}()
		go func() {
			defer wg.Done()
			_, _ = s.CurrentUserID()
		}()
	}
	wg.Wait()
}

func TestRequireUser(t *testing.T) {
	t.Parallel()

	if _, err := RequireUser(nil, "op"); !IsNoIdentity(err) {
		t.Fatalf("nil provider: err=%v", err)
	}
	if _, err := RequireUser(Static(""), "op"); !IsNoIdentity(err) {
		t.Fatalf("no user: err=%v", err)
	}
	id, err := RequireUser(Static("U9"), "op")
	if err != nil || id != "U9" {
		t.Fatalf("RequireUser=%q,%v", id, err)
	}
}
