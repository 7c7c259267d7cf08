package docstore

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{in: "onlineUsers/u1", want: Doc("onlineUsers", "u1")},
		{in: "activeChatRooms/r/c/m1", want: Doc("activeChatRooms/r/c", "m1")},
		{in: "onlineUsers", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "/a", wantErr: true},
		{in: "a/", wantErr: true},
		{in: "a//b/c", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePath(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("ParsePath(%q) err=%v want=%v", tc.in, err, ErrInvalidPath)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", tc.in, err)
		}
		if got != tc.want || got.String() != tc.in {
			t.Fatalf("ParsePath(%q)=%+v want=%+v", tc.in, got, tc.want)
		}
	}
}

func TestChangeKind_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []ChangeKind{Added, Modified, Removed} {
		got, err := ParseChangeKind(k.String())
		if err != nil || got != k {
			t.Fatalf("kind=%v got=%v err=%v", k, got, err)
		}
	}
	if _, err := ParseChangeKind("renamed"); err == nil {
		t.Fatalf("unknown kind must fail")
	}
}

func TestErrorCodeMapping(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{ErrNotFound, ErrVersionMismatch, ErrInvalidPath, ErrSubscriptionOverflow, ErrForbidden} {
		back := ErrorFromCode(ErrorCode(sentinel), "detail")
		if !errors.Is(back, sentinel) {
			t.Fatalf("sentinel %v lost across the wire: %v", sentinel, back)
		}
	}
	var re *RemoteError
	if !errors.As(ErrorFromCode("rate_limited", "slow down"), &re) || re.Code != "rate_limited" {
		t.Fatalf("unknown codes must become RemoteError")
	}
}
