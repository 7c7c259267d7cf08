package docstore

import (
	"fmt"
	"strings"
)

// Path addresses a document: Collection is an odd number of "/"-separated
// segments ("activeChatRooms" or "activeChatRooms/{room}/{conversation}").
type Path struct {
	Collection string
	ID         string
}

// Doc builds a Path.
func Doc(collection, id string) Path { return Path{Collection: collection, ID: id} }

func (p Path) String() string { return p.Collection + "/" + p.ID }

// Validate reports ErrInvalidPath for malformed paths.
func (p Path) Validate() error {
	if err := ValidateCollection(p.Collection); err != nil {
		return err
	}
	if err := validSegment(p.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidPath, err)
	}
	return nil
}

// ParsePath splits "collection/.../id".
func ParsePath(s string) (Path, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	p := Path{Collection: s[:i], ID: s[i+1:]}
	if err := p.Validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}

// ValidateCollection checks a collection path.
func ValidateCollection(c string) error {
	if c == "" {
		return fmt.Errorf("%w: empty collection", ErrInvalidPath)
	}
	segs := strings.Split(c, "/")
	if len(segs)%2 == 0 {
		return fmt.Errorf("%w: %q names a document, not a collection", ErrInvalidPath, c)
	}
	for _, s := range segs {
		if err := validSegment(s); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPath, c, err)
		}
	}
	return nil
}

func validSegment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("empty segment")
	case strings.ContainsAny(s, "/\x00"):
		return fmt.Errorf("segment %q contains a reserved character", s)
	case s == "." || s == "..":
		return fmt.Errorf("segment %q is reserved", s)
	}
	return nil
}
