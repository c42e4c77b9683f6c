package cache

import (
	"fmt"
	"strings"
)

// Tag labels a cache entry with a dependency it was computed from, so that
// related entries can be invalidated in bulk. Tags are structured values
// compared by equality; the "kind:id" string form exists only for the
// HTTP/JSON boundary and for log output.
type Tag struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// NewTag creates a tag for a specific entity, e.g. NewTag("team", "5").
func NewTag(kind, id string) Tag {
	return Tag{Kind: kind, ID: id}
}

// KindTag creates a tag that covers a whole entity collection, e.g. all
// schedule computations regardless of team.
func KindTag(kind string) Tag {
	return Tag{Kind: kind}
}

// String returns the canonical "kind:id" form.
func (t Tag) String() string {
	if t.ID == "" {
		return t.Kind
	}
	return t.Kind + ":" + t.ID
}

// ParseTag parses the canonical "kind:id" form. A bare kind is valid and
// yields a collection-wide tag.
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Tag{}, fmt.Errorf("empty tag")
	}
	kind, id, _ := strings.Cut(s, ":")
	if kind == "" {
		return Tag{}, fmt.Errorf("tag %q has empty kind", s)
	}
	return Tag{Kind: kind, ID: id}, nil
}
