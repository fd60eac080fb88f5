// Package attr provides the hierarchical attribute store: a plain
// storage facade for small structured values addressed by paths of the
// form segment(.segment|[index])*. It carries no framing or concurrency
// contract of its own; callers serialize access as they see fit beyond
// each backend's own thread safety.
package attr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when no value exists at the requested path.
	ErrNotFound = errors.New("attr: not found")

	// ErrBadPath wraps every path parse failure.
	ErrBadPath = errors.New("attr: invalid path")
)

// Segment is one component of an attribute path: a name, optionally
// subscripted with a list index.
type Segment struct {
	Name  string
	Index int // -1 when the segment carries no subscript
}

func (s Segment) String() string {
	if s.Index < 0 {
		return s.Name
	}
	return fmt.Sprintf("%s[%d]", s.Name, s.Index)
}

// Path is a parsed attribute path.
type Path struct {
	segments []Segment
}

// ParsePath parses a textual attribute path. Segments are separated by
// dots; a segment may end with one [index] subscript. Paths never
// contain slashes and never start or end with a separator.
//
//	exports
//	exports.share[2]
//	exports.share[2].name
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if strings.ContainsRune(raw, '/') {
		return Path{}, fmt.Errorf("%w: %q contains a slash", ErrBadPath, raw)
	}

	parts := strings.Split(raw, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return Path{}, fmt.Errorf("%w: %q: %v", ErrBadPath, raw, err)
		}
		segments = append(segments, seg)
	}
	return Path{segments: segments}, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, errors.New("empty segment")
	}

	name := part
	index := -1
	if open := strings.IndexByte(part, '['); open >= 0 {
		if !strings.HasSuffix(part, "]") {
			return Segment{}, fmt.Errorf("segment %q: unterminated index", part)
		}
		name = part[:open]
		idx, err := strconv.Atoi(part[open+1 : len(part)-1])
		if err != nil || idx < 0 {
			return Segment{}, fmt.Errorf("segment %q: bad index", part)
		}
		index = idx
	}

	if name == "" {
		return Segment{}, fmt.Errorf("segment %q: empty name", part)
	}
	for _, r := range name {
		if !isNameRune(r) {
			return Segment{}, fmt.Errorf("segment %q: invalid character %q", part, r)
		}
	}
	return Segment{Name: name, Index: index}, nil
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-':
		return true
	default:
		return false
	}
}

// Segments returns the parsed components.
func (p Path) Segments() []Segment {
	return p.segments
}

// String renders the canonical textual form.
func (p Path) String() string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// IsZero reports whether the path is empty.
func (p Path) IsZero() bool {
	return len(p.segments) == 0
}

// HasPrefix reports whether p starts with all of prefix's segments.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.segments) > len(p.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}

// Match is one result of Query.
type Match struct {
	Path  Path
	Value []byte
}

// Predicate filters Query results. The attribute query language itself
// is out of scope here; callers express criteria as Go code.
type Predicate func(path Path, value []byte) bool

// Store reads, writes and queries attributes.
type Store interface {
	// GetValue returns the value stored at path, or ErrNotFound.
	GetValue(ctx context.Context, path string) ([]byte, error)

	// SetValue stores a value at path, overwriting any previous value.
	SetValue(ctx context.Context, path string, value []byte) error

	// RemoveValue deletes the value at path. Removing an absent path
	// is not an error.
	RemoveValue(ctx context.Context, path string) error

	// Query returns the attributes under the container at path that
	// satisfy the predicate. A nil predicate matches everything.
	Query(ctx context.Context, path string, predicate Predicate) ([]Match, error)

	// Close releases backend resources.
	Close() error
}
