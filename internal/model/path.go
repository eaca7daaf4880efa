// Package model holds the wire- and storage-level data model shared across
// the replication engine: normalized paths, node/message identifiers and
// the versioned value each path resolves to.
package model

import (
	"strings"
)

// Path is a normalized, forward-slash-delimited sequence of non-empty,
// non-whitespace segments.
type Path []string

// ParsePath normalizes a raw path string: no leading/trailing slash, no
// empty segments, no whitespace-only segments.
func ParsePath(raw string) (Path, error) {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return nil, errEmptyPath
	}
	parts := strings.Split(trimmed, "/")
	out := make(Path, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, errEmptySegment
		}
		out = append(out, p)
	}
	return out, nil
}

// MustParsePath panics on an invalid path; reserved for tests and constants.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the path back into its normalized slash-delimited form.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Equal reports whether p and o denote the same path.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether p is a strict segment-wise prefix of o.
func (p Path) IsAncestorOf(o Path) bool {
	if len(p) >= len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// RelatedTo reports whether p and o are in an ancestor relationship in
// either direction, or identical — the condition subscription matching
// uses (spec.md §4.3.2): P == S or one is a segment-wise ancestor of the
// other.
func (p Path) RelatedTo(o Path) bool {
	return p.Equal(o) || p.IsAncestorOf(o) || o.IsAncestorOf(p)
}

type pathError string

func (e pathError) Error() string { return string(e) }

const (
	errEmptyPath    pathError = "model: path must contain at least one segment"
	errEmptySegment pathError = "model: path segments must be non-empty and non-whitespace"
)
