// Package vpath implements the absolute, slash-separated path value type the
// VFS resolves mounts and backend-relative paths with, normalized by hand
// with the standard library's "strings" package rather than a third-party
// path type.
package vpath

import (
	"errors"
	"strings"
)

// ErrInvalidPath is returned for paths that are empty or do not start with
// "/". Empty components (as in "/a//b") are not an error: New drops them.
var ErrInvalidPath = errors.New("vpath: path is not a valid absolute path")

// Path is an absolute, clean, slash-separated path.
type Path struct {
	clean string
}

// Root is "/".
var Root = Path{clean: "/"}

// New validates and normalizes p into a Path. It must start with "/"; ".."
// and "." segments are resolved lexically (no symlink awareness, matching
// the Non-goal that symbolic links are out of scope).
func New(p string) (Path, error) {
	if p == "" || p[0] != '/' {
		return Path{}, ErrInvalidPath
	}
	segments := strings.Split(p, "/")
	cleaned := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(cleaned) > 0 {
				cleaned = cleaned[:len(cleaned)-1]
			}
		default:
			cleaned = append(cleaned, seg)
		}
	}
	if len(cleaned) == 0 {
		return Root, nil
	}
	return Path{clean: "/" + strings.Join(cleaned, "/")}, nil
}

// MustNew is New but panics on error; intended for literal paths in tests
// and constant tables.
func MustNew(p string) Path {
	path, err := New(p)
	if err != nil {
		panic(err)
	}
	return path
}

// String returns the normalized path.
func (p Path) String() string { return p.clean }

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return p.clean == "/" }

// Segments returns the path's non-empty components, root yielding nil.
func (p Path) Segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p.clean, "/"), "/")
}

// Equal reports component-wise equality.
func (p Path) Equal(other Path) bool { return p.clean == other.clean }

// CommonPrefixLen returns the number of leading path components p and other
// share. The root path has no segments, so its common-prefix length with
// any path, itself included, is 0; comparing segment slices already yields
// 0 for two paths that only share "/", so root needs no special case.
func (p Path) CommonPrefixLen(other Path) int {
	a, b := p.Segments(), other.Segments()
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// HasPrefix reports whether prefix's segments are a leading subsequence of
// p's segments (so prefix is a candidate mount point for p).
func (p Path) HasPrefix(prefix Path) bool {
	return p.CommonPrefixLen(prefix) == len(prefix.Segments())
}

// StripPrefix removes prefix's segments from the front of p and returns the
// remainder as an absolute path relative to that prefix (i.e. still rooted
// at "/"). It is the path the VFS hands to a backend after mount
// resolution. ok is false if prefix is not actually a prefix of p.
func (p Path) StripPrefix(prefix Path) (rest Path, ok bool) {
	if !p.HasPrefix(prefix) {
		return Path{}, false
	}
	segs := p.Segments()
	remaining := segs[len(prefix.Segments()):]
	if len(remaining) == 0 {
		return Root, true
	}
	return Path{clean: "/" + strings.Join(remaining, "/")}, true
}

// Join appends a single relative component, cleaning the result.
func (p Path) Join(component string) (Path, error) {
	if p.IsRoot() {
		return New("/" + component)
	}
	return New(p.clean + "/" + component)
}

// Parent returns the path with its final component removed. The parent of
// root is root.
func (p Path) Parent() Path {
	segs := p.Segments()
	if len(segs) == 0 {
		return Root
	}
	if len(segs) == 1 {
		return Root
	}
	return Path{clean: "/" + strings.Join(segs[:len(segs)-1], "/")}
}

// Base returns the final path component, or "/" for the root.
func (p Path) Base() string {
	segs := p.Segments()
	if len(segs) == 0 {
		return "/"
	}
	return segs[len(segs)-1]
}
