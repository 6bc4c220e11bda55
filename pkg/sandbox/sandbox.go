// Package sandbox resolves client-supplied paths against the server root and
// refuses anything that would land outside it.
//
// Resolution rules: a path that normalizes to a leading separator is taken
// relative to the root itself (the leading separator stripped); anything
// else is taken relative to the session's current directory under the root.
// Containment is checked on normalized path components, so a sibling whose
// name merely shares a prefix with the root ("/srv/a" vs "/srv/abc") is
// still outside.
package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrEscapes reports a path that resolves outside the sandbox root.
var ErrEscapes = errors.New("sandbox: path escapes server root")

// Sandbox confines paths beneath an absolute, normalized root directory.
type Sandbox struct {
	root string
}

// New creates a sandbox for the given root. The root is made absolute and
// normalized once, up front.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute, normalized sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a client path against the session cwd (relative, possibly
// empty) and returns the absolute host path. Escapes return ErrEscapes.
func (s *Sandbox) Resolve(cwd, path string) (string, error) {
	var full string
	if rooted, stripped := splitRooted(path); rooted {
		full = filepath.Join(s.root, stripped)
	} else {
		full = filepath.Join(s.root, cwd, path)
	}
	full = filepath.Clean(full)

	if !s.Contains(full) {
		return "", ErrEscapes
	}
	return full, nil
}

// Contains reports whether an absolute path is the root or inside it,
// comparing on component boundaries.
func (s *Sandbox) Contains(full string) bool {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Rebase returns the cwd-relative form a resolved path has under the root:
// "" for the root itself. Callers must have resolved full through this
// sandbox first.
func (s *Sandbox) Rebase(full string) string {
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

// NormalizeCwd computes the new session cwd for a chdir argument: rooted
// paths replace the cwd outright, relative paths join onto it. The result is
// normalized and relative ("" means the root). The caller still validates
// the result against the sandbox before installing it.
func NormalizeCwd(cwd, path string) string {
	var next string
	if rooted, stripped := splitRooted(path); rooted {
		next = filepath.Clean(stripped)
	} else {
		next = filepath.Clean(filepath.Join(cwd, path))
	}
	if next == "." {
		return ""
	}
	return next
}

// splitRooted reports whether the normalized path begins with a separator
// and, if so, returns it with the leading separators stripped. Both
// separator styles are honored, matching what clients on either platform
// send.
func splitRooted(path string) (bool, string) {
	norm := filepath.Clean(path)
	if strings.HasPrefix(norm, "/") || strings.HasPrefix(norm, `\`) {
		return true, strings.TrimLeft(norm, `/\`)
	}
	return false, ""
}
