// Package transfer implements chunked downloads and resumable streaming
// uploads against an operator-configured set of allowed roots, with
// atomic finalization and integrity verification.
package transfer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/remoshell/remoshelld/internal/rerr"
)

// PathPolicy validates that a path falls within one of a configured set
// of allowed roots, with opt-in symlink following.
type PathPolicy struct {
	AllowedRoots   []string
	FollowSymlinks bool
	resolveSymlink func(string) (string, error)
}

// NewPathPolicy constructs a policy over the given (already-absolute,
// already-cleaned) allowed roots.
func NewPathPolicy(allowedRoots []string, followSymlinks bool, resolveSymlink func(string) (string, error)) *PathPolicy {
	roots := make([]string, len(allowedRoots))
	for i, r := range allowedRoots {
		roots[i] = filepath.Clean(r)
	}
	return &PathPolicy{AllowedRoots: roots, FollowSymlinks: followSymlinks, resolveSymlink: resolveSymlink}
}

// isWithinRoots reports whether canonical is canonical itself or a
// descendant of any allowed root.
func (p *PathPolicy) isWithinRoots(canonical string) bool {
	if len(p.AllowedRoots) == 0 {
		return true
	}
	for _, root := range p.AllowedRoots {
		if canonical == root {
			return true
		}
		if strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ValidateExisting canonicalizes an existing path and rejects it unless
// the canonical path is a prefix-match of some allowed root. When symlink
// following is enabled, a resolved symlink target is re-validated through
// the same rule.
func (p *PathPolicy) ValidateExisting(path string) (string, error) {
	canonical := filepath.Clean(path)
	if p.FollowSymlinks && p.resolveSymlink != nil {
		if resolved, err := p.resolveSymlink(canonical); err == nil && resolved != canonical {
			canonical = filepath.Clean(resolved)
		}
	}
	if !p.isWithinRoots(canonical) {
		return "", rerr.New(rerr.PathValidation, "transfer.validate_path", fmt.Errorf("%s is outside allowed roots", path))
	}
	return canonical, nil
}

// ValidateForCreation canonicalizes the *parent* of a not-yet-existing
// path, verifies it's within allowed roots, and disallows filenames
// containing path separators, ".", or "..".
func (p *PathPolicy) ValidateForCreation(path string) (string, error) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return "", rerr.New(rerr.PathValidation, "transfer.validate_path", fmt.Errorf("invalid filename %q", name))
	}

	canonicalDir := filepath.Clean(dir)
	if !p.isWithinRoots(canonicalDir) {
		return "", rerr.New(rerr.PathValidation, "transfer.validate_path", fmt.Errorf("%s is outside allowed roots", dir))
	}
	return filepath.Join(canonicalDir, name), nil
}
