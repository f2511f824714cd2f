// Package pathutil normalizes errors and canonicalizes filesystem paths so
// the rest of the core can enforce containment under a set of allowed roots
// (permissions.readPaths/writePaths) without repeating os.Stat/filepath
// plumbing at every call site.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize resolves p to an absolute, symlink-free path. It does not
// require the path to exist; missing path segments are resolved
// lexically once the deepest existing ancestor has been resolved.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", errors.New("pathutil: empty path")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("pathutil: resolve absolute path: %w", err)
	}
	resolved, err := resolveExistingPrefix(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

// resolveExistingPrefix walks from the deepest existing ancestor of p,
// resolving symlinks with filepath.EvalSymlinks, then re-appends the
// non-existent suffix unresolved.
func resolveExistingPrefix(p string) (string, error) {
	cur := p
	var suffix []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", fmt.Errorf("pathutil: eval symlinks for %q: %w", cur, err)
			}
			for i := len(suffix) - 1; i >= 0; i-- {
				real = filepath.Join(real, suffix[i])
			}
			return real, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached filesystem root without finding an existing ancestor.
			full := cur
			for i := len(suffix) - 1; i >= 0; i-- {
				full = filepath.Join(full, suffix[i])
			}
			return full, nil
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

// Contains reports whether candidate lies within root once both are
// canonicalized. It fails closed: any canonicalization error is treated as
// "not contained".
func Contains(root, candidate string) bool {
	canonRoot, err := Canonicalize(root)
	if err != nil {
		return false
	}
	canonCandidate, err := Canonicalize(candidate)
	if err != nil {
		return false
	}
	if canonCandidate == canonRoot {
		return true
	}
	return strings.HasPrefix(canonCandidate, canonRoot+string(filepath.Separator))
}

// ContainedInAny reports whether candidate is contained in at least one of
// roots. An empty roots slice never contains anything.
func ContainedInAny(roots []string, candidate string) bool {
	for _, root := range roots {
		if Contains(root, candidate) {
			return true
		}
	}
	return false
}

// Sanitize strips any of the given roots that a message might reveal,
// replacing them with a fixed placeholder so error messages returned to the
// sandbox or written to the audit log never leak filesystem layout outside
// the permitted set.
func Sanitize(msg string, roots ...string) string {
	out := msg
	for _, root := range roots {
		canon, err := Canonicalize(root)
		if err != nil {
			continue
		}
		out = strings.ReplaceAll(out, canon, "<root>")
		out = strings.ReplaceAll(out, root, "<root>")
	}
	return out
}

// NormalizeError collapses an arbitrary error into a single-line, sanitized
// string safe for audit logging: no path outside allowedRoots, no newlines.
func NormalizeError(err error, allowedRoots []string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = Sanitize(msg, allowedRoots...)
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.TrimSpace(msg)
}
