// Package toolname matches fully-qualified tool names ("<server>.<tool>")
// against an Execution's allow-list of glob patterns.
package toolname

import "path/filepath"

// AllowList is a compiled allow-list of glob patterns over fully-qualified
// tool names, evaluated with the same semantics as path.Match/filepath.Match
// ("*", "?", character classes; "." is an ordinary character, not a
// separator).
type AllowList struct {
	patterns []string
}

// Compile validates every pattern up front so a malformed pattern is
// rejected at Execution-creation time rather than on first use.
func Compile(patterns []string) (*AllowList, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, err
		}
	}
	out := make([]string, len(patterns))
	copy(out, patterns)
	return &AllowList{patterns: out}, nil
}

// Allows reports whether name matches at least one configured pattern.
func (a *AllowList) Allows(name string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns, for audit logging.
func (a *AllowList) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.patterns))
	copy(out, a.patterns)
	return out
}
