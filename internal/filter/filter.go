// Package filter implements the content filter (C14): a redaction pass
// applied to LLM-adjacent responses (sampling results forwarded from the
// bridge) before they reach the sandbox or the audit log. Grounded on the
// dedicated-redaction-engine shape seen in the retrieval pack (a small
// pattern table applied uniformly to outbound text) and on this project's
// own internal/pathutil.Sanitize, which applies the same "redact before it
// leaves the process" posture to path fragments.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Rule is one redaction rule: every match of Pattern is replaced with
// Replacement.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules is the built-in set of secret/PII patterns redacted from any
// text that crosses the sampling boundary.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "bearer-token",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{16,}`),
			Replacement: "[REDACTED:bearer-token]",
		},
		{
			Name:        "api-key-assignment",
			Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["']?[a-z0-9._\-]{8,}["']?`),
			Replacement: "[REDACTED:credential]",
		},
		{
			Name:        "aws-access-key",
			Pattern:     regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
			Replacement: "[REDACTED:aws-access-key]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
			Replacement: "[REDACTED:email]",
		},
	}
}

// Filter applies a fixed set of redaction rules to text.
type Filter struct {
	rules []Rule
}

// New constructs a Filter. A nil or empty rules slice falls back to
// DefaultRules.
func New(rules []Rule) *Filter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Filter{rules: rules}
}

// Result is the outcome of filtering one piece of text.
type Result struct {
	Text     string
	Redacted bool
	Rules    []string // names of rules that matched, in application order
}

// Apply redacts every configured pattern in text and reports which rules
// fired, so the caller can audit "redaction occurred" without logging the
// original content.
func (f *Filter) Apply(text string) Result {
	out := text
	var fired []string
	for _, r := range f.rules {
		if r.Pattern.MatchString(out) {
			fired = append(fired, r.Name)
			out = r.Pattern.ReplaceAllString(out, r.Replacement)
		}
	}
	return Result{Text: out, Redacted: len(fired) > 0, Rules: fired}
}

// Hash returns the SHA-256 hex digest of text, for audit events that must
// record a fingerprint without ever recording plaintext.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
