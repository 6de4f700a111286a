// Package observability provides the router's logging, request-ID, and
// tracing plumbing. Anything that can carry a provider credential is
// redacted before it reaches a log sink.
package observability

import "regexp"

type redactRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor masks provider credentials in strings bound for logs. The
// default rule set covers exactly the credential shapes this module's
// adapters handle: OpenAI/Groq/Anthropic API keys, Google API keys, AWS
// access key IDs, bearer/auth headers, and api_key fields as they
// appear in YAML config or JSON payloads.
type Redactor struct {
	rules []redactRule
}

// NewRedactor returns a Redactor with the default rule set.
func NewRedactor() *Redactor {
	r := &Redactor{}
	// Vendor key shapes, most specific prefix first so sk-ant-/sk-proj-
	// are not half-matched by the plain sk- rule.
	r.add(`sk-ant-[A-Za-z0-9\-_]{16,}`, "[REDACTED:anthropic]")
	r.add(`sk-proj-[A-Za-z0-9\-_]{16,}`, "[REDACTED:openai]")
	r.add(`sk-[A-Za-z0-9]{16,}`, "[REDACTED:openai]")
	r.add(`gsk_[A-Za-z0-9]{16,}`, "[REDACTED:groq]")
	r.add(`AIza[A-Za-z0-9\-_]{35}`, "[REDACTED:google]")
	r.add(`AKIA[A-Z0-9]{16}`, "[REDACTED:aws-key-id]")
	// Transport-level credentials.
	r.add(`(?i)bearer\s+[A-Za-z0-9\-_\.=]+`, "Bearer [REDACTED]")
	r.add(`(?i)x-api-key:\s*\S+`, "x-api-key: [REDACTED]")
	r.add(`(?i)authorization:\s*\S+`, "authorization: [REDACTED]")
	// Config and payload fields, YAML or JSON quoting.
	r.add(`(?i)(api_key["']?\s*[:=]\s*)["']?[^\s"',}]+`, "${1}[REDACTED]")
	return r
}

func (r *Redactor) add(pattern, replacement string) {
	r.rules = append(r.rules, redactRule{
		pattern:     regexp.MustCompile(pattern),
		replacement: replacement,
	})
}

// With appends a custom rule and returns the Redactor for chaining.
// Panics on an invalid pattern, like regexp.MustCompile.
func (r *Redactor) With(pattern, replacement string) *Redactor {
	r.add(pattern, replacement)
	return r
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}
