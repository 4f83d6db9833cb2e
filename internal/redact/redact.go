// Package redact strips credential material from text before it is
// persisted or streamed. Clone URLs carry installation tokens, so every
// line of subprocess output passes through here.
package redact

import "regexp"

type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	// GitHub token shapes (personal, server, user and OAuth prefixes).
	{regexp.MustCompile(`\bgh[opsu]_[A-Za-z0-9]{36,}\b`), "[redacted]"},
	// Installation tokens embedded in clone URLs.
	{regexp.MustCompile(`x-access-token:[^@\s]+@`), "x-access-token:[redacted]@"},
	// Generic key=value pairs. The value class excludes '[' so text that
	// already went through a rule above is not mangled twice.
	{regexp.MustCompile(`(?i)\b(password|secret|token|api_key)(["']?\s*[:=]\s*["']?)[^\s"'\[][^\s"']*`), "${1}${2}[redacted]"},
}

func String(s string) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
