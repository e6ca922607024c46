// Package redact masks secrets in text before it leaves the engine:
// finding excerpts, audit log lines and fleet reports.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sensitivePatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	// Private keys
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`),

	// Basic auth in URLs
	regexp.MustCompile(`https?://[^:/\s]+:[^@/\s]+@`),

	// Slack
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),

	// Stripe
	regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`),

	// Chitinwall credential seeds and age secret keys
	regexp.MustCompile(`AGE-SECRET-KEY-1[0-9A-Z]{58}`),
	regexp.MustCompile(`chitinwall-ed25519-v1 [0-9a-fA-F]{64}`),

	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

const redactedPlaceholder = "[REDACTED]"

// Redact replaces every recognised secret in input with a placeholder.
func Redact(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, redactedPlaceholder)
	}
	return result
}

// All redacts each element of values into a new slice.
func All(values []string) []string {
	if values == nil {
		return nil
	}
	result := make([]string, len(values))
	for i, v := range values {
		result[i] = Redact(v)
	}
	return result
}

// Excerpt cuts a window of at most limit bytes around text[start:end],
// widened by a little leading context, and redacts it. Cuts land on rune
// boundaries. Elided ends are marked with "...".
func Excerpt(text string, start, end, limit int) string {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if end < start {
		end = start
	}
	from := start - 20
	if from < 0 {
		from = 0
	}
	to := from + limit
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to--
	}

	var b strings.Builder
	if from > 0 {
		b.WriteString("...")
	}
	b.WriteString(text[from:to])
	if to < len(text) {
		b.WriteString("...")
	}
	return Redact(b.String())
}
