package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

type secretPattern struct {
	re   *regexp.Regexp
	repl string // ${1} keeps the label so the log still says what was hidden
}

// secretPatterns covers what can leak into logs, run records and audit
// entries through dispatcher output or error text.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// Telegram bot tokens: <bot id>:<35 char secret>.
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), redactedPlaceholder},
	// Provider keys handed to the exec dispatcher's environment.
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), redactedPlaceholder},
	// Telegram API URLs embed the bot token in the path.
	{regexp.MustCompile(`(api\.telegram\.org/bot)[^/\s]+`), "${1}" + redactedPlaceholder},
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, p := range secretPatterns {
		input = p.re.ReplaceAllString(input, p.repl)
	}
	return input
}

var secretKeyTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// SecretKey reports whether a log attribute or env var name looks like it
// holds a credential.
func SecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range secretKeyTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
