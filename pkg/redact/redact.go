package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// Redaction is a process-wide toggle: transcripts and caller numbers flow
// through many observers, and every sink must agree on whether PII is masked.
var enabled atomic.Bool

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[PHONE]"},
	// Bare digit runs long enough to be an insurance or member ID.
	{regexp.MustCompile(`\b\d{6,}\b`), "[NUMBER]"},
}

// SetEnabled toggles PII redaction for the whole process.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled reports whether redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text masks emails, phone numbers, and long digit runs when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return out
}

// Caller masks a caller ID down to its last four digits, e.g.
// "+15015550123" becomes "********0123". Shorter values are fully masked.
func Caller(num string) string {
	if !enabled.Load() || num == "" {
		return num
	}
	if len(num) <= 4 {
		return strings.Repeat("*", len(num))
	}
	return strings.Repeat("*", len(num)-4) + num[len(num)-4:]
}
