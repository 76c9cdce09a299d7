package logger

import (
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts CSRF tokens and cookies, bearer tokens, the admin token, Redis
// passwords and API keys from log lines.
type RedactWriter struct {
	w           io.Writer
	patterns    []*regexp.Regexp
	replacement []byte
}

// value matches up to the next delimiter of a key=value, header or JSON pair.
const value = `[^\s"',;&]+`

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:redis_)?password["'\s:=]+)` + value),
	regexp.MustCompile(`(?i)(admin_token["'\s:=]+)` + value),
	// API keys, including CROWDSEC_LAPI_KEY and the X-Api-Key header
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)` + value),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.~+/=]+`),
	// CSRF header, cookie and form field
	regexp.MustCompile(`(?i)(csrf[_-]token["'\s:=]+)` + value),
	regexp.MustCompile(`(?i)(_csrf["'\s:=]+)` + value),
	// Whole Cookie / Set-Cookie header values
	regexp.MustCompile(`(?i)((?:set-)?cookie["'\s:=]+)[^"\r\n]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive
// patterns. literals are additional exact values to mask wherever they appear,
// typically the configured admin token; values shorter than 8 bytes are
// ignored.
func NewRedactWriter(w io.Writer, literals ...string) *RedactWriter {
	patterns := append([]*regexp.Regexp(nil), defaultPatterns...)
	for _, l := range literals {
		if len(l) < 8 {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`()`+regexp.QuoteMeta(l)))
	}
	// Every pattern has exactly one capture group holding the key or prefix.
	return &RedactWriter{
		w:           w,
		patterns:    patterns,
		replacement: []byte("${1}[REDACTED]"),
	}
}

// Write masks p and forwards it. It reports len(p) on success so callers never
// see a short write when masking changed the length.
func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, re := range r.patterns {
		if re.Match(out) {
			out = re.ReplaceAll(out, r.replacement)
		}
	}
	n, err := r.w.Write(out)
	if err != nil {
		return min(n, len(out)), err
	}
	return len(p), nil
}
