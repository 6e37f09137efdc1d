package logger

import (
	"io"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// defaultRedactions covers the secrets mnemo is likely to see in log output:
// embedding API keys and credential-style assignments from config dumps.
var defaultRedactions = []string{
	`sk-[a-zA-Z0-9_-]{20,}`,            // OpenAI-style API keys
	`Bearer\s+[a-zA-Z0-9._-]+`,         // bearer tokens
	`password["\s:=]+[^\s"]+`,          // password assignments
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`, // auth tokens
	`secret["\s:=]+[^\s"]+`,            // generic secrets
}

// Redactor scrubs sensitive values from log output before it reaches a sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default pattern set.
func NewRedactor() *Redactor {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(defaultRedactions))}
	for _, p := range defaultRedactions {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern registers an additional redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every pattern match in s with a placeholder.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// Wrap returns an io.Writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	return w.writer.Write([]byte(w.redactor.Redact(string(p))))
}
