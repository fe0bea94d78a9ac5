package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// RedactPlaceholder replaces masked values.
const RedactPlaceholder = "***REDACTED***"

// Redactor masks secrets in strings: API keys matching known formats and
// literal values registered at startup. Safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor returns a Redactor loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddLiteral registers a value to mask wherever it appears. Empty strings
// are ignored.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, secret)
}

// Redact masks every known secret in s.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}

	r.mu.RLock()
	patterns, literals := r.patterns, r.literals
	r.mu.RUnlock()

	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, RedactPlaceholder)
	}
	return s
}

// DefaultPatterns matches credentials that end up in memory content or
// error messages: Anthropic and OpenAI keys, bearer tokens and AWS key IDs.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`),
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`(?i)bearer [a-zA-Z0-9\-._~+/]{16,}=*`),
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	}
}

// Redact returns a slog-multi middleware masking the message and every
// string attribute of each record with r.
func Redact(r *Redactor) slogmulti.Middleware {
	return func(next slog.Handler) slog.Handler {
		return &redactingHandler{next: next, redactor: r}
	}
}

type redactingHandler struct {
	next     slog.Handler
	redactor *Redactor
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(masked), redactor: h.redactor}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redactor: h.redactor}
}

// redactAttr resolves a and masks its string forms, descending into groups.
func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		masked := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			masked[i] = h.redactAttr(ga)
		}
		a.Value = slog.GroupValue(masked...)
	case slog.KindAny:
		// Errors and other values are logged through their string form.
		s := a.Value.String()
		if masked := h.redactor.Redact(s); masked != s {
			a.Value = slog.StringValue(masked)
		}
	}
	return a
}
