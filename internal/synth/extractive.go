// Package synth provides an offline memory.Synthesizer that builds summaries
// and outlines by extracting sentences from the source text.
package synth

import (
	"context"
	"strings"
	"unicode"

	"github.com/flemzord/tiermem/internal/memory"
)

const (
	defaultMaxSentences = 3
	defaultMaxChars     = 500
	maxBranches         = 5
	maxOutlineItems     = 5
)

// actionMarkers flag sentences that describe something still to do.
var actionMarkers = []string{
	"todo", "need", "needs", "should", "must", "will", "fix", "implement",
	"update", "add", "create", "remove", "deploy", "investigate", "follow-up",
}

// insightMarkers flag sentences that state a finding.
var insightMarkers = []string{
	"because", "learned", "realized", "important", "note", "key",
	"turns", "found", "means", "root",
}

// Extractive is a memory.Synthesizer that never leaves the process.
// The zero value is ready to use.
type Extractive struct {
	MaxSentences int
	MaxChars     int
}

var _ memory.Synthesizer = Extractive{}

// Summarize implements memory.Synthesizer by keeping the leading sentences.
// When a topic is supplied, sentences mentioning it are preferred.
func (e Extractive) Summarize(ctx context.Context, text string, mc *memory.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	maxSentences, maxChars := e.limits()

	sentences := Sentences(text)
	if mc != nil && mc.Topic != "" {
		sentences = preferTopic(sentences, mc.Topic)
	}
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	return truncate(strings.Join(sentences, " "), maxChars), nil
}

// Outline implements memory.Synthesizer.
func (e Extractive) Outline(ctx context.Context, text string) (*memory.Outline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &memory.Outline{}
	for _, s := range Sentences(text) {
		words := memory.Words(s)
		switch {
		case hasAny(words, actionMarkers) && len(out.ActionItems) < maxOutlineItems:
			out.ActionItems = memory.AppendUnique(out.ActionItems, truncate(s, 200))
		case hasAny(words, insightMarkers) && len(out.KeyInsights) < maxOutlineItems:
			out.KeyInsights = memory.AppendUnique(out.KeyInsights, truncate(s, 200))
		}
		if len(out.MainBranches) < maxBranches {
			out.MainBranches = memory.AppendUnique(out.MainBranches, headline(words))
		}
	}
	return out, nil
}

func (e Extractive) limits() (int, int) {
	maxSentences, maxChars := e.MaxSentences, e.MaxChars
	if maxSentences <= 0 {
		maxSentences = defaultMaxSentences
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return maxSentences, maxChars
}

// Sentences splits text on sentence terminators and line breaks.
func Sentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func preferTopic(sentences []string, topic string) []string {
	var hits, rest []string
	for _, s := range sentences {
		if memory.ContainsFold(s, topic) {
			hits = append(hits, s)
		} else {
			rest = append(rest, s)
		}
	}
	return append(hits, rest...)
}

// headline keeps the first few words of a sentence.
func headline(words []string) string {
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

func hasAny(words, markers []string) bool {
	for _, w := range words {
		for _, m := range markers {
			if w == m {
				return true
			}
		}
	}
	return false
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.TrimRightFunc(s[:n], func(r rune) bool { return r == unicode.ReplacementChar })
	return strings.TrimSpace(cut)
}
