// Package scoring provides the default relevance heuristic used when no
// other memory.Scorer is configured.
package scoring

import (
	"context"
	"strings"

	"github.com/flemzord/tiermem/internal/memory"
)

// Default weights. They have no deeper rationale than having worked well
// enough; swap the scorer rather than tuning these in place.
const (
	baseScore        = 0.5
	lengthBonus      = 0.1
	keywordBonus     = 0.2
	emphasisBonus    = 0.1
	priorityBonus    = 0.2
	longContentChars = 200
)

// emphasisWords mark content the user explicitly flagged as worth keeping.
var emphasisWords = map[string]struct{}{
	"important": {}, "critical": {}, "remember": {}, "must": {},
	"deadline": {}, "urgent": {}, "always": {}, "never": {},
}

// Heuristic is a keyword and length based memory.Scorer.
type Heuristic struct{}

var _ memory.Scorer = Heuristic{}

// Score implements memory.Scorer. A nil context scores the base value.
func (Heuristic) Score(ctx context.Context, content string, mc *memory.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if mc == nil {
		return baseScore, nil
	}

	score := baseScore
	if len(content) > longContentChars {
		score += lengthBonus
	}

	words := memory.Words(content)
	if matchesAny(words, keywords(mc)) {
		score += keywordBonus
	}
	for _, w := range words {
		if _, ok := emphasisWords[w]; ok {
			score += emphasisBonus
			break
		}
	}
	if strings.EqualFold(mc.Metadata["priority"], "high") {
		score += priorityBonus
	}

	return memory.Clamp01(score), nil
}

// keywords collects the lower-cased terms a context asks to match on.
func keywords(mc *memory.Context) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range mc.Keywords {
		for _, w := range memory.Words(k) {
			out[w] = struct{}{}
		}
	}
	for _, w := range memory.Words(mc.Topic) {
		out[w] = struct{}{}
	}
	return out
}

func matchesAny(words []string, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for _, w := range words {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}
