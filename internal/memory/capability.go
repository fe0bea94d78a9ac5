package memory

import "context"

// Scorer estimates how relevant a piece of content is given a context.
// Implementations must return a value in [0, 1] and be safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, content string, mc *Context) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, content string, mc *Context) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, content string, mc *Context) (float64, error) {
	return f(ctx, content, mc)
}

// Synthesizer produces narrative summaries and structured outlines.
// It is an external capability: calls may block on network I/O.
type Synthesizer interface {
	// Summarize condenses text into a short narrative.
	Summarize(ctx context.Context, text string, mc *Context) (string, error)

	// Outline extracts branches, action items and insights from text.
	Outline(ctx context.Context, text string) (*Outline, error)
}
