// Package memory defines the domain types shared by every tier of the
// conversational memory engine: working-set entries, conversation summaries,
// flow state, retention policy, the error taxonomy, and the pluggable
// scoring and synthesis capabilities.
package memory

import (
	"strings"
	"time"
)

// RetentionClass buckets an entry by how strongly it should survive eviction.
type RetentionClass string

// Retention classes, ordered from strongest to weakest.
const (
	RetentionImportant RetentionClass = "important"
	RetentionNormal    RetentionClass = "normal"
	RetentionTemporary RetentionClass = "temporary"
)

// Score thresholds used to classify entries.
const (
	ImportantThreshold = 0.8
	NormalThreshold    = 0.5
	OutlineThreshold   = 0.9

	// DefaultRelevance is used when no context is supplied or scoring fails.
	DefaultRelevance = 0.5
)

// ClassFor maps a relevance score onto a retention class.
func ClassFor(score float64) RetentionClass {
	switch {
	case score >= ImportantThreshold:
		return RetentionImportant
	case score >= NormalThreshold:
		return RetentionNormal
	default:
		return RetentionTemporary
	}
}

// rank orders classes so upgrades can be compared.
func (c RetentionClass) rank() int {
	switch c {
	case RetentionImportant:
		return 2
	case RetentionNormal:
		return 1
	default:
		return 0
	}
}

// Stronger reports whether c outranks other.
func (c RetentionClass) Stronger(other RetentionClass) bool {
	return c.rank() > other.rank()
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Outline is a structured mind-map of a piece of text.
type Outline struct {
	MainBranches []string `json:"main_branches,omitempty"`
	ActionItems  []string `json:"action_items,omitempty"`
	KeyInsights  []string `json:"key_insights,omitempty"`
}

// Text flattens the outline for substring matching.
func (o *Outline) Text() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.MainBranches)+len(o.ActionItems)+len(o.KeyInsights))
	parts = append(parts, o.MainBranches...)
	parts = append(parts, o.ActionItems...)
	parts = append(parts, o.KeyInsights...)
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy.
func (o *Outline) Clone() *Outline {
	if o == nil {
		return nil
	}
	return &Outline{
		MainBranches: append([]string(nil), o.MainBranches...),
		ActionItems:  append([]string(nil), o.ActionItems...),
		KeyInsights:  append([]string(nil), o.KeyInsights...),
	}
}

// Entry is a single unit of the working set.
type Entry struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserInput      string         `json:"user_input,omitempty"`
	Content        string         `json:"content"`
	Relevance      float64        `json:"relevance"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessed   time.Time      `json:"last_accessed"`
	AccessCount    int            `json:"access_count"`
	Compacted      bool           `json:"compacted"`
	Retention      RetentionClass `json:"retention"`
	Summary        string         `json:"summary,omitempty"`
	Outline        *Outline       `json:"outline,omitempty"`

	// Persisted is set once a durable copy of the entry exists.
	Persisted bool `json:"persisted"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Entry) Clone() Entry {
	e.Outline = e.Outline.Clone()
	return e
}

// Context carries the optional hints passed to scorers and synthesizers.
// A nil *Context means no context was supplied.
type Context struct {
	UserInput string            `json:"user_input,omitempty"`
	Topic     string            `json:"topic,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Degradation records a recoverable failure and the fallback that was taken.
type Degradation struct {
	Component string `json:"component"`
	Fallback  string `json:"fallback"`
	Cause     string `json:"cause"`
}

// Degrade builds a Degradation from an error.
func Degrade(component, fallback string, err error) Degradation {
	d := Degradation{Component: component, Fallback: fallback}
	if err != nil {
		d.Cause = err.Error()
	}
	return d
}
