package memory

import "time"

// Summary is a synthesized digest of a chunk of conversation.
type Summary struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Narrative      string    `json:"narrative"`
	KeyInsights    []string  `json:"key_insights,omitempty"`
	ActionItems    []string  `json:"action_items,omitempty"`
	Topics         []string  `json:"topics,omitempty"`
	Outline        *Outline  `json:"outline,omitempty"`
	Relevance      float64   `json:"relevance"`
	Timestamp      time.Time `json:"timestamp"`
	AccessCount    int       `json:"access_count"`

	// Completed is set when the chunk contained completion indicators.
	Completed bool `json:"completed"`
	// Resolves lists the action words a completed chunk refers to.
	Resolves []string `json:"resolves,omitempty"`
}

// Clone returns a deep copy of s.
func (s Summary) Clone() Summary {
	s.KeyInsights = append([]string(nil), s.KeyInsights...)
	s.ActionItems = append([]string(nil), s.ActionItems...)
	s.Topics = append([]string(nil), s.Topics...)
	s.Resolves = append([]string(nil), s.Resolves...)
	s.Outline = s.Outline.Clone()
	return s
}

// Stage is a step in the detected conversation flow.
type Stage string

// Known flow stages. The vocabulary is open; callers may record others.
const (
	StageProblem    Stage = "problem_identification"
	StageSolution   Stage = "solution_discussion"
	StageCompletion Stage = "completion"
)

// Transition is a recorded move between two stages.
type Transition struct {
	From Stage `json:"from"`
	To   Stage `json:"to"`
}

// FlowState tracks the stages a conversation has moved through.
type FlowState struct {
	ConversationID string       `json:"conversation_id"`
	Stages         []Stage      `json:"stages"`
	Transitions    []Transition `json:"transitions"`
	NextActions    []string     `json:"next_actions"`
}

// Clone returns a deep copy of f.
func (f FlowState) Clone() FlowState {
	f.Stages = append([]Stage(nil), f.Stages...)
	f.Transitions = append([]Transition(nil), f.Transitions...)
	f.NextActions = append([]string(nil), f.NextActions...)
	return f
}
