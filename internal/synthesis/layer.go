// Package synthesis builds conversation summaries and flow state from
// chunks of messages and answers relevance-ranked queries over them.
package synthesis

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/synth"
	"github.com/google/uuid"
)

const (
	defaultThreshold    = 10
	defaultMaxSummaries = 10

	consolidatedInsights = 10
	consolidatedActions  = 5

	minResultRelevance = 0.3
	clearMinAccess     = 5
)

// Options configures a Layer.
type Options struct {
	// Threshold is the chunk size at which ProcessChunk starts acting.
	Threshold int

	// MaxSummaries bounds the summaries kept per conversation.
	MaxSummaries int

	// Synth produces narratives and outlines. Failures fall back to the
	// extractive synthesizer.
	Synth memory.Synthesizer

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.Threshold <= 0 {
		o.Threshold = defaultThreshold
	}
	if o.MaxSummaries <= 0 {
		o.MaxSummaries = defaultMaxSummaries
	}
	if o.Synth == nil {
		o.Synth = synth.Extractive{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Layer holds summaries and flow state per conversation. It is safe for
// concurrent use; synthesizer calls happen outside the lock.
type Layer struct {
	opts     Options
	logger   *slog.Logger
	fallback memory.Synthesizer

	mu        sync.Mutex
	summaries map[string][]*memory.Summary
	flows     map[string]*memory.FlowState
}

// New returns an empty Layer.
func New(opts Options) *Layer {
	opts.defaults()
	return &Layer{
		opts:      opts,
		logger:    opts.Logger.With("component", "synthesis"),
		fallback:  synth.Extractive{},
		summaries: make(map[string][]*memory.Summary),
		flows:     make(map[string]*memory.FlowState),
	}
}

// Threshold returns the chunk size ProcessChunk acts on.
func (l *Layer) Threshold() int { return l.opts.Threshold }

// ProcessChunk analyzes a chunk of messages once it reaches the threshold.
// The flow state is always updated; a summary is stored only when the chunk
// is important enough, large enough, carries action items or reports
// completion. It returns the new summary id, or "" when none was produced.
func (l *Layer) ProcessChunk(ctx context.Context, conversationID string, messages []string) (string, error) {
	return l.ProcessRetained(ctx, conversationID, messages, 0)
}

// ProcessRetained is ProcessChunk for a chunk whose first analyzed messages
// were already submitted by a call that produced no summary. They still
// count toward the summary but are not folded into the flow state again.
func (l *Layer) ProcessRetained(ctx context.Context, conversationID string, messages []string, analyzed int) (string, error) {
	if len(messages) < l.opts.Threshold {
		return "", nil
	}

	a := analyze(messages)
	switch {
	case analyzed <= 0:
		l.updateFlow(conversationID, a)
	case analyzed < len(messages):
		l.updateFlow(conversationID, analyze(messages[analyzed:]))
	}

	produce := a.importance > importanceThreshold ||
		len(messages) >= 2*l.opts.Threshold ||
		len(a.actions) > 0 ||
		a.completionHits > 0
	if !produce {
		return "", nil
	}

	text := strings.Join(messages, "\n")
	mc := &memory.Context{Topic: a.topics[0]}
	narrative := l.summarize(ctx, text, mc)
	outline := l.outline(ctx, text)

	s := &memory.Summary{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Narrative:      narrative,
		ActionItems:    a.actions,
		Topics:         a.topics,
		Outline:        outline,
		Relevance:      a.importance,
		Completed:      a.completionHits > 0,
		Resolves:       a.resolves,
	}
	if outline != nil {
		s.KeyInsights = memory.AppendUnique(nil, outline.KeyInsights...)
		s.ActionItems = memory.AppendUnique(s.ActionItems, outline.ActionItems...)
	}

	// A full list is folded into one summary first so older insights and
	// open actions survive the cap.
	l.mu.Lock()
	full := len(l.summaries[conversationID]) >= l.opts.MaxSummaries
	l.mu.Unlock()
	if full {
		if _, err := l.Consolidate(ctx, conversationID); err != nil {
			l.logger.Warn("synthesis: consolidation before append failed", "conversation", conversationID, "error", err)
		}
	}

	s.Timestamp = l.opts.Now()
	l.mu.Lock()
	l.appendLocked(s)
	l.mu.Unlock()

	l.logger.Debug("summary created",
		"conversation", conversationID,
		"summary", s.ID,
		"importance", a.importance,
		"actions", len(s.ActionItems),
	)
	return s.ID, nil
}

func (l *Layer) summarize(ctx context.Context, text string, mc *memory.Context) string {
	out, err := l.opts.Synth.Summarize(ctx, text, mc)
	if err == nil && out != "" {
		return out
	}
	l.logger.Warn("synthesis: summarizer failed, using extractive summary", "error", err)
	out, _ = l.fallback.Summarize(context.WithoutCancel(ctx), text, mc)
	return out
}

func (l *Layer) outline(ctx context.Context, text string) *memory.Outline {
	out, err := l.opts.Synth.Outline(ctx, text)
	if err == nil && out != nil {
		return out
	}
	l.logger.Warn("synthesis: outliner failed, using extractive outline", "error", err)
	out, _ = l.fallback.Outline(context.WithoutCancel(ctx), text)
	return out
}

// appendLocked stores a summary and keeps only the newest MaxSummaries.
// ProcessRetained consolidates before appending, so trimming here only
// happens when concurrent chunks race past the cap.
func (l *Layer) appendLocked(s *memory.Summary) {
	list := append(l.summaries[s.ConversationID], s)
	if over := len(list) - l.opts.MaxSummaries; over > 0 {
		list = append([]*memory.Summary(nil), list[over:]...)
	}
	l.summaries[s.ConversationID] = list
}

// updateFlow records newly entered stages, each stage pair transition once,
// and the chunk's outstanding actions.
func (l *Layer) updateFlow(conversationID string, a analysis) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.flows[conversationID]
	if f == nil {
		f = &memory.FlowState{ConversationID: conversationID}
		l.flows[conversationID] = f
	}

	for _, st := range a.stages {
		n := len(f.Stages)
		if n > 0 && f.Stages[n-1] == st {
			continue
		}
		if n > 0 {
			tr := memory.Transition{From: f.Stages[n-1], To: st}
			if !hasTransition(f.Transitions, tr) {
				f.Transitions = append(f.Transitions, tr)
			}
		}
		f.Stages = append(f.Stages, st)
	}

	if len(a.resolves) > 0 {
		f.NextActions = dropResolved(f.NextActions, a.resolves)
	}
	f.NextActions = memory.AppendUnique(f.NextActions, a.actions...)
}

func hasTransition(list []memory.Transition, tr memory.Transition) bool {
	for _, t := range list {
		if t == tr {
			return true
		}
	}
	return false
}

// dropResolved removes actions that mention any of the resolved words.
func dropResolved(actions, resolves []string) []string {
	out := actions[:0:0]
	for _, act := range actions {
		if !resolvedBy(act, resolves) {
			out = append(out, act)
		}
	}
	return out
}

func resolvedBy(action string, resolves []string) bool {
	for _, w := range itemActionWords(action) {
		for _, r := range resolves {
			if w == r {
				return true
			}
		}
	}
	return false
}

// Result is a ranked summary returned by RetrieveRelevant.
type Result struct {
	Summary   memory.Summary `json:"summary"`
	Relevance float64        `json:"relevance"`
}

// RetrieveRelevant ranks a conversation's summaries against query. Results
// scoring below 0.3 are dropped; the rest are ordered by relevance, then
// timestamp, newest first. limit <= 0 returns every match. Returned
// summaries have their access count incremented.
func (l *Layer) RetrieveRelevant(conversationID, query string, mc *memory.Context, limit int) []Result {
	topic := ""
	if mc != nil && mc.Topic != "" {
		topic = strings.ToLower(mc.Topic)
	} else if query != "" {
		topic = detectTopic(query)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now()
	type scored struct {
		s     *memory.Summary
		score float64
	}
	var hits []scored
	for _, s := range l.summaries[conversationID] {
		score := relevance(s, query, topic, now)
		if score < minResultRelevance {
			continue
		}
		hits = append(hits, scored{s: s, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.s.Timestamp.Equal(b.s.Timestamp) {
			return a.s.Timestamp.After(b.s.Timestamp)
		}
		return a.s.ID < b.s.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		h.s.AccessCount++
		out = append(out, Result{Summary: h.s.Clone(), Relevance: h.score})
	}
	return out
}

// Touch counts an access to each listed summary, as RetrieveRelevant does
// for the summaries it returns. Unknown ids are ignored. It returns how
// many summaries were touched.
func (l *Layer) Touch(conversationID string, ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, s := range l.summaries[conversationID] {
		if _, ok := want[s.ID]; ok {
			s.AccessCount++
			n++
		}
	}
	return n
}

func relevance(s *memory.Summary, query, topic string, now time.Time) float64 {
	var score float64
	if memory.ContainsFold(s.Narrative, query) {
		score += 0.4
	}
	if topic != "" {
		for _, t := range s.Topics {
			if t == topic {
				score += 0.3
				break
			}
		}
	}
	if anyContains(s.KeyInsights, query) {
		score += 0.2
	}
	if anyContains(s.ActionItems, query) {
		score += 0.2
	}
	if memory.ContainsFold(s.Outline.Text(), query) {
		score += 0.1
	}

	days := now.Sub(s.Timestamp).Hours() / 24
	score += max(0, 0.1-0.01*days)
	score += min(0.1, 0.01*float64(s.AccessCount))
	return memory.Clamp01(score)
}

func anyContains(items []string, query string) bool {
	for _, it := range items {
		if memory.ContainsFold(it, query) {
			return true
		}
	}
	return false
}

// DateRange spans the timestamps of a conversation's summaries.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Overview aggregates what is known about a conversation.
type Overview struct {
	ConversationID string            `json:"conversation_id"`
	TotalSummaries int               `json:"total_summaries"`
	DateRange      DateRange         `json:"date_range"`
	Topics         []string          `json:"topics"`
	Insights       []string          `json:"insights"`
	PendingActions []string          `json:"pending_actions"`
	AvgRelevance   float64           `json:"avg_relevance"`
	Flow           *memory.FlowState `json:"flow_state,omitempty"`
	Latest         *memory.Summary   `json:"latest_summary,omitempty"`
}

// Overview returns the aggregate view of a conversation. A conversation
// with no summaries yields a zero overview carrying only its flow state.
func (l *Layer) Overview(conversationID string) Overview {
	l.mu.Lock()
	defer l.mu.Unlock()

	ov := Overview{ConversationID: conversationID}
	if f := l.flows[conversationID]; f != nil {
		fc := f.Clone()
		ov.Flow = &fc
	}

	list := l.summaries[conversationID]
	if len(list) == 0 {
		return ov
	}

	ov.TotalSummaries = len(list)
	ov.DateRange = DateRange{From: list[0].Timestamp, To: list[0].Timestamp}
	var sum float64
	for _, s := range list {
		if s.Timestamp.Before(ov.DateRange.From) {
			ov.DateRange.From = s.Timestamp
		}
		if s.Timestamp.After(ov.DateRange.To) {
			ov.DateRange.To = s.Timestamp
		}
		ov.Topics = memory.AppendUnique(ov.Topics, s.Topics...)
		ov.Insights = memory.AppendUnique(ov.Insights, s.KeyInsights...)
		sum += s.Relevance
	}
	ov.AvgRelevance = sum / float64(len(list))
	ov.PendingActions = pendingActions(list)

	latest := list[len(list)-1].Clone()
	ov.Latest = &latest
	return ov
}

// pendingActions returns action items not resolved by a completion in any
// later summary. list is in creation order.
func pendingActions(list []*memory.Summary) []string {
	var out []string
	for i, s := range list {
		for _, act := range s.ActionItems {
			resolved := false
			for _, later := range list[i+1:] {
				if later.Completed && resolvedBy(act, later.Resolves) {
					resolved = true
					break
				}
			}
			if !resolved {
				out = memory.AppendUnique(out, act)
			}
		}
	}
	return out
}

// Consolidate merges every summary of a conversation into one. It needs at
// least two summaries and returns "" otherwise. Merged insights are capped
// at 10 and outstanding actions at 5.
func (l *Layer) Consolidate(ctx context.Context, conversationID string) (string, error) {
	l.mu.Lock()
	src := make([]memory.Summary, 0, len(l.summaries[conversationID]))
	for _, s := range l.summaries[conversationID] {
		src = append(src, s.Clone())
	}
	pending := pendingActions(l.summaries[conversationID])
	stamp := l.opts.Now()
	l.mu.Unlock()

	if len(src) < 2 {
		return "", nil
	}

	var (
		narratives []string
		insights   []string
		topics     []string
		accesses   int
		best       float64
	)
	for _, s := range src {
		narratives = append(narratives, s.Narrative)
		insights = memory.AppendUnique(insights, s.KeyInsights...)
		topics = memory.AppendUnique(topics, s.Topics...)
		accesses += s.AccessCount
		best = max(best, s.Relevance)
	}
	merged := strings.Join(narratives, "\n")

	topic := TopicGeneral
	if len(topics) > 0 {
		topic = topics[0]
	}
	narrative := l.summarize(ctx, merged, &memory.Context{Topic: topic})
	outline := l.outline(ctx, merged)

	if len(insights) > consolidatedInsights {
		insights = insights[:consolidatedInsights]
	}
	if len(pending) > consolidatedActions {
		pending = pending[:consolidatedActions]
	}

	c := &memory.Summary{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Narrative:      narrative,
		KeyInsights:    insights,
		ActionItems:    pending,
		Topics:         topics,
		Outline:        outline,
		Relevance:      best,
		Timestamp:      stamp,
		AccessCount:    accesses,
	}

	// The synthesizer calls above ran unlocked: keep summaries appended in
	// the meantime, after the consolidated one.
	mergedIDs := make(map[string]struct{}, len(src))
	for _, s := range src {
		mergedIDs[s.ID] = struct{}{}
	}
	l.mu.Lock()
	list := []*memory.Summary{c}
	var present int
	for _, s := range l.summaries[conversationID] {
		if _, ok := mergedIDs[s.ID]; ok {
			present++
			continue
		}
		list = append(list, s)
	}
	if present == 0 {
		// Deleted or consolidated elsewhere while unlocked.
		l.mu.Unlock()
		return "", nil
	}
	l.summaries[conversationID] = list
	l.mu.Unlock()

	l.logger.Info("summaries consolidated", "conversation", conversationID, "merged", len(src))
	return c.ID, nil
}

// ClearOld removes summaries older than maxAgeDays that were accessed fewer
// than five times.
func (l *Layer) ClearOld(maxAgeDays int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.opts.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	var removed int
	for conv, list := range l.summaries {
		kept := list[:0]
		for _, s := range list {
			if s.Timestamp.Before(cutoff) && s.AccessCount < clearMinAccess {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(l.summaries, conv)
			continue
		}
		l.summaries[conv] = kept
	}
	return removed
}

// DeleteConversation drops a conversation's summaries and flow state.
func (l *Layer) DeleteConversation(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.summaries[conversationID])
	delete(l.summaries, conversationID)
	delete(l.flows, conversationID)
	return n
}

// Summaries returns copies of a conversation's summaries in creation order.
func (l *Layer) Summaries(conversationID string) []memory.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]memory.Summary, 0, len(l.summaries[conversationID]))
	for _, s := range l.summaries[conversationID] {
		out = append(out, s.Clone())
	}
	return out
}

// FlowState returns a copy of a conversation's flow state.
func (l *Layer) FlowState(conversationID string) (memory.FlowState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.flows[conversationID]
	if !ok {
		return memory.FlowState{}, false
	}
	return f.Clone(), true
}

// Stats summarizes the layer.
type Stats struct {
	Conversations int     `json:"conversations"`
	Summaries     int     `json:"summaries"`
	AvgRelevance  float64 `json:"avg_relevance"`
}

// Stats returns current counters.
func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var s Stats
	var sum float64
	for _, list := range l.summaries {
		s.Conversations++
		for _, sm := range list {
			s.Summaries++
			sum += sm.Relevance
		}
	}
	if s.Summaries > 0 {
		s.AvgRelevance = sum / float64(s.Summaries)
	}
	return s
}
