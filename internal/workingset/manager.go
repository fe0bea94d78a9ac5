// Package workingset implements the fast in-process tier of the memory
// engine. It owns every memory.Entry: creation, relevance scoring, the
// per-conversation index, the bounded hot tier and in-place compaction.
//
// The entry map, the conversation index and the hot tier are only mutated
// together under one lock. Scorer and synthesizer calls run outside that
// lock, so an entry may be removed by a concurrent cleanup between a lookup
// and a later write-back; every write-back re-looks the entry up and treats
// a missing entry as a miss.
package workingset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxEntries = 1000

	// upgradeDelta is the score rise that triggers a fresh summary.
	upgradeDelta = 0.2

	// accessLogWindow bounds how far back per-conversation accesses are kept.
	accessLogWindow = 24 * time.Hour
	accessLogMax    = 1024
)

// Options configures a Manager.
type Options struct {
	// MaxEntries sizes the hot tier and is the cap the optimizer enforces.
	MaxEntries int

	// Scorer rates content against a context. Nil disables scoring and every
	// entry gets memory.DefaultRelevance.
	Scorer memory.Scorer

	// Synth produces summaries and outlines. Nil disables eager summaries
	// and on-demand compaction.
	Synth memory.Synthesizer

	// Source hydrates the working set from the durable tier. Nil disables Preload.
	Source RecordSource

	Policy memory.RetentionPolicy
	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	o.Policy = o.Policy.WithDefaults()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager is the working set. It is safe for concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*memory.Entry
	byConv  map[string]map[string]struct{}
	hot     *lru.Cache[string, struct{}]
	access  map[string][]time.Time
}

// New returns an empty Manager.
func New(opts Options) (*Manager, error) {
	opts.defaults()

	hot, err := lru.New[string, struct{}](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("workingset: create hot tier: %w", err)
	}

	return &Manager{
		opts:    opts,
		logger:  opts.Logger.With("component", "workingset"),
		entries: make(map[string]*memory.Entry),
		byConv:  make(map[string]map[string]struct{}),
		hot:     hot,
		access:  make(map[string][]time.Time),
	}, nil
}

// MaxEntries returns the configured working-set cap.
func (m *Manager) MaxEntries() int { return m.opts.MaxEntries }

// Policy returns the retention policy the manager compresses against.
func (m *Manager) Policy() memory.RetentionPolicy { return m.opts.Policy }

// StoreResult is returned by Store.
type StoreResult struct {
	Entry        memory.Entry
	Degradations []memory.Degradation
}

// Store creates an entry. A non-nil mc is scored; scoring failures fall back
// to memory.DefaultRelevance and are reported as degradations. Important
// entries are summarized eagerly, and outlined above memory.OutlineThreshold.
// Store never fails once the entry is inserted.
func (m *Manager) Store(ctx context.Context, conversationID, userInput, content string, mc *memory.Context) (StoreResult, error) {
	if conversationID == "" {
		return StoreResult{}, errors.New("workingset: conversation id must not be empty")
	}

	var res StoreResult
	score := memory.DefaultRelevance
	if mc != nil && m.opts.Scorer != nil {
		s, err := m.opts.Scorer.Score(ctx, content, mc)
		if err != nil {
			m.logger.Warn("workingset: scoring failed, using default relevance",
				"conversation", conversationID,
				"error", err,
			)
			res.Degradations = append(res.Degradations, memory.Degrade("scorer", "default_relevance", err))
		} else {
			score = s
		}
	}
	score = memory.Clamp01(score)

	now := m.opts.Now()
	id := uuid.NewString()
	e := &memory.Entry{
		ID:             id,
		ConversationID: conversationID,
		UserInput:      userInput,
		Content:        content,
		Relevance:      score,
		CreatedAt:      now,
		LastAccessed:   now,
		Retention:      memory.ClassFor(score),
	}

	m.mu.Lock()
	m.insertLocked(e)
	m.logAccessLocked(conversationID, now)
	m.mu.Unlock()

	if memory.ClassFor(score) == memory.RetentionImportant && m.opts.Synth != nil {
		res.Degradations = append(res.Degradations, m.enrich(ctx, id, content, mc, score >= memory.OutlineThreshold)...)
	}

	got, ok := m.Get(id)
	if !ok {
		// Removed by a concurrent cleanup; report what was stored.
		got = e.Clone()
	}
	res.Entry = got
	return res, nil
}

// enrich summarizes (and optionally outlines) content outside the lock and
// writes the results back if the entry still exists.
func (m *Manager) enrich(ctx context.Context, id, content string, mc *memory.Context, outline bool) []memory.Degradation {
	var degr []memory.Degradation

	summary, err := m.opts.Synth.Summarize(ctx, content, mc)
	if err != nil {
		m.logger.Warn("workingset: summary failed, entry kept without summary", "entry", id, "error", err)
		degr = append(degr, memory.Degrade("synthesizer", "no_summary", err))
	}

	var ol *memory.Outline
	if outline {
		ol, err = m.opts.Synth.Outline(ctx, content)
		if err != nil {
			m.logger.Warn("workingset: outline failed, entry kept without outline", "entry", id, "error", err)
			degr = append(degr, memory.Degrade("synthesizer", "no_outline", err))
		}
	}

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		if summary != "" {
			e.Summary = summary
		}
		if ol != nil {
			e.Outline = ol
		}
	}
	m.mu.Unlock()
	return degr
}

// Retrieve returns a conversation's entries sorted by relevance then recency.
// A non-empty query keeps entries whose content or summary contains it,
// ignoring case. limit <= 0 returns every match. Returned entries have their
// access stats updated.
func (m *Manager) Retrieve(conversationID, query string, limit int) []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byConv[conversationID]
	if len(ids) == 0 {
		return nil
	}

	matched := make([]*memory.Entry, 0, len(ids))
	for id := range ids {
		e := m.entries[id]
		if e == nil {
			continue
		}
		if query != "" && !memory.ContainsFold(e.Content, query) && !memory.ContainsFold(e.Summary, query) {
			continue
		}
		matched = append(matched, e)
	}
	sortEntries(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	now := m.opts.Now()
	out := make([]memory.Entry, 0, len(matched))
	for _, e := range matched {
		e.AccessCount++
		e.LastAccessed = now
		m.hot.Add(e.ID, struct{}{})
		out = append(out, e.Clone())
	}
	m.logAccessLocked(conversationID, now)
	return out
}

// Touch records an access to each listed entry of a conversation, as
// Retrieve does for the entries it returns. Entries removed in the meantime
// are skipped. It returns how many entries were touched.
func (m *Manager) Touch(conversationID string, ids ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	var n int
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.ConversationID != conversationID {
			continue
		}
		e.AccessCount++
		e.LastAccessed = now
		m.hot.Add(id, struct{}{})
		n++
	}
	if n > 0 {
		m.logAccessLocked(conversationID, now)
	}
	return n
}

// sortEntries orders by relevance desc, last access desc, then id.
func sortEntries(es []*memory.Entry) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return a.ID < b.ID
	})
}

// UpdateResult is returned by UpdateRelevance.
type UpdateResult struct {
	Entry        memory.Entry
	Upgraded     bool
	Degradations []memory.Degradation
}

// UpdateRelevance re-scores an entry against mc and keeps the higher of the
// old and new scores. A rise larger than 0.2 may upgrade the retention class
// and refreshes the summary.
func (m *Manager) UpdateRelevance(ctx context.Context, id string, mc *memory.Context) (UpdateResult, error) {
	cur, ok := m.Get(id)
	if !ok {
		return UpdateResult{}, fmt.Errorf("workingset: entry %s: %w", id, memory.ErrNotFound)
	}

	var res UpdateResult
	if m.opts.Scorer == nil || mc == nil {
		res.Entry = cur
		return res, nil
	}

	score, err := m.opts.Scorer.Score(ctx, cur.Content, mc)
	if err != nil {
		m.logger.Warn("workingset: re-scoring failed, relevance unchanged", "entry", id, "error", err)
		res.Entry = cur
		res.Degradations = append(res.Degradations, memory.Degrade("scorer", "keep_relevance", err))
		return res, nil
	}
	score = memory.Clamp01(score)

	var rose bool
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return UpdateResult{}, fmt.Errorf("workingset: entry %s: %w", id, memory.ErrNotFound)
	}
	if score > e.Relevance {
		rose = score-e.Relevance > upgradeDelta
		e.Relevance = score
		if class := memory.ClassFor(score); class.Stronger(e.Retention) {
			e.Retention = class
			res.Upgraded = true
		}
	}
	content := e.Content
	m.mu.Unlock()

	if rose && m.opts.Synth != nil {
		res.Degradations = append(res.Degradations, m.enrich(ctx, id, content, mc, score >= memory.OutlineThreshold)...)
	}

	if res.Entry, ok = m.Get(id); !ok {
		return UpdateResult{}, fmt.Errorf("workingset: entry %s: %w", id, memory.ErrNotFound)
	}
	return res, nil
}

// compressedContent is the payload left behind by compaction.
type compressedContent struct {
	CompressedSummary string `json:"compressed_summary"`
}

// compactLocked replaces content with its summary. It reports false when the
// entry has no summary or is already compacted.
func compactLocked(e *memory.Entry) bool {
	if e.Compacted || e.Summary == "" {
		return false
	}
	b, err := json.Marshal(compressedContent{CompressedSummary: e.Summary})
	if err != nil {
		return false
	}
	e.Content = string(b)
	e.Compacted = true
	return true
}

// Compress compacts a conversation's entries that are older than
// CompressAfter, accessed fewer than CompressMaxAccess times and larger than
// CompressMinSize bytes. Entries without a summary are left alone.
func (m *Manager) Compress(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressLocked(conversationID, m.opts.Now())
}

// CompressAll runs Compress over every conversation.
func (m *Manager) CompressAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	var n int
	for conv := range m.byConv {
		n += m.compressLocked(conv, now)
	}
	return n
}

func (m *Manager) compressLocked(conversationID string, now time.Time) int {
	p := m.opts.Policy
	var n int
	for id := range m.byConv[conversationID] {
		e := m.entries[id]
		if e == nil || e.Compacted {
			continue
		}
		if now.Sub(e.CreatedAt) <= p.CompressAfter || e.AccessCount >= p.CompressMaxAccess || len(e.Content) <= p.CompressMinSize {
			continue
		}
		if compactLocked(e) {
			n++
		}
	}
	return n
}

// Compact compacts a single entry regardless of age, summarizing it first if
// needed. It reports whether the entry was compacted; a missing entry or a
// manager without a synthesizer is a no-op.
func (m *Manager) Compact(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.Compacted {
		m.mu.Unlock()
		return false, nil
	}
	if compactLocked(e) {
		m.mu.Unlock()
		return true, nil
	}
	content := e.Content
	m.mu.Unlock()

	if m.opts.Synth == nil {
		return false, nil
	}
	summary, err := m.opts.Synth.Summarize(ctx, content, nil)
	if err != nil {
		return false, fmt.Errorf("workingset: summarize %s: %w", id, err)
	}
	if summary == "" {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok = m.entries[id]
	if !ok {
		return false, nil
	}
	if e.Summary == "" {
		e.Summary = summary
	}
	return compactLocked(e), nil
}

// Remove deletes an entry from the map, the conversation index and the hot
// tier. It reports whether the entry existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) bool {
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	delete(m.entries, id)
	m.hot.Remove(id)
	if idx := m.byConv[e.ConversationID]; idx != nil {
		delete(idx, id)
		if len(idx) == 0 {
			delete(m.byConv, e.ConversationID)
			delete(m.access, e.ConversationID)
		}
	}
	return true
}

// RemoveConversation deletes every entry of a conversation.
func (m *Manager) RemoveConversation(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id := range m.byConv[conversationID] {
		if m.removeLocked(id) {
			n++
		}
	}
	delete(m.byConv, conversationID)
	delete(m.access, conversationID)
	return n
}

// RemovePersisted deletes a conversation's entries that have a durable copy.
// Entries held only in memory are kept.
func (m *Manager) RemovePersisted(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id := range m.byConv[conversationID] {
		if e := m.entries[id]; e != nil && e.Persisted && m.removeLocked(id) {
			n++
		}
	}
	return n
}

func (m *Manager) insertLocked(e *memory.Entry) {
	m.entries[e.ID] = e
	idx := m.byConv[e.ConversationID]
	if idx == nil {
		idx = make(map[string]struct{})
		m.byConv[e.ConversationID] = idx
	}
	idx[e.ID] = struct{}{}
	m.hot.Add(e.ID, struct{}{})
}

// Get returns a copy of an entry without touching its access stats.
func (m *Manager) Get(id string) (memory.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return memory.Entry{}, false
	}
	return e.Clone(), true
}

// Update applies fn to an entry under the lock. The entry's ID and
// conversation are restored after fn and its relevance is clamped.
func (m *Manager) Update(id string, fn func(*memory.Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	eid, conv := e.ID, e.ConversationID
	fn(e)
	e.ID, e.ConversationID = eid, conv
	e.Relevance = memory.Clamp01(e.Relevance)
	return true
}

// MarkPersisted records that a durable copy of the entry exists.
func (m *Manager) MarkPersisted(id string) {
	m.Update(id, func(e *memory.Entry) { e.Persisted = true })
}

// Snapshot returns copies of every entry.
func (m *Manager) Snapshot() []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Clone())
	}
	return out
}

// ConversationEntries returns copies of a conversation's entries without
// touching their access stats.
func (m *Manager) ConversationEntries(conversationID string) []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byConv[conversationID]
	out := make([]memory.Entry, 0, len(ids))
	for id := range ids {
		if e := m.entries[id]; e != nil {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ConversationIDs lists indexed conversations in sorted order.
func (m *Manager) ConversationIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.byConv))
	for id := range m.byConv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasConversation reports whether the conversation has an index entry.
func (m *Manager) HasConversation(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byConv[conversationID]
	return ok
}

// Len returns the number of entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats summarizes the working set.
type Stats struct {
	Total         int     `json:"total"`
	Compressed    int     `json:"compressed"`
	Important     int     `json:"important"`
	AvgRelevance  float64 `json:"avg_relevance"`
	Hot           int     `json:"hot"`
	Conversations int     `json:"conversations"`
	ContentBytes  int     `json:"content_bytes"`
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:         len(m.entries),
		Hot:           m.hot.Len(),
		Conversations: len(m.byConv),
	}
	var sum float64
	for _, e := range m.entries {
		if e.Compacted {
			s.Compressed++
		}
		if e.Retention == memory.RetentionImportant {
			s.Important++
		}
		sum += e.Relevance
		s.ContentBytes += len(e.Content)
	}
	if s.Total > 0 {
		s.AvgRelevance = sum / float64(s.Total)
	}
	return s
}
