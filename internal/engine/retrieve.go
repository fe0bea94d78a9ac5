package engine

import (
	"context"
	"sort"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
)

// MaxResults caps a retrieval.
const MaxResults = 10

// Retrieval sources, in priority order.
const (
	SourceSynthesis  = "synthesis"
	SourceWorkingSet = "working_set"
	SourceDurable    = "durable"
)

// Item is one retrieval result.
type Item struct {
	Source    string    `json:"source"`
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserInput string    `json:"user_input,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Relevance float64   `json:"relevance"`
	Timestamp time.Time `json:"timestamp"`
}

// RetrieveResult is the ranked result of RetrieveMemory.
type RetrieveResult struct {
	Items []Item `json:"items"`

	// Sources lists the tiers that contributed, in priority order.
	Sources []string `json:"sources"`

	Cached       bool                 `json:"cached"`
	Degradations []memory.Degradation `json:"degradations,omitempty"`
}

// RetrieveMemory queries the synthesis layer, then the working set, then the
// durable tier, merging results in that priority order up to MaxResults.
// An empty query matches everything. Tier failures degrade the result.
func (e *Engine) RetrieveMemory(ctx context.Context, conversationID, query string, mc *memory.Context) (res RetrieveResult, err error) {
	release, err := e.enter()
	if err != nil {
		return RetrieveResult{}, err
	}
	defer release()

	start := time.Now()
	ctx, span := e.span(ctx, "RetrieveMemory", conversationID)
	defer func() { e.finish(span, "retrieve", start, err) }()

	if conversationID == "" {
		return RetrieveResult{}, errEmptyConversation
	}

	topic := ""
	if mc != nil {
		topic = mc.Topic
	}
	key := e.cache.key(conversationID, query, topic)
	if cached, template, ok := e.cache.get(key); ok {
		cached.Cached = true
		e.touchCached(conversationID, cached.Items)
		e.logger.Debug("engine: retrieval served from cache",
			"conversation", conversationID,
			"query", template,
		)
		e.metrics.ObserveRetrieval(cached.Sources, true)
		return cached, nil
	}

	m := newMerger()

	for _, r := range e.layer.RetrieveRelevant(conversationID, query, mc, MaxResults) {
		m.add(Item{
			Source:    SourceSynthesis,
			ID:        r.Summary.ID,
			Content:   r.Summary.Narrative,
			Relevance: r.Relevance,
			Timestamp: r.Summary.Timestamp,
		})
	}

	entries := e.ws.Retrieve(conversationID, query, MaxResults)
	if mc != nil {
		e.rescore(ctx, entries, mc, &res.Degradations)
	}
	for _, en := range entries {
		m.add(Item{
			Source:    SourceWorkingSet,
			ID:        en.ID,
			Content:   en.Content,
			UserInput: en.UserInput,
			Summary:   en.Summary,
			Relevance: en.Relevance,
			Timestamp: en.CreatedAt,
		})
	}

	if e.store != nil && !m.full() {
		e.retrieveDurable(ctx, conversationID, query, len(entries) == 0, m, &res.Degradations)
	}

	res.Items = m.items
	res.Sources = m.sources
	if len(res.Degradations) == 0 {
		e.cache.put(key, query, res)
	}
	e.metrics.ObserveRetrieval(res.Sources, false)
	return res, nil
}

// touchCached records the accesses a cache hit stands for, so cached reads
// keep entries and summaries from looking idle to the optimizer.
func (e *Engine) touchCached(conversationID string, items []Item) {
	var entryIDs, summaryIDs []string
	for _, it := range items {
		switch it.Source {
		case SourceWorkingSet:
			entryIDs = append(entryIDs, it.ID)
		case SourceSynthesis:
			summaryIDs = append(summaryIDs, it.ID)
		}
	}
	e.ws.Touch(conversationID, entryIDs...)
	e.layer.Touch(conversationID, summaryIDs...)
}

// rescore raises the relevance of retrieved entries against the read's
// context. Entries are updated in place; one removed concurrently keeps the
// copy that was read.
func (e *Engine) rescore(ctx context.Context, entries []memory.Entry, mc *memory.Context, ds *[]memory.Degradation) {
	for i := range entries {
		up, err := e.ws.UpdateRelevance(ctx, entries[i].ID, mc)
		if err != nil {
			continue
		}
		for _, d := range up.Degradations {
			e.degrade(ds, d)
		}
		entries[i] = up.Entry
	}
	sortByRelevance(entries)
}

// sortByRelevance restores Retrieve's order after scores changed.
func sortByRelevance(entries []memory.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Relevance > entries[j].Relevance
	})
}

// retrieveDurable fills the remaining slots from the durable tier. When the
// working set had nothing for the conversation, it is preloaded so the next
// read is served from memory.
func (e *Engine) retrieveDurable(ctx context.Context, conversationID, query string, cold bool, m *merger, ds *[]memory.Degradation) {
	qctx, cancel := e.opContext(ctx)
	recs, err := e.store.QueryByConversation(qctx, conversationID, 0)
	cancel()
	if err != nil {
		e.degrade(ds, memory.Degrade("durable", "partial_results", err))
		return
	}

	for _, rec := range recs {
		if m.full() {
			break
		}
		p := rec.Payload
		if query != "" && !memory.ContainsFold(p.Content, query) && !memory.ContainsFold(p.UserInput, query) {
			continue
		}
		score, ok := p.Relevance()
		if !ok {
			score = memory.DefaultRelevance
		}
		m.add(Item{
			Source:    SourceDurable,
			ID:        rec.ID,
			Content:   p.Content,
			UserInput: p.UserInput,
			Relevance: score,
			Timestamp: rec.CreatedAt,
		})
	}

	if cold && len(recs) > 0 {
		pctx, cancel := e.opContext(ctx)
		defer cancel()
		if _, err := e.ws.Preload(pctx, conversationID, e.ws.MaxEntries()); err != nil {
			e.degrade(ds, memory.Degrade("workingset", "no_preload", err))
			return
		}
		e.cache.invalidate(conversationID)
	}
}

// merger dedupes items by id, keeping the first (highest-priority) copy.
type merger struct {
	items   []Item
	seen    map[string]struct{}
	sources []string
}

func newMerger() *merger {
	return &merger{seen: make(map[string]struct{})}
}

func (m *merger) full() bool { return len(m.items) >= MaxResults }

func (m *merger) add(it Item) {
	if m.full() {
		return
	}
	if _, dup := m.seen[it.ID]; dup {
		return
	}
	m.seen[it.ID] = struct{}{}
	m.items = append(m.items, it)
	if n := len(m.sources); n == 0 || m.sources[n-1] != it.Source {
		m.sources = append(m.sources, it.Source)
	}
}
