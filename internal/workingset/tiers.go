package workingset

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
)

// RecordSource is the slice of the durable tier Preload reads from.
type RecordSource interface {
	QueryByConversation(ctx context.Context, conversationID string, limit int) ([]durable.Record, error)
}

// logAccessLocked appends an access and drops entries outside the window.
func (m *Manager) logAccessLocked(conversationID string, at time.Time) {
	log := append(m.access[conversationID], at)
	cut := 0
	for cut < len(log) && at.Sub(log[cut]) > accessLogWindow {
		cut++
	}
	if over := len(log) - cut - accessLogMax; over > 0 {
		cut += over
	}
	if cut > 0 {
		log = append([]time.Time(nil), log[cut:]...)
	}
	m.access[conversationID] = log
}

// RecentAccesses counts conversation accesses within window of now.
func (m *Manager) RecentAccesses(conversationID string, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	var n int
	for _, at := range m.access[conversationID] {
		if now.Sub(at) <= window {
			n++
		}
	}
	return n
}

// IsHot reports whether an entry is in the hot tier.
func (m *Manager) IsHot(id string) bool {
	return m.hot.Contains(id)
}

// LeastRecentlyAccessed returns up to n entries ordered by last access,
// oldest first. n <= 0 returns every entry.
func (m *Manager) LeastRecentlyAccessed(n int) []memory.Entry {
	all := m.Snapshot()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastAccessed.Equal(all[j].LastAccessed) {
			return all[i].LastAccessed.Before(all[j].LastAccessed)
		}
		return all[i].ID < all[j].ID
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Preload hydrates a conversation from the durable tier, newest first, up to
// limit records (limit <= 0 loads all). Records already in the working set
// are promoted to the hot tier instead of being reloaded.
func (m *Manager) Preload(ctx context.Context, conversationID string, limit int) (int, error) {
	if m.opts.Source == nil {
		return 0, nil
	}
	recs, err := m.opts.Source.QueryByConversation(ctx, conversationID, limit)
	if err != nil {
		return 0, fmt.Errorf("workingset: preload %s: %w", conversationID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var loaded int
	for _, rec := range recs {
		if _, ok := m.entries[rec.ID]; ok {
			m.hot.Add(rec.ID, struct{}{})
			continue
		}
		m.insertLocked(entryFromRecord(rec))
		loaded++
	}
	if loaded > 0 {
		m.logger.Debug("workingset: conversation preloaded",
			"conversation", conversationID,
			"entries", loaded,
		)
	}
	return loaded, nil
}

func entryFromRecord(rec durable.Record) *memory.Entry {
	score, ok := rec.Payload.Relevance()
	if !ok {
		score = memory.DefaultRelevance
	}
	class := memory.ClassFor(score)
	if c := memory.RetentionClass(rec.Payload.Metadata[durable.MetaRetention]); c != "" && c.Stronger(class) {
		class = c
	}
	return &memory.Entry{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		UserInput:      rec.Payload.UserInput,
		Content:        rec.Payload.Content,
		Relevance:      score,
		CreatedAt:      rec.CreatedAt,
		LastAccessed:   rec.LastAccessed,
		AccessCount:    rec.AccessCount,
		Retention:      class,
		Persisted:      true,
	}
}

// Demote drops a conversation's entries from the hot tier and compacts those
// that already carry a summary. It returns the number of entries demoted.
func (m *Manager) Demote(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id := range m.byConv[conversationID] {
		e := m.entries[id]
		if e == nil {
			continue
		}
		wasHot := m.hot.Remove(id)
		if compactLocked(e) || wasHot {
			n++
		}
	}
	return n
}
