package durable

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemBackend is an in-process Backend. Data does not survive a restart.
type MemBackend struct {
	mu      sync.RWMutex
	convs   map[string]map[string]Record
	version int
}

var _ Backend = (*MemBackend)(nil)

// NewMemBackend returns an empty backend at schema version 1.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		convs:   make(map[string]map[string]Record),
		version: 1,
	}
}

// Write implements Backend. The tx flag is irrelevant in memory.
func (b *MemBackend) Write(ctx context.Context, rec Record, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	conv, ok := b.convs[rec.ConversationID]
	if !ok {
		conv = make(map[string]Record)
		b.convs[rec.ConversationID] = conv
	}
	conv[rec.ID] = copyRecord(rec)
	return nil
}

// Read implements Backend.
func (b *MemBackend) Read(ctx context.Context, conversationID, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.convs[conversationID][id]
	if !ok {
		return Record{}, false, nil
	}
	return copyRecord(rec), true, nil
}

// ListConversation implements Backend.
func (b *MemBackend) ListConversation(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	out := make([]Record, 0, len(b.convs[conversationID]))
	for _, rec := range b.convs[conversationID] {
		out = append(out, copyRecord(rec))
	}
	b.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ScanAll implements Backend. fn runs on a snapshot, outside the lock.
func (b *MemBackend) ScanAll(ctx context.Context, fn func(Record) error) error {
	b.mu.RLock()
	var all []Record
	for _, conv := range b.convs {
		for _, rec := range conv {
			all = append(all, copyRecord(rec))
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(all, func(a, c Record) int {
		if n := cmp.Compare(a.ConversationID, c.ConversationID); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, c.ID)
	})
	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Conversations implements Backend.
func (b *MemBackend) Conversations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.convs)), nil
}

// Delete implements Backend.
func (b *MemBackend) Delete(ctx context.Context, conversationID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	conv := b.convs[conversationID]
	delete(conv, id)
	if len(conv) == 0 {
		delete(b.convs, conversationID)
	}
	return nil
}

// DeleteConversation implements Backend.
func (b *MemBackend) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.convs[conversationID])
	delete(b.convs, conversationID)
	return n, nil
}

// Touch implements Backend.
func (b *MemBackend) Touch(ctx context.Context, conversationID, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.convs[conversationID][id]
	if !ok {
		return nil
	}
	rec.AccessCount++
	rec.LastAccessed = at
	b.convs[conversationID][id] = rec
	return nil
}

// Vacuum implements Backend by rebuilding the maps, which drops the
// buckets left behind by deletions. Readers see either map, never a mix.
func (b *MemBackend) Vacuum(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := make(map[string]map[string]Record, len(b.convs))
	for id, conv := range b.convs {
		if len(conv) == 0 {
			continue
		}
		fresh[id] = maps.Clone(conv)
	}
	b.convs = fresh
	return nil
}

// SchemaVersion implements Backend.
func (b *MemBackend) SchemaVersion(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version, nil
}

// SetSchemaVersion implements Backend.
func (b *MemBackend) SetSchemaVersion(_ context.Context, v int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version = v
	return nil
}

// Close implements Backend.
func (b *MemBackend) Close() error { return nil }

// Corrupt flips one byte of a stored payload. It exists for integrity tests.
func (b *MemBackend) Corrupt(conversationID, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.convs[conversationID][id]
	if !ok {
		return false
	}
	data := rec.Serialized
	if rec.IsCompressed {
		data = rec.Compressed
	}
	if len(data) == 0 {
		return false
	}
	data[len(data)/2] ^= 0xFF
	b.convs[conversationID][id] = rec
	return true
}

func copyRecord(r Record) Record {
	r.Serialized = slices.Clone(r.Serialized)
	r.Compressed = slices.Clone(r.Compressed)
	r.Payload.Metadata = maps.Clone(r.Payload.Metadata)
	return r
}

// sortNewestFirst orders by creation time descending, ties broken by id.
func sortNewestFirst(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
