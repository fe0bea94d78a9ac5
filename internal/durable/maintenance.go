package durable

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
)

// Stats describes the durable tier.
type Stats struct {
	Records         int `json:"records"`
	Conversations   int `json:"conversations"`
	Compressed      int `json:"compressed"`
	TotalBytes      int `json:"total_bytes"`
	StoredBytes     int `json:"stored_bytes"`
	PendingDeletion int `json:"pending_deletion"`
	SchemaVersion   int `json:"schema_version"`
}

// Stats scans the backend.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	convs := make(map[string]struct{})
	err := s.backend.ScanAll(ctx, func(rec Record) error {
		st.Records++
		st.TotalBytes += rec.SizeBytes
		st.StoredBytes += rec.StoredBytes()
		if rec.IsCompressed {
			st.Compressed++
		}
		convs[rec.ConversationID] = struct{}{}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("durable: stats: %w", err)
	}
	st.Conversations = len(convs)
	st.SchemaVersion = s.SchemaVersion()

	s.mu.Lock()
	st.PendingDeletion = len(s.unrecoverable)
	s.mu.Unlock()
	return st, nil
}

// Defragment asks the backend to reclaim space.
func (s *Store) Defragment(ctx context.Context) error {
	if err := s.backend.Vacuum(ctx); err != nil {
		return fmt.Errorf("durable: defragment: %w", err)
	}
	return nil
}

// ConsolidatedID is the id of the record CompactConversation produces.
func ConsolidatedID(conversationID string) string {
	return "consolidated-" + conversationID
}

// CompactConversation merges every record of a conversation into a single
// consolidated record, oldest content first. A conversation that is
// already a single consolidated record is returned unchanged.
func (s *Store) CompactConversation(ctx context.Context, conversationID string) (Record, error) {
	recs, err := s.QueryByConversation(ctx, conversationID, 0)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("durable: compact %s: %w", conversationID, memory.ErrNotFound)
	}
	if len(recs) == 1 && recs[0].Payload.Metadata[MetaConsolidated] == "true" {
		return recs[0], nil
	}

	slices.Reverse(recs)

	var (
		contents, inputs []string
		accesses         int
		best             float64
		lastAccessed     time.Time
	)
	for _, rec := range recs {
		contents = append(contents, rec.Payload.Content)
		if rec.Payload.UserInput != "" {
			inputs = append(inputs, rec.Payload.UserInput)
		}
		accesses += rec.AccessCount
		if rec.LastAccessed.After(lastAccessed) {
			lastAccessed = rec.LastAccessed
		}
		if r, ok := rec.Payload.Relevance(); ok && r > best {
			best = r
		}
	}

	merged := Record{
		ID:             ConsolidatedID(conversationID),
		ConversationID: conversationID,
		Payload: Payload{
			UserInput: strings.Join(inputs, "\n"),
			Content:   strings.Join(contents, "\n"),
			Metadata: map[string]string{
				MetaConsolidated: "true",
				MetaSources:      strconv.Itoa(len(recs)),
				MetaRelevance:    strconv.FormatFloat(best, 'f', 4, 64),
			},
		},
		AccessCount:  accesses,
		LastAccessed: lastAccessed,
		CreatedAt:    recs[0].CreatedAt,
	}

	out, err := s.Put(ctx, merged)
	if err != nil {
		return Record{}, fmt.Errorf("durable: compact %s: %w", conversationID, err)
	}
	for _, rec := range recs {
		if rec.ID == merged.ID {
			continue
		}
		if err := s.backend.Delete(ctx, conversationID, rec.ID); err != nil {
			s.logger.Warn("durable: compacted source record not deleted",
				"conversation", conversationID,
				"record", rec.ID,
				"error", err,
			)
		}
	}

	s.logger.Info("durable: conversation compacted", "conversation", conversationID, "sources", len(recs))
	return out, nil
}

// CompressStale compresses uncompressed records older than the policy's
// CompressAfter that have been read fewer than CompressMaxAccess times.
// Checksums are unaffected since they cover the uncompressed form.
func (s *Store) CompressStale(ctx context.Context, policy memory.RetentionPolicy) (int, error) {
	cutoff := s.opts.Now().Add(-policy.CompressAfter)

	var stale []Record
	err := s.ScanAll(ctx, func(rec Record) error {
		if !rec.IsCompressed && rec.CreatedAt.Before(cutoff) && rec.AccessCount < policy.CompressMaxAccess {
			stale = append(stale, rec)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("durable: compress stale: %w", err)
	}

	n := 0
	for _, rec := range stale {
		enc, err := s.encode(rec, true)
		if err != nil {
			s.logger.Warn("durable: record not compressed", "record", rec.ID, "error", err)
			continue
		}
		if err := s.write(ctx, enc); err != nil {
			s.logger.Warn("durable: record not compressed", "record", rec.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RetentionSweep deletes records idle longer than the policy's MaxAge and
// every record queued as unrecoverable.
func (s *Store) RetentionSweep(ctx context.Context, policy memory.RetentionPolicy) (int, error) {
	cutoff := s.opts.Now().Add(-policy.MaxAge)

	var expired []recordKey
	err := s.backend.ScanAll(ctx, func(rec Record) error {
		if rec.LastAccessed.Before(cutoff) {
			expired = append(expired, keyOf(rec))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("durable: retention sweep: %w", err)
	}

	s.mu.Lock()
	for k := range s.unrecoverable {
		expired = append(expired, k)
	}
	s.mu.Unlock()

	deleted := 0
	seen := make(map[recordKey]struct{}, len(expired))
	for _, k := range expired {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if err := s.backend.Delete(ctx, k.conversationID, k.id); err != nil {
			s.logger.Warn("durable: expired record not deleted",
				"conversation", k.conversationID,
				"record", k.id,
				"error", err,
			)
			continue
		}
		s.mu.Lock()
		delete(s.unrecoverable, k)
		s.mu.Unlock()
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("durable: retention sweep removed records", "count", deleted)
	}
	return deleted, nil
}
