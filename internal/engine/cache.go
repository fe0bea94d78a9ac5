package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

const (
	cacheMaxResults  = 1000
	cacheNumCounters = 10 * cacheMaxResults
)

// queryKey identifies a retrieval. gen is the conversation's write
// generation: any write bumps it, so older keys can never be hit again.
type queryKey struct {
	conversation string
	gen          uint64
	query        string
	topic        string
}

func (k queryKey) String() string {
	return fmt.Sprintf("%q|%d|%q|%q", k.conversation, k.gen, k.query, k.topic)
}

// normalizeQuery lowercases q and collapses whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// cachedResult keeps the caller's original query next to the result.
type cachedResult struct {
	template string
	result   RetrieveResult
}

// resultCache is a bounded cache of retrieval results.
type resultCache struct {
	c *ristretto.Cache

	mu   sync.Mutex
	gens map[string]uint64

	hits   atomic.Int64
	misses atomic.Int64
}

func newResultCache() (*resultCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxResults,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create result cache: %w", err)
	}
	return &resultCache{c: c, gens: make(map[string]uint64)}, nil
}

func (rc *resultCache) key(conversationID, query, topic string) queryKey {
	rc.mu.Lock()
	gen := rc.gens[conversationID]
	rc.mu.Unlock()
	return queryKey{
		conversation: conversationID,
		gen:          gen,
		query:        normalizeQuery(query),
		topic:        normalizeQuery(topic),
	}
}

// get returns a copy of the cached result and the query it was stored for.
func (rc *resultCache) get(k queryKey) (RetrieveResult, string, bool) {
	v, ok := rc.c.Get(k.String())
	if !ok {
		rc.misses.Add(1)
		return RetrieveResult{}, "", false
	}
	rc.hits.Add(1)
	cr := v.(cachedResult)
	res := cr.result
	res.Items = append([]Item(nil), res.Items...)
	res.Sources = append([]string(nil), res.Sources...)
	return res, cr.template, true
}

func (rc *resultCache) put(k queryKey, template string, res RetrieveResult) {
	res.Items = append([]Item(nil), res.Items...)
	res.Sources = append([]string(nil), res.Sources...)
	rc.c.Set(k.String(), cachedResult{template: template, result: res}, 1)
	rc.c.Wait()
}

// invalidate retires every cached result of a conversation.
func (rc *resultCache) invalidate(conversationID string) {
	rc.mu.Lock()
	rc.gens[conversationID]++
	rc.mu.Unlock()
}

// clear drops everything. Used after cycles that may touch any conversation.
func (rc *resultCache) clear() {
	rc.c.Clear()
}

func (rc *resultCache) close() {
	rc.c.Close()
}

// CacheStats reports retrieval cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

func (rc *resultCache) stats() CacheStats {
	return CacheStats{Hits: rc.hits.Load(), Misses: rc.misses.Load()}
}
