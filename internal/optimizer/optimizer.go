// Package optimizer runs the periodic eviction, compaction and rebalancing
// cycle over the working set and the durable tier.
package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
)

const (
	lruFraction            = 0.2
	fragmentationWindow    = 30 * 24 * time.Hour
	fragmentationThreshold = 0.3
	compressionTarget      = 0.3
	compactionBand         = 0.5
	hotWindow              = time.Hour
	hotAccesses            = 5

	defaultPressureThreshold = 0.8
	defaultCriticalThreshold = 0.95
)

// WorkingSet is the slice of the working-set manager the optimizer drives.
type WorkingSet interface {
	Len() int
	MaxEntries() int
	Snapshot() []memory.Entry
	LeastRecentlyAccessed(n int) []memory.Entry
	ConversationIDs() []string
	ConversationEntries(conversationID string) []memory.Entry
	Remove(id string) bool
	Compact(ctx context.Context, id string) (bool, error)
	CompressAll() int
	RecentAccesses(conversationID string, window time.Duration) int
	Preload(ctx context.Context, conversationID string, limit int) (int, error)
	Demote(conversationID string) int
}

// Consolidator merges a conversation's durable records.
type Consolidator interface {
	CompactConversation(ctx context.Context, conversationID string) (durable.Record, error)
}

// Options configures an Optimizer.
type Options struct {
	Policy memory.RetentionPolicy

	// Durable consolidates fragmented conversations. Nil skips that step.
	Durable Consolidator

	// Gauge reports memory pressure. Nil skips pressure handling.
	Gauge PressureGauge

	PressureThreshold float64
	CriticalThreshold float64

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	o.Policy = o.Policy.WithDefaults()
	if o.PressureThreshold <= 0 {
		o.PressureThreshold = defaultPressureThreshold
	}
	if o.CriticalThreshold <= 0 {
		o.CriticalThreshold = defaultCriticalThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Report describes a single optimization cycle.
type Report struct {
	Started          time.Time     `json:"started"`
	Elapsed          time.Duration `json:"elapsed"`
	Expired          int           `json:"expired"`
	LRURemoved       int           `json:"lru_removed"`
	LRUCompacted     int           `json:"lru_compacted"`
	BlendRemoved     int           `json:"blend_removed"`
	BlendCompacted   int           `json:"blend_compacted"`
	Defragmented     int           `json:"defragmented"`
	TunedCompacted   int           `json:"tuned_compacted"`
	Pressure         float64       `json:"pressure"`
	StaleEvicted     int           `json:"stale_evicted"`
	PressureCompress int           `json:"pressure_compressed"`
	Preloaded        int           `json:"preloaded"`
	Demoted          int           `json:"demoted"`
	Errors           []string      `json:"errors,omitempty"`
}

// Cleaned is the number of entries removed by the cycle.
func (r Report) Cleaned() int {
	return r.Expired + r.LRURemoved + r.BlendRemoved + r.StaleEvicted
}

// Compressed is the number of entries compacted by the cycle.
func (r Report) Compressed() int {
	return r.LRUCompacted + r.BlendCompacted + r.TunedCompacted + r.PressureCompress
}

func (r *Report) fail(step string, err error) {
	r.Errors = append(r.Errors, step+": "+err.Error())
}

// Metrics are cumulative across cycles and never reset.
type Metrics struct {
	Cycles       int64         `json:"cycles"`
	Cleaned      int64         `json:"cleaned"`
	Compressed   int64         `json:"compressed"`
	Defragmented int64         `json:"defragmented"`
	Elapsed      time.Duration `json:"elapsed"`
	LastRun      time.Time     `json:"last_run"`
}

// Optimizer applies the retention policy. OptimizeNow is serialized; the
// other exported steps may run alongside foreground traffic.
type Optimizer struct {
	ws     WorkingSet
	opts   Options
	logger *slog.Logger

	run sync.Mutex

	cycles       atomic.Int64
	cleaned      atomic.Int64
	compressed   atomic.Int64
	defragmented atomic.Int64
	elapsed      atomic.Int64
	lastRun      atomic.Int64
}

// New returns an Optimizer over ws.
func New(ws WorkingSet, opts Options) *Optimizer {
	opts.defaults()
	return &Optimizer{
		ws:     ws,
		opts:   opts,
		logger: opts.Logger.With("component", "optimizer"),
	}
}

// Policy returns the active retention policy.
func (o *Optimizer) Policy() memory.RetentionPolicy { return o.opts.Policy }

// CriticalThreshold returns the pressure above which callers should trigger
// an emergency cycle.
func (o *Optimizer) CriticalThreshold() float64 { return o.opts.CriticalThreshold }

// Pressure reads the gauge. It returns 0 when no gauge is configured.
func (o *Optimizer) Pressure(ctx context.Context) (float64, error) {
	if o.opts.Gauge == nil {
		return 0, nil
	}
	return o.opts.Gauge.Pressure(ctx)
}

// OptimizeNow runs one full cycle. Every step tolerates failures of
// individual entries and conversations; they are logged and recorded in
// the report.
func (o *Optimizer) OptimizeNow(ctx context.Context) Report {
	o.run.Lock()
	defer o.run.Unlock()

	rep := Report{Started: o.opts.Now()}
	start := time.Now()

	o.lruCleanup(ctx, false, &rep)
	o.blendCleanup(ctx, &rep)
	o.defragment(ctx, &rep)
	o.tuneCompression(ctx, &rep)
	o.rebalance(ctx, &rep)

	rep.Elapsed = time.Since(start)

	o.cycles.Add(1)
	o.cleaned.Add(int64(rep.Cleaned()))
	o.compressed.Add(int64(rep.Compressed()))
	o.defragmented.Add(int64(rep.Defragmented))
	o.elapsed.Add(int64(rep.Elapsed))
	o.lastRun.Store(rep.Started.UnixNano())

	o.logger.Info("optimization cycle finished",
		"cleaned", rep.Cleaned(),
		"compressed", rep.Compressed(),
		"defragmented", rep.Defragmented,
		"pressure", rep.Pressure,
		"errors", len(rep.Errors),
		"elapsed", rep.Elapsed,
	)
	return rep
}

// Metrics returns the cumulative counters.
func (o *Optimizer) Metrics() Metrics {
	m := Metrics{
		Cycles:       o.cycles.Load(),
		Cleaned:      o.cleaned.Load(),
		Compressed:   o.compressed.Load(),
		Defragmented: o.defragmented.Load(),
		Elapsed:      time.Duration(o.elapsed.Load()),
	}
	if ns := o.lastRun.Load(); ns != 0 {
		m.LastRun = time.Unix(0, ns).UTC()
	}
	return m
}

// LRUCleanup runs the LRU step alone. force ignores the size cap.
func (o *Optimizer) LRUCleanup(ctx context.Context, force bool) Report {
	rep := Report{Started: o.opts.Now()}
	o.lruCleanup(ctx, force, &rep)
	o.cleaned.Add(int64(rep.Cleaned()))
	o.compressed.Add(int64(rep.Compressed()))
	return rep
}

// lruCleanup always removes expired entries. Over the cap (or when forced)
// it then takes the least recently accessed ceil(20%) of entries and removes
// those that are old or irrelevant, compacting the rest.
func (o *Optimizer) lruCleanup(ctx context.Context, force bool, rep *Report) {
	now := o.opts.Now()
	p := o.opts.Policy

	all := o.ws.LeastRecentlyAccessed(0)
	total := len(all)

	live := all[:0:0]
	for _, e := range all {
		if now.Sub(e.LastAccessed) > p.MaxAge {
			if o.ws.Remove(e.ID) {
				rep.Expired++
			}
			continue
		}
		live = append(live, e)
	}

	if !force && total <= o.ws.MaxEntries() {
		return
	}

	target := int(math.Ceil(lruFraction * float64(total)))
	if target > len(live) {
		target = len(live)
	}
	for _, e := range live[:target] {
		if now.Sub(e.CreatedAt) > p.LRUMaxAge || e.Relevance < p.RelevanceFloor() {
			if o.ws.Remove(e.ID) {
				rep.LRURemoved++
			}
			continue
		}
		ok, err := o.ws.Compact(ctx, e.ID)
		if err != nil {
			o.logger.Warn("lru cleanup: compaction failed", "entry", e.ID, "error", err)
			rep.fail("lru", err)
			continue
		}
		if ok {
			rep.LRUCompacted++
		}
	}
}

// conversationEstimate derives a conversation-level relevance from the mean
// entry score plus the structure its entries' outlines expose.
func conversationEstimate(entries []memory.Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	var insights, actions, branches int
	for _, e := range entries {
		sum += e.Relevance
		if e.Outline == nil {
			continue
		}
		insights += len(e.Outline.KeyInsights)
		actions += len(e.Outline.ActionItems)
		branches += len(e.Outline.MainBranches)
	}
	est := sum/float64(len(entries)) +
		math.Min(0.2, 0.05*float64(insights)) +
		math.Min(0.2, 0.1*float64(actions)) +
		math.Min(0.1, 0.02*float64(branches))
	return memory.Clamp01(est)
}

// blendCleanup averages each entry's score with its conversation estimate.
// Entries below the minimum are removed, those under 0.5 compacted.
// Important entries are never removed here.
func (o *Optimizer) blendCleanup(ctx context.Context, rep *Report) {
	for _, conv := range o.ws.ConversationIDs() {
		if ctx.Err() != nil {
			return
		}
		entries := o.ws.ConversationEntries(conv)
		est := conversationEstimate(entries)

		for _, e := range entries {
			if e.Retention == memory.RetentionImportant {
				continue
			}
			blended := (e.Relevance + est) / 2
			switch {
			case blended < o.opts.Policy.RelevanceFloor():
				if o.ws.Remove(e.ID) {
					rep.BlendRemoved++
				}
			case blended < compactionBand && !e.Compacted:
				ok, err := o.ws.Compact(ctx, e.ID)
				if err != nil {
					o.logger.Warn("relevance cleanup: compaction failed",
						"conversation", conv,
						"entry", e.ID,
						"error", err,
					)
					rep.fail("blend", err)
					continue
				}
				if ok {
					rep.BlendCompacted++
				}
			}
		}
	}
}

// fragmentation is the spread of access times across entries, normalized by
// a 30-day window.
func fragmentation(entries []memory.Entry) float64 {
	if len(entries) < 2 {
		return 0
	}
	lo, hi := entries[0].LastAccessed, entries[0].LastAccessed
	for _, e := range entries[1:] {
		if e.LastAccessed.Before(lo) {
			lo = e.LastAccessed
		}
		if e.LastAccessed.After(hi) {
			hi = e.LastAccessed
		}
	}
	return math.Min(1, float64(hi.Sub(lo))/float64(fragmentationWindow))
}

func (o *Optimizer) defragment(ctx context.Context, rep *Report) {
	if o.opts.Durable == nil {
		return
	}
	for _, conv := range o.ws.ConversationIDs() {
		if ctx.Err() != nil {
			return
		}
		if fragmentation(o.ws.ConversationEntries(conv)) <= fragmentationThreshold {
			continue
		}
		if _, err := o.opts.Durable.CompactConversation(ctx, conv); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			o.logger.Warn("fragmentation: consolidation failed", "conversation", conv, "error", err)
			rep.fail("defragment", err)
			continue
		}
		rep.Defragmented++
	}
}

// priority ranks compaction candidates: larger, older and less relevant first.
func priority(e memory.Entry, maxSize int, maxAge time.Duration, now time.Time) float64 {
	var size, age float64
	if maxSize > 0 {
		size = float64(len(e.Content)) / float64(maxSize)
	}
	if maxAge > 0 {
		age = float64(now.Sub(e.CreatedAt)) / float64(maxAge)
	}
	return 0.5*size + 0.3*age + 0.2*(1-e.Relevance)
}

// tuneCompression compacts the top 20% by priority when fewer than 30% of
// entries are compacted.
func (o *Optimizer) tuneCompression(ctx context.Context, rep *Report) {
	all := o.ws.Snapshot()
	if len(all) == 0 {
		return
	}

	now := o.opts.Now()
	var compacted, maxSize int
	var maxAge time.Duration
	candidates := make([]memory.Entry, 0, len(all))
	for _, e := range all {
		if e.Compacted {
			compacted++
			continue
		}
		candidates = append(candidates, e)
		maxSize = max(maxSize, len(e.Content))
		maxAge = max(maxAge, now.Sub(e.CreatedAt))
	}
	if float64(compacted)/float64(len(all)) >= compressionTarget {
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := priority(candidates[i], maxSize, maxAge, now)
		pj := priority(candidates[j], maxSize, maxAge, now)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].ID < candidates[j].ID
	})
	n := min(int(math.Ceil(lruFraction*float64(len(all)))), len(candidates))
	for _, e := range candidates[:n] {
		ok, err := o.ws.Compact(ctx, e.ID)
		if err != nil {
			o.logger.Warn("compression tuning: compaction failed", "entry", e.ID, "error", err)
			rep.fail("tune", err)
			continue
		}
		if ok {
			rep.TunedCompacted++
		}
	}
}

// rebalance handles memory pressure and moves conversations between tiers
// according to their recent access counts.
func (o *Optimizer) rebalance(ctx context.Context, rep *Report) {
	pressure, err := o.Pressure(ctx)
	if err != nil {
		o.logger.Warn("rebalance: pressure unavailable", "error", err)
		rep.fail("pressure", err)
	}
	rep.Pressure = pressure

	if pressure > o.opts.PressureThreshold {
		o.logger.Warn("memory pressure above threshold", "pressure", pressure, "threshold", o.opts.PressureThreshold)
		o.evictStale(ctx, rep)
		rep.PressureCompress += o.ws.CompressAll()
		o.lruCleanup(ctx, true, rep)
	}

	for _, conv := range o.ws.ConversationIDs() {
		if ctx.Err() != nil {
			return
		}
		switch n := o.ws.RecentAccesses(conv, hotWindow); {
		case n > hotAccesses:
			loaded, err := o.ws.Preload(ctx, conv, o.ws.MaxEntries())
			if err != nil {
				o.logger.Warn("rebalance: preload failed", "conversation", conv, "error", err)
				rep.fail("preload", err)
				continue
			}
			rep.Preloaded += loaded
		case n == 0:
			rep.Demoted += o.ws.Demote(conv)
		}
	}
}

// evictStale drops entries untouched for longer than StaleAfter. Entries
// with a durable copy are removed; the rest are compacted.
func (o *Optimizer) evictStale(ctx context.Context, rep *Report) {
	cutoff := o.opts.Now().Add(-o.opts.Policy.StaleAfter)
	for _, e := range o.ws.Snapshot() {
		if !e.LastAccessed.Before(cutoff) {
			continue
		}
		if e.Persisted {
			if o.ws.Remove(e.ID) {
				rep.StaleEvicted++
			}
			continue
		}
		ok, err := o.ws.Compact(ctx, e.ID)
		if err != nil {
			o.logger.Warn("stale eviction: compaction failed", "entry", e.ID, "error", err)
			rep.fail("stale", err)
			continue
		}
		if ok {
			rep.PressureCompress++
		}
	}
}
