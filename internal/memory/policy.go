package memory

import (
	"fmt"
	"time"
)

// RetentionPolicy holds the thresholds every entry and record is measured
// against by the optimizer.
type RetentionPolicy struct {
	// MaxAge is the idle time after which an entry or record is always expired.
	MaxAge time.Duration `yaml:"max_age"`

	// MinRelevance is the lowest score that survives cleanup. Nil means the
	// default; an explicit 0 disables relevance-based removal.
	MinRelevance *float64 `yaml:"min_relevance"`

	// CompressAfter, CompressMaxAccess and CompressMinSize gate compression:
	// entries older than CompressAfter, accessed fewer than CompressMaxAccess
	// times and larger than CompressMinSize bytes are compressed.
	CompressAfter     time.Duration `yaml:"compress_after"`
	CompressMaxAccess int           `yaml:"compress_max_access"`
	CompressMinSize   int           `yaml:"compress_min_size"`

	// StaleAfter marks working-set entries for eviction under memory pressure.
	StaleAfter time.Duration `yaml:"stale_after"`

	// LRUMaxAge is the age past which LRU candidates are removed rather than compressed.
	LRUMaxAge time.Duration `yaml:"lru_max_age"`

	// SummaryMaxAgeDays bounds how long rarely used summaries are kept.
	SummaryMaxAgeDays int `yaml:"summary_max_age_days"`
}

const defaultMinRelevance = 0.1

func floatPtr(v float64) *float64 { return &v }

// RelevanceFloor returns MinRelevance, or the default when it is unset.
func (p RetentionPolicy) RelevanceFloor() float64 {
	if p.MinRelevance == nil {
		return defaultMinRelevance
	}
	return *p.MinRelevance
}

// DefaultRetentionPolicy returns the stock thresholds.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:            30 * 24 * time.Hour,
		MinRelevance:      floatPtr(defaultMinRelevance),
		CompressAfter:     24 * time.Hour,
		CompressMaxAccess: 3,
		CompressMinSize:   512,
		StaleAfter:        24 * time.Hour,
		LRUMaxAge:         7 * 24 * time.Hour,
		SummaryMaxAgeDays: 30,
	}
}

// WithDefaults fills zero fields from DefaultRetentionPolicy.
func (p RetentionPolicy) WithDefaults() RetentionPolicy {
	d := DefaultRetentionPolicy()
	if p.MaxAge <= 0 {
		p.MaxAge = d.MaxAge
	}
	if p.MinRelevance == nil {
		p.MinRelevance = d.MinRelevance
	}
	if p.CompressAfter <= 0 {
		p.CompressAfter = d.CompressAfter
	}
	if p.CompressMaxAccess <= 0 {
		p.CompressMaxAccess = d.CompressMaxAccess
	}
	if p.CompressMinSize <= 0 {
		p.CompressMinSize = d.CompressMinSize
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = d.StaleAfter
	}
	if p.LRUMaxAge <= 0 {
		p.LRUMaxAge = d.LRUMaxAge
	}
	if p.SummaryMaxAgeDays <= 0 {
		p.SummaryMaxAgeDays = d.SummaryMaxAgeDays
	}
	return p
}

// Validate rejects thresholds outside their meaningful range.
func (p RetentionPolicy) Validate() error {
	if v := p.RelevanceFloor(); v < 0 || v > 1 {
		return fmt.Errorf("memory: min_relevance must be within [0,1], got %v", v)
	}
	if p.MaxAge < 0 || p.CompressAfter < 0 || p.StaleAfter < 0 || p.LRUMaxAge < 0 {
		return fmt.Errorf("memory: retention durations must be non-negative")
	}
	return nil
}
