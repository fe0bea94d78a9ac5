package memory

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestClassFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  RetentionClass
	}{
		{1.0, RetentionImportant},
		{0.8, RetentionImportant},
		{0.79, RetentionNormal},
		{0.5, RetentionNormal},
		{0.49, RetentionTemporary},
		{0, RetentionTemporary},
	}

	for _, tt := range tests {
		if got := ClassFor(tt.score); got != tt.want {
			t.Errorf("ClassFor(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestClamp01(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0.3, 0.3},
		{1.7, 1},
		{math.NaN(), 0},
	}

	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRetentionClass_Stronger(t *testing.T) {
	t.Parallel()

	if !RetentionImportant.Stronger(RetentionNormal) {
		t.Error("important should outrank normal")
	}
	if RetentionTemporary.Stronger(RetentionNormal) {
		t.Error("temporary should not outrank normal")
	}
}

func TestRetentionPolicy_WithDefaults(t *testing.T) {
	t.Parallel()

	p := RetentionPolicy{MinRelevance: floatPtr(0.2)}.WithDefaults()
	if got := p.RelevanceFloor(); got != 0.2 {
		t.Errorf("RelevanceFloor() = %v, want 0.2", got)
	}
	if p.MaxAge != 30*24*time.Hour {
		t.Errorf("MaxAge = %v, want 720h", p.MaxAge)
	}
	if p.LRUMaxAge != 7*24*time.Hour {
		t.Errorf("LRUMaxAge = %v, want 168h", p.LRUMaxAge)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	bad := RetentionPolicy{MinRelevance: floatPtr(1.5)}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for min_relevance > 1")
	}
}

func TestRetentionPolicy_ZeroMinRelevanceKept(t *testing.T) {
	t.Parallel()

	if got := (RetentionPolicy{}).WithDefaults().RelevanceFloor(); got != defaultMinRelevance {
		t.Errorf("unset RelevanceFloor() = %v, want %v", got, defaultMinRelevance)
	}
	p := RetentionPolicy{MinRelevance: floatPtr(0)}.WithDefaults()
	if got := p.RelevanceFloor(); got != 0 {
		t.Errorf("explicit zero RelevanceFloor() = %v, want 0", got)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestMigrationError_Is(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := error(&MigrationError{LastVersion: 2, Step: 3, Err: cause})

	if !errors.Is(err, ErrSchemaMigration) {
		t.Error("expected errors.Is(err, ErrSchemaMigration)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}

	var me *MigrationError
	if !errors.As(err, &me) || me.LastVersion != 2 {
		t.Errorf("errors.As LastVersion = %v", me)
	}
}

func TestWords(t *testing.T) {
	t.Parallel()

	got := Words("Please FIX the bug, it's fixed-ish now!")
	want := []string{"please", "fix", "the", "bug", "it's", "fixed-ish", "now"}
	if len(got) != len(want) {
		t.Fatalf("Words() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Words()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAppendUnique(t *testing.T) {
	t.Parallel()

	got := AppendUnique([]string{"a"}, "b", "a", "", "b", "c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("AppendUnique() = %v", got)
	}
}

func TestOutline_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	o := &Outline{ActionItems: []string{"ship"}}
	c := o.Clone()
	c.ActionItems[0] = "changed"
	if o.ActionItems[0] != "ship" {
		t.Error("clone shares backing array with original")
	}

	var nilOutline *Outline
	if nilOutline.Clone() != nil || nilOutline.Text() != "" {
		t.Error("nil outline should clone to nil and have empty text")
	}
}
