package synthesis_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/synth"
	"github.com/flemzord/tiermem/internal/synthesis"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingSynth struct{}

func (failingSynth) Summarize(context.Context, string, *memory.Context) (string, error) {
	return "", errors.New("unavailable")
}

func (failingSynth) Outline(context.Context, string) (*memory.Outline, error) {
	return nil, errors.New("unavailable")
}

func newLayer(t *testing.T, opts synthesis.Options) (*synthesis.Layer, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return synthesis.New(opts), clk
}

func repeat(n int, f func(i int) string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestProcessChunk_BelowThreshold(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{})

	id, err := l.ProcessChunk(context.Background(), "c", repeat(9, func(int) string { return "we must fix it" }))
	if err != nil || id != "" {
		t.Fatalf("ProcessChunk = %q, %v; want no summary", id, err)
	}
	if _, ok := l.FlowState("c"); ok {
		t.Error("flow state created below threshold")
	}
}

func TestProcessChunk_FixScenario(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{})
	ctx := context.Background()

	msgs := repeat(12, func(i int) string { return fmt.Sprintf("We need to fix the login bug %d.", i) })
	id, err := l.ProcessChunk(ctx, "conv1", msgs)
	if err != nil || id == "" {
		t.Fatalf("ProcessChunk = %q, %v; want a summary", id, err)
	}

	ov := l.Overview("conv1")
	if !containsWord(ov.PendingActions, "fix") {
		t.Fatalf("pending actions = %v, want one derived from fix", ov.PendingActions)
	}

	clk.Advance(time.Hour)
	unrelated := repeat(10, func(i int) string { return fmt.Sprintf("The roadmap meeting is finished %d.", i) })
	if _, err := l.ProcessChunk(ctx, "conv1", unrelated); err != nil {
		t.Fatal(err)
	}
	if ov := l.Overview("conv1"); !containsWord(ov.PendingActions, "fix") {
		t.Errorf("completion without the action word resolved it: %v", ov.PendingActions)
	}

	clk.Advance(time.Hour)
	done := repeat(10, func(i int) string { return fmt.Sprintf("The login bug is fixed and done %d.", i) })
	if _, err := l.ProcessChunk(ctx, "conv1", done); err != nil {
		t.Fatal(err)
	}
	ov = l.Overview("conv1")
	if containsWord(ov.PendingActions, "fix") {
		t.Errorf("pending actions after completion = %v", ov.PendingActions)
	}
	if ov.TotalSummaries != 3 {
		t.Errorf("total summaries = %d, want 3", ov.TotalSummaries)
	}
}

func containsWord(items []string, word string) bool {
	for _, it := range items {
		if slices.Contains(memory.Words(it), word) {
			return true
		}
	}
	return false
}

func TestProcessChunk_SkipsUnimportantChunk(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{})
	id, err := l.ProcessChunk(context.Background(), "c", repeat(10, func(int) string { return "hello there" }))
	if err != nil || id != "" {
		t.Fatalf("ProcessChunk = %q, %v; want no summary", id, err)
	}
	if _, ok := l.FlowState("c"); !ok {
		t.Error("flow state should be tracked once the threshold is reached")
	}
}

func TestProcessChunk_LargeChunkAlwaysSummarized(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 5})
	id, _ := l.ProcessChunk(context.Background(), "c", repeat(10, func(int) string { return "hello there" }))
	if id == "" {
		t.Error("chunk of twice the threshold should be summarized")
	}
}

func TestProcessChunk_FlowTransitionsRecordedOnce(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	for range 2 {
		_, _ = l.ProcessChunk(ctx, "c", []string{"there is an error in the parser"})
		_, _ = l.ProcessChunk(ctx, "c", []string{"maybe try a different approach"})
	}
	_, _ = l.ProcessChunk(ctx, "c", []string{"it works now, resolved"})

	f, ok := l.FlowState("c")
	if !ok {
		t.Fatal("no flow state")
	}
	want := []memory.Transition{
		{From: memory.StageProblem, To: memory.StageSolution},
		{From: memory.StageSolution, To: memory.StageProblem},
		{From: memory.StageSolution, To: memory.StageCompletion},
	}
	if !slices.Equal(f.Transitions, want) {
		t.Errorf("transitions = %v, want %v", f.Transitions, want)
	}
	if len(f.Stages) != 5 {
		t.Errorf("stages = %v", f.Stages)
	}
}

func TestProcessChunk_SynthFailureFallsBack(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Synth: failingSynth{}, Threshold: 2})
	id, err := l.ProcessChunk(context.Background(), "c", []string{"We must deploy today.", "Please review."})
	if err != nil || id == "" {
		t.Fatalf("ProcessChunk = %q, %v", id, err)
	}
	s := l.Summaries("c")
	if len(s) != 1 || s[0].Narrative == "" {
		t.Errorf("summaries = %+v, want extractive narrative", s)
	}
}

func TestProcessChunk_ConsolidatesAtCap(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{Threshold: 1, MaxSummaries: 3})
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		id, _ := l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("we should fix item %d", i)})
		ids = append(ids, id)
		clk.Advance(time.Minute)
	}
	got := l.Summaries("c")
	if len(got) != 3 {
		t.Fatalf("kept %d summaries, want 3", len(got))
	}
	if got[1].ID != ids[3] || got[2].ID != ids[4] {
		t.Errorf("newest summaries = %s, %s; want %s, %s", got[1].ID, got[2].ID, ids[3], ids[4])
	}
	if !slices.ContainsFunc(got[0].ActionItems, func(a string) bool { return strings.Contains(a, "item 0") }) {
		t.Errorf("consolidated actions = %v, want the oldest action kept", got[0].ActionItems)
	}
}

func TestProcessChunk_PendingActionSurvivesManyChunks(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	_, _ = l.ProcessChunk(ctx, "c", []string{"We must migrate the billing database."})
	for i := range 10 {
		clk.Advance(time.Minute)
		_, _ = l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("Please review item %d.", i)})
	}

	ov := l.Overview("c")
	if !containsWord(ov.PendingActions, "migrate") {
		t.Errorf("pending actions = %v, want the migrate action kept", ov.PendingActions)
	}
	if ov.TotalSummaries > 10 {
		t.Errorf("summaries = %d, want at most 10", ov.TotalSummaries)
	}
}

func TestProcessChunk_CompletionMatchesInflectionsOnly(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	_, _ = l.ProcessChunk(ctx, "c", []string{"We need to add a retry to the uploader."})
	clk.Advance(time.Minute)
	_, _ = l.ProcessChunk(ctx, "c", []string{"The mailing address form is done."})
	if ov := l.Overview("c"); !containsWord(ov.PendingActions, "retry") {
		t.Fatalf("pending actions = %v, want the retry action still open", ov.PendingActions)
	}

	clk.Advance(time.Minute)
	_, _ = l.ProcessChunk(ctx, "c", []string{"We added the retry, done."})
	if ov := l.Overview("c"); containsWord(ov.PendingActions, "retry") {
		t.Errorf("pending actions = %v, want the retry action resolved", ov.PendingActions)
	}
}

func TestProcessRetained_FlowNotFoldedTwice(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 2})
	ctx := context.Background()

	first := []string{"there is an error in the parser", "maybe try a patch"}
	if id, _ := l.ProcessRetained(ctx, "c", first, 0); id != "" {
		t.Fatalf("first chunk produced summary %s, want none", id)
	}
	id, err := l.ProcessRetained(ctx, "c", append(first, "hello", "ok"), len(first))
	if err != nil || id == "" {
		t.Fatalf("ProcessRetained = %q, %v; want a summary at twice the threshold", id, err)
	}

	f, _ := l.FlowState("c")
	want := []memory.Stage{memory.StageProblem, memory.StageSolution}
	if !slices.Equal(f.Stages, want) {
		t.Errorf("stages = %v, want %v", f.Stages, want)
	}
}

func TestRetrieveRelevant_RankingDeterministic(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	_, _ = l.ProcessChunk(ctx, "c", []string{"The database server keeps crashing, we must fix it."})
	clk.Advance(time.Minute)
	_, _ = l.ProcessChunk(ctx, "c", []string{"Database migration should be scheduled."})
	clk.Advance(time.Minute)
	_, _ = l.ProcessChunk(ctx, "c", []string{"Customer budget review must happen."})

	first := l.RetrieveRelevant("c", "database", nil, 0)
	if len(first) < 2 {
		t.Fatalf("results = %d, want at least 2", len(first))
	}
	for i := 1; i < len(first); i++ {
		a, b := first[i-1], first[i]
		if a.Relevance < b.Relevance {
			t.Fatalf("not sorted by relevance: %v < %v", a.Relevance, b.Relevance)
		}
		if a.Relevance == b.Relevance && a.Summary.Timestamp.Before(b.Summary.Timestamp) {
			t.Fatalf("ties not ordered newest first")
		}
	}
	for _, r := range first {
		if r.Relevance < 0.3 || r.Relevance > 1 {
			t.Errorf("relevance %v out of range", r.Relevance)
		}
		if strings.Contains(r.Summary.Narrative, "Customer") {
			t.Error("unrelated summary returned")
		}
	}
}

func TestRetrieveRelevant_StableOrderWithFixedScores(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()
	for i := range 4 {
		_, _ = l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("deploy the api server %d", i)})
	}

	order := func(rs []synthesis.Result) []string {
		var ids []string
		for _, r := range rs {
			ids = append(ids, r.Summary.ID)
		}
		return ids
	}
	// Every call bumps access counts equally, so scores stay tied.
	a := order(l.RetrieveRelevant("c", "api", nil, 0))
	b := order(l.RetrieveRelevant("c", "api", nil, 0))
	if !slices.Equal(a, b) {
		t.Errorf("order changed between calls: %v vs %v", a, b)
	}
}

func TestRetrieveRelevant_UpdatesAccessCount(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	_, _ = l.ProcessChunk(context.Background(), "c", []string{"we must fix the build"})

	l.RetrieveRelevant("c", "build", nil, 1)
	l.RetrieveRelevant("c", "build", nil, 1)
	if got := l.Summaries("c")[0].AccessCount; got != 2 {
		t.Errorf("access count = %d, want 2", got)
	}
}

func TestConsolidate(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	if id, _ := l.Consolidate(ctx, "c"); id != "" {
		t.Error("consolidated with no summaries")
	}
	for i := range 8 {
		_, _ = l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("We must implement feature %d. This is important because users asked %d.", i, i)})
	}

	id, err := l.Consolidate(ctx, "c")
	if err != nil || id == "" {
		t.Fatalf("Consolidate = %q, %v", id, err)
	}
	got := l.Summaries("c")
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("summaries after consolidate = %d", len(got))
	}
	if n := len(got[0].ActionItems); n == 0 || n > 5 {
		t.Errorf("action items = %d, want 1..5", n)
	}
	if n := len(got[0].KeyInsights); n > 10 {
		t.Errorf("insights = %d, want <= 10", n)
	}
}

// gatedSynth blocks the first Summarize call made after arm until release
// is closed.
type gatedSynth struct {
	synth.Extractive
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSynth) Summarize(ctx context.Context, text string, mc *memory.Context) (string, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Extractive.Summarize(ctx, text, mc)
}

func TestConsolidate_KeepsSummariesAddedMeanwhile(t *testing.T) {
	t.Parallel()
	g := &gatedSynth{entered: make(chan struct{}), release: make(chan struct{})}
	l, clk := newLayer(t, synthesis.Options{Threshold: 1, Synth: g})
	ctx := context.Background()

	for i := range 3 {
		_, _ = l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("we must fix bug %d", i)})
		clk.Advance(time.Minute)
	}

	g.armed.Store(true)
	done := make(chan string, 1)
	go func() {
		id, _ := l.Consolidate(ctx, "c")
		done <- id
	}()
	<-g.entered

	late, err := l.ProcessChunk(ctx, "c", []string{"we should deploy the hotfix"})
	if err != nil || late == "" {
		t.Fatalf("ProcessChunk during consolidation = %q, %v", late, err)
	}
	close(g.release)
	consolidated := <-done

	got := l.Summaries("c")
	if len(got) != 2 || got[0].ID != consolidated || got[1].ID != late {
		ids := make([]string, len(got))
		for i, s := range got {
			ids[i] = s.ID
		}
		t.Fatalf("summaries = %v, want [%s %s]", ids, consolidated, late)
	}
}

func TestConsolidate_DroppedWhenConversationDeleted(t *testing.T) {
	t.Parallel()
	g := &gatedSynth{entered: make(chan struct{}), release: make(chan struct{})}
	l, _ := newLayer(t, synthesis.Options{Threshold: 1, Synth: g})
	ctx := context.Background()

	for i := range 2 {
		_, _ = l.ProcessChunk(ctx, "c", []string{fmt.Sprintf("we must fix bug %d", i)})
	}
	g.armed.Store(true)
	done := make(chan string, 1)
	go func() {
		id, _ := l.Consolidate(ctx, "c")
		done <- id
	}()
	<-g.entered
	l.DeleteConversation("c")
	close(g.release)

	if id := <-done; id != "" {
		t.Errorf("Consolidate = %q, want none after delete", id)
	}
	if got := l.Summaries("c"); len(got) != 0 {
		t.Errorf("summaries = %d, want deleted conversation to stay empty", len(got))
	}
}

func TestTouch(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	id, _ := l.ProcessChunk(context.Background(), "c", []string{"we must fix it"})

	if n := l.Touch("c", id, "missing"); n != 1 {
		t.Errorf("Touch() = %d, want 1", n)
	}
	if n := l.Touch("other", id); n != 0 {
		t.Errorf("Touch() on another conversation = %d, want 0", n)
	}
	if got := l.Summaries("c")[0].AccessCount; got != 1 {
		t.Errorf("access count = %d, want 1", got)
	}
}

func TestClearOld(t *testing.T) {
	t.Parallel()
	l, clk := newLayer(t, synthesis.Options{Threshold: 1})
	ctx := context.Background()

	_, _ = l.ProcessChunk(ctx, "c", []string{"we must fix the old bug"})
	_, _ = l.ProcessChunk(ctx, "c", []string{"we must fix the popular bug"})
	for range 5 {
		l.RetrieveRelevant("c", "popular", nil, 1)
	}
	clk.Advance(40 * 24 * time.Hour)
	_, _ = l.ProcessChunk(ctx, "c", []string{"we must fix the new bug"})

	if n := l.ClearOld(30); n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
	if got := l.Summaries("c"); len(got) != 2 {
		t.Errorf("remaining = %d, want 2", len(got))
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()
	l, _ := newLayer(t, synthesis.Options{Threshold: 1})
	_, _ = l.ProcessChunk(context.Background(), "c", []string{"we must fix this"})

	if n := l.DeleteConversation("c"); n != 1 {
		t.Errorf("deleted = %d", n)
	}
	if _, ok := l.FlowState("c"); ok {
		t.Error("flow state kept")
	}
	if s := l.Stats(); s.Summaries != 0 {
		t.Errorf("stats = %+v", s)
	}
}
