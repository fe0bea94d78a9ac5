package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/durable"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	dir := t.TempDir()
	b, err := Open(context.Background(), Config{Path: filepath.Join(dir, "test.db")}, dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testRecord(conv, id string, at time.Time) durable.Record {
	return durable.Record{
		ConversationID: conv,
		ID:             id,
		UserInput:      "input " + id,
		Serialized:     []byte(`{"user_input":"input ` + id + `","content":"c"}`),
		SizeBytes:      40,
		Checksum:       "sum-" + id,
		SchemaVersion:  1,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastAccessed:   at,
	}
}

// --- Read/Write ---

func TestWriteAndRead(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	for _, tx := range []bool{true, false} {
		id := fmt.Sprintf("r-%v", tx)
		if err := b.Write(ctx, testRecord("c1", id, at), tx); err != nil {
			t.Fatalf("write tx=%v: %v", tx, err)
		}
		got, ok, err := b.Read(ctx, "c1", id)
		if err != nil || !ok {
			t.Fatalf("read tx=%v: ok=%v err=%v", tx, ok, err)
		}
		if string(got.Serialized) != string(testRecord("c1", id, at).Serialized) {
			t.Errorf("serialized = %q", got.Serialized)
		}
		if !got.CreatedAt.Equal(at) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, at)
		}
		if got.IsCompressed || got.Compressed != nil {
			t.Error("expected uncompressed record")
		}
	}
}

func TestWriteCompressed(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	rec := testRecord("c1", "z", time.Now())
	rec.Serialized = nil
	rec.Compressed = []byte{0x28, 0xb5, 0x2f, 0xfd}
	rec.IsCompressed = true
	if err := b.Write(ctx, rec, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, _, err := b.Read(ctx, "c1", "z")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.IsCompressed || len(got.Compressed) != 4 || got.Serialized != nil {
		t.Errorf("got compressed=%v len=%d serialized=%v", got.IsCompressed, len(got.Compressed), got.Serialized)
	}
}

func TestReadMissing(t *testing.T) {
	b := newTestBackend(t)
	_, ok, err := b.Read(context.Background(), "nope", "nope")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok {
		t.Error("expected missing record")
	}
}

func TestWriteReplaces(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	rec := testRecord("c1", "r1", time.Now())
	_ = b.Write(ctx, rec, true)
	rec.Checksum = "changed"
	if err := b.Write(ctx, rec, true); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, _, _ := b.Read(ctx, "c1", "r1")
	if got.Checksum != "changed" {
		t.Errorf("checksum = %q, want changed", got.Checksum)
	}
}

func TestWriteCanceledContext(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Write(ctx, testRecord("c1", "r1", time.Now()), true)
	if err == nil {
		t.Fatal("expected error on canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// --- Listing ---

func TestListConversationNewestFirst(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		_ = b.Write(ctx, testRecord("c1", fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute)), true)
	}
	_ = b.Write(ctx, testRecord("c2", "other", base), true)

	all, err := b.ListConversation(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if all[0].ID != "r4" || all[4].ID != "r0" {
		t.Errorf("order = %s..%s, want r4..r0", all[0].ID, all[4].ID)
	}

	limited, _ := b.ListConversation(ctx, "c1", 2)
	if len(limited) != 2 || limited[0].ID != "r4" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestConversationsAndScanAll(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()

	_ = b.Write(ctx, testRecord("b", "1", now), true)
	_ = b.Write(ctx, testRecord("a", "1", now), true)
	_ = b.Write(ctx, testRecord("a", "2", now), true)

	convs, err := b.Conversations(ctx)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 || convs[0] != "a" || convs[1] != "b" {
		t.Errorf("conversations = %v", convs)
	}

	// fn writes back through the same single-connection pool.
	var seen int
	err = b.ScanAll(ctx, func(rec durable.Record) error {
		seen++
		return b.Touch(ctx, rec.ConversationID, rec.ID, now)
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != 3 {
		t.Errorf("seen = %d, want 3", seen)
	}
}

func TestScanAllStopsOnError(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	_ = b.Write(ctx, testRecord("a", "1", time.Now()), true)
	_ = b.Write(ctx, testRecord("a", "2", time.Now()), true)

	stop := errors.New("stop")
	var calls int
	err := b.ScanAll(ctx, func(durable.Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// --- Mutations ---

func TestDeleteAndDeleteConversation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		_ = b.Write(ctx, testRecord("c1", id, now), true)
	}

	if err := b.Delete(ctx, "c1", "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := b.Read(ctx, "c1", "1"); ok {
		t.Error("record still present after delete")
	}

	n, err := b.DeleteConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	convs, _ := b.Conversations(ctx)
	if len(convs) != 0 {
		t.Errorf("conversations = %v, want none", convs)
	}
}

func TestTouch(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = b.Write(ctx, testRecord("c1", "r1", base), true)

	later := base.Add(time.Hour)
	_ = b.Touch(ctx, "c1", "r1", later)
	_ = b.Touch(ctx, "c1", "r1", later)

	got, _, _ := b.Read(ctx, "c1", "r1")
	if got.AccessCount != 2 {
		t.Errorf("access_count = %d, want 2", got.AccessCount)
	}
	if !got.LastAccessed.Equal(later) {
		t.Errorf("last_accessed = %v, want %v", got.LastAccessed, later)
	}
}

func TestVacuum(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	_ = b.Write(ctx, testRecord("c1", "r1", time.Now()), true)
	_, _ = b.DeleteConversation(ctx, "c1")

	if err := b.Vacuum(ctx); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
}

// --- Schema ---

func TestSchemaVersion(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	v, err := b.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 1 {
		t.Errorf("initial version = %d, want 1", v)
	}

	if err := b.SetSchemaVersion(ctx, 2); err != nil {
		t.Fatalf("set schema version: %v", err)
	}
	v, _ = b.SchemaVersion(ctx)
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_ = b.SetSchemaVersion(ctx, 2)
	if err := migrate(ctx, b.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, _ := b.SchemaVersion(ctx)
	if v != 2 {
		t.Errorf("version after re-migrate = %d, want 2", v)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := Config{Path: filepath.Join(dir, "p.db")}

	b, err := Open(ctx, cfg, dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = b.Write(ctx, testRecord("c1", "r1", time.Now()), true)
	_ = b.Close()

	b, err = Open(ctx, cfg, dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = b.Close() }()
	if _, ok, _ := b.Read(ctx, "c1", "r1"); !ok {
		t.Error("record lost across reopen")
	}
}

// --- Concurrency ---

func TestConcurrentWrites(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 5 {
				rec := testRecord("c1", fmt.Sprintf("%d-%d", n, j), time.Now())
				if err := b.Write(ctx, rec, true); err != nil {
					t.Errorf("write: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	all, _ := b.ListConversation(ctx, "c1", 0)
	if len(all) != 50 {
		t.Errorf("records = %d, want 50", len(all))
	}
}
