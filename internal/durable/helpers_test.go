package durable

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/blob"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *Store
	backend *MemBackend
	blobs   *blob.FS
	clock   *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("blob.NewFS() error = %v", err)
	}
	clock := newTestClock()
	backend := NewMemBackend()
	opts.Logger = quietLogger()
	opts.Now = clock.Now

	s, err := New(context.Background(), backend, blobs, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{store: s, backend: backend, blobs: blobs, clock: clock}
}

func (f *fixture) put(t *testing.T, conv, id, content string) Record {
	t.Helper()
	rec, err := f.store.Put(context.Background(), Record{
		ID:             id,
		ConversationID: conv,
		Payload:        Payload{UserInput: "q:" + id, Content: content},
	})
	if err != nil {
		t.Fatalf("Put(%s/%s) error = %v", conv, id, err)
	}
	return rec
}
