package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/core"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/optimizer"
)

const testToken = "secret-token"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeChecker is a HealthChecker returning err.
type fakeChecker struct {
	err error
}

func (c fakeChecker) HealthCheck(context.Context) error { return c.err }

// newTestEngine returns an initialized engine backed by memory and a
// temporary backup directory. mutate may adjust the config.
func newTestEngine(t *testing.T, mutate func(*engine.Config)) *engine.Engine {
	t.Helper()

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	e := engine.New(engine.Deps{
		Blobs:  blobs,
		Logger: quiet(),
		Gauge: optimizer.GaugeFunc(func(context.Context) (float64, error) {
			return 0.1, nil
		}),
		NoSchedule: true,
	})

	cfg := engine.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if err := e.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// newTestGateway returns a provisioned gateway with bearer auth over mem.
func newTestGateway(t *testing.T, mem Memory, opts Options) *Gateway {
	t.Helper()

	g := New(Config{Auth: AuthConfig{BearerToken: testToken}}, mem, opts)
	if err := g.Provision(core.NewAppContext(quiet(), t.TempDir())); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return g
}

// do sends an authenticated request through h. body is JSON-encoded
// unless it is nil.
func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rr.Body.String())
	}
	return v
}
