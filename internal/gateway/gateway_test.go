package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/core"
)

func TestGateway_ModuleInfo(t *testing.T) {
	t.Parallel()

	g := New(Config{}, nil, Options{})
	if id := g.ModuleInfo().ID; id != "gateway.http" {
		t.Errorf("ID = %q, want %q", id, "gateway.http")
	}
}

func TestGateway_Defaults(t *testing.T) {
	t.Parallel()

	g := New(Config{}, nil, Options{})
	if g.config.Bind != "127.0.0.1:8080" {
		t.Errorf("Bind = %q, want default", g.config.Bind)
	}
	if g.config.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v, want 10s", g.config.ReadTimeout)
	}
	if g.config.WriteTimeout != 2*time.Minute {
		t.Errorf("WriteTimeout = %v, want 2m", g.config.WriteTimeout)
	}
	if g.config.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", g.config.ShutdownTimeout)
	}
	if g.config.MaxBodyBytes != 8<<20 {
		t.Errorf("MaxBodyBytes = %d, want 8 MiB", g.config.MaxBodyBytes)
	}
}

func TestGateway_Validate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	tests := []struct {
		name    string
		bind    string
		mem     Memory
		wantErr bool
	}{
		{"valid", "127.0.0.1:0", e, false},
		{"bad bind", "not-an-address", e, true},
		{"no engine", "127.0.0.1:0", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := New(Config{Bind: tt.bind}, tt.mem, Options{})
			if err := g.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	g := New(Config{Bind: "127.0.0.1:0"}, newTestEngine(t, nil), Options{})
	if err := g.Provision(core.NewAppContext(quiet(), t.TempDir())); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	ctx := context.Background()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if g.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + g.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := g.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestGateway_StopBeforeStart(t *testing.T) {
	t.Parallel()

	g := New(Config{}, nil, Options{})
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}
