package optimizer

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// PressureGauge reports memory pressure as a fraction of the allowed budget.
// Values above 1 mean the budget is exceeded.
type PressureGauge interface {
	Pressure(ctx context.Context) (float64, error)
}

// GaugeFunc adapts a function to PressureGauge.
type GaugeFunc func(ctx context.Context) (float64, error)

// Pressure implements PressureGauge.
func (f GaugeFunc) Pressure(ctx context.Context) (float64, error) { return f(ctx) }

// ProcessGauge measures the resident set size of the current process
// against MaxMB. With MaxMB <= 0 it falls back to system-wide memory usage.
type ProcessGauge struct {
	MaxMB float64
	pid   int32
}

// NewProcessGauge returns a gauge for the running process.
func NewProcessGauge(maxMB float64) *ProcessGauge {
	return &ProcessGauge{MaxMB: maxMB, pid: int32(os.Getpid())}
}

// Pressure implements PressureGauge.
func (g *ProcessGauge) Pressure(ctx context.Context) (float64, error) {
	if g.MaxMB <= 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("optimizer: read system memory: %w", err)
		}
		return vm.UsedPercent / 100, nil
	}

	p, err := process.NewProcessWithContext(ctx, g.pid)
	if err != nil {
		return 0, fmt.Errorf("optimizer: open process %d: %w", g.pid, err)
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("optimizer: read process memory: %w", err)
	}
	return float64(info.RSS) / (g.MaxMB * 1024 * 1024), nil
}
