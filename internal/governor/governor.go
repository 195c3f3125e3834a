// Package governor samples local resource pressure and gates the worker
// pool: above the soft thresholds it vetoes admissions, above the hard
// thresholds it scales the pool down.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
)

// ErrResourceExhausted is returned when admission is vetoed.
var ErrResourceExhausted = errors.New("resource exhausted")

// ScaleDownReason is the stop reason used for forced scale-down.
const ScaleDownReason = "resource_pressure"

// Sample is one resource reading. CPU and Memory are ratios in 0..1.
type Sample struct {
	CPU    float64   `json:"cpu"`
	Memory float64   `json:"memory"`
	Active int       `json:"active"`
	At     time.Time `json:"at"`
}

// Sampler reads host CPU and memory utilisation.
type Sampler interface {
	Sample(ctx context.Context) (cpu, memory float64, err error)
}

// Pool is the slice of the supervisor the governor acts on.
type Pool interface {
	ActiveWorkers(ctx context.Context) ([]string, error)
	StopWorker(ctx context.Context, id, reason string) error
}

// Governor holds the latest sample and enforces the thresholds.
type Governor struct {
	cfg     config.GovernorConfig
	sampler Sampler
	pool    Pool
	bus     *bus.MessageBus

	mu   sync.RWMutex
	last Sample

	nowFunc func() time.Time
}

// New creates a governor. pool may be nil when only Allow is needed.
func New(cfg config.GovernorConfig, sampler Sampler, pool Pool) *Governor {
	return &Governor{cfg: cfg, sampler: sampler, pool: pool, nowFunc: time.Now}
}

// WithPool sets the pool scaled down above the hard threshold.
func (g *Governor) WithPool(p Pool) *Governor {
	g.pool = p
	return g
}

// WithBus publishes every sample as a resources record on b.
func (g *Governor) WithBus(b *bus.MessageBus) *Governor {
	g.bus = b
	return g
}

// Last returns the most recent sample.
func (g *Governor) Last() Sample {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// Allow reports whether a new worker may be created given active workers.
// The veto is absolute while the last sample is above a soft threshold.
func (g *Governor) Allow(active int) error {
	g.mu.RLock()
	s := g.last
	g.mu.RUnlock()

	if g.cfg.MaxWorkers > 0 && active >= g.cfg.MaxWorkers {
		return fmt.Errorf("%w: %d workers at limit %d", ErrResourceExhausted, active, g.cfg.MaxWorkers)
	}
	if s.CPU >= g.cfg.SoftCPU {
		return fmt.Errorf("%w: cpu %.0f%% above soft limit", ErrResourceExhausted, s.CPU*100)
	}
	if s.Memory >= g.cfg.SoftMemory {
		return fmt.Errorf("%w: memory %.0f%% above soft limit", ErrResourceExhausted, s.Memory*100)
	}
	return nil
}

// Hard reports whether s is above a hard threshold.
func (g *Governor) Hard(s Sample) bool {
	return s.CPU >= g.cfg.HardCPU || s.Memory >= g.cfg.HardMemory
}

// Tick takes one sample and, above the hard threshold, stops a fraction of
// the active workers. It returns the sample and the IDs that were stopped.
func (g *Governor) Tick(ctx context.Context) (Sample, []string, error) {
	cpu, mem, err := g.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, nil, fmt.Errorf("sampling resources: %w", err)
	}
	var active []string
	if g.pool != nil {
		active, err = g.pool.ActiveWorkers(ctx)
		if err != nil {
			return Sample{}, nil, fmt.Errorf("listing active workers: %w", err)
		}
	}
	s := Sample{CPU: cpu, Memory: mem, Active: len(active), At: g.nowFunc()}
	g.mu.Lock()
	g.last = s
	g.mu.Unlock()

	hard := g.Hard(s)
	if g.bus != nil {
		g.bus.PublishOutbound(&bus.Record{
			Kind:      bus.KindResources,
			Data:      map[string]any{"cpu": s.CPU, "memory": s.Memory, "active": s.Active, "hard": hard},
			Timestamp: s.At,
		})
	}
	if !hard || g.pool == nil {
		return s, nil, nil
	}

	victims := Victims(active, g.cfg.ScaleDownFraction)
	slog.Warn("Governor hard threshold exceeded, scaling down",
		"cpu", s.CPU, "memory", s.Memory, "active", s.Active, "stopping", len(victims))
	stopped := make([]string, 0, len(victims))
	for _, id := range victims {
		if err := g.pool.StopWorker(ctx, id, ScaleDownReason); err != nil {
			slog.Warn("Governor failed to stop worker", "worker", id, "error", err)
			continue
		}
		stopped = append(stopped, id)
	}
	return s, stopped, nil
}

// Run samples every SampleInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	interval := g.cfg.SampleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	slog.Info("Governor started", "interval", interval)

	if _, _, err := g.Tick(ctx); err != nil {
		slog.Warn("Governor sample failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Governor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := g.Tick(ctx); err != nil {
				slog.Warn("Governor sample failed", "error", err)
			}
		}
	}
}

// Victims picks ceil(len(active) * fraction) workers by truncating the
// active set. No preference ordering is applied.
func Victims(active []string, fraction float64) []string {
	if len(active) == 0 || fraction <= 0 {
		return nil
	}
	if fraction > 1 {
		fraction = 1
	}
	// 10*0.3 is 3.0000000000000004 in float64.
	n := int(math.Ceil(float64(len(active))*fraction - 1e-9))
	if n > len(active) {
		n = len(active)
	}
	return append([]string(nil), active[:n]...)
}
