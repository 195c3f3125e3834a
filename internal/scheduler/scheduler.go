package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/governor"
	"github.com/craftswarm/craftswarm/internal/supervisor"
)

// Pool is the part of the supervisor the scheduler drives.
type Pool interface {
	CreateWorker(ctx context.Context, class string) (supervisor.Snapshot, error)
	ScheduleStart(ctx context.Context, id string, delay time.Duration) error
	Status(ctx context.Context) ([]supervisor.Snapshot, error)
}

// Admission vetoes new work under resource pressure.
type Admission interface {
	Allow(active int) error
}

// SkippedSlot is a planned worker that was not created.
type SkippedSlot struct {
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// AdmitResult reports what one admission batch did.
type AdmitResult struct {
	Plan      Plan          `json:"plan"`
	Created   []string      `json:"created"`
	Restarted []string      `json:"restarted,omitempty"`
	Skipped   []SkippedSlot `json:"skipped,omitempty"`
}

// Scheduler admits workers and keeps the pool at its target size.
type Scheduler struct {
	cfg     config.SchedulerConfig
	target  int
	classes []string
	windows []*Window
	weights []Weight
	pool    Pool
	gate    Admission
	bus     *bus.MessageBus

	mu      sync.Mutex
	rng     *rand.Rand
	skipped []SkippedSlot
	nowFunc func() time.Time
}

// New validates the configured windows and weights and returns a Scheduler.
// admission and b may be nil.
func New(cfg config.SchedulerConfig, target int, classes []string, pool Pool, admission Admission, b *bus.MessageBus) (*Scheduler, error) {
	windows, err := ParseWindows(cfg.ConnectWindows)
	if err != nil {
		return nil, fmt.Errorf("connect windows: %w", err)
	}
	weights, err := ParseWeights(cfg.Weights)
	if err != nil {
		return nil, err
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Scheduler{
		cfg:     cfg,
		target:  target,
		classes: classes,
		windows: windows,
		weights: weights,
		pool:    pool,
		gate:    admission,
		bus:     b,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		nowFunc: time.Now,
	}, nil
}

// Plan returns the distribution the scheduler would request at now.
func (s *Scheduler) Plan(total int, now time.Time) Plan {
	return Distribute(total, s.classes, s.weights, now)
}

// Admit creates up to total workers following the current distribution.
// A slot the governor vetoes is skipped and recorded; the batch goes on.
// Created workers are started with cumulative randomized stagger delays.
func (s *Scheduler) Admit(ctx context.Context, total int) (AdmitResult, error) {
	return s.admit(ctx, total, 0)
}

func (s *Scheduler) admit(ctx context.Context, total int, delay time.Duration) (AdmitResult, error) {
	plan := s.Plan(total, s.nowFunc())
	res := AdmitResult{Plan: plan}
	for _, alloc := range plan.Allocations {
		for i := 0; i < alloc.Count; i++ {
			snap, err := s.pool.CreateWorker(ctx, alloc.Class)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				s.skip(&res, alloc.Class, err)
				continue
			}
			res.Created = append(res.Created, snap.ID)
			if err := s.pool.ScheduleStart(ctx, snap.ID, delay); err != nil {
				return res, fmt.Errorf("schedule %s: %w", snap.ID, err)
			}
			delay += s.stagger()
		}
	}
	slog.Info("Scheduler admission batch", "requested", total, "created", len(res.Created), "skipped", len(res.Skipped))
	return res, nil
}

// Skipped returns every slot skipped since the scheduler started.
func (s *Scheduler) Skipped() []SkippedSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SkippedSlot(nil), s.skipped...)
}

func (s *Scheduler) skip(res *AdmitResult, class string, err error) {
	reason := err.Error()
	if errors.Is(err, governor.ErrResourceExhausted) {
		reason = governor.ErrResourceExhausted.Error()
	}
	slot := SkippedSlot{Class: class, Reason: reason}
	res.Skipped = append(res.Skipped, slot)
	s.mu.Lock()
	s.skipped = append(s.skipped, slot)
	s.mu.Unlock()
	slog.Warn("Scheduler slot skipped", "class", class, "error", err)
	if s.bus != nil {
		s.bus.PublishOutbound(&bus.Record{
			Kind:      bus.KindAdmission,
			Data:      map[string]any{"event": "slot_skipped", "class": class, "reason": reason},
			Timestamp: s.nowFunc(),
		})
	}
}

// Run tops the pool up every tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "target", s.target, "windows", len(s.windows))
	s.tick(ctx)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick restarts stopped workers and admits new ones until the number of
// pending workers reaches the target. Outside every connect window it does
// nothing.
func (s *Scheduler) tick(ctx context.Context) (AdmitResult, error) {
	now := s.nowFunc()
	if !Open(s.windows, now) {
		slog.Debug("Scheduler tick outside connect windows")
		return AdmitResult{}, nil
	}
	status, err := s.pool.Status(ctx)
	if err != nil {
		return AdmitResult{}, err
	}
	pending, live := 0, 0
	var stopped []string
	for _, w := range status {
		if w.State.Live() {
			live++
		}
		switch {
		case w.State.Pending():
			pending++
		case w.State == supervisor.StateStopped:
			stopped = append(stopped, w.ID)
		}
	}
	deficit := s.target - pending
	if deficit <= 0 {
		return AdmitResult{}, nil
	}

	var res AdmitResult
	var delay time.Duration
	for _, id := range stopped {
		if deficit == 0 {
			break
		}
		if s.gate != nil {
			if err := s.gate.Allow(live + len(res.Restarted)); err != nil {
				slog.Info("Scheduler restart vetoed", "worker", id, "error", err)
				return res, nil
			}
		}
		if err := s.pool.ScheduleStart(ctx, id, delay); err != nil {
			slog.Warn("Scheduler restart failed", "worker", id, "error", err)
			continue
		}
		res.Restarted = append(res.Restarted, id)
		delay += s.stagger()
		deficit--
	}
	if deficit > 0 {
		admitted, err := s.admit(ctx, deficit, delay)
		admitted.Restarted = res.Restarted
		return admitted, err
	}
	return res, nil
}

func (s *Scheduler) stagger() time.Duration {
	lo, hi := s.cfg.StaggerMin, s.cfg.StaggerMax
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}
