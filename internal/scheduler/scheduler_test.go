package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/governor"
	"github.com/craftswarm/craftswarm/internal/supervisor"
)

type fakePool struct {
	workers  []supervisor.Snapshot
	veto     map[string]bool // class -> vetoed
	vetoAll  bool
	starts   map[string]time.Duration
	startErr error
}

func newFakePool() *fakePool {
	return &fakePool{veto: map[string]bool{}, starts: map[string]time.Duration{}}
}

func (p *fakePool) CreateWorker(_ context.Context, class string) (supervisor.Snapshot, error) {
	if p.vetoAll || p.veto[class] {
		return supervisor.Snapshot{}, governor.ErrResourceExhausted
	}
	snap := supervisor.Snapshot{ID: fmt.Sprintf("w%d", len(p.workers)+1), Class: class, State: supervisor.StateCreated}
	p.workers = append(p.workers, snap)
	return snap, nil
}

func (p *fakePool) ScheduleStart(_ context.Context, id string, delay time.Duration) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.starts[id] = delay
	return nil
}

func (p *fakePool) Status(context.Context) ([]supervisor.Snapshot, error) {
	return append([]supervisor.Snapshot(nil), p.workers...), nil
}

type fakeAdmission struct{ err error }

func (a fakeAdmission) Allow(int) error { return a.err }

// Sunday 2026-03-01 09:30 UTC.
var morning = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, target int, classes []string, pool Pool, adm Admission) *Scheduler {
	t.Helper()
	s, err := New(cfg, target, classes, pool, adm, bus.NewMessageBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.nowFunc = func() time.Time { return morning }
	return s
}

func TestDistributeWeighted(t *testing.T) {
	weights, err := ParseWeights([]config.TimeWeight{{Class: "miner", Window: "6-11 *", Factor: 2}})
	if err != nil {
		t.Fatal(err)
	}
	plan := Distribute(4, []string{"miner", "builder"}, weights, morning)
	if plan.Count("miner") != 3 || plan.Count("builder") != 1 {
		t.Fatalf("plan = %+v, want miner=3 builder=1", plan.Allocations)
	}

	evening := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	plan = Distribute(4, []string{"miner", "builder"}, weights, evening)
	if plan.Count("miner") != 2 || plan.Count("builder") != 2 {
		t.Fatalf("unweighted plan = %+v", plan.Allocations)
	}
}

func TestDistributeTotalsExact(t *testing.T) {
	classes := []string{"builder", "explorer", "miner", "socializer"}
	weights, err := ParseWeights(config.DefaultConfig().Scheduler.Weights)
	if err != nil {
		t.Fatal(err)
	}
	for total := 0; total <= 25; total++ {
		for h := 0; h < 24; h += 5 {
			now := time.Date(2026, 3, 1, h, 0, 0, 0, time.UTC)
			plan := Distribute(total, classes, weights, now)
			sum := 0
			for _, a := range plan.Allocations {
				if a.Count < 0 {
					t.Fatalf("negative allocation %+v", a)
				}
				sum += a.Count
			}
			if total > 0 && sum != total {
				t.Fatalf("total %d at %v: allocations sum to %d", total, now, sum)
			}
		}
	}
}

func TestDistributeNoClasses(t *testing.T) {
	if plan := Distribute(5, nil, nil, morning); len(plan.Allocations) != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestAdmitSkipsVetoedSlots(t *testing.T) {
	pool := newFakePool()
	pool.veto["builder"] = true
	s := newTestScheduler(t, config.SchedulerConfig{StaggerMin: time.Second, StaggerMax: 3 * time.Second}, 4, []string{"miner", "builder"}, pool, nil)

	res, err := s.Admit(context.Background(), 4)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(res.Created) != 2 || len(res.Skipped) != 2 {
		t.Fatalf("created=%v skipped=%v", res.Created, res.Skipped)
	}
	for _, sk := range res.Skipped {
		if sk.Class != "builder" || sk.Reason != governor.ErrResourceExhausted.Error() {
			t.Fatalf("unexpected skipped slot %+v", sk)
		}
	}
	if len(s.Skipped()) != 2 {
		t.Fatalf("skipped history = %v", s.Skipped())
	}

	// First start goes out immediately; the next is staggered.
	first, second := pool.starts[res.Created[0]], pool.starts[res.Created[1]]
	if first != 0 || second < time.Second || second > 3*time.Second {
		t.Fatalf("stagger delays %v, %v", first, second)
	}
}

func TestAdmitUnderPressureCreatesNothing(t *testing.T) {
	pool := newFakePool()
	pool.vetoAll = true
	s := newTestScheduler(t, config.SchedulerConfig{}, 3, []string{"miner"}, pool, nil)
	res, err := s.Admit(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(pool.workers) != 0 || len(res.Skipped) != 3 {
		t.Fatalf("created %d workers under pressure, skipped %d", len(pool.workers), len(res.Skipped))
	}
}

func TestAdmitScheduleError(t *testing.T) {
	pool := newFakePool()
	pool.startErr = errors.New("loop stopped")
	s := newTestScheduler(t, config.SchedulerConfig{}, 1, []string{"miner"}, pool, nil)
	if _, err := s.Admit(context.Background(), 1); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestTickTopsUp(t *testing.T) {
	pool := newFakePool()
	pool.workers = []supervisor.Snapshot{
		{ID: "a", State: supervisor.StateConnected},
		{ID: "b", State: supervisor.StateStopped},
		{ID: "c", State: supervisor.StateError},
	}
	s := newTestScheduler(t, config.SchedulerConfig{}, 3, []string{"miner"}, pool, nil)

	res, err := s.tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Restarted) != 1 || res.Restarted[0] != "b" {
		t.Fatalf("restarted = %v, want [b]", res.Restarted)
	}
	if len(res.Created) != 1 {
		t.Fatalf("created = %v, want one new worker", res.Created)
	}
	if _, ok := pool.starts["c"]; ok {
		t.Fatal("errored worker must not be restarted")
	}
}

func TestTickAtTargetDoesNothing(t *testing.T) {
	pool := newFakePool()
	pool.workers = []supervisor.Snapshot{
		{ID: "a", State: supervisor.StateConnected},
		{ID: "b", State: supervisor.StateKicked},
	}
	s := newTestScheduler(t, config.SchedulerConfig{}, 2, []string{"miner"}, pool, nil)
	res, _ := s.tick(context.Background())
	if len(res.Created)+len(res.Restarted) != 0 {
		t.Fatalf("unexpected top-up %+v", res)
	}
}

func TestTickOutsideWindow(t *testing.T) {
	pool := newFakePool()
	s := newTestScheduler(t, config.SchedulerConfig{ConnectWindows: []string{"18-23 *"}}, 2, []string{"miner"}, pool, nil)
	if _, err := s.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.workers) != 0 {
		t.Fatal("admitted outside the connect window")
	}
}

func TestTickRestartVetoed(t *testing.T) {
	pool := newFakePool()
	pool.workers = []supervisor.Snapshot{{ID: "b", State: supervisor.StateStopped}}
	s := newTestScheduler(t, config.SchedulerConfig{}, 1, []string{"miner"}, pool, fakeAdmission{err: governor.ErrResourceExhausted})
	res, _ := s.tick(context.Background())
	if len(res.Restarted) != 0 || len(pool.starts) != 0 {
		t.Fatalf("restarted under pressure: %+v", res)
	}
}

func TestNewRejectsBadWindows(t *testing.T) {
	if _, err := New(config.SchedulerConfig{ConnectWindows: []string{"25 *"}}, 1, nil, newFakePool(), nil, nil); err == nil {
		t.Fatal("expected window error")
	}
	bad := config.SchedulerConfig{Weights: []config.TimeWeight{{Class: "miner", Window: "* *", Factor: 0}}}
	if _, err := New(bad, 1, nil, newFakePool(), nil, nil); err == nil {
		t.Fatal("expected factor error")
	}
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(2)
	if !sem.TryAcquire() || !sem.TryAcquire() {
		t.Fatal("first two acquires should succeed")
	}
	if sem.TryAcquire() {
		t.Fatal("third acquire should fail (cap=2)")
	}
	if sem.InUse() != 2 || sem.Available() != 0 {
		t.Fatalf("InUse=%d Available=%d", sem.InUse(), sem.Available())
	}
	sem.Release()
	sem.Release()
	sem.Release() // extra release is ignored
	if sem.Available() != 2 {
		t.Fatalf("Available() = %d, want 2", sem.Available())
	}
}

func TestFileLockSingleHolder(t *testing.T) {
	path := t.TempDir() + "/pool/supervisor.lock"
	l1, l2 := NewFileLock(path), NewFileLock(path)

	if err := l1.Lock(); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := l2.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second lock err = %v, want ErrLocked", err)
	}
	if err := l1.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := l2.Lock(); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = l2.Unlock()
}
