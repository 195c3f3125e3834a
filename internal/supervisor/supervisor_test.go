package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/eventlog"
	"github.com/craftswarm/craftswarm/internal/identity"
	"github.com/craftswarm/craftswarm/internal/ipc"
)

type fakeHandle struct {
	pid      int
	sent     []ipc.Envelope
	full     bool
	signaled bool
	closed   bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Send(env ipc.Envelope) bool {
	if h.full || h.closed {
		return false
	}
	h.sent = append(h.sent, env)
	return true
}

func (h *fakeHandle) Signal() error { h.signaled = true; return nil }
func (h *fakeHandle) Close() error  { h.closed = true; return nil }

type fakeSpawner struct {
	err     error
	reqs    []SpawnRequest
	handles []*fakeHandle
}

func (f *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	h := &fakeHandle{pid: 1000 + len(f.handles)}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeSpawner) last() *fakeHandle { return f.handles[len(f.handles)-1] }

type fakeAdmission struct{ err error }

func (a *fakeAdmission) Allow(int) error { return a.err }

type fakeGate struct{ cap, held int }

func (g *fakeGate) TryAcquire() bool {
	if g.held >= g.cap {
		return false
	}
	g.held++
	return true
}

func (g *fakeGate) Release() { g.held-- }

func testConfig(accounts int) *config.Config {
	cfg := config.DefaultConfig()
	for i := 0; i < accounts; i++ {
		cfg.Identity.Accounts = append(cfg.Identity.Accounts, config.AccountConfig{Username: fmt.Sprintf("acct%d", i)})
	}
	cfg.Session.SweepInterval = 0
	return cfg
}

// newTestSupervisor returns a supervisor whose timers never fire on their
// own; tests fire them with timers.trigger.
func newTestSupervisor(t *testing.T, cfg *config.Config, deps Deps) (*Supervisor, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	if deps.Spawner == nil {
		deps.Spawner = sp
	}
	if deps.Events == nil {
		deps.Events = eventlog.New(200)
	}
	s := New(cfg, deps)
	s.timers.after = func(time.Duration, func()) func() bool { return func() bool { return true } }
	return s, sp
}

func mustCreate(t *testing.T, s *Supervisor, class string) *WorkerSession {
	t.Helper()
	snap, err := s.createWorker(class)
	if err != nil {
		t.Fatalf("createWorker(%q) error: %v", class, err)
	}
	return s.workers[snap.ID]
}

func deliver(s *Supervisor, w *WorkerSession, evt ipc.Event) {
	s.handleInbound(&bus.InboundMessage{
		WorkerID:   w.ID,
		Generation: w.generation,
		Event:      &ipc.Message[ipc.Event]{WorkerID: w.ID, Body: evt},
	})
}

func countEvents(s *Supervisor, typ string) int {
	n := 0
	for _, e := range s.events.Recent(0) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestCreateWorkerBindsDistinctAccounts(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(2), Deps{})
	a := mustCreate(t, s, "miner")
	b := mustCreate(t, s, "Builder")

	if a.State != StateCreated || b.State != StateCreated {
		t.Fatalf("expected created, got %s and %s", a.State, b.State)
	}
	if a.Account.Username == b.Account.Username {
		t.Fatalf("two workers share account %q", a.Account.Username)
	}
	if b.Class != "builder" {
		t.Fatalf("expected normalized class, got %q", b.Class)
	}
	if _, err := s.createWorker("miner"); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount with pool exhausted, got %v", err)
	}
	if _, err := s.createWorker("pirate"); err == nil {
		t.Fatal("expected unknown persona class to fail")
	}
}

func TestCreateWorkerVetoedByGovernor(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(2), Deps{Admission: &fakeAdmission{err: fmt.Errorf("%w: cpu", ErrResourceExhausted)}})
	if _, err := s.createWorker("miner"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if len(s.workers) != 0 {
		t.Fatalf("vetoed create left %d workers", len(s.workers))
	}
	if s.accounts.Free() != 2 {
		t.Fatal("vetoed create consumed an account")
	}
}

func TestStartWorkerSpawnsWithBundle(t *testing.T) {
	s, sp := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "explorer")

	if err := s.startWorker(w.ID); err != nil {
		t.Fatal(err)
	}
	if w.State != StateConnecting {
		t.Fatalf("expected connecting, got %s", w.State)
	}
	req := sp.reqs[0]
	if req.Bundle.Account.Username != "acct0" || req.Bundle.Class != "explorer" || req.Bundle.Server.Port != 25565 {
		t.Fatalf("unexpected bundle %+v", req.Bundle)
	}
	if req.Bundle.SessionDuration < s.cfg.Session.MinDuration || req.Bundle.SessionDuration > s.cfg.Session.MaxDuration {
		t.Fatalf("session duration %v outside band", req.Bundle.SessionDuration)
	}
	if _, ok := s.bindings.current(w.ID); !ok {
		t.Fatal("expected an open session binding")
	}
	if err := s.startWorker(w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition starting a connecting worker, got %v", err)
	}
}

func TestConnectedOnlyAcceptedWhileConnecting(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")

	deliver(s, w, ipc.Connected{})
	if w.State != StateCreated {
		t.Fatalf("connected accepted in created: %s", w.State)
	}

	s.startWorker(w.ID)
	deliver(s, w, ipc.Connected{Dimension: "overworld", Vitals: ipc.Vitals{Health: 20}})
	if w.State != StateConnected {
		t.Fatalf("expected connected, got %s", w.State)
	}
	deliver(s, w, ipc.Connected{})
	if got := countEvents(s, "worker_connected"); got != 1 {
		t.Fatalf("duplicate connected produced %d transitions", got)
	}

	deliver(s, w, ipc.Kicked{Reason: "kicked"})
	deliver(s, w, ipc.Connected{})
	if w.State != StateKicked {
		t.Fatalf("late connected changed state to %s", w.State)
	}
}

func TestReconnectLinearBackoffThenCooldown(t *testing.T) {
	cfg := testConfig(1)
	d := cfg.Reconnect.BaseDelay
	s, sp := newTestSupervisor(t, cfg, Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		deliver(s, w, ipc.Kicked{Reason: "kicked"})
		if w.State != StateKicked {
			t.Fatalf("attempt %d: expected kicked, got %s", attempt, w.State)
		}
		delay, ok := s.timers.pending(w.ID, timerStart)
		if !ok {
			t.Fatalf("attempt %d: no reconnect scheduled", attempt)
		}
		if want := time.Duration(attempt) * d; delay != want {
			t.Fatalf("attempt %d: delay %v, want %v", attempt, delay, want)
		}
		s.timers.trigger(w.ID, timerStart)
		if w.State != StateConnecting {
			t.Fatalf("attempt %d: restart left worker in %s", attempt, w.State)
		}
	}
	if len(sp.reqs) != 4 {
		t.Fatalf("expected 4 spawns, got %d", len(sp.reqs))
	}

	deliver(s, w, ipc.Kicked{Reason: "kicked"})
	if _, ok := s.timers.pending(w.ID, timerStart); ok {
		t.Fatal("reconnect scheduled past the ceiling")
	}
	cooldown, ok := s.timers.pending(w.ID, timerCooldown)
	if !ok || cooldown != cfg.Reconnect.Cooldown {
		t.Fatalf("expected cooldown %v, got %v (%v)", cfg.Reconnect.Cooldown, cooldown, ok)
	}

	s.timers.trigger(w.ID, timerCooldown)
	if w.ReconnectAttempts != 0 {
		t.Fatalf("cooldown did not reset attempts: %d", w.ReconnectAttempts)
	}
	if w.State != StateConnecting {
		t.Fatalf("cooldown did not restart the worker: %s", w.State)
	}
}

func TestConnectedResetsReconnectCounter(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)

	deliver(s, w, ipc.Disconnected{Reason: "timeout"})
	s.timers.trigger(w.ID, timerStart)
	deliver(s, w, ipc.Disconnected{Reason: "timeout"})
	if w.ReconnectAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", w.ReconnectAttempts)
	}
	s.timers.trigger(w.ID, timerStart)
	deliver(s, w, ipc.Connected{})
	if w.ReconnectAttempts != 0 {
		t.Fatalf("connected did not reset attempts: %d", w.ReconnectAttempts)
	}
	deliver(s, w, ipc.Disconnected{Reason: "timeout"})
	if delay, _ := s.timers.pending(w.ID, timerStart); delay != s.cfg.Reconnect.BaseDelay {
		t.Fatalf("expected first-attempt delay after reset, got %v", delay)
	}
}

func TestSpawnFailureMovesToErrorWithoutRetry(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("exec: no such file")}
	s, _ := newTestSupervisor(t, testConfig(1), Deps{Spawner: sp})
	w := mustCreate(t, s, "miner")

	err := s.startWorker(w.ID)
	var serr *SpawnError
	if !errors.As(err, &serr) || serr.WorkerID != w.ID {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if w.State != StateError {
		t.Fatalf("expected error state, got %s", w.State)
	}
	if s.timers.len() != 0 {
		t.Fatalf("spawn failure scheduled %d timers", s.timers.len())
	}
	if s.accounts.Free() != 1 {
		t.Fatal("spawn failure kept the account bound")
	}
}

func TestExitBeforeConnectIsNotRetried(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)

	s.handleInbound(&bus.InboundMessage{WorkerID: w.ID, Generation: w.generation, Exit: &bus.ExitInfo{Code: 2}})
	if w.State != StateError {
		t.Fatalf("expected error, got %s", w.State)
	}
	if _, ok := s.timers.pending(w.ID, timerStart); ok {
		t.Fatal("crash before connect scheduled a reconnect")
	}
	if w.handle != nil {
		t.Fatal("handle not released on exit")
	}
}

func TestExitAfterConnectCountsAsDisconnect(t *testing.T) {
	s, sp := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Connected{})

	s.handleInbound(&bus.InboundMessage{WorkerID: w.ID, Generation: w.generation, Exit: &bus.ExitInfo{Code: 0}})
	if w.State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", w.State)
	}
	if delay, ok := s.timers.pending(w.ID, timerStart); !ok || delay != s.cfg.Reconnect.BaseDelay {
		t.Fatalf("expected reconnect after %v, got %v (%v)", s.cfg.Reconnect.BaseDelay, delay, ok)
	}
	if !sp.handles[0].closed {
		t.Fatal("exit did not close the handle")
	}
}

func TestStaleAndUnknownMessagesDropped(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	oldGen := w.generation

	deliver(s, w, ipc.Kicked{Reason: "kicked"})
	s.timers.trigger(w.ID, timerStart)
	if w.generation == oldGen {
		t.Fatal("restart did not bump generation")
	}

	s.handleInbound(&bus.InboundMessage{
		WorkerID:   w.ID,
		Generation: oldGen,
		Event:      &ipc.Message[ipc.Event]{WorkerID: w.ID, Body: ipc.Connected{}},
	})
	if w.State != StateConnecting {
		t.Fatalf("stale connected applied: %s", w.State)
	}
	s.handleInbound(&bus.InboundMessage{WorkerID: w.ID, Generation: oldGen, Exit: &bus.ExitInfo{Code: 1}})
	if w.State != StateConnecting {
		t.Fatalf("stale exit applied: %s", w.State)
	}

	s.handleInbound(&bus.InboundMessage{
		WorkerID: "ghost",
		Event:    &ipc.Message[ipc.Event]{WorkerID: "ghost", Body: ipc.Connected{}},
	})
	if len(s.workers) != 1 {
		t.Fatal("message for unknown worker changed the registry")
	}
}

func TestMismatchedEventIsProtocolFault(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)

	s.handleInbound(&bus.InboundMessage{
		WorkerID:   w.ID,
		Generation: w.generation,
		Event:      &ipc.Message[ipc.Event]{WorkerID: "someone-else", Body: ipc.Connected{}},
	})
	if w.State != StateConnecting {
		t.Fatalf("misattributed event applied: %s", w.State)
	}
	if countEvents(s, "protocol_fault") != 1 {
		t.Fatal("expected a protocol_fault log entry")
	}
}

func TestEmergencyStopAllClearsEverything(t *testing.T) {
	s, sp := newTestSupervisor(t, testConfig(3), Deps{})
	a := mustCreate(t, s, "miner")
	b := mustCreate(t, s, "builder")
	mustCreate(t, s, "explorer")
	s.startWorker(a.ID)
	s.startWorker(b.ID)
	deliver(s, b, ipc.Kicked{Reason: "kicked"})

	n := s.emergencyStop("emergency_stop")
	if n != 3 {
		t.Fatalf("emergency stop returned %d, want 3", n)
	}
	if len(s.workers) != 0 || len(s.bindings.all()) != 0 || s.timers.len() != 0 {
		t.Fatalf("state left behind: workers=%d bindings=%d timers=%d", len(s.workers), len(s.bindings.all()), s.timers.len())
	}
	for i, h := range sp.handles {
		if !h.signaled || !h.closed {
			t.Fatalf("handle %d not signaled and closed", i)
		}
	}
	if s.accounts.Free() != 3 {
		t.Fatal("emergency stop did not release accounts")
	}
	if s.emergencyStop("again") != 0 {
		t.Fatal("second emergency stop should find nothing")
	}
}

func TestStopWorkerCancelsTimersAndAllowsRestart(t *testing.T) {
	s, sp := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Disconnected{Reason: "timeout"})

	s.stop(w, "operator")
	if w.State != StateStopped || w.LastReason != "operator" {
		t.Fatalf("unexpected record after stop: %s %q", w.State, w.LastReason)
	}
	if s.timers.len() != 0 {
		t.Fatal("stop left pending timers")
	}
	if s.accounts.Free() != 1 {
		t.Fatal("stop did not release the account")
	}
	if err := s.startWorker(w.ID); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if w.State != StateConnecting || len(sp.reqs) != 2 {
		t.Fatalf("restart did not spawn: %s, %d spawns", w.State, len(sp.reqs))
	}
}

func TestSessionCompleteRetiresWorker(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Connected{})

	deliver(s, w, ipc.Disconnected{Reason: SessionCompleteReason})
	if _, ok := s.workers[w.ID]; ok {
		t.Fatal("completed session left the worker in the registry")
	}
	if s.accounts.Free() != 1 {
		t.Fatal("retired worker kept its account")
	}
	bs := s.bindings.all()
	if len(bs) != 1 || bs[0].EndReason != SessionCompleteReason {
		t.Fatalf("expected one closed binding, got %+v", bs)
	}
}

func TestStartGateDefersScheduledStarts(t *testing.T) {
	gate := &fakeGate{cap: 1}
	s, _ := newTestSupervisor(t, testConfig(2), Deps{StartGate: gate})
	a := mustCreate(t, s, "miner")
	b := mustCreate(t, s, "builder")
	s.timers.set(a.ID, timerStart, time.Second, func() { s.scheduledStart(a.ID) })
	s.timers.set(b.ID, timerStart, time.Second, func() { s.scheduledStart(b.ID) })

	s.timers.trigger(a.ID, timerStart)
	s.timers.trigger(b.ID, timerStart)
	if a.State != StateConnecting {
		t.Fatalf("first start should run, got %s", a.State)
	}
	if b.State != StateCreated {
		t.Fatalf("second start should be deferred, got %s", b.State)
	}
	if _, ok := s.timers.pending(b.ID, timerStart); !ok {
		t.Fatal("deferred start was not re-armed")
	}

	deliver(s, a, ipc.Connected{})
	if gate.held != 0 {
		t.Fatalf("connected did not release the start slot, held=%d", gate.held)
	}
	s.timers.trigger(b.ID, timerStart)
	if b.State != StateConnecting {
		t.Fatalf("deferred start did not run after release: %s", b.State)
	}
}

func TestMetricsAccumulateAcrossIncarnations(t *testing.T) {
	s, _ := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Metrics{ActionsTaken: 3, MessagesSent: 1})
	deliver(s, w, ipc.Metrics{ActionsTaken: 5, MessagesSent: 2})
	deliver(s, w, ipc.Kicked{Reason: "kicked"})
	s.timers.trigger(w.ID, timerStart)
	deliver(s, w, ipc.Metrics{ActionsTaken: 1})

	m := w.Metrics()
	if m.ActionsTaken != 6 || m.MessagesSent != 2 {
		t.Fatalf("unexpected merged metrics %+v", m)
	}
}

func TestStatusSnapshot(t *testing.T) {
	cfg := testConfig(1)
	cfg.Identity.Proxies = []config.ProxyConfig{{Host: "10.1.1.1", Port: 1080}}
	s, _ := newTestSupervisor(t, cfg, Deps{Proxies: identity.Proxies(cfg.Identity.Proxies)})
	w := mustCreate(t, s, "socializer")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Connected{Vitals: ipc.Vitals{Health: 18}})
	deliver(s, w, ipc.Activity{Label: "socialize"})

	snaps := s.status()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	got := snaps[0]
	if !got.Connected || got.Health.Activity != "socialize" || got.Health.Vitals.Health != 18 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.Network != "socks5://10.1.1.1:1080" {
		t.Fatalf("expected bound network identity, got %q", got.Network)
	}
}

func TestSendControlDropsWhenQueueFull(t *testing.T) {
	s, sp := newTestSupervisor(t, testConfig(1), Deps{})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)

	if !s.sendControl(w, ipc.ChangeActivity{Label: "mine"}) {
		t.Fatal("expected control to be queued")
	}
	sp.last().full = true
	if s.sendControl(w, ipc.BreakPattern{}) {
		t.Fatal("expected control to be dropped on a full queue")
	}
}

func TestRunLoopServesAPI(t *testing.T) {
	b := bus.NewMessageBus()
	s, sp := newTestSupervisor(t, testConfig(2), Deps{Bus: b})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	snap, err := s.CreateWorker(ctx, "miner")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartWorker(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
	gen := sp.reqs[0].Generation
	b.PublishInbound(ctx, &bus.InboundMessage{
		WorkerID:   snap.ID,
		Generation: gen,
		Event:      &ipc.Message[ipc.Event]{WorkerID: snap.ID, Body: ipc.Connected{}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := s.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st[0].Connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never reported connected through the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	active, _ := s.ActiveWorkers(ctx)
	if len(active) != 1 {
		t.Fatalf("expected 1 active worker, got %v", active)
	}
	if err := s.StopWorker(ctx, "missing", "x"); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
	n, err := s.EmergencyStopAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("EmergencyStopAll() = %d, %v", n, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if _, err := s.Status(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after shutdown, got %v", err)
	}
}

func TestStoppedWorkerNamesNoIdentity(t *testing.T) {
	cfg := testConfig(1)
	cfg.Identity.Proxies = []config.ProxyConfig{{Host: "10.1.1.1", Port: 1080}}
	s, _ := newTestSupervisor(t, cfg, Deps{Proxies: identity.Proxies(cfg.Identity.Proxies)})
	w := mustCreate(t, s, "miner")
	s.startWorker(w.ID)
	deliver(s, w, ipc.Connected{})

	s.stop(w, "operator")
	snap := w.snapshot()
	if snap.Account != "" || snap.Network != "" {
		t.Fatalf("stopped worker still names released identities: %q %q", snap.Account, snap.Network)
	}

	if err := s.startWorker(w.ID); err != nil {
		t.Fatal(err)
	}
	snap = w.snapshot()
	if snap.Account != "acct0" || snap.Network != "socks5://10.1.1.1:1080" {
		t.Fatalf("restart did not rebind identities: %q %q", snap.Account, snap.Network)
	}
}
