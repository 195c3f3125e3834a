// Package supervisor owns the pool of worker processes: the session
// registry, the lifecycle state machine, process spawning, reconnection and
// the security feedback loop.
//
// All state lives on one event loop goroutine (Run). Public methods submit a
// closure to the loop and wait for it, so nothing in here takes a lock.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/config"
	"github.com/craftswarm/craftswarm/internal/eventlog"
	"github.com/craftswarm/craftswarm/internal/identity"
	"github.com/craftswarm/craftswarm/internal/ipc"
	"github.com/craftswarm/craftswarm/internal/persona"
)

// Personas supplies the behaviour bundle for a persona class.
type Personas interface {
	Profile(class string) (persona.Profile, error)
}

// Admission gates worker creation given the number of workers in the pool.
type Admission interface {
	Allow(active int) error
}

// StartGate bounds how many workers may be starting at once.
type StartGate interface {
	TryAcquire() bool
	Release()
}

// Deps are the collaborators a Supervisor is wired to.
type Deps struct {
	Bus       *bus.MessageBus
	Spawner   Spawner
	Admission Admission // nil admits everything
	Personas  Personas  // nil uses the built-in catalog
	Accounts  *identity.Pool[identity.Account]
	Proxies   *identity.Pool[identity.Proxy] // nil or empty means no proxy
	Events    *eventlog.Ring
	StartGate StartGate // nil leaves scheduled starts unbounded
}

// Supervisor manages worker sessions.
type Supervisor struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	spawner   Spawner
	admission Admission
	personas  Personas
	accounts  *identity.Pool[identity.Account]
	proxies   *identity.Pool[identity.Proxy]
	events    *eventlog.Ring
	gate      StartGate
	policy    ReconnectPolicy

	workers  map[string]*WorkerSession
	bindings *bindingTable
	timers   *timerSet
	nextGen  uint64

	tasks   chan func()
	stopped chan struct{}
	runCtx  context.Context

	rng     *rand.Rand
	nowFunc func() time.Time
}

// New creates a supervisor. Call Run to start its event loop.
func New(cfg *config.Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		bus:       deps.Bus,
		spawner:   deps.Spawner,
		admission: deps.Admission,
		personas:  deps.Personas,
		accounts:  deps.Accounts,
		proxies:   deps.Proxies,
		events:    deps.Events,
		gate:      deps.StartGate,
		policy:    ReconnectPolicy(cfg.Reconnect),
		workers:   make(map[string]*WorkerSession),
		bindings:  newBindingTable(cfg.Session.Retention),
		tasks:     make(chan func(), 64),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
		nowFunc:   time.Now,
	}
	if s.personas == nil {
		s.personas = persona.Default()
	}
	if s.accounts == nil {
		s.accounts = identity.Accounts(cfg.Identity.Accounts)
	}
	if s.events == nil {
		s.events = eventlog.New(cfg.Supervisor.EventLogCapacity)
	}
	s.timers = newTimerSet(s.post)
	return s
}

// Run processes worker events, API calls and timers until ctx is done. On
// exit every tracked process is signaled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)

	var inbound <-chan *bus.InboundMessage
	if s.bus != nil {
		inbound = s.bus.Inbound()
	}
	s.armSweep()
	slog.Info("Supervisor started", "server", fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port))

	for {
		select {
		case <-ctx.Done():
			n := s.emergencyStop("shutdown")
			slog.Info("Supervisor stopped", "signaled", n)
			return ctx.Err()
		case fn := <-s.tasks:
			fn()
		case msg := <-inbound:
			s.handleInbound(msg)
		}
	}
}

// post enqueues fn on the loop from any goroutine. Dropped once Run exits.
func (s *Supervisor) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.stopped:
	}
}

// submit runs fn on the loop and waits for it to finish.
func (s *Supervisor) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	// tasks is buffered, so check stopped first or the send below could
	// succeed after the loop is gone.
	select {
	case <-s.stopped:
		return ErrNotRunning
	default:
	}
	select {
	case s.tasks <- task:
	case <-s.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateWorker allocates a worker of class in state created, bound to the
// least-recently-used account and, when configured, network identity.
func (s *Supervisor) CreateWorker(ctx context.Context, class string) (Snapshot, error) {
	var snap Snapshot
	var err error
	if serr := s.submit(ctx, func() { snap, err = s.createWorker(class) }); serr != nil {
		return Snapshot{}, serr
	}
	return snap, err
}

// StartWorker spawns the process for a created or stopped worker.
func (s *Supervisor) StartWorker(ctx context.Context, id string) error {
	var err error
	if serr := s.submit(ctx, func() { err = s.startWorker(id) }); serr != nil {
		return serr
	}
	return err
}

// ScheduleStart starts the worker after delay, subject to the start gate.
func (s *Supervisor) ScheduleStart(ctx context.Context, id string, delay time.Duration) error {
	var err error
	serr := s.submit(ctx, func() {
		if _, ok := s.workers[id]; !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, id)
			return
		}
		s.timers.set(id, timerStart, delay, func() { s.scheduledStart(id) })
	})
	if serr != nil {
		return serr
	}
	return err
}

// StopWorker signals the worker's process and moves it to stopped. It does
// not wait for the process to exit.
func (s *Supervisor) StopWorker(ctx context.Context, id, reason string) error {
	var err error
	serr := s.submit(ctx, func() {
		w, ok := s.workers[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, id)
			return
		}
		s.stop(w, reason)
	})
	if serr != nil {
		return serr
	}
	return err
}

// EmergencyStopAll signals every tracked process and clears the registry,
// the session bindings and all timers. It returns the number of workers
// that were tracked.
func (s *Supervisor) EmergencyStopAll(ctx context.Context) (int, error) {
	var n int
	if err := s.submit(ctx, func() { n = s.emergencyStop("emergency_stop") }); err != nil {
		return 0, err
	}
	return n, nil
}

// SendControl queues a control message for a worker. It reports false when
// the message was dropped.
func (s *Supervisor) SendControl(ctx context.Context, id string, ctl ipc.Control) (bool, error) {
	var sent bool
	var err error
	serr := s.submit(ctx, func() {
		w, ok := s.workers[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownWorker, id)
			return
		}
		sent = s.sendControl(w, ctl)
	})
	if serr != nil {
		return false, serr
	}
	return sent, err
}

// Status returns a snapshot of every worker, oldest first.
func (s *Supervisor) Status(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	if err := s.submit(ctx, func() { out = s.status() }); err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveWorkers returns the IDs of workers with a live process, oldest first.
func (s *Supervisor) ActiveWorkers(ctx context.Context) ([]string, error) {
	var out []string
	err := s.submit(ctx, func() {
		for _, w := range s.ordered() {
			if w.State.Live() {
				out = append(out, w.ID)
			}
		}
	})
	return out, err
}

// Bindings returns open and retained session bindings.
func (s *Supervisor) Bindings(ctx context.Context) ([]SessionBinding, error) {
	var out []SessionBinding
	err := s.submit(ctx, func() { out = s.bindings.all() })
	return out, err
}

// Events returns up to n recent event log entries, oldest first.
func (s *Supervisor) Events(n int) []eventlog.Entry {
	return s.events.Recent(n)
}

func (s *Supervisor) createWorker(class string) (Snapshot, error) {
	class = strings.ToLower(strings.TrimSpace(class))
	if _, err := s.personas.Profile(class); err != nil {
		return Snapshot{}, err
	}
	if s.admission != nil {
		if err := s.admission.Allow(s.pendingCount()); err != nil {
			s.events.Append("admission_vetoed", "", map[string]any{"class": class, "reason": err.Error()})
			return Snapshot{}, err
		}
	}

	now := s.nowFunc()
	w := &WorkerSession{
		ID:        uuid.NewString(),
		Class:     class,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.bindIdentities(w); err != nil {
		return Snapshot{}, err
	}
	s.workers[w.ID] = w

	s.events.Append("worker_created", w.ID, map[string]any{"class": class, "account": w.Account.Username})
	s.publish(bus.KindLifecycle, w.ID, map[string]any{"to": StateCreated, "class": class})
	slog.Info("Supervisor worker created", "worker", w.ID, "class", class, "account", w.Account.Username)
	return w.snapshot(), nil
}

func (s *Supervisor) startWorker(id string) error {
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if w.State != StateCreated && w.State != StateStopped {
		return fmt.Errorf("%w: cannot start worker in %s", ErrInvalidTransition, w.State)
	}
	return s.start(w)
}

// scheduledStart runs when a start timer fires. Starts beyond the gate are
// pushed back by a stagger delay.
func (s *Supervisor) scheduledStart(id string) {
	w, ok := s.workers[id]
	if !ok || w.State.Live() || !CanTransition(w.State, StateStarting) {
		return
	}
	if s.gate != nil && !w.holdsSlot {
		if !s.gate.TryAcquire() {
			delay := s.stagger()
			s.timers.set(id, timerStart, delay, func() { s.scheduledStart(id) })
			slog.Debug("Supervisor start deferred", "worker", id, "delay", delay)
			return
		}
		w.holdsSlot = true
	}
	if err := s.start(w); err != nil {
		slog.Warn("Supervisor scheduled start failed", "worker", id, "error", err)
	}
}

// start moves w to starting, spawns its process and moves it to connecting.
func (s *Supervisor) start(w *WorkerSession) error {
	if !CanTransition(w.State, StateStarting) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, StateStarting)
	}
	s.timers.cancel(w.ID, timerStart)
	s.timers.cancel(w.ID, timerCooldown)
	s.terminate(w)
	s.applyRotations(w)
	if err := s.bindIdentities(w); err != nil {
		s.releaseSlot(w)
		return err
	}
	profile, err := s.personas.Profile(w.Class)
	if err != nil {
		s.releaseSlot(w)
		return err
	}

	s.nextGen++
	w.generation = s.nextGen
	w.everConnected = false
	w.rollMetrics()
	s.setState(w, StateStarting, "")

	now := s.nowFunc()
	binding := s.bindings.start(w.ID, w.Account.Username, now, s.sessionDuration())
	w.bindingID = binding.ID
	s.publishBinding(*binding)

	bundle := ipc.Bundle{
		WorkerID:   w.ID,
		Generation: w.generation,
		Class:      w.Class,
		Persona:    profile,
		Account: ipc.BundleAccount{
			Username: w.Account.Username,
			Auth:     w.Account.Auth,
			Password: w.Account.Password,
		},
		Server: ipc.BundleServer{
			Host:    s.cfg.Server.Host,
			Port:    s.cfg.Server.Port,
			Version: s.cfg.Server.Version,
		},
		SessionDuration: binding.ExpectedDuration,
		Seed:            s.rng.Uint64(),
	}
	if w.Proxy != nil {
		bundle.Proxy = w.Proxy.URL()
	}

	h, err := s.spawner.Spawn(s.runCtx, SpawnRequest{WorkerID: w.ID, Generation: w.generation, Bundle: bundle})
	if err != nil {
		serr := &SpawnError{WorkerID: w.ID, Err: err}
		s.closeBinding(w, "spawn_failed")
		s.setState(w, StateError, serr.Error())
		s.events.Append("spawn_failed", w.ID, map[string]any{"error": err.Error()})
		slog.Error("Supervisor spawn failed", "worker", w.ID, "error", err)
		return serr
	}
	w.handle = h
	s.setState(w, StateConnecting, "")
	s.events.Append("worker_spawned", w.ID, map[string]any{"pid": h.PID(), "generation": w.generation})
	slog.Info("Supervisor worker spawned", "worker", w.ID, "pid", h.PID(), "generation", w.generation)
	return nil
}

func (s *Supervisor) stop(w *WorkerSession, reason string) {
	s.timers.cancelWorker(w.ID)
	s.terminate(w)
	s.closeBinding(w, reason)
	s.setState(w, StateStopped, reason)
}

// retire stops w and removes it from the registry.
func (s *Supervisor) retire(w *WorkerSession, reason string) {
	s.stop(w, reason)
	delete(s.workers, w.ID)
	s.events.Append("worker_retired", w.ID, map[string]any{"reason": reason})
	slog.Info("Supervisor worker retired", "worker", w.ID, "reason", reason)
}

func (s *Supervisor) emergencyStop(reason string) int {
	n := len(s.workers)
	for _, w := range s.workers {
		s.terminate(w)
		s.releaseSlot(w)
	}
	s.workers = make(map[string]*WorkerSession)
	s.bindings.clear()
	s.timers.clear()
	s.accounts.Reset()
	if s.proxies != nil {
		s.proxies.Reset()
	}
	if n > 0 {
		s.events.Append("emergency_stop", "", map[string]any{"count": n, "reason": reason})
		s.publish(bus.KindLifecycle, "", map[string]any{"to": "emergency_stop", "count": n})
		slog.Warn("Supervisor emergency stop", "signaled", n, "reason", reason)
	}
	return n
}

// terminate signals and releases the worker's process handle, if any.
func (s *Supervisor) terminate(w *WorkerSession) {
	if w.handle == nil {
		return
	}
	if err := w.handle.Signal(); err != nil {
		slog.Debug("Supervisor signal failed", "worker", w.ID, "error", err)
	}
	w.handle.Close()
	w.handle = nil
}

// setState applies a transition if the table allows it.
func (s *Supervisor) setState(w *WorkerSession, to State, reason string) bool {
	from := w.State
	if from == to && to == StateStopped {
		return true
	}
	if !CanTransition(from, to) {
		slog.Debug("Supervisor ignored transition", "worker", w.ID, "from", from, "to", to)
		return false
	}
	w.State = to
	w.UpdatedAt = s.nowFunc()
	if reason != "" {
		w.LastReason = reason
	}
	if to != StateStarting && to != StateConnecting {
		s.releaseSlot(w)
	}
	if to == StateStopped || to == StateError {
		s.releaseIdentities(w)
	}

	payload := map[string]any{"from": string(from)}
	if reason != "" {
		payload["reason"] = reason
	}
	s.events.Append("worker_"+string(to), w.ID, payload)
	s.publish(bus.KindLifecycle, w.ID, map[string]any{"from": from, "to": to, "reason": reason, "class": w.Class})
	slog.Info("Supervisor worker state changed", "worker", w.ID, "from", from, "to", to, "reason", reason)
	return true
}

func (s *Supervisor) releaseSlot(w *WorkerSession) {
	if w.holdsSlot && s.gate != nil {
		s.gate.Release()
	}
	w.holdsSlot = false
}

// bindIdentities acquires an account, and a proxy when the pool has any,
// for a worker that holds none.
func (s *Supervisor) bindIdentities(w *WorkerSession) error {
	if w.accountKey == "" {
		acct, key, err := s.accounts.Acquire(w.ID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoAccount, err)
		}
		w.Account, w.accountKey = acct, key
	}
	if w.proxyKey == "" && s.proxies != nil && s.proxies.Len() > 0 {
		px, key, err := s.proxies.Acquire(w.ID)
		if err != nil {
			slog.Warn("Supervisor running worker without proxy", "worker", w.ID, "error", err)
			w.Proxy = nil
			return nil
		}
		w.Proxy, w.proxyKey = &px, key
	}
	return nil
}

// releaseIdentities returns the worker's account and proxy to their pools.
// The record stops naming them, since another worker may take them next.
func (s *Supervisor) releaseIdentities(w *WorkerSession) {
	s.accounts.ReleaseAll(w.ID)
	w.Account = identity.Account{}
	w.accountKey, w.nextAccountKey, w.nextAccount = "", "", nil
	if s.proxies != nil {
		s.proxies.ReleaseAll(w.ID)
	}
	w.Proxy = nil
	w.proxyKey, w.nextProxyKey, w.nextProxy = "", "", nil
}

// applyRotations swaps in identities picked by earlier rotations.
func (s *Supervisor) applyRotations(w *WorkerSession) {
	if w.nextAccount != nil {
		if w.accountKey != "" {
			s.accounts.Release(w.accountKey, w.ID)
		}
		w.Account, w.accountKey = *w.nextAccount, w.nextAccountKey
		w.nextAccount, w.nextAccountKey = nil, ""
	}
	if w.nextProxy != nil && s.proxies != nil {
		if w.proxyKey != "" {
			s.proxies.Release(w.proxyKey, w.ID)
		}
		w.Proxy, w.proxyKey = w.nextProxy, w.nextProxyKey
		w.nextProxy, w.nextProxyKey = nil, ""
	}
}

func (s *Supervisor) closeBinding(w *WorkerSession, reason string) {
	if b := s.bindings.end(w.ID, s.nowFunc(), reason); b != nil {
		s.publishBinding(*b)
	}
	w.bindingID = ""
}

func (s *Supervisor) armSweep() {
	interval := s.cfg.Session.SweepInterval
	if interval <= 0 {
		return
	}
	s.timers.set(timerKeySupervisor, timerSessionSweep, interval, func() {
		if n := s.bindings.sweep(s.nowFunc()); n > 0 {
			slog.Debug("Supervisor swept session bindings", "removed", n)
		}
		s.armSweep()
	})
}

func (s *Supervisor) sendControl(w *WorkerSession, ctl ipc.Control) bool {
	if w.handle == nil {
		return false
	}
	env, err := ipc.EncodeControl(w.ID, ctl, s.nowFunc())
	if err != nil {
		slog.Warn("Supervisor control encode failed", "worker", w.ID, "error", err)
		return false
	}
	if !w.handle.Send(env) {
		slog.Debug("Supervisor control dropped", "worker", w.ID, "kind", ctl.ControlKind())
		return false
	}
	return true
}

func (s *Supervisor) publish(kind, workerID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishOutbound(&bus.Record{Kind: kind, WorkerID: workerID, Data: data, Timestamp: s.nowFunc()})
}

func (s *Supervisor) publishBinding(b SessionBinding) {
	data := map[string]any{
		"id":                   b.ID,
		"account":              b.Account,
		"started_at":           b.StartedAt,
		"expected_duration_ms": b.ExpectedDuration.Milliseconds(),
	}
	if b.Closed() {
		data["ended_at"] = b.EndedAt
		data["end_reason"] = b.EndReason
	}
	s.publish(bus.KindSession, b.WorkerID, data)
}

func (s *Supervisor) status() []Snapshot {
	ws := s.ordered()
	out := make([]Snapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.snapshot())
	}
	return out
}

func (s *Supervisor) ordered() []*WorkerSession {
	out := make([]*WorkerSession, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// pendingCount is the number of workers counted toward the pool size.
func (s *Supervisor) pendingCount() int {
	n := 0
	for _, w := range s.workers {
		if w.State.Pending() {
			n++
		}
	}
	return n
}

func (s *Supervisor) sessionDuration() time.Duration {
	return s.between(s.cfg.Session.MinDuration, s.cfg.Session.MaxDuration)
}

func (s *Supervisor) stagger() time.Duration {
	return s.between(s.cfg.Scheduler.StaggerMin, s.cfg.Scheduler.StaggerMax)
}

func (s *Supervisor) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}
