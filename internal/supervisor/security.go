package supervisor

import (
	"log/slog"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/ipc"
)

// Countermeasure is a corrective action taken against rising suspicion.
type Countermeasure string

const (
	CounterChangeActivity Countermeasure = "change_activity"
	CounterIntroduceDelay Countermeasure = "introduce_delay"
	CounterSimulateError  Countermeasure = "simulate_error"
	CounterBreakPattern   Countermeasure = "break_pattern"
	CounterRotateAccount  Countermeasure = "rotate_account"
	CounterRotateProxy    Countermeasure = "rotate_proxy"
)

var simulatedErrorKinds = []string{"network_lag", "packet_loss", "client_stall"}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// onSecurity tracks the worker's suspicion score. A report that takes the
// reported score from below the high-water mark to at or above it dispatches
// one set of countermeasures and then lowers the tracked score. Crossings
// compare reported scores only, so a score that stays high never dispatches
// twice.
func (s *Supervisor) onSecurity(w *WorkerSession, score float64) {
	score = clampScore(score)
	prev := w.lastReported
	w.lastReported = score
	w.Suspicion = score
	high := s.cfg.Security.HighWater

	escalated := false
	if prev < high && score >= high {
		actions := s.dispatchCountermeasures(w)
		w.Suspicion = score * (1 - s.cfg.Security.ReductionFraction)
		w.LastCountermeasureAt = s.nowFunc()
		w.Escalations++
		escalated = true

		names := make([]string, len(actions))
		for i, a := range actions {
			names[i] = string(a)
		}
		s.events.Append("security_escalation", w.ID, map[string]any{
			"score":   score,
			"reduced": w.Suspicion,
			"actions": names,
		})
		slog.Warn("Supervisor security escalation", "worker", w.ID, "score", score, "reduced", w.Suspicion, "actions", names)
	}
	s.publish(bus.KindSecurity, w.ID, map[string]any{
		"score":     w.Suspicion,
		"reported":  score,
		"escalated": escalated,
	})
}

// availableCountermeasures lists actions that can run right now. Rotations
// need a free replacement in the matching pool.
func (s *Supervisor) availableCountermeasures() []Countermeasure {
	out := []Countermeasure{CounterChangeActivity, CounterIntroduceDelay, CounterSimulateError, CounterBreakPattern}
	if s.accounts.Free() > 0 {
		out = append(out, CounterRotateAccount)
	}
	if s.proxies != nil && s.proxies.Free() > 0 {
		out = append(out, CounterRotateProxy)
	}
	return out
}

// pickCountermeasures returns between min and max distinct actions.
func (s *Supervisor) pickCountermeasures(avail []Countermeasure) []Countermeasure {
	lo, hi := s.cfg.Security.MinActions, s.cfg.Security.MaxActions
	if hi < lo {
		hi = lo
	}
	n := lo + s.rng.IntN(hi-lo+1)
	if n > len(avail) {
		n = len(avail)
	}
	shuffled := append([]Countermeasure(nil), avail...)
	s.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

func (s *Supervisor) dispatchCountermeasures(w *WorkerSession) []Countermeasure {
	actions := s.pickCountermeasures(s.availableCountermeasures())
	id := w.ID
	for _, a := range actions {
		switch a {
		case CounterChangeActivity:
			label := "explore"
			if p, err := s.personas.Profile(w.Class); err == nil {
				label = p.PickActivity(s.rng, w.Health.Activity)
			}
			s.sendControl(w, ipc.ChangeActivity{Label: label})
		case CounterIntroduceDelay:
			d := s.between(s.cfg.Security.DelayMin, s.cfg.Security.DelayMax)
			s.sendControl(w, ipc.IntroduceDelay{DurationMs: d.Milliseconds()})
		case CounterSimulateError:
			kind := simulatedErrorKinds[s.rng.IntN(len(simulatedErrorKinds))]
			s.sendControl(w, ipc.SimulateError{Kind: kind})
		case CounterBreakPattern:
			s.sendControl(w, ipc.BreakPattern{})
		case CounterRotateAccount:
			s.timers.set(id, timerRotateAccount, s.rotationDelay(), func() { s.rotateAccount(id) })
		case CounterRotateProxy:
			s.timers.set(id, timerRotateProxy, s.rotationDelay(), func() { s.rotateProxy(id) })
		}
	}
	return actions
}

func (s *Supervisor) rotationDelay() time.Duration {
	if d := s.cfg.Security.RotationDelay; d > 0 {
		return d
	}
	return time.Second
}

// rotateAccount picks a replacement account. It applies on the next start.
func (s *Supervisor) rotateAccount(id string) {
	w, ok := s.workers[id]
	if !ok {
		return
	}
	acct, key, err := s.accounts.Acquire(id)
	if err != nil {
		s.events.Append("rotation_failed", id, map[string]any{"kind": "account", "error": err.Error()})
		slog.Warn("Supervisor account rotation failed", "worker", id, "error", err)
		return
	}
	if w.nextAccountKey != "" {
		s.accounts.Release(w.nextAccountKey, id)
	}
	w.nextAccount, w.nextAccountKey = &acct, key
	s.events.Append("identity_rotated", id, map[string]any{"kind": "account", "next": acct.Username})
	slog.Info("Supervisor account rotation pending", "worker", id, "next", acct.Username)
}

// rotateProxy picks a replacement network identity. It applies on the next
// start.
func (s *Supervisor) rotateProxy(id string) {
	w, ok := s.workers[id]
	if !ok || s.proxies == nil {
		return
	}
	px, key, err := s.proxies.Acquire(id)
	if err != nil {
		s.events.Append("rotation_failed", id, map[string]any{"kind": "proxy", "error": err.Error()})
		slog.Warn("Supervisor proxy rotation failed", "worker", id, "error", err)
		return
	}
	if w.nextProxyKey != "" {
		s.proxies.Release(w.nextProxyKey, id)
	}
	w.nextProxy, w.nextProxyKey = &px, key
	s.events.Append("identity_rotated", id, map[string]any{"kind": "proxy", "next": px.URL()})
	slog.Info("Supervisor proxy rotation pending", "worker", id, "next", px.Address())
}
