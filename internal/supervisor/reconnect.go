package supervisor

import (
	"log/slog"
	"time"
)

// ReconnectPolicy is linear backoff with an attempt ceiling and a cooldown.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	Cooldown    time.Duration
}

// Delay returns the wait before attempt n, counting from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.BaseDelay
}

// Next decides what follows a disconnect when attempts restarts have
// already been scheduled since the last successful connect. Below the
// ceiling it returns the next attempt number and its delay; at the ceiling
// it returns cooldown=true and the cooldown duration.
func (p ReconnectPolicy) Next(attempts int) (attempt int, delay time.Duration, cooldown bool) {
	if attempts < p.MaxAttempts {
		return attempts + 1, p.Delay(attempts + 1), false
	}
	return attempts, p.Cooldown, true
}

func (s *Supervisor) scheduleReconnect(w *WorkerSession) {
	id := w.ID
	attempt, delay, cooldown := s.policy.Next(w.ReconnectAttempts)
	if cooldown {
		if _, ok := s.timers.pending(id, timerCooldown); ok {
			return
		}
		s.timers.set(id, timerCooldown, delay, func() { s.endCooldown(id) })
		s.events.Append("reconnect_cooldown", id, map[string]any{"attempts": w.ReconnectAttempts, "cooldown_ms": delay.Milliseconds()})
		slog.Warn("Supervisor reconnect ceiling reached", "worker", id, "attempts", w.ReconnectAttempts, "cooldown", delay)
		return
	}
	w.ReconnectAttempts = attempt
	s.timers.set(id, timerStart, delay, func() { s.scheduledStart(id) })
	s.events.Append("reconnect_scheduled", id, map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()})
	slog.Info("Supervisor reconnect scheduled", "worker", id, "attempt", attempt, "delay", delay)
}

// endCooldown resets the counter and restarts the worker once.
func (s *Supervisor) endCooldown(id string) {
	w, ok := s.workers[id]
	if !ok {
		return
	}
	w.ReconnectAttempts = 0
	s.scheduledStart(id)
}
