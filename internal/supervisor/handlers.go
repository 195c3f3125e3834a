package supervisor

import (
	"fmt"
	"log/slog"

	"github.com/craftswarm/craftswarm/internal/bus"
	"github.com/craftswarm/craftswarm/internal/ipc"
)

// SessionCompleteReason is the disconnect reason a worker reports when its
// session reached the expected duration. Such workers are retired rather
// than reconnected.
const SessionCompleteReason = "session_complete"

// handleInbound dispatches one message from a worker's reader. Messages for
// unknown workers or older incarnations are dropped.
func (s *Supervisor) handleInbound(msg *bus.InboundMessage) {
	w, ok := s.workers[msg.WorkerID]
	if !ok {
		slog.Debug("Supervisor dropped message for unknown worker", "worker", msg.WorkerID)
		return
	}
	if msg.Generation != w.generation {
		slog.Debug("Supervisor dropped stale message", "worker", w.ID, "generation", msg.Generation, "current", w.generation)
		return
	}

	switch {
	case msg.Fault != nil:
		s.protocolFault(w, msg.Fault)
	case msg.Exit != nil:
		s.onExit(w, msg.Exit)
	case msg.Event != nil:
		if msg.Event.WorkerID != w.ID {
			s.protocolFault(w, fmt.Errorf("%w: event for %s on channel of %s", ipc.ErrProtocolFault, msg.Event.WorkerID, w.ID))
			return
		}
		s.handleEvent(w, msg.Event.Body)
	}
}

func (s *Supervisor) handleEvent(w *WorkerSession, evt ipc.Event) {
	switch e := evt.(type) {
	case ipc.Connected:
		s.onConnected(w, e)
	case ipc.Disconnected:
		s.onDisconnected(w, StateDisconnected, e.Reason)
	case ipc.Kicked:
		s.onDisconnected(w, StateKicked, e.Reason)
	case ipc.Activity:
		w.Health.Activity = e.Label
		w.Health.Position = e.Position
		w.Health.Vitals = e.Vitals
		w.UpdatedAt = s.nowFunc()
		s.publish(bus.KindActivity, w.ID, map[string]any{"label": e.Label})
	case ipc.Chat:
		s.events.Append("chat", w.ID, map[string]any{"text": e.Text, "target": e.Target})
	case ipc.Learning:
		w.LearningSamples++
		w.LearningReward += e.Reward
	case ipc.Security:
		s.onSecurity(w, e.Score)
	case ipc.Metrics:
		w.metricsCurrent = e
		s.publish(bus.KindMetrics, w.ID, map[string]any{
			"messages_sent": e.MessagesSent,
			"actions_taken": e.ActionsTaken,
			"distance":      e.Distance,
			"items_gained":  e.ItemsGained,
			"failures":      e.Failures,
		})
	case ipc.Fault:
		s.onFault(w, e)
	default:
		s.protocolFault(w, fmt.Errorf("%w: unhandled event %T", ipc.ErrProtocolFault, evt))
	}
}

// onConnected is only honoured while connecting; duplicates and late
// deliveries are ignored.
func (s *Supervisor) onConnected(w *WorkerSession, e ipc.Connected) {
	if w.State != StateConnecting {
		slog.Debug("Supervisor ignored connected event", "worker", w.ID, "state", w.State)
		return
	}
	w.Health.Position = e.Position
	w.Health.Vitals = e.Vitals
	w.Health.Dimension = e.Dimension
	w.ReconnectAttempts = 0
	w.everConnected = true
	s.setState(w, StateConnected, "")
}

func (s *Supervisor) onDisconnected(w *WorkerSession, to State, reason string) {
	if w.State != StateConnecting && w.State != StateConnected {
		slog.Debug("Supervisor ignored disconnect", "worker", w.ID, "state", w.State, "reason", reason)
		return
	}
	if to == StateDisconnected && reason == SessionCompleteReason {
		s.retire(w, reason)
		return
	}
	s.closeBinding(w, reason)
	s.setState(w, to, reason)
	s.scheduleReconnect(w)
}

func (s *Supervisor) onFault(w *WorkerSession, f ipc.Fault) {
	s.events.Append("worker_fault", w.ID, map[string]any{
		"description":    f.Description,
		"classification": f.Classification,
	})
	switch f.Classification {
	case ipc.FaultConnect:
		if w.State != StateConnecting && w.State != StateConnected {
			return
		}
		s.closeBinding(w, "connect_error")
		s.setState(w, StateError, f.Description)
		s.scheduleReconnect(w)
	case ipc.FaultFatal:
		s.timers.cancelWorker(w.ID)
		s.terminate(w)
		s.closeBinding(w, "fatal_error")
		s.setState(w, StateError, f.Description)
	default:
		slog.Debug("Supervisor worker reported fault", "worker", w.ID, "classification", f.Classification, "description", f.Description)
	}
}

// onExit handles the end of the worker's process. An exit before the worker
// ever connected is an error and is not retried; an unannounced exit after
// connecting counts as a disconnect.
func (s *Supervisor) onExit(w *WorkerSession, exit *bus.ExitInfo) {
	if w.handle != nil {
		w.handle.Close()
		w.handle = nil
	}
	switch w.State {
	case StateStarting, StateConnecting:
		reason := fmt.Sprintf("exited before connecting (code %d)", exit.Code)
		s.closeBinding(w, "crashed")
		s.setState(w, StateError, reason)
		slog.Warn("Supervisor worker crashed before connecting", "worker", w.ID, "code", exit.Code)
	case StateConnected:
		reason := fmt.Sprintf("process exited (code %d)", exit.Code)
		s.closeBinding(w, reason)
		s.setState(w, StateDisconnected, reason)
		s.scheduleReconnect(w)
	default:
		slog.Debug("Supervisor worker process exited", "worker", w.ID, "state", w.State, "code", exit.Code)
	}
}

func (s *Supervisor) protocolFault(w *WorkerSession, err error) {
	s.events.Append("protocol_fault", w.ID, map[string]any{"error": err.Error()})
	slog.Warn("Supervisor protocol fault", "worker", w.ID, "error", err)
}
