package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/craftswarm/craftswarm/internal/ipc"
	"github.com/craftswarm/craftswarm/internal/persona"
)

// SessionCompleteReason is reported when the session reaches its expected
// duration.
const SessionCompleteReason = "session_complete"

// Timing holds the runtime's periodic intervals.
type Timing struct {
	Metrics  time.Duration `envconfig:"METRICS_INTERVAL" default:"30s"`
	Security time.Duration `envconfig:"SECURITY_INTERVAL" default:"20s"`
	AntiIdle time.Duration `envconfig:"ANTI_IDLE_INTERVAL" default:"45s"`
}

// Runtime drives one worker session.
type Runtime struct {
	bundle  ipc.Bundle
	profile persona.Profile
	client  GameClient
	out     *ipc.Encoder
	timing  Timing
	rng     *rand.Rand
	susp    *suspicion

	activity    string
	switches    int
	streak      int
	metrics     ipc.Metrics
	pausedUntil time.Time
	lastStep    time.Time

	nowFunc func() time.Time
}

// NewRuntime builds a runtime writing events to out.
func NewRuntime(b ipc.Bundle, client GameClient, out io.Writer, timing Timing) *Runtime {
	return &Runtime{
		bundle:  b,
		profile: b.Persona,
		client:  client,
		out:     ipc.NewEncoder(out),
		timing:  timing,
		rng:     rand.New(rand.NewPCG(b.Seed, b.Seed>>1|1)),
		susp:    newSuspicion(b.Persona.RiskGrowth),
		nowFunc: time.Now,
	}
}

// Activity returns the current task label.
func (r *Runtime) Activity() string { return r.activity }

// Switches returns how many times the task label changed.
func (r *Runtime) Switches() int { return r.switches }

// Run connects and runs the behaviour loop until the session ends, the
// connection is lost, ctx is canceled or controls is closed.
func (r *Runtime) Run(ctx context.Context, controls <-chan ipc.Control) error {
	defer r.client.Close()

	conn, err := r.client.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var kicked *KickedError
		if errors.As(err, &kicked) {
			r.emit(ipc.Kicked{Reason: kicked.Reason})
			return nil
		}
		r.emit(ipc.Fault{Description: err.Error(), Classification: ipc.FaultConnect})
		return fmt.Errorf("connect %s: %w", r.bundle.Server.Address(), err)
	}
	r.emit(conn)
	slog.Info("Worker connected", "worker", r.bundle.WorkerID, "server", r.bundle.Server.Address(), "class", r.bundle.Class)
	r.lastStep = r.nowFunc()
	r.setActivity(r.profile.PickActivity(r.rng, ""))

	activityEvery := r.jitter(r.profile.ActivityInterval)
	activity := time.NewTicker(activityEvery)
	chat := time.NewTicker(r.jitter(r.profile.ChatInterval))
	metrics := time.NewTicker(orDefault(r.timing.Metrics, 30*time.Second))
	security := time.NewTicker(orDefault(r.timing.Security, 20*time.Second))
	antiIdle := time.NewTicker(orDefault(r.timing.AntiIdle, 45*time.Second))
	defer func() {
		activity.Stop()
		chat.Stop()
		metrics.Stop()
		security.Stop()
		antiIdle.Stop()
	}()

	var sessionEnd <-chan time.Time
	if r.bundle.SessionDuration > 0 {
		t := time.NewTimer(r.bundle.SessionDuration)
		defer t.Stop()
		sessionEnd = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.emit(r.metrics)
			r.emit(ipc.Disconnected{Reason: "stopped"})
			return nil
		case ctl, ok := <-controls:
			if !ok {
				slog.Info("Worker control channel closed", "worker", r.bundle.WorkerID)
				return nil
			}
			r.handleControl(ctx, ctl)
		case <-sessionEnd:
			r.emit(r.metrics)
			r.emit(ipc.Disconnected{Reason: SessionCompleteReason})
			slog.Info("Worker session complete", "worker", r.bundle.WorkerID)
			return nil
		case <-activity.C:
			if r.paused() {
				continue
			}
			if done := r.step(ctx); done {
				return nil
			}
		case <-chat.C:
			if !r.paused() {
				r.chat(ctx)
			}
		case <-antiIdle.C:
			if d, err := r.client.Nudge(ctx); err == nil {
				r.metrics.Distance += d
			}
		case <-metrics.C:
			r.emit(r.metrics)
		case <-security.C:
			r.emit(ipc.Security{Score: r.susp.value()})
		}
	}
}

// step runs one activity iteration. It reports true when the connection is
// gone and the runtime should exit.
func (r *Runtime) step(ctx context.Context) bool {
	now := r.nowFunc()
	r.susp.decay(now.Sub(r.lastStep))
	r.lastStep = now

	// Mostly keep going; sometimes drift to another task.
	if r.rng.Float64() < 0.15 {
		if next := r.profile.PickActivity(r.rng, r.activity); next != r.activity {
			r.setActivity(next)
			r.susp.vary()
		}
	} else {
		r.streak++
		r.susp.repeat(r.streak)
	}

	out, err := r.client.Perform(ctx, r.activity)
	var kicked *KickedError
	var lost *DisconnectedError
	switch {
	case errors.As(err, &kicked):
		r.emit(r.metrics)
		r.emit(ipc.Kicked{Reason: kicked.Reason})
		return true
	case errors.As(err, &lost):
		r.emit(r.metrics)
		r.emit(ipc.Disconnected{Reason: lost.Reason})
		return true
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		r.metrics.Failures++
		r.emit(ipc.Fault{Description: err.Error(), Classification: ipc.FaultTransient})
		return false
	}

	r.metrics.ActionsTaken++
	r.metrics.Distance += out.Distance
	r.metrics.ItemsGained += out.Items
	if !out.Success {
		r.metrics.Failures++
	}
	r.emit(ipc.Activity{Label: r.activity, Position: out.Position, Vitals: out.Vitals})

	reward := float64(out.Items)
	if !out.Success {
		reward = -1
	}
	r.emit(ipc.Learning{Activity: r.activity, Success: out.Success, Reward: reward * r.profile.LearningRate})
	return false
}

func (r *Runtime) chat(ctx context.Context) {
	if len(r.profile.ChatLines) == 0 {
		return
	}
	line := r.profile.ChatLines[r.rng.IntN(len(r.profile.ChatLines))]
	r.say(ctx, line, "")
}

func (r *Runtime) say(ctx context.Context, text, target string) {
	if err := r.client.Say(ctx, text); err != nil {
		slog.Debug("Worker chat failed", "worker", r.bundle.WorkerID, "error", err)
		return
	}
	r.metrics.MessagesSent++
	r.emit(ipc.Chat{Text: text, Target: target})
}

// handleControl applies one supervisor control. Applying the same
// change_activity twice has no further effect.
func (r *Runtime) handleControl(ctx context.Context, ctl ipc.Control) {
	slog.Debug("Worker control received", "worker", r.bundle.WorkerID, "kind", ctl.ControlKind())
	switch c := ctl.(type) {
	case ipc.BreakPattern:
		r.setActivity(r.profile.PickActivity(r.rng, r.activity))
		r.susp.relieve(ipc.ControlBreakPattern)
	case ipc.IntroduceDelay:
		until := r.nowFunc().Add(c.Duration())
		if until.After(r.pausedUntil) {
			r.pausedUntil = until
		}
		r.susp.relieve(ipc.ControlIntroduceDelay)
	case ipc.ChangeActivity:
		label := strings.TrimSpace(c.Label)
		if label == "" || label == r.activity {
			return
		}
		r.setActivity(label)
		r.susp.relieve(ipc.ControlChangeActivity)
	case ipc.SimulateError:
		r.metrics.Failures++
		r.emit(ipc.Fault{Description: "simulated " + c.Kind, Classification: ipc.FaultSimulated})
		r.susp.relieve(ipc.ControlSimulateError)
	case ipc.NaturalEvent:
		r.naturalEvent(ctx, c)
	}
}

var naturalResponses = map[string][]string{
	"rain":         {"ugh, rain again", "time to find some shelter"},
	"thunderstorm": {"whoa, that thunder", "staying inside for this one"},
	"night":        {"getting dark, heading back", "mobs are out"},
	"player_join":  {"hey, welcome!", "hi there"},
}

// naturalEvent reacts in character to a simulated environmental event.
func (r *Runtime) naturalEvent(ctx context.Context, ev ipc.NaturalEvent) {
	lines, ok := naturalResponses[ev.Kind]
	if !ok {
		return
	}
	target := ""
	if name, ok := ev.Data["player"].(string); ok {
		target = name
	}
	r.say(ctx, lines[r.rng.IntN(len(lines))], target)
	if ev.Kind == "night" || ev.Kind == "thunderstorm" {
		r.setActivity("shelter")
	}
}

func (r *Runtime) setActivity(label string) {
	if label == r.activity {
		return
	}
	r.activity = label
	r.switches++
	r.streak = 0
	r.emit(ipc.Activity{Label: label})
}

func (r *Runtime) paused() bool {
	return r.nowFunc().Before(r.pausedUntil)
}

func (r *Runtime) emit(evt ipc.Event) {
	env, err := ipc.EncodeEvent(r.bundle.WorkerID, evt, r.nowFunc())
	if err != nil {
		slog.Warn("Worker event encode failed", "kind", evt.EventKind(), "error", err)
		return
	}
	if err := r.out.Write(env); err != nil {
		slog.Warn("Worker event write failed", "kind", evt.EventKind(), "error", err)
	}
}

// jitter spreads d by up to ±20%.
func (r *Runtime) jitter(d time.Duration) time.Duration {
	d = orDefault(d, 20*time.Second)
	spread := int64(d) / 5
	return time.Duration(int64(d) - spread + r.rng.Int64N(2*spread+1))
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
