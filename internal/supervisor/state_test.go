package supervisor

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateStarting, true},
		{StateCreated, StateConnected, false},
		{StateStarting, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateConnected, false},
		{StateConnected, StateKicked, true},
		{StateConnected, StateStarting, false},
		{StateKicked, StateStarting, true},
		{StateDisconnected, StateConnected, false},
		{StateError, StateStarting, true},
		{StateError, StateConnected, false},
		{StateStopped, StateStarting, true},
		{StateStopped, StateConnected, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	for from := range transitions {
		if !CanTransition(from, StateStopped) {
			t.Errorf("stopped not reachable from %s", from)
		}
	}
}

func TestReconnectPolicy(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: 10 * time.Second, MaxAttempts: 3, Cooldown: time.Hour}
	prev := time.Duration(0)
	for n := 0; n < 3; n++ {
		attempt, delay, cooldown := p.Next(n)
		if cooldown {
			t.Fatalf("cooldown before ceiling at %d", n)
		}
		if attempt != n+1 || delay != time.Duration(n+1)*10*time.Second {
			t.Fatalf("Next(%d) = %d, %v", n, attempt, delay)
		}
		if delay <= prev {
			t.Fatalf("delay not strictly increasing: %v after %v", delay, prev)
		}
		prev = delay
	}
	if _, delay, cooldown := p.Next(3); !cooldown || delay != time.Hour {
		t.Fatalf("expected cooldown at ceiling, got %v %v", delay, cooldown)
	}
}

func TestTimerSetReplaceAndCancel(t *testing.T) {
	var posted []func()
	ts := newTimerSet(func(f func()) { posted = append(posted, f) })
	var fires []func()
	ts.after = func(_ time.Duration, f func()) func() bool {
		fires = append(fires, f)
		return func() bool { return true }
	}

	ran := ""
	ts.set("w1", timerStart, time.Second, func() { ran += "a" })
	ts.set("w1", timerStart, 2*time.Second, func() { ran += "b" })
	if d, _ := ts.pending("w1", timerStart); d != 2*time.Second {
		t.Fatalf("expected replaced delay, got %v", d)
	}

	// Both underlying timers fire; only the current entry runs.
	for _, f := range fires {
		f()
	}
	for _, p := range posted {
		p()
	}
	if ran != "b" {
		t.Fatalf("expected only the replacement to run, got %q", ran)
	}

	ts.set("w1", timerCooldown, time.Minute, func() { ran += "c" })
	ts.set("w2", timerStart, time.Minute, func() { ran += "d" })
	ts.set(timerKeySupervisor, timerSessionSweep, time.Minute, func() {})
	if n := ts.cancelWorker("w1"); n != 1 {
		t.Fatalf("cancelWorker removed %d", n)
	}
	if n := ts.clear(); n != 1 {
		t.Fatalf("clear removed %d, want only the worker timer", n)
	}
	if ts.len() != 1 {
		t.Fatalf("supervisor timer should survive clear, len=%d", ts.len())
	}
}

func TestBindingTableSweep(t *testing.T) {
	bt := newBindingTable(time.Hour)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b := bt.start("w1", "acct", t0, 90*time.Minute)
	if b.ID == "" || b.Closed() {
		t.Fatalf("unexpected new binding %+v", b)
	}
	bt.start("w2", "acct2", t0, time.Hour)
	bt.end("w1", t0.Add(time.Minute), "kicked")
	bt.end("w2", t0.Add(50*time.Minute), "stopped")
	if bt.end("w1", t0, "again") != nil {
		t.Fatal("closing twice should be a no-op")
	}

	if n := bt.sweep(t0.Add(65 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	all := bt.all()
	if len(all) != 1 || all[0].WorkerID != "w2" {
		t.Fatalf("unexpected retained bindings %+v", all)
	}
}
