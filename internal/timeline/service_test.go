package timeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/craftswarm/craftswarm/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to open timeline: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEventsFilterAndOrder(t *testing.T) {
	st := newTestStore(t)
	for i, rec := range []*bus.Record{
		{Kind: bus.KindLifecycle, WorkerID: "w1", Data: map[string]any{"state": "starting"}},
		{Kind: bus.KindSecurity, WorkerID: "w1", Data: map[string]any{"score": 80.0}},
		{Kind: bus.KindLifecycle, WorkerID: "w2", Data: map[string]any{"state": "connected"}},
	} {
		rec.Timestamp = t0.Add(time.Duration(i) * time.Minute)
		if err := st.Record(rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all, err := st.GetEvents(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].WorkerID != "w2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].EventID == "" || all[0].EventID == all[1].EventID {
		t.Fatal("events need distinct ids")
	}

	w1, err := st.GetEvents(Filter{WorkerID: "w1", Kind: bus.KindLifecycle})
	if err != nil {
		t.Fatal(err)
	}
	if len(w1) != 1 || w1[0].Data != `{"state":"starting"}` {
		t.Fatalf("filtered events = %+v", w1)
	}

	since := t0.Add(time.Minute)
	recent, _ := st.GetEvents(Filter{Since: &since, Limit: 1})
	if len(recent) != 1 || recent[0].Kind != bus.KindLifecycle {
		t.Fatalf("since+limit = %+v", recent)
	}
}

func TestSessionRecordsUpsert(t *testing.T) {
	st := newTestStore(t)
	open := &bus.Record{
		Kind:     bus.KindSession,
		WorkerID: "w1",
		Data: map[string]any{
			"id":                   "s-1",
			"account":              "steve",
			"started_at":           t0,
			"expected_duration_ms": int64(90 * time.Minute / time.Millisecond),
		},
		Timestamp: t0,
	}
	if err := st.Record(open); err != nil {
		t.Fatal(err)
	}
	closed := &bus.Record{Kind: bus.KindSession, WorkerID: "w1", Data: map[string]any{}, Timestamp: t0.Add(time.Hour)}
	for k, v := range open.Data {
		closed.Data[k] = v
	}
	closed.Data["ended_at"] = t0.Add(time.Hour)
	closed.Data["end_reason"] = "kicked"
	if err := st.Record(closed); err != nil {
		t.Fatal(err)
	}
	// A stale open record must not reopen the session.
	if err := st.Record(open); err != nil {
		t.Fatal(err)
	}

	sessions, err := st.GetSessions("w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	s := sessions[0]
	if s.Account != "steve" || s.ExpectedDuration != 90*time.Minute {
		t.Fatalf("session = %+v", s)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(t0.Add(time.Hour)) || s.EndReason != "kicked" {
		t.Fatalf("session not closed: %+v", s)
	}
}

func TestSessionRecordWithoutID(t *testing.T) {
	st := newTestStore(t)
	if err := st.Record(&bus.Record{Kind: bus.KindSession, WorkerID: "w1", Timestamp: t0}); err == nil {
		t.Fatal("expected error for session record without id")
	}
}

func TestPrune(t *testing.T) {
	st := newTestStore(t)
	_ = st.AddEvent(&Event{Kind: bus.KindMetrics, WorkerID: "w1", Timestamp: t0})
	_ = st.AddEvent(&Event{Kind: bus.KindMetrics, WorkerID: "w1", Timestamp: t0.Add(2 * time.Hour)})
	ended := t0.Add(30 * time.Minute)
	_ = st.UpsertSession(&Session{ID: "old", WorkerID: "w1", Account: "a", StartedAt: t0, EndedAt: &ended})
	_ = st.UpsertSession(&Session{ID: "live", WorkerID: "w2", Account: "b", StartedAt: t0})

	n, err := st.Prune(t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d rows, want 2", n)
	}
	sessions, _ := st.GetSessions("", 0)
	if len(sessions) != 1 || sessions[0].ID != "live" {
		t.Fatalf("open session must survive prune: %+v", sessions)
	}
}

func TestAttachPersistsDispatchedRecords(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMessageBus()
	st.Attach(b)
	done := make(chan struct{})
	b.Subscribe(bus.Wildcard, func(*bus.Record) { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.PublishOutbound(&bus.Record{Kind: bus.KindActivity, WorkerID: "w9", Data: map[string]any{"label": "mine"}})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("record not dispatched")
	}

	events, err := st.GetEvents(Filter{WorkerID: "w9"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != bus.KindActivity {
		t.Fatalf("events = %+v", events)
	}
}
