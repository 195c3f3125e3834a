package supervisor

import (
	"time"

	"github.com/google/uuid"
)

// SessionBinding records one run of a worker against the remote server. It
// is immutable once closed and deleted after the retention window.
type SessionBinding struct {
	ID               string        `json:"id"`
	WorkerID         string        `json:"worker_id"`
	Account          string        `json:"account"`
	StartedAt        time.Time     `json:"started_at"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	EndedAt          time.Time     `json:"ended_at,omitempty"`
	EndReason        string        `json:"end_reason,omitempty"`
}

// Closed reports whether the binding has ended.
func (b SessionBinding) Closed() bool { return !b.EndedAt.IsZero() }

type bindingTable struct {
	open      map[string]*SessionBinding // by worker ID
	closed    []*SessionBinding
	retention time.Duration
}

func newBindingTable(retention time.Duration) *bindingTable {
	return &bindingTable{open: make(map[string]*SessionBinding), retention: retention}
}

// start opens a binding for workerID, closing any binding left open.
func (t *bindingTable) start(workerID, account string, now time.Time, expected time.Duration) *SessionBinding {
	t.end(workerID, now, "superseded")
	b := &SessionBinding{
		ID:               uuid.NewString(),
		WorkerID:         workerID,
		Account:          account,
		StartedAt:        now,
		ExpectedDuration: expected,
	}
	t.open[workerID] = b
	return b
}

// end closes the open binding for workerID, if any.
func (t *bindingTable) end(workerID string, now time.Time, reason string) *SessionBinding {
	b, ok := t.open[workerID]
	if !ok {
		return nil
	}
	delete(t.open, workerID)
	b.EndedAt = now
	b.EndReason = reason
	t.closed = append(t.closed, b)
	return b
}

// sweep deletes closed bindings older than the retention window.
func (t *bindingTable) sweep(now time.Time) int {
	kept := t.closed[:0]
	removed := 0
	for _, b := range t.closed {
		if now.Sub(b.EndedAt) >= t.retention {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(t.closed); i++ {
		t.closed[i] = nil
	}
	t.closed = kept
	return removed
}

func (t *bindingTable) clear() {
	t.open = make(map[string]*SessionBinding)
	t.closed = nil
}

func (t *bindingTable) current(workerID string) (SessionBinding, bool) {
	b, ok := t.open[workerID]
	if !ok {
		return SessionBinding{}, false
	}
	return *b, true
}

// all returns open and retained bindings.
func (t *bindingTable) all() []SessionBinding {
	out := make([]SessionBinding, 0, len(t.open)+len(t.closed))
	for _, b := range t.open {
		out = append(out, *b)
	}
	for _, b := range t.closed {
		out = append(out, *b)
	}
	return out
}
