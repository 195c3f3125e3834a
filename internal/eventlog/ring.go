// Package eventlog keeps the last N system events for display and debugging.
// It is observability only; nothing reads it to make lifecycle decisions.
package eventlog

import (
	"sync"
	"time"
)

// Entry is one system event.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every appended entry. Used for optional persistence.
type Sink func(Entry)

// Ring is a bounded append-only log; the oldest entries are dropped first.
// It is safe for concurrent use.
type Ring struct {
	mu      sync.RWMutex
	buf     []Entry
	start   int
	size    int
	seq     uint64
	sinks   []Sink
	nowFunc func() time.Time
}

// New creates a ring holding at most capacity entries.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{buf: make([]Entry, capacity), nowFunc: time.Now}
}

// AddSink registers a callback invoked after each append.
func (r *Ring) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Append records an event and returns the stored entry.
func (r *Ring) Append(typ, workerID string, payload map[string]any) Entry {
	r.mu.Lock()
	r.seq++
	e := Entry{
		Seq:       r.seq,
		Type:      typ,
		WorkerID:  workerID,
		Payload:   payload,
		Timestamp: r.nowFunc(),
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = e
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		s(e)
	}
	return e
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything held.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Entry, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
