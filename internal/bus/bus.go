// Package bus provides the async message bus between worker readers, the
// supervisor loop, and telemetry collaborators.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/craftswarm/craftswarm/internal/ipc"
)

// Well-known telemetry record kinds.
const (
	KindLifecycle = "lifecycle"
	KindSecurity  = "security"
	KindMetrics   = "metrics"
	KindActivity  = "activity"
	KindSession   = "session"
	KindResources = "resources"
	KindAdmission = "admission"

	// Wildcard subscribes to every record kind.
	Wildcard = "*"
)

// ExitInfo describes a worker process exit.
type ExitInfo struct {
	Code int   `json:"code"`
	Err  error `json:"-"`
}

// InboundMessage is something a worker's reader goroutines hand to the
// supervisor loop. Exactly one of Event, Exit or Fault is set.
type InboundMessage struct {
	WorkerID   string                  `json:"worker_id"`
	Generation uint64                  `json:"generation"`
	Event      *ipc.Message[ipc.Event] `json:"event,omitempty"`
	Exit       *ExitInfo               `json:"exit,omitempty"`
	Fault      error                   `json:"-"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Record is an outbound telemetry record published by the supervisor loop.
type Record struct {
	Kind      string         `json:"kind"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessageBus decouples worker processes and telemetry sinks from the loop.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *Record
	subs     map[string][]func(*Record)
	dropped  atomic.Int64
	mu       sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 256),
		outbound: make(chan *Record, 256),
		subs:     make(map[string][]func(*Record)),
	}
}

// PublishInbound hands a message to the supervisor loop. It blocks until the
// loop has room or ctx is done, and reports whether the message was queued.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Inbound exposes the loop's receive side for use in a select.
func (b *MessageBus) Inbound() <-chan *InboundMessage {
	return b.inbound
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a telemetry record. It never blocks: the loop must
// not stall on a slow sink, so a full queue drops the record.
func (b *MessageBus) PublishOutbound(rec *Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case b.outbound <- rec:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a callback for records of kind. Use Wildcard for all.
func (b *MessageBus) Subscribe(kind string, callback func(*Record)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[kind] = append(b.subs[kind], callback)
}

// DispatchOutbound runs the outbound record dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-b.outbound:
			b.dispatch(rec)
		}
	}
}

func (b *MessageBus) dispatch(rec *Record) {
	b.mu.RLock()
	callbacks := append([]func(*Record){}, b.subs[rec.Kind]...)
	callbacks = append(callbacks, b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(rec)
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// OutboundSize returns the number of pending outbound records.
func (b *MessageBus) OutboundSize() int {
	return len(b.outbound)
}

// Dropped returns how many outbound records were dropped on a full queue.
func (b *MessageBus) Dropped() int64 {
	return b.dropped.Load()
}
