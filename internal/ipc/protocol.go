// Package ipc defines the message protocol spoken between the supervisor and
// its worker processes.
//
// Every message on the wire is one JSON envelope per line. Workers write
// Events on stdout; the supervisor writes Controls on the worker's stdin.
// The first stdin line is the worker's startup bundle and is not an envelope.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrProtocolFault marks a malformed or unexpected message.
var ErrProtocolFault = errors.New("ipc: protocol fault")

// EventKind identifies a worker -> supervisor message.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventKicked       EventKind = "kicked"
	EventActivity     EventKind = "activity"
	EventChat         EventKind = "chat"
	EventLearning     EventKind = "learning"
	EventSecurity     EventKind = "security"
	EventMetrics      EventKind = "metrics"
	EventError        EventKind = "error"
)

// ControlKind identifies a supervisor -> worker message.
type ControlKind string

const (
	ControlBreakPattern   ControlKind = "break_pattern"
	ControlIntroduceDelay ControlKind = "introduce_delay"
	ControlChangeActivity ControlKind = "change_activity"
	ControlSimulateError  ControlKind = "simulate_error"
	ControlNaturalEvent   ControlKind = "natural_event"
)

// Envelope is the wire format for both directions.
type Envelope struct {
	Kind      string          `json:"kind"`
	WorkerID  string          `json:"worker_id"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is implemented by every worker -> supervisor payload.
type Event interface {
	EventKind() EventKind
}

// Control is implemented by every supervisor -> worker payload.
type Control interface {
	ControlKind() ControlKind
}

// Position is a location in the game world.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vitals is the worker's in-world health snapshot.
type Vitals struct {
	Health float64 `json:"health"`
	Food   float64 `json:"food"`
}

// Connected reports a successful login and spawn.
type Connected struct {
	Vitals    Vitals   `json:"vitals"`
	Position  Position `json:"position"`
	Dimension string   `json:"dimension"`
}

// Disconnected reports loss of the remote connection.
type Disconnected struct {
	Reason string `json:"reason"`
}

// Kicked reports that the remote server removed the client.
type Kicked struct {
	Reason string `json:"reason"`
}

// Activity reports the worker's current task label.
type Activity struct {
	Label    string   `json:"label"`
	Position Position `json:"position"`
	Vitals   Vitals   `json:"vitals"`
}

// Chat reports an outgoing chat line.
type Chat struct {
	Text   string `json:"text"`
	Target string `json:"target,omitempty"`
}

// Learning carries one experience record used for adaptation.
type Learning struct {
	Activity string  `json:"activity"`
	Success  bool    `json:"success"`
	Reward   float64 `json:"reward"`
}

// Security reports the worker's current suspicion score.
type Security struct {
	Score float64 `json:"score"`
}

// Metrics is a periodic counters snapshot. Counters are cumulative for the
// current process so the supervisor can merge by taking the newest values.
type Metrics struct {
	MessagesSent int     `json:"messages_sent"`
	ActionsTaken int     `json:"actions_taken"`
	Distance     float64 `json:"distance"`
	ItemsGained  int     `json:"items_gained"`
	Failures     int     `json:"failures"`
}

// Fault reports a worker-side error.
type Fault struct {
	Description    string `json:"description"`
	Classification string `json:"classification"`
}

func (Connected) EventKind() EventKind    { return EventConnected }
func (Disconnected) EventKind() EventKind { return EventDisconnected }
func (Kicked) EventKind() EventKind       { return EventKicked }
func (Activity) EventKind() EventKind     { return EventActivity }
func (Chat) EventKind() EventKind         { return EventChat }
func (Learning) EventKind() EventKind     { return EventLearning }
func (Security) EventKind() EventKind     { return EventSecurity }
func (Metrics) EventKind() EventKind      { return EventMetrics }
func (Fault) EventKind() EventKind        { return EventError }

// BreakPattern asks the worker to abandon its current behaviour loop.
type BreakPattern struct{}

// IntroduceDelay suspends the worker's autonomous loop for DurationMs.
type IntroduceDelay struct {
	DurationMs int64 `json:"duration_ms"`
}

// Duration returns the delay as a time.Duration.
func (d IntroduceDelay) Duration() time.Duration {
	return time.Duration(d.DurationMs) * time.Millisecond
}

// ChangeActivity forces the worker's current task.
type ChangeActivity struct {
	Label string `json:"label"`
}

// SimulateError makes the worker inject a synthetic fault into its reporting.
type SimulateError struct {
	Kind string `json:"kind"`
}

// NaturalEvent notifies the worker of a simulated environmental event.
type NaturalEvent struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

func (BreakPattern) ControlKind() ControlKind   { return ControlBreakPattern }
func (IntroduceDelay) ControlKind() ControlKind { return ControlIntroduceDelay }
func (ChangeActivity) ControlKind() ControlKind { return ControlChangeActivity }
func (SimulateError) ControlKind() ControlKind  { return ControlSimulateError }
func (NaturalEvent) ControlKind() ControlKind   { return ControlNaturalEvent }

// Message is a decoded envelope paired with its typed payload.
type Message[T any] struct {
	WorkerID  string
	Timestamp time.Time
	Body      T
}

// EncodeEvent wraps an event for the wire.
func EncodeEvent(workerID string, evt Event, now time.Time) (Envelope, error) {
	return encode(workerID, string(evt.EventKind()), evt, now)
}

// EncodeControl wraps a control message for the wire.
func EncodeControl(workerID string, ctl Control, now time.Time) (Envelope, error) {
	return encode(workerID, string(ctl.ControlKind()), ctl, now)
}

func encode(workerID, kind string, body any, now time.Time) (Envelope, error) {
	if strings.TrimSpace(workerID) == "" {
		return Envelope{}, fmt.Errorf("%w: worker id is required", ErrProtocolFault)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("ipc: marshal %s: %w", kind, err)
	}
	return Envelope{Kind: kind, WorkerID: workerID, Timestamp: now, Payload: raw}, nil
}

// DecodeEvent converts an envelope into a typed event.
func DecodeEvent(env Envelope) (Message[Event], error) {
	var evt Event
	switch EventKind(env.Kind) {
	case EventConnected:
		evt = &Connected{}
	case EventDisconnected:
		evt = &Disconnected{}
	case EventKicked:
		evt = &Kicked{}
	case EventActivity:
		evt = &Activity{}
	case EventChat:
		evt = &Chat{}
	case EventLearning:
		evt = &Learning{}
	case EventSecurity:
		evt = &Security{}
	case EventMetrics:
		evt = &Metrics{}
	case EventError:
		evt = &Fault{}
	default:
		return Message[Event]{}, fmt.Errorf("%w: unknown event kind %q", ErrProtocolFault, env.Kind)
	}
	if err := decodePayload(env, evt); err != nil {
		return Message[Event]{}, err
	}
	return Message[Event]{WorkerID: env.WorkerID, Timestamp: env.Timestamp, Body: deref(evt).(Event)}, nil
}

// DecodeControl converts an envelope into a typed control message.
func DecodeControl(env Envelope) (Message[Control], error) {
	var ctl Control
	switch ControlKind(env.Kind) {
	case ControlBreakPattern:
		ctl = &BreakPattern{}
	case ControlIntroduceDelay:
		ctl = &IntroduceDelay{}
	case ControlChangeActivity:
		ctl = &ChangeActivity{}
	case ControlSimulateError:
		ctl = &SimulateError{}
	case ControlNaturalEvent:
		ctl = &NaturalEvent{}
	default:
		return Message[Control]{}, fmt.Errorf("%w: unknown control kind %q", ErrProtocolFault, env.Kind)
	}
	if err := decodePayload(env, ctl); err != nil {
		return Message[Control]{}, err
	}
	return Message[Control]{WorkerID: env.WorkerID, Timestamp: env.Timestamp, Body: deref(ctl).(Control)}, nil
}

func decodePayload(env Envelope, into any) error {
	if strings.TrimSpace(env.WorkerID) == "" {
		return fmt.Errorf("%w: %s without worker id", ErrProtocolFault, env.Kind)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocolFault, env.Kind, err)
	}
	return nil
}

// deref turns the pointer used for unmarshalling back into the value type so
// callers can type-switch on ipc.Connected rather than *ipc.Connected.
func deref(v any) any {
	switch p := v.(type) {
	case *Connected:
		return *p
	case *Disconnected:
		return *p
	case *Kicked:
		return *p
	case *Activity:
		return *p
	case *Chat:
		return *p
	case *Learning:
		return *p
	case *Security:
		return *p
	case *Metrics:
		return *p
	case *Fault:
		return *p
	case *BreakPattern:
		return *p
	case *IntroduceDelay:
		return *p
	case *ChangeActivity:
		return *p
	case *SimulateError:
		return *p
	case *NaturalEvent:
		return *p
	}
	return v
}
