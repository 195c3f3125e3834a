package supervisor

// State is a worker lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateKicked       State = "kicked"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// transitions lists the allowed moves. Stopped is reachable from anywhere
// and is added by CanTransition.
var transitions = map[State][]State{
	StateCreated:      {StateStarting},
	StateStarting:     {StateConnecting, StateError},
	StateConnecting:   {StateConnected, StateDisconnected, StateKicked, StateError},
	StateConnected:    {StateDisconnected, StateKicked, StateError},
	StateDisconnected: {StateStarting},
	StateKicked:       {StateStarting},
	// Error is terminal unless retried: a connect fault restarts through the
	// reconnect policy, anything else waits for an explicit stop and start.
	StateError:   {StateStarting},
	StateStopped: {StateStarting},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to State) bool {
	if to == StateStopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether a worker in s has, or is about to have, a process.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateConnecting, StateConnected:
		return true
	}
	return false
}

// Pending reports whether a worker in s is still counted toward the pool
// size: live, or waiting on a reconnect.
func (s State) Pending() bool {
	switch s {
	case StateCreated, StateDisconnected, StateKicked:
		return true
	}
	return s.Live()
}
