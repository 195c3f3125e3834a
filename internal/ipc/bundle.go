package ipc

import (
	"fmt"
	"strings"
	"time"

	"github.com/craftswarm/craftswarm/internal/persona"
)

// Fault classifications carried by the error event.
const (
	FaultSimulated = "simulated" // injected by simulate_error, informational
	FaultTransient = "transient" // worker recovered on its own
	FaultConnect   = "connect"   // remote connection failed after spawn
	FaultFatal     = "fatal"     // worker cannot continue
)

// Bundle is the single startup payload a worker reads from stdin before any
// control envelope.
type Bundle struct {
	WorkerID        string          `json:"worker_id"`
	Generation      uint64          `json:"generation"`
	Class           string          `json:"class"`
	Persona         persona.Profile `json:"persona"`
	Account         BundleAccount   `json:"account"`
	Proxy           string          `json:"proxy,omitempty"`
	Server          BundleServer    `json:"server"`
	SessionDuration time.Duration   `json:"session_duration"`
	Seed            uint64          `json:"seed"`
}

// BundleAccount is the account the worker logs in with.
type BundleAccount struct {
	Username string `json:"username"`
	Auth     string `json:"auth"`
	Password string `json:"password,omitempty"`
}

// BundleServer is the remote game server address.
type BundleServer struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// Address returns host:port.
func (s BundleServer) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Validate checks the fields a worker cannot run without.
func (b Bundle) Validate() error {
	switch {
	case strings.TrimSpace(b.WorkerID) == "":
		return fmt.Errorf("%w: bundle without worker id", ErrProtocolFault)
	case strings.TrimSpace(b.Account.Username) == "":
		return fmt.Errorf("%w: bundle without account", ErrProtocolFault)
	case b.Server.Host == "" || b.Server.Port <= 0:
		return fmt.Errorf("%w: bundle without server address", ErrProtocolFault)
	}
	return nil
}
