package supervisor

import (
	"errors"
	"fmt"

	"github.com/craftswarm/craftswarm/internal/governor"
)

var (
	// ErrResourceExhausted is returned by CreateWorker when the governor
	// vetoes admission. Retryable later.
	ErrResourceExhausted = governor.ErrResourceExhausted

	ErrUnknownWorker     = errors.New("unknown worker")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoAccount         = errors.New("no free account")
	ErrNotRunning        = errors.New("supervisor is not running")
)

// SpawnError reports that a worker process could not be created. The worker
// moves to error and no reconnect is scheduled.
type SpawnError struct {
	WorkerID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.WorkerID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
