package supervisor

import (
	"time"

	"github.com/craftswarm/craftswarm/internal/identity"
	"github.com/craftswarm/craftswarm/internal/ipc"
)

// Health is the last reported in-world snapshot of a worker.
type Health struct {
	Position  ipc.Position `json:"position"`
	Vitals    ipc.Vitals   `json:"vitals"`
	Dimension string       `json:"dimension,omitempty"`
	Activity  string       `json:"activity,omitempty"`
}

// WorkerSession is the supervisor's lifecycle record for one worker. It is
// owned by the event loop and never shared.
type WorkerSession struct {
	ID    string
	Class string
	State State

	Account    identity.Account
	accountKey string
	Proxy      *identity.Proxy
	proxyKey   string

	// Rotations land here and are applied on the next start.
	nextAccount    *identity.Account
	nextAccountKey string
	nextProxy      *identity.Proxy
	nextProxyKey   string

	Health Health

	// Metrics from earlier incarnations plus the current process's
	// cumulative counters.
	metricsBase    ipc.Metrics
	metricsCurrent ipc.Metrics

	Suspicion            float64
	lastReported         float64
	LastCountermeasureAt time.Time
	Escalations          int

	LearningSamples int
	LearningReward  float64

	ReconnectAttempts int
	LastReason        string
	CreatedAt         time.Time
	UpdatedAt         time.Time

	generation    uint64
	handle        Handle
	everConnected bool
	holdsSlot     bool
	bindingID     string
}

// Metrics returns the accumulated counters across every incarnation.
func (w *WorkerSession) Metrics() ipc.Metrics {
	return addMetrics(w.metricsBase, w.metricsCurrent)
}

func addMetrics(a, b ipc.Metrics) ipc.Metrics {
	return ipc.Metrics{
		MessagesSent: a.MessagesSent + b.MessagesSent,
		ActionsTaken: a.ActionsTaken + b.ActionsTaken,
		Distance:     a.Distance + b.Distance,
		ItemsGained:  a.ItemsGained + b.ItemsGained,
		Failures:     a.Failures + b.Failures,
	}
}

// rollMetrics folds the finished process's counters into the base.
func (w *WorkerSession) rollMetrics() {
	w.metricsBase = w.Metrics()
	w.metricsCurrent = ipc.Metrics{}
}

// Snapshot is a point-in-time copy of a WorkerSession for presentation.
type Snapshot struct {
	ID                   string      `json:"id"`
	Class                string      `json:"class"`
	State                State       `json:"state"`
	Connected            bool        `json:"connected"`
	Account              string      `json:"account"`
	Network              string      `json:"network,omitempty"`
	Health               Health      `json:"health"`
	Metrics              ipc.Metrics `json:"metrics"`
	Suspicion            float64     `json:"suspicion"`
	LastCountermeasureAt time.Time   `json:"last_countermeasure_at,omitempty"`
	ReconnectAttempts    int         `json:"reconnect_attempts"`
	LastReason           string      `json:"last_reason,omitempty"`
	PID                  int         `json:"pid,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

func (w *WorkerSession) snapshot() Snapshot {
	s := Snapshot{
		ID:                   w.ID,
		Class:                w.Class,
		State:                w.State,
		Connected:            w.State == StateConnected,
		Account:              w.Account.Username,
		Health:               w.Health,
		Metrics:              w.Metrics(),
		Suspicion:            w.Suspicion,
		LastCountermeasureAt: w.LastCountermeasureAt,
		ReconnectAttempts:    w.ReconnectAttempts,
		LastReason:           w.LastReason,
		CreatedAt:            w.CreatedAt,
		UpdatedAt:            w.UpdatedAt,
	}
	if w.Proxy != nil {
		s.Network = w.Proxy.URL()
	}
	if w.handle != nil {
		s.PID = w.handle.PID()
	}
	return s
}
