package timeline

import "time"

// Event is one persisted telemetry record.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"` // JSON object
}

// Session is one persisted session binding.
type Session struct {
	ID               string        `json:"id"`
	WorkerID         string        `json:"worker_id"`
	Account          string        `json:"account"`
	StartedAt        time.Time     `json:"started_at"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	EndReason        string        `json:"end_reason,omitempty"`
}

// Schema creates the timeline tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE NOT NULL,
	kind TEXT NOT NULL,
	worker_id TEXT,
	timestamp DATETIME NOT NULL,
	data TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	account TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	expected_duration_ms INTEGER NOT NULL DEFAULT 0,
	ended_at DATETIME,
	end_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
`
