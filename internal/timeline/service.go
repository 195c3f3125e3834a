// Package timeline keeps a local SQLite history of telemetry records and
// session bindings. It is observability only; nothing reads it back to make
// lifecycle decisions.
package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/craftswarm/craftswarm/internal/bus"
)

// Store is the SQLite-backed history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// AddEvent inserts one event. An empty EventID gets a fresh UUID.
func (s *Store) AddEvent(evt *Event) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Data == "" {
		evt.Data = "{}"
	}
	res, err := s.db.Exec(`INSERT INTO events (event_id, kind, worker_id, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		evt.EventID, evt.Kind, evt.WorkerID, evt.Timestamp.UTC(), evt.Data)
	if err != nil {
		return err
	}
	evt.ID, _ = res.LastInsertId()
	return nil
}

// Filter narrows GetEvents.
type Filter struct {
	WorkerID string
	Kind     string
	Since    *time.Time
	Limit    int
	Offset   int
}

// GetEvents returns matching events, newest first.
func (s *Store) GetEvents(filter Filter) ([]Event, error) {
	query := `SELECT id, event_id, kind, COALESCE(worker_id,''), timestamp, data FROM events WHERE 1=1`
	args := []any{}

	if filter.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.Kind, &e.WorkerID, &e.Timestamp, &e.Data); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertSession records a binding. Closing fields are only ever set, never
// cleared, so a late open record cannot reopen a closed session.
func (s *Store) UpsertSession(sess *Session) error {
	var ended any
	if sess.EndedAt != nil {
		ended = sess.EndedAt.UTC()
	}
	_, err := s.db.Exec(`
	INSERT INTO sessions (id, worker_id, account, started_at, expected_duration_ms, ended_at, end_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		ended_at = COALESCE(sessions.ended_at, excluded.ended_at),
		end_reason = COALESCE(sessions.end_reason, excluded.end_reason)
	`, sess.ID, sess.WorkerID, sess.Account, sess.StartedAt.UTC(), sess.ExpectedDuration.Milliseconds(), ended, nullString(sess.EndReason))
	return err
}

// GetSessions returns sessions for workerID (all workers when empty), most
// recent first.
func (s *Store) GetSessions(workerID string, limit int) ([]Session, error) {
	query := `SELECT id, worker_id, account, started_at, expected_duration_ms, ended_at, COALESCE(end_reason,'') FROM sessions`
	args := []any{}
	if workerID != "" {
		query += " WHERE worker_id = ?"
		args = append(args, workerID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess     Session
			expected int64
			ended    sql.NullTime
		)
		if err := rows.Scan(&sess.ID, &sess.WorkerID, &sess.Account, &sess.StartedAt, &expected, &ended, &sess.EndReason); err != nil {
			return nil, err
		}
		sess.ExpectedDuration = time.Duration(expected) * time.Millisecond
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff and sessions that ended before it.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	events, _ := res.RowsAffected()
	res, err = s.db.Exec(`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return events, err
	}
	sessions, _ := res.RowsAffected()
	return events + sessions, nil
}

// Attach subscribes the store to every outbound record on b. Session
// records also update the sessions table.
func (s *Store) Attach(b *bus.MessageBus) {
	b.Subscribe(bus.Wildcard, func(rec *bus.Record) {
		if err := s.Record(rec); err != nil {
			slog.Warn("Timeline write failed", "kind", rec.Kind, "worker", rec.WorkerID, "error", err)
		}
	})
}

// Record persists one bus record.
func (s *Store) Record(rec *bus.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	if err := s.AddEvent(&Event{Kind: rec.Kind, WorkerID: rec.WorkerID, Timestamp: rec.Timestamp, Data: string(data)}); err != nil {
		return err
	}
	if rec.Kind != bus.KindSession {
		return nil
	}
	sess, ok := sessionFromRecord(rec)
	if !ok {
		return fmt.Errorf("session record without id")
	}
	return s.UpsertSession(sess)
}

func sessionFromRecord(rec *bus.Record) (*Session, bool) {
	id, _ := rec.Data["id"].(string)
	if id == "" {
		return nil, false
	}
	sess := &Session{ID: id, WorkerID: rec.WorkerID}
	sess.Account, _ = rec.Data["account"].(string)
	sess.StartedAt, _ = rec.Data["started_at"].(time.Time)
	if ms, ok := rec.Data["expected_duration_ms"].(int64); ok {
		sess.ExpectedDuration = time.Duration(ms) * time.Millisecond
	}
	if ended, ok := rec.Data["ended_at"].(time.Time); ok && !ended.IsZero() {
		sess.EndedAt = &ended
	}
	sess.EndReason, _ = rec.Data["end_reason"].(string)
	return sess, true
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
