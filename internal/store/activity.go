package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/epiloop/epiloop/internal/agent"
	"github.com/epiloop/epiloop/internal/sessions"
)

// ActivityLog is the append-only audit trail of agent runs, backed by
// SQLite so it survives restarts and stays queryable without loading
// everything into memory.
type ActivityLog struct {
	db *sql.DB
}

const activitySchema = `
CREATE TABLE IF NOT EXISTS activity (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	session_key TEXT    NOT NULL,
	agent_id    TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	detail      TEXT
);
CREATE INDEX IF NOT EXISTS activity_session ON activity(session_key, ts);
`

// OpenActivityLog opens (creating if needed) activity.db under stateDir.
func OpenActivityLog(stateDir string) (*ActivityLog, error) {
	db, err := sql.Open("sqlite", filepath.Join(stateDir, "activity.db"))
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(activitySchema); err != nil {
		db.Close()
		return nil, err
	}
	return &ActivityLog{db: db}, nil
}

// Close releases the database handle.
func (l *ActivityLog) Close() error { return l.db.Close() }

// RecordRun appends one agent run outcome. Implements the runner boundary's
// activity recorder.
func (l *ActivityLog) RecordRun(ctx context.Context, key sessions.Key, route agent.Route, status agent.Status, elapsed time.Duration) {
	l.db.ExecContext(ctx,
		`INSERT INTO activity (ts, session_key, agent_id, outcome, elapsed_ms, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), string(key), route.AgentID, status.Outcome, elapsed.Milliseconds(), status.Error)
}

// ActivityEntry is one row of the audit trail.
type ActivityEntry struct {
	Timestamp  time.Time `json:"ts"`
	SessionKey string    `json:"sessionKey"`
	AgentID    string    `json:"agentId"`
	Outcome    string    `json:"outcome"`
	ElapsedMs  int64     `json:"elapsedMs"`
	Detail     string    `json:"detail,omitempty"`
}

// Recent returns the latest n entries, newest first, optionally filtered
// by session key.
func (l *ActivityLog) Recent(ctx context.Context, sessionKey string, n int) ([]ActivityEntry, error) {
	if n <= 0 {
		n = 50
	}
	query := `SELECT ts, session_key, agent_id, outcome, elapsed_ms, COALESCE(detail, '')
	          FROM activity`
	args := []any{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, n)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var ts int64
		if err := rows.Scan(&ts, &e.SessionKey, &e.AgentID, &e.Outcome, &e.ElapsedMs, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
