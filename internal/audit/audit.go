// Package audit records one append-only entry per tool invocation,
// whether it succeeded or not.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one tool invocation.
type Record struct {
	ID           string    `json:"id"`
	ToolName     string    `json:"toolName"`
	UserID       string    `json:"userId"`
	InputSummary string    `json:"inputSummary"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	LatencyMs    int64     `json:"latencyMs"`
	Timestamp    time.Time `json:"timestamp"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID   string
	ToolName string
	Limit    int
}

// Log is an append-only audit log. Implementations are safe for
// concurrent use.
type Log interface {
	Append(ctx context.Context, r Record) error
	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}

func fill(r *Record) {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
}

// MemoryLog keeps records in process memory.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append adds r to the log.
func (m *MemoryLog) Append(_ context.Context, r Record) error {
	fill(&r)
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

// List returns a copy of the matching records, newest first.
func (m *MemoryLog) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range slices.Backward(m.records) {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.ToolName != "" && r.ToolName != f.ToolName {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// SQLiteLog persists records in an append-only table.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the audit table if needed.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_audit (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			tool_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			input_summary TEXT NOT NULL,
			success INTEGER NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_audit_user ON tool_audit(user_id, seq);
	`)
	return err
}

// Append inserts r.
func (l *SQLiteLog) Append(ctx context.Context, r Record) error {
	fill(&r)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tool_audit (id, tool_name, user_id, input_summary, success, error_kind, latency_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToolName, r.UserID, r.InputSummary, r.Success, r.ErrorKind, r.LatencyMs,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// List returns matching records, newest first.
func (l *SQLiteLog) List(ctx context.Context, f Filter) ([]Record, error) {
	q := `SELECT id, tool_name, user_id, input_summary, success, error_kind, latency_ms, timestamp
		  FROM tool_audit WHERE 1 = 1`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ToolName != "" {
		q += ` AND tool_name = ?`
		args = append(args, f.ToolName)
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(&r.ID, &r.ToolName, &r.UserID, &r.InputSummary, &r.Success, &r.ErrorKind, &r.LatencyMs, &ts); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
