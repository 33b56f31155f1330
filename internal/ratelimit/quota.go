package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// QuotaStore persists per-user daily counters keyed by window start.
// IncrementIfBelow is the only mutation path and must be atomic per key.
type QuotaStore interface {
	// Used returns the count for userID in the window starting at
	// windowStart.
	Used(ctx context.Context, userID string, windowStart time.Time) (int, error)
	// IncrementIfBelow adds one when the current count is below limit.
	// It returns the count after the call and whether it incremented.
	IncrementIfBelow(ctx context.Context, userID string, windowStart time.Time, limit int) (used int, ok bool, err error)
	// Prune drops counters for windows starting before before.
	Prune(ctx context.Context, before time.Time) (int, error)
}

type quotaKey struct {
	userID string
	window int64
}

// MemoryQuotaStore keeps counters in process memory.
type MemoryQuotaStore struct {
	mu     sync.Mutex
	counts map[quotaKey]int
}

// NewMemoryQuotaStore creates an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counts: make(map[quotaKey]int)}
}

func (m *MemoryQuotaStore) Used(_ context.Context, userID string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[quotaKey{userID, windowStart.Unix()}], nil
}

func (m *MemoryQuotaStore) IncrementIfBelow(_ context.Context, userID string, windowStart time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := quotaKey{userID, windowStart.Unix()}
	used := m.counts[k]
	if used >= limit {
		return used, false, nil
	}
	used++
	m.counts[k] = used
	return used, true, nil
}

func (m *MemoryQuotaStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.counts {
		if k.window < before.Unix() {
			delete(m.counts, k)
			n++
		}
	}
	return n, nil
}

// SQLiteQuotaStore keeps counters in a SQLite table so they survive
// restarts.
type SQLiteQuotaStore struct {
	db *sql.DB
}

// NewSQLiteQuotaStore creates the quota table if needed.
func NewSQLiteQuotaStore(db *sql.DB) (*SQLiteQuotaStore, error) {
	s := &SQLiteQuotaStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteQuotaStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_quota (
			user_id      TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			used         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, window_start)
		)`)
	return err
}

func (s *SQLiteQuotaStore) Used(ctx context.Context, userID string, windowStart time.Time) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT used FROM user_quota WHERE user_id = ? AND window_start = ?`,
		userID, windowStart.Unix()).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query quota: %w", err)
	}
	return used, nil
}

// IncrementIfBelow relies on a single conditional UPDATE so concurrent
// callers cannot both take the last slot.
func (s *SQLiteQuotaStore) IncrementIfBelow(ctx context.Context, userID string, windowStart time.Time, limit int) (int, bool, error) {
	window := windowStart.Unix()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quota (user_id, window_start, used) VALUES (?, ?, 0)
		 ON CONFLICT (user_id, window_start) DO NOTHING`,
		userID, window); err != nil {
		return 0, false, fmt.Errorf("ensure quota row: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE user_quota SET used = used + 1
		 WHERE user_id = ? AND window_start = ? AND used < ?`,
		userID, window, limit)
	if err != nil {
		return 0, false, fmt.Errorf("increment quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("increment quota: %w", err)
	}

	used, err := s.Used(ctx, userID, windowStart)
	if err != nil {
		return 0, false, err
	}
	return used, n == 1, nil
}

func (s *SQLiteQuotaStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_quota WHERE window_start < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune quota: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
