// Package threads persists conversation transcripts, their titles and
// the provider continuation ids. Every operation is scoped to an owner;
// a thread owned by someone else behaves exactly like a missing one.
package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("thread not found")
	ErrOwnerRequired = errors.New("owner id required")
	ErrInvalidRole   = errors.New("invalid message role")
	ErrEmptyTitle    = errors.New("title must not be empty")
)

// Role is who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one immutable transcript entry.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Seq       int       `json:"-"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolsUsed []string  `json:"toolsUsed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is a conversation with its messages in order.
type Thread struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"-"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	LastResponseID string    `json:"-"`
	ConversationID string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Summary is a thread without its messages.
type Summary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	MessageCount       int       `json:"messageCount"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

const previewLength = 100

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store is the SQLite thread store. Timestamps are stored as UTC unix
// nanoseconds so ordering is numeric.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStore creates the thread tables if needed.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate threads schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS threads (
		id               TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		title            TEXT NOT NULL,
		title_locked     INTEGER NOT NULL DEFAULT 0,
		last_response_id TEXT NOT NULL DEFAULT '',
		conversation_id  TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_id, updated_at);

	CREATE TABLE IF NOT EXISTS thread_messages (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tools_used TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		UNIQUE (thread_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// CreateThread starts an empty thread titled from firstMessage, or
// DefaultTitle when it is empty.
func (s *Store) CreateThread(ctx context.Context, ownerID, firstMessage string) (*Thread, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	now := s.clock().UTC()
	t := &Thread{
		ID:        newID(),
		OwnerID:   ownerID,
		Title:     AutoTitle(firstMessage),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

// GetThread returns the thread with its messages in order.
func (s *Store) GetThread(ctx context.Context, ownerID, id string) (*Thread, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	var t Thread
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, last_response_id, conversation_id, created_at, updated_at
		 FROM threads WHERE id = ? AND owner_id = ?`, id, ownerID).
		Scan(&t.ID, &t.OwnerID, &t.Title, &t.LastResponseID, &t.ConversationID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, seq, role, content, tools_used, created_at
		 FROM thread_messages WHERE thread_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	t.Messages = []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return &t, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var role, tools string
	var created int64
	if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &role, &m.Content, &tools, &created); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Role = Role(role)
	m.CreatedAt = fromNanos(created)
	if err := json.Unmarshal([]byte(tools), &m.ToolsUsed); err != nil {
		return Message{}, fmt.Errorf("decode tools used: %w", err)
	}
	return m, nil
}

// ListThreads returns the owner's threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, ownerID string) ([]Summary, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.title, t.created_at, t.updated_at,
		        (SELECT COUNT(*) FROM thread_messages m WHERE m.thread_id = t.id),
		        COALESCE((SELECT m.content FROM thread_messages m WHERE m.thread_id = t.id ORDER BY m.seq DESC LIMIT 1), '')
		 FROM threads t
		 WHERE t.owner_id = ?
		 ORDER BY t.updated_at DESC, t.id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		var created, updated int64
		var last string
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated, &sum.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		sum.CreatedAt, sum.UpdatedAt = fromNanos(created), fromNanos(updated)
		sum.LastMessagePreview = preview(last, previewLength)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AddMessage appends a message. Sequence numbers increase per thread and
// created_at never goes backwards even if the clock does. The first user
// message retitles the thread unless it was renamed explicitly.
func (s *Store) AddMessage(ctx context.Context, ownerID, threadID string, role Role, content string, toolsUsed []string) (*Message, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	tools, err := json.Marshal(toolsUsed)
	if err != nil {
		return nil, fmt.Errorf("encode tools used: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	var title string
	err = tx.QueryRowContext(ctx,
		`SELECT title, title_locked FROM threads WHERE id = ? AND owner_id = ?`, threadID, ownerID).
		Scan(&title, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	var lastSeq, lastCreated int64
	var userMessages int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0),
		        COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0)
		 FROM thread_messages WHERE thread_id = ?`, threadID).
		Scan(&lastSeq, &lastCreated, &userMessages)
	if err != nil {
		return nil, fmt.Errorf("query last message: %w", err)
	}

	created := max(s.clock().UTC().UnixNano(), lastCreated)
	m := &Message{
		ID:        newID(),
		ThreadID:  threadID,
		Seq:       int(lastSeq) + 1,
		Role:      role,
		Content:   content,
		ToolsUsed: toolsUsed,
		CreatedAt: fromNanos(created),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, seq, role, content, tools_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Seq, string(m.Role), m.Content, string(tools), created); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if role == RoleUser && userMessages == 0 && !locked {
		title = AutoTitle(content)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
		title, created, threadID); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// UpdateResponseID stores the provider continuation ids verbatim. An
// empty conversationID keeps the stored one.
func (s *Store) UpdateResponseID(ctx context.Context, ownerID, threadID, responseID, conversationID string) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads
		 SET last_response_id = ?,
		     conversation_id = CASE WHEN ? = '' THEN conversation_id ELSE ? END
		 WHERE id = ? AND owner_id = ?`,
		responseID, conversationID, conversationID, threadID, ownerID)
	if err != nil {
		return fmt.Errorf("update response id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes the thread and its messages. It reports whether
// a thread was deleted.
func (s *Store) DeleteThread(ctx context.Context, ownerID, id string) (bool, error) {
	if ownerID == "" {
		return false, ErrOwnerRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	// Foreign-key enforcement is per connection, so messages are removed
	// explicitly as well.
	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_messages WHERE thread_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RenameThread sets an explicit title, which later messages never
// override. It reports whether the thread exists.
func (s *Store) RenameThread(ctx context.Context, ownerID, id, title string) (bool, error) {
	if ownerID == "" {
		return false, ErrOwnerRequired
	}
	clean, ok := cleanTitle(title)
	if !ok {
		return false, ErrEmptyTitle
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, title_locked = 1 WHERE id = ? AND owner_id = ?`,
		clean, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("rename thread: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
