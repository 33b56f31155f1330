package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fernfax/foracle-v2-self-sub004/internal/embeddings"
)

// SQLiteStore keeps chunks in SQLite and scores them in Go. Suitable
// for a single node with corpora of a few tens of thousands of chunks.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store on an open database and runs migrations.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger.With("component", "vectorstore")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kb_chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(doc_id, chunk_index)
		);
		CREATE TABLE IF NOT EXISTS user_chunks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, doc_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS idx_user_chunks_owner ON user_chunks(owner_id, doc_id);
	`)
	return err
}

// scope renders the table and WHERE clause for a partition. The owner
// predicate is always present for the user store.
func scope(corpus Corpus, ownerID string) (table, where string, args []any) {
	if corpus == UserStore {
		return "user_chunks", "owner_id = ?", []any{ownerID}
	}
	return "kb_chunks", "1 = 1", nil
}

// ReplaceDocument deletes the document's chunks and inserts the new set
// in one transaction.
func (s *SQLiteStore) ReplaceDocument(ctx context.Context, corpus Corpus, ownerID, docID string, chunks []Chunk) error {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return err
	}
	if err := checkChunks(docID, chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	table, where, args := scope(corpus, owner)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+where+` AND doc_id = ?`,
		append(args, docID)...,
	); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}

		if corpus == UserStore {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO user_chunks (id, owner_id, doc_id, chunk_index, content, metadata, embedding, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id, owner, docID, c.ChunkIndex, c.Content, meta, encodeEmbedding(c.Embedding), now,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kb_chunks (id, doc_id, chunk_index, content, metadata, embedding, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, docID, c.ChunkIndex, c.Content, meta, encodeEmbedding(c.Embedding), now,
			)
		}
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("document replaced", "corpus", corpus, "doc_id", docID, "chunks", len(chunks))
	return nil
}

// DeleteDocument removes every chunk of docID in the partition.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, corpus Corpus, ownerID, docID string) (int, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return 0, err
	}
	table, where, args := scope(corpus, owner)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+where+` AND doc_id = ?`,
		append(args, docID)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete document: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Search scores every candidate chunk in the partition against query.
func (s *SQLiteStore) Search(ctx context.Context, corpus Corpus, ownerID string, query []float32, opts SearchOptions) ([]SearchResult, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, ErrNoEmbedding
	}

	table, where, args := scope(corpus, owner)
	q := `SELECT id, doc_id, chunk_index, content, metadata, embedding, created_at FROM ` + table + ` WHERE ` + where
	if opts.DocID != "" {
		q += ` AND doc_id = ?`
		args = append(args, opts.DocID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			c         Chunk
			meta      sql.NullString
			blob      []byte
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Content, &meta, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}

		sim := float64(embeddings.CosineSimilarity(query, decodeEmbedding(blob)))
		if sim < opts.MinSimilarity {
			continue
		}

		c.Corpus = corpus
		c.OwnerID = owner
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if c.Metadata, err = decodeMetadata(meta.String); err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Chunk: c, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortResults(results)
	if limit := normalizeLimit(opts.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListDocuments lists documents in the partition ordered by doc id.
func (s *SQLiteStore) ListDocuments(ctx context.Context, corpus Corpus, ownerID string) ([]DocumentInfo, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return nil, err
	}
	table, where, args := scope(corpus, owner)
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, COUNT(*), MIN(created_at) FROM `+table+` WHERE `+where+` GROUP BY doc_id ORDER BY doc_id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var d DocumentInfo
		var createdAt string
		if err := rows.Scan(&d.DocID, &d.Chunks, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Close is a no-op; the caller owns the database handle.
func (s *SQLiteStore) Close() error { return nil }

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
