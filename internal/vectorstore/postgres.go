package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps chunks in Postgres with the pgvector extension
// and lets the database rank them by cosine distance.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and runs migrations. dims fixes the
// vector column width; zero leaves it unconstrained.
func NewPostgresStore(ctx context.Context, dsn string, dims int, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger.With("component", "vectorstore", "driver", "postgres")}
	if err := s.migrate(ctx, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, dims int) error {
	vecType := "vector"
	if dims > 0 {
		vecType = fmt.Sprintf("vector(%d)", dims)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS kb_chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding ` + vecType + ` NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (doc_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS user_chunks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding ` + vecType + ` NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_id, doc_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_chunks_owner ON user_chunks (owner_id, doc_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// pgScope renders the table and owner predicate starting at placeholder n.
func pgScope(corpus Corpus, ownerID string, n int) (table, where string, args []any) {
	if corpus == UserStore {
		return "user_chunks", fmt.Sprintf("owner_id = $%d", n), []any{ownerID}
	}
	return "kb_chunks", "TRUE", nil
}

// ReplaceDocument deletes and re-inserts the document in one transaction.
func (s *PostgresStore) ReplaceDocument(ctx context.Context, corpus Corpus, ownerID, docID string, chunks []Chunk) error {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return err
	}
	if err := checkChunks(docID, chunks); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	table, where, args := pgScope(corpus, owner, 1)
	args = append(args, docID)
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s AND doc_id = $%d`, table, where, len(args)),
		args...,
	); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		var meta []byte
		if len(c.Metadata) > 0 {
			if meta, err = json.Marshal(c.Metadata); err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
		}
		if corpus == UserStore {
			batch.Queue(`INSERT INTO user_chunks (id, owner_id, doc_id, chunk_index, content, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6, $7::vector)`,
				id, owner, docID, c.ChunkIndex, c.Content, meta, vectorLiteral(c.Embedding))
		} else {
			batch.Queue(`INSERT INTO kb_chunks (id, doc_id, chunk_index, content, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6::vector)`,
				id, docID, c.ChunkIndex, c.Content, meta, vectorLiteral(c.Embedding))
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("document replaced", "corpus", corpus, "doc_id", docID, "chunks", len(chunks))
	return nil
}

// DeleteDocument removes every chunk of docID in the partition.
func (s *PostgresStore) DeleteDocument(ctx context.Context, corpus Corpus, ownerID, docID string) (int, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return 0, err
	}
	table, where, args := pgScope(corpus, owner, 1)
	args = append(args, docID)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s AND doc_id = $%d`, table, where, len(args)),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete document: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Search ranks by 1 - cosine distance in the database.
func (s *PostgresStore) Search(ctx context.Context, corpus Corpus, ownerID string, query []float32, opts SearchOptions) ([]SearchResult, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, ErrNoEmbedding
	}

	args := []any{vectorLiteral(query), opts.MinSimilarity, normalizeLimit(opts.Limit)}
	table, where, scopeArgs := pgScope(corpus, owner, len(args)+1)
	args = append(args, scopeArgs...)
	if opts.DocID != "" {
		args = append(args, opts.DocID)
		where += fmt.Sprintf(" AND doc_id = $%d", len(args))
	}

	q := fmt.Sprintf(`
		SELECT id, doc_id, chunk_index, content, metadata, created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE %s AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY similarity DESC, doc_id, chunk_index
		LIMIT $3`, table, where)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			c    Chunk
			meta []byte
			sim  float64
		)
		if err := rows.Scan(&c.ID, &c.DocID, &c.ChunkIndex, &c.Content, &meta, &c.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Corpus = corpus
		c.OwnerID = owner
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		results = append(results, SearchResult{Chunk: c, Similarity: sim})
	}
	return results, rows.Err()
}

// ListDocuments lists documents in the partition ordered by doc id.
func (s *PostgresStore) ListDocuments(ctx context.Context, corpus Corpus, ownerID string) ([]DocumentInfo, error) {
	owner, err := checkScope(corpus, ownerID)
	if err != nil {
		return nil, err
	}
	table, where, args := pgScope(corpus, owner, 1)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT doc_id, COUNT(*), MIN(created_at) FROM %s WHERE %s GROUP BY doc_id ORDER BY doc_id`, table, where),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentInfo
	for rows.Next() {
		var d DocumentInfo
		if err := rows.Scan(&d.DocID, &d.Chunks, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
