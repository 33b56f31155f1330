// Package vectorstore persists embedded chunks in two physically
// separate partitions: a shared knowledge base and per-user documents.
// Every user-corpus query carries the owner predicate; there is no code
// path that searches user documents without one.
package vectorstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Corpus names a partition.
type Corpus string

const (
	// KnowledgeBase is the global, ownerless corpus.
	KnowledgeBase Corpus = "knowledge-base"
	// UserStore holds documents owned by exactly one user.
	UserStore Corpus = "user-store"
)

// Valid reports whether c is a known corpus.
func (c Corpus) Valid() bool {
	return c == KnowledgeBase || c == UserStore
}

// Errors returned by stores.
var (
	ErrOwnerRequired = errors.New("owner id required for user-store corpus")
	ErrUnknownCorpus = errors.New("unknown corpus")
	ErrNoEmbedding   = errors.New("chunk has no embedding")
)

// Search limits.
const (
	DefaultLimit = 5
	MaxLimit     = 50
)

// Chunk is one embedded passage.
type Chunk struct {
	ID         string
	Corpus     Corpus
	OwnerID    string // empty for the knowledge base
	DocID      string
	ChunkIndex int
	Content    string
	Metadata   map[string]string
	Embedding  []float32
	CreatedAt  time.Time
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
	DocID         string // optional: restrict to one document
}

// SearchResult is a scored chunk. The embedding is not returned.
type SearchResult struct {
	Chunk      Chunk
	Similarity float64
}

// DocumentInfo summarizes a stored document.
type DocumentInfo struct {
	DocID     string
	Chunks    int
	CreatedAt time.Time
}

// Store is a partitioned vector store.
type Store interface {
	// ReplaceDocument atomically deletes every chunk of docID and
	// inserts chunks in its place.
	ReplaceDocument(ctx context.Context, corpus Corpus, ownerID, docID string, chunks []Chunk) error
	// DeleteDocument removes docID and reports how many chunks went.
	DeleteDocument(ctx context.Context, corpus Corpus, ownerID, docID string) (int, error)
	// Search returns chunks by descending cosine similarity to query.
	Search(ctx context.Context, corpus Corpus, ownerID string, query []float32, opts SearchOptions) ([]SearchResult, error)
	// ListDocuments lists documents in the partition.
	ListDocuments(ctx context.Context, corpus Corpus, ownerID string) ([]DocumentInfo, error)
	Close() error
}

// checkScope validates the corpus and owner for an operation and
// returns the owner to use (always empty for the knowledge base).
func checkScope(corpus Corpus, ownerID string) (string, error) {
	switch corpus {
	case KnowledgeBase:
		return "", nil
	case UserStore:
		if ownerID == "" {
			return "", ErrOwnerRequired
		}
		return ownerID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCorpus, corpus)
	}
}

func checkChunks(docID string, chunks []Chunk) error {
	if docID == "" {
		return errors.New("doc id required")
	}
	dims := -1
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk %d: %w", i, ErrNoEmbedding)
		}
		if dims >= 0 && len(c.Embedding) != dims {
			return fmt.Errorf("chunk %d has %d dimensions, expected %d", i, len(c.Embedding), dims)
		}
		dims = len(c.Embedding)
	}
	return nil
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// SortResults orders by descending similarity, then doc id and chunk
// index so equal scores come back in a stable order.
func SortResults(results []SearchResult) {
	slices.SortStableFunc(results, func(a, b SearchResult) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Chunk.DocID, b.Chunk.DocID); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.ChunkIndex, b.Chunk.ChunkIndex)
	})
}
