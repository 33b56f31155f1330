// Package retrieval composes the chunker, an embeddings client and a
// vector store into document ingestion and similarity search over the
// knowledge base and each user's private documents.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fernfax/foracle-v2-self-sub004/internal/chunker"
	"github.com/fernfax/foracle-v2-self-sub004/internal/embeddings"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// Document is raw text to ingest.
type Document struct {
	DocID    string
	Content  string
	Metadata map[string]string
}

// IngestResult reports what an ingestion produced.
type IngestResult struct {
	ChunksCreated       int `json:"chunksCreated"`
	EmbeddingsGenerated int `json:"embeddingsGenerated"`
}

// Result is a search hit tagged with the corpus it came from.
type Result struct {
	Chunk      vectorstore.Chunk
	Similarity float64
	Source     vectorstore.Corpus
}

// Service runs ingestion and search.
type Service struct {
	store    vectorstore.Store
	embedder embeddings.Client
	chunking chunker.Config
	logger   *slog.Logger
}

// NewService creates a retrieval service.
func NewService(store vectorstore.Store, embedder embeddings.Client, chunking chunker.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		chunking: chunking,
		logger:   logger.With("component", "retrieval"),
	}
}

// Ingest chunks, embeds and stores doc, replacing any previous version
// of the same doc id. If embedding fails the stored version is left
// untouched.
func (s *Service) Ingest(ctx context.Context, corpus vectorstore.Corpus, ownerID string, doc Document) (IngestResult, error) {
	if strings.TrimSpace(doc.DocID) == "" {
		return IngestResult{}, errors.New("doc id required")
	}
	if corpus == vectorstore.UserStore && ownerID == "" {
		return IngestResult{}, vectorstore.ErrOwnerRequired
	}

	pieces := chunker.Chunk(doc.Content, s.chunking)
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}

	var vecs [][]float32
	if len(texts) > 0 {
		var err error
		vecs, err = s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return IngestResult{}, fmt.Errorf("embed %s: %w", doc.DocID, err)
		}
		if len(vecs) != len(texts) {
			return IngestResult{}, fmt.Errorf("embed %s: got %d vectors for %d chunks", doc.DocID, len(vecs), len(texts))
		}
	}

	chunks := make([]vectorstore.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = vectorstore.Chunk{
			Corpus:     corpus,
			OwnerID:    ownerID,
			DocID:      doc.DocID,
			ChunkIndex: p.Index,
			Content:    p.Content,
			Metadata:   maps.Clone(doc.Metadata),
			Embedding:  vecs[i],
		}
	}

	if err := s.store.ReplaceDocument(ctx, corpus, ownerID, doc.DocID, chunks); err != nil {
		return IngestResult{}, fmt.Errorf("store %s: %w", doc.DocID, err)
	}

	s.logger.Info("document ingested",
		"corpus", corpus,
		"doc_id", doc.DocID,
		"chunks", len(chunks),
	)
	return IngestResult{ChunksCreated: len(chunks), EmbeddingsGenerated: len(vecs)}, nil
}

// Search embeds query and searches one corpus.
func (s *Service) Search(ctx context.Context, corpus vectorstore.Corpus, ownerID, query string, opts vectorstore.SearchOptions) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.searchVector(ctx, corpus, ownerID, vec, opts)
}

func (s *Service) searchVector(ctx context.Context, corpus vectorstore.Corpus, ownerID string, vec []float32, opts vectorstore.SearchOptions) ([]Result, error) {
	hits, err := s.store.Search(ctx, corpus, ownerID, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", corpus, err)
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{Chunk: h.Chunk, Similarity: h.Similarity, Source: corpus}
	}
	return out, nil
}

// SearchAll searches the knowledge base and userID's documents
// concurrently and merges the hits by similarity. A failure in one
// corpus is logged and the other's hits are returned; an error is
// returned only when every searched corpus fails. An empty userID
// searches the knowledge base only.
func (s *Service) SearchAll(ctx context.Context, userID, query string, opts vectorstore.SearchOptions) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	searchedUserCorpus := userID != ""
	var (
		g                errgroup.Group
		kbHits, userHits []Result
		kbErr, userErr   error
	)
	g.Go(func() error {
		kbHits, kbErr = s.searchVector(ctx, vectorstore.KnowledgeBase, "", vec, opts)
		return nil
	})
	if searchedUserCorpus {
		g.Go(func() error {
			userHits, userErr = s.searchVector(ctx, vectorstore.UserStore, userID, vec, opts)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case kbErr != nil && (userErr != nil || !searchedUserCorpus):
		return nil, errors.Join(kbErr, userErr)
	case kbErr != nil:
		s.logger.Warn("knowledge base search failed", "error", kbErr)
	case userErr != nil:
		s.logger.Warn("user document search failed", "user_id", userID, "error", userErr)
	}

	merged := append(kbHits, userHits...)
	sortResults(merged)
	limit := opts.Limit
	if limit <= 0 {
		limit = vectorstore.DefaultLimit
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// DeleteDocument removes a document from a corpus.
func (s *Service) DeleteDocument(ctx context.Context, corpus vectorstore.Corpus, ownerID, docID string) (int, error) {
	return s.store.DeleteDocument(ctx, corpus, ownerID, docID)
}

// ListDocuments lists the documents in a corpus.
func (s *Service) ListDocuments(ctx context.Context, corpus vectorstore.Corpus, ownerID string) ([]vectorstore.DocumentInfo, error) {
	return s.store.ListDocuments(ctx, corpus, ownerID)
}

// sortResults orders by descending similarity with a stable
// doc id, chunk index and corpus tie-break.
func sortResults(rs []Result) {
	slices.SortStableFunc(rs, func(a, b Result) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Chunk.DocID, b.Chunk.DocID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Chunk.ChunkIndex, b.Chunk.ChunkIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
}
