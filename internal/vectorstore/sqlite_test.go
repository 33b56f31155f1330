package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func chunk(idx int, content string, emb ...float32) Chunk {
	return Chunk{ChunkIndex: idx, Content: content, Embedding: emb}
}

func docIDs(results []SearchResult) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.Chunk.DocID+"/"+r.Chunk.Content)
	}
	return out
}

func TestSQLiteStore_UserIsolation(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if err := s.ReplaceDocument(ctx, UserStore, "alice", "payslip", []Chunk{chunk(0, "alice salary", 1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceDocument(ctx, UserStore, "bob", "payslip", []Chunk{chunk(0, "bob salary", 1, 0)}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, UserStore, "alice", []float32{1, 0}, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Chunk.OwnerID != "alice" || results[0].Chunk.Content != "alice salary" {
		t.Errorf("got %+v, want alice's chunk only", results[0].Chunk)
	}
}

func TestSQLiteStore_OwnerRequired(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.Search(ctx, UserStore, "", []float32{1}, SearchOptions{}); !errors.Is(err, ErrOwnerRequired) {
		t.Errorf("Search without owner: %v", err)
	}
	if err := s.ReplaceDocument(ctx, UserStore, "", "d", []Chunk{chunk(0, "x", 1)}); !errors.Is(err, ErrOwnerRequired) {
		t.Errorf("ReplaceDocument without owner: %v", err)
	}
	if _, err := s.DeleteDocument(ctx, UserStore, "", "d"); !errors.Is(err, ErrOwnerRequired) {
		t.Errorf("DeleteDocument without owner: %v", err)
	}
	if _, err := s.Search(ctx, Corpus("shared"), "a", []float32{1}, SearchOptions{}); !errors.Is(err, ErrUnknownCorpus) {
		t.Errorf("unknown corpus: %v", err)
	}
}

func TestSQLiteStore_CorporaSeparate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	s.ReplaceDocument(ctx, KnowledgeBase, "", "cpf-guide", []Chunk{chunk(0, "cpf rates", 1, 0)})
	s.ReplaceDocument(ctx, UserStore, "alice", "notes", []Chunk{chunk(0, "my notes", 1, 0)})

	kb, _ := s.Search(ctx, KnowledgeBase, "alice", []float32{1, 0}, SearchOptions{})
	if diff := cmp.Diff([]string{"cpf-guide/cpf rates"}, docIDs(kb)); diff != "" {
		t.Errorf("knowledge base (-want +got):\n%s", diff)
	}
	user, _ := s.Search(ctx, UserStore, "alice", []float32{1, 0}, SearchOptions{})
	if diff := cmp.Diff([]string{"notes/my notes"}, docIDs(user)); diff != "" {
		t.Errorf("user store (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_ReplaceIsFull(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	s.ReplaceDocument(ctx, KnowledgeBase, "", "guide", []Chunk{
		chunk(0, "old one", 1, 0),
		chunk(1, "old two", 1, 0),
		chunk(2, "old three", 1, 0),
	})
	if err := s.ReplaceDocument(ctx, KnowledgeBase, "", "guide", []Chunk{chunk(0, "new one", 1, 0)}); err != nil {
		t.Fatal(err)
	}

	results, _ := s.Search(ctx, KnowledgeBase, "", []float32{1, 0}, SearchOptions{Limit: 10})
	if diff := cmp.Diff([]string{"guide/new one"}, docIDs(results)); diff != "" {
		t.Errorf("after replace (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_RankingAndFilters(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	s.ReplaceDocument(ctx, KnowledgeBase, "", "b-doc", []Chunk{
		chunk(0, "exact", 1, 0),
		chunk(1, "close", 0.9, 0.1),
	})
	s.ReplaceDocument(ctx, KnowledgeBase, "", "a-doc", []Chunk{
		chunk(0, "also exact", 2, 0),
		chunk(1, "orthogonal", 0, 1),
	})

	results, err := s.Search(ctx, KnowledgeBase, "", []float32{1, 0}, SearchOptions{MinSimilarity: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a-doc/also exact", "b-doc/exact", "b-doc/close"}
	if diff := cmp.Diff(want, docIDs(results)); diff != "" {
		t.Errorf("ranking (-want +got):\n%s", diff)
	}
	if math.Abs(results[0].Similarity-1) > 1e-6 {
		t.Errorf("top similarity = %v, want 1", results[0].Similarity)
	}

	results, _ = s.Search(ctx, KnowledgeBase, "", []float32{1, 0}, SearchOptions{Limit: 1, DocID: "b-doc"})
	if diff := cmp.Diff([]string{"b-doc/exact"}, docIDs(results)); diff != "" {
		t.Errorf("doc filter (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_MetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	c := chunk(0, "text", 1)
	c.Metadata = map[string]string{"title": "CPF Guide"}
	s.ReplaceDocument(ctx, KnowledgeBase, "", "guide", []Chunk{c})

	results, _ := s.Search(ctx, KnowledgeBase, "", []float32{1}, SearchOptions{})
	if diff := cmp.Diff(map[string]string{"title": "CPF Guide"}, results[0].Chunk.Metadata); diff != "" {
		t.Errorf("metadata (-want +got):\n%s", diff)
	}
}

func TestSQLiteStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	s.ReplaceDocument(ctx, UserStore, "alice", "a", []Chunk{chunk(0, "x", 1), chunk(1, "y", 1)})
	s.ReplaceDocument(ctx, UserStore, "alice", "b", []Chunk{chunk(0, "z", 1)})
	s.ReplaceDocument(ctx, UserStore, "bob", "a", []Chunk{chunk(0, "w", 1)})

	docs, err := s.ListDocuments(ctx, UserStore, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].DocID != "a" || docs[0].Chunks != 2 {
		t.Errorf("ListDocuments = %+v", docs)
	}

	n, err := s.DeleteDocument(ctx, UserStore, "alice", "a")
	if err != nil || n != 2 {
		t.Fatalf("DeleteDocument = %d, %v", n, err)
	}

	bob, _ := s.Search(ctx, UserStore, "bob", []float32{1}, SearchOptions{})
	if len(bob) != 1 {
		t.Errorf("bob's document should survive alice's delete, got %d results", len(bob))
	}
}

func TestSQLiteStore_RejectsMissingEmbedding(t *testing.T) {
	s := setupTestStore(t)
	err := s.ReplaceDocument(context.Background(), KnowledgeBase, "", "d", []Chunk{{ChunkIndex: 0, Content: "x"}})
	if !errors.Is(err, ErrNoEmbedding) {
		t.Errorf("expected ErrNoEmbedding, got %v", err)
	}
}

func TestEmbeddingEncodeDecode(t *testing.T) {
	original := []float32{0.1, -2.5, 3.75, 0}
	if diff := cmp.Diff(original, decodeEmbedding(encodeEmbedding(original))); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if encodeEmbedding(nil) != nil || decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("empty or malformed input should yield nil")
	}
}
