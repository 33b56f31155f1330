// Package embeddings turns text into fixed-dimension vectors for the
// retrieval pipeline. Providers sit behind [Client] so the vector store
// and retrieval service never see which backend produced a vector.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/fernfax/foracle-v2-self-sub004/internal/retry"
)

// Client generates embeddings.
type Client interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrDimensionMismatch is returned when a provider produces a vector of
// the wrong length for the configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Config selects and configures a provider.
type Config struct {
	Provider   string // ollama, openai, langchain
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int // 0 accepts whatever the provider returns

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int

	Retry retry.Config
}

// New builds the configured provider wrapped with retries and, when
// configured, a request throttle.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var base Client
	switch cfg.Provider {
	case "ollama":
		base = NewOllama(cfg)
	case "openai", "":
		base = NewOpenAI(cfg)
	case "langchain":
		lc, err := NewLangchain(cfg)
		if err != nil {
			return nil, err
		}
		base = lc
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		base = NewThrottled(base, cfg.RequestsPerSecond, cfg.Burst)
	}
	return NewRetrying(base, cfg.Retry, logger), nil
}

// StatusError is a non-200 response from an embeddings endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embeddings returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// checkDims verifies every vector has the wanted length.
func checkDims(vecs [][]float32, want int) error {
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if want > 0 && len(v) != want {
			return fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), want)
		}
	}
	return nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
