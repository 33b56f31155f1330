package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainClient adapts a langchaingo [lcembeddings.Embedder].
type LangchainClient struct {
	embedder lcembeddings.Embedder
	dims     int
}

// NewLangchain builds a langchaingo OpenAI-backed embedder.
func NewLangchain(cfg Config) (*LangchainClient, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain openai client: %w", err)
	}
	emb, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create langchain embedder: %w", err)
	}
	return NewLangchainFrom(emb, cfg.Dimensions), nil
}

// NewLangchainFrom wraps an existing embedder.
func NewLangchainFrom(e lcembeddings.Embedder, dims int) *LangchainClient {
	return &LangchainClient{embedder: e, dims: dims}
}

// Embed creates an embedding for one text.
func (c *LangchainClient) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("langchain embed: %w", err)
	}
	if err := checkDims([][]float32{v}, c.dims); err != nil {
		return nil, err
	}
	return v, nil
}

// EmbedBatch creates embeddings for multiple texts.
func (c *LangchainClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("langchain embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
	}
	if err := checkDims(vecs, c.dims); err != nil {
		return nil, err
	}
	return vecs, nil
}
