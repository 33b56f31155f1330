package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// ContextOptions controls BuildContext.
type ContextOptions struct {
	MaxLength       int // in runes; zero means unlimited
	IncludeMetadata bool
}

// BuildContext renders results in similarity order, each under a
// source header, separated by blank lines. It stops at the first
// result that would push the text past MaxLength, so no chunk is ever
// cut short.
func BuildContext(results []Result, opts ContextOptions) string {
	ordered := slices.Clone(results)
	sortResults(ordered)

	var sb strings.Builder
	used := 0
	for _, r := range ordered {
		block := formatResult(r, opts.IncludeMetadata)
		cost := utf8.RuneCountInString(block)
		if sb.Len() > 0 {
			cost += 2
		}
		if opts.MaxLength > 0 && used+cost > opts.MaxLength {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block)
		used += cost
	}
	return sb.String()
}

func formatResult(r Result, withMeta bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Source: %s/%s#%d]\n", r.Source, r.Chunk.DocID, r.Chunk.ChunkIndex)
	if withMeta && len(r.Chunk.Metadata) > 0 {
		keys := make([]string, 0, len(r.Chunk.Metadata))
		for k := range r.Chunk.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + r.Chunk.Metadata[k]
		}
		fmt.Fprintf(&sb, "Metadata: %s\n", strings.Join(pairs, ", "))
	}
	sb.WriteString(r.Chunk.Content)
	return sb.String()
}

// ContextProvider supplies retrieved passages for a chat turn.
// Retrieval failures are logged and yield no context; a turn never
// fails because retrieval is unavailable.
type ContextProvider struct {
	svc    *Service
	search vectorstore.SearchOptions
	format ContextOptions
	logger *slog.Logger
}

// NewContextProvider creates a provider over svc.
func NewContextProvider(svc *Service, search vectorstore.SearchOptions, opts ContextOptions, logger *slog.Logger) *ContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextProvider{
		svc:    svc,
		search: search,
		format: opts,
		logger: logger.With("component", "retrieval_context"),
	}
}

// GetContext returns formatted passages relevant to message for userID.
func (p *ContextProvider) GetContext(ctx context.Context, userID, message string) (string, error) {
	results, err := p.svc.SearchAll(ctx, userID, message, p.search)
	if err != nil {
		p.logger.Warn("retrieval unavailable, continuing without context",
			"user_id", userID,
			"error", err,
		)
		return "", nil
	}
	if len(results) == 0 {
		return "", nil
	}
	p.logger.Debug("retrieved context", "user_id", userID, "results", len(results))
	return BuildContext(results, p.format), nil
}
