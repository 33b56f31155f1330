package embeddings

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/fernfax/foracle-v2-self-sub004/internal/retry"
)

// Throttled limits the rate of outbound embedding requests.
type Throttled struct {
	next    Client
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of rps and burst.
func NewThrottled(next Client, rps float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for one token then embeds.
func (t *Throttled) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Embed(ctx, text)
}

// EmbedBatch waits for one token per text then embeds the batch.
func (t *Throttled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for range texts {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.next.EmbedBatch(ctx, texts)
}

// Retrying retries transient provider failures.
type Retrying struct {
	next   Client
	cfg    retry.Config
	logger *slog.Logger
}

// NewRetrying wraps next with cfg's backoff.
func NewRetrying(next Client, cfg retry.Config, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg, logger: logger.With("component", "embeddings")}
}

// Embed embeds one text with retries.
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := retry.Do(ctx, r.cfg, r.logger, nil, func(ctx context.Context) error {
		var err error
		out, err = r.next.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch embeds a batch with retries.
func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retry.Do(ctx, r.cfg, r.logger, nil, func(ctx context.Context) error {
		var err error
		out, err = r.next.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}
