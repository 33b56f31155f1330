package llm

import (
	"context"
	"log/slog"

	"github.com/fernfax/foracle-v2-self-sub004/internal/retry"
)

// RetryingClient retries rate-limited and unavailable provider calls
// with bounded backoff. After the retries run out the last error is
// returned unchanged.
type RetryingClient struct {
	next   Client
	cfg    retry.Config
	logger *slog.Logger
}

// NewRetryingClient wraps next.
func NewRetryingClient(next Client, cfg retry.Config, logger *slog.Logger) *RetryingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{next: next, cfg: cfg, logger: logger.With("component", "llm")}
}

// Respond calls the wrapped client with retries.
func (r *RetryingClient) Respond(ctx context.Context, req Request) (*Response, error) {
	var out *Response
	err := retry.Do(ctx, r.cfg, r.logger, shouldRetry, func(ctx context.Context) error {
		var err error
		out, err = r.next.Respond(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping is not retried.
func (r *RetryingClient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// shouldRetry trusts ProviderError classification and falls back to
// the generic transient check for anything else.
func shouldRetry(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	return retry.IsRetryableError(err)
}
