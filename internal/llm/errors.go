package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindRateLimit     ErrorKind = "rate_limit"
	KindUnavailable   ErrorKind = "unavailable"
	KindBadRequest    ErrorKind = "bad_request"
	KindTimeout       ErrorKind = "timeout"
	KindCanceled      ErrorKind = "canceled"
	KindMisconfigured ErrorKind = "misconfigured"
)

// ProviderError is a failed provider call.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("llm provider %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("llm provider %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("llm provider %s: %s", e.Kind, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindUnavailable
}

// KindForStatus maps an HTTP status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindUnavailable
	case status >= 500:
		return KindUnavailable
	case status == http.StatusNotFound:
		return KindMisconfigured
	default:
		return KindBadRequest
	}
}

// transportError classifies an error that happened before any response
// arrived.
func transportError(err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Kind: KindCanceled, Err: err}
	default:
		return &ProviderError{Kind: KindUnavailable, Err: err}
	}
}

// AsProviderError extracts a ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}
