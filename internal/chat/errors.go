package chat

import (
	"errors"
	"strings"

	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
)

// Code is a machine-readable failure category returned to callers.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeProcessingError    Code = "PROCESSING_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeNotFound           Code = "NOT_FOUND"
)

// Error is a turn failure safe to show the user. Err holds the
// underlying cause for logging and is never rendered.
type Error struct {
	Code     Code
	Message  string
	Quota    *ratelimit.QuotaInfo
	ThreadID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var ce *Error
	ok := errors.As(err, &ce)
	return ce, ok
}

// Canned user-facing messages.
const (
	msgUnauthorized  = "Please sign in to use the assistant."
	msgEmpty         = "Please enter a message."
	msgTooLong       = "Your message is too long. Please keep it under 2000 characters."
	msgNotFound      = "That conversation could not be found."
	msgMisconfigured = "The assistant is not available right now. Please try again later."
	msgTimeout       = "The assistant took too long to respond. Please try again."
	msgProviderBusy  = "The assistant is busy right now. Please wait a moment and try again."
	msgProcessing    = "Sorry, something went wrong while answering your question. Please try again."
)

// userMessages maps known substrings of upstream errors to canned
// phrasing. Order matters: the first match wins.
var userMessages = []struct {
	needles []string
	message string
}{
	{[]string{"unauthorized", "invalid api key", "incorrect api key", "forbidden"}, msgMisconfigured},
	{[]string{"timeout", "timed out", "deadline exceeded"}, msgTimeout},
	{[]string{"rate limit", "429", "quota", "too many requests"}, msgProviderBusy},
}

// UserMessage turns any error into text that is safe to show the user.
// Raw upstream text is never returned.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := AsError(err); ok && ce.Message != "" {
		return ce.Message
	}
	if pe, ok := llm.AsProviderError(err); ok {
		switch pe.Kind {
		case llm.KindAuth, llm.KindMisconfigured, llm.KindUnavailable:
			return msgMisconfigured
		case llm.KindTimeout:
			return msgTimeout
		case llm.KindRateLimit:
			return msgProviderBusy
		}
	}
	lower := strings.ToLower(err.Error())
	for _, m := range userMessages {
		for _, n := range m.needles {
			if strings.Contains(lower, n) {
				return m.message
			}
		}
	}
	return msgProcessing
}
