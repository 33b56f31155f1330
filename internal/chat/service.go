// Package chat admits a user message, runs it through the agent and
// persists the turn. It owns the order of operations: identity, input
// validation, rate limits, thread ownership, then the model.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fernfax/foracle-v2-self-sub004/internal/agent"
	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/prompts"
	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/threads"
)

// MaxMessageLength is the longest accepted message, in characters.
const MaxMessageLength = 2000

// DefaultRequestTimeout bounds one turn, including every provider and
// tool call.
const DefaultRequestTimeout = 60 * time.Second

// Orchestrator runs one turn against the model.
type Orchestrator interface {
	Chat(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// SendRequest is an inbound chat message.
type SendRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
	Style    string `json:"style,omitempty"`
}

// SendResponse is a completed turn.
type SendResponse struct {
	Response  string              `json:"response"`
	ThreadID  string              `json:"threadId"`
	ToolsUsed []string            `json:"toolsUsed"`
	Quota     ratelimit.QuotaInfo `json:"quota"`
	Degraded  bool                `json:"degraded,omitempty"`
}

// Service is the chat entry point. It is safe for concurrent use.
type Service struct {
	threads *threads.Store
	limiter *ratelimit.Limiter
	agent   Orchestrator
	timeout time.Duration
	locks   *threadLocks
	style   string
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultStyle sets the style used when a request names none.
func WithDefaultStyle(style string) Option {
	return func(s *Service) { s.style = style }
}

// NewService creates a chat service. A non-positive timeout uses
// DefaultRequestTimeout.
func NewService(store *threads.Store, limiter *ratelimit.Limiter, orch Orchestrator, timeout time.Duration, logger *slog.Logger, opts ...Option) *Service {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		threads: store,
		limiter: limiter,
		agent:   orch,
		timeout: timeout,
		locks:   newThreadLocks(),
		logger:  logger.With("component", "chat"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func validateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return &Error{Code: CodeInvalidRequest, Message: msgEmpty}
	}
	if utf8.RuneCountInString(msg) > MaxMessageLength {
		return &Error{Code: CodeInvalidRequest, Message: msgTooLong}
	}
	return nil
}

// Send runs one turn for userID. Every failure is a *Error.
func (s *Service) Send(ctx context.Context, userID string, req SendRequest) (*SendResponse, error) {
	if userID == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	if err := validateMessage(req.Message); err != nil {
		return nil, err
	}
	log := s.logger.With("user_id", userID, "thread_id", req.ThreadID)

	var thread *threads.Thread
	if req.ThreadID != "" {
		// Admission and continuation ids are read under the lock so a
		// queued turn sees the previous turn's burst entry and response.
		unlock := s.locks.lock(req.ThreadID)
		defer unlock()
	}

	decision, err := s.limiter.CheckRateLimits(ctx, userID, req.ThreadID)
	if err != nil {
		log.Error("rate limit check failed", "error", err)
		return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Err: err}
	}
	if !decision.Allowed {
		quota := decision.Quota
		return nil, &Error{Code: CodeRateLimited, Message: decision.Error, Quota: &quota, ThreadID: req.ThreadID}
	}

	if req.ThreadID != "" {
		thread, err = s.threads.GetThread(ctx, userID, req.ThreadID)
		if errors.Is(err, threads.ErrNotFound) {
			return nil, &Error{Code: CodeNotFound, Message: msgNotFound, ThreadID: req.ThreadID}
		}
		if err != nil {
			log.Error("failed to load thread", "error", err)
			return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Err: err}
		}
	}

	quota, err := s.limiter.RecordMessage(ctx, userID, req.ThreadID)
	switch {
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return nil, &Error{
			Code:     CodeRateLimited,
			Message:  fmt.Sprintf("You've reached your daily limit of %d messages.", quota.Limit),
			Quota:    &quota,
			ThreadID: req.ThreadID,
		}
	case errors.Is(err, ratelimit.ErrBurstExceeded):
		return nil, &Error{Code: CodeRateLimited, Message: ratelimit.BurstMessage, Quota: &quota, ThreadID: req.ThreadID}
	case err != nil:
		log.Error("failed to record message", "error", err)
		return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Err: err}
	}

	if thread == nil {
		thread, err = s.threads.CreateThread(ctx, userID, req.Message)
		if err != nil {
			log.Error("failed to create thread", "error", err)
			return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Quota: &quota, Err: err}
		}
		s.limiter.RecordThread(thread.ID)
		unlock := s.locks.lock(thread.ID)
		defer unlock()
		log = log.With("thread_id", thread.ID)
		log.Info("thread created")
	}

	if _, err := s.threads.AddMessage(ctx, userID, thread.ID, threads.RoleUser, req.Message, nil); err != nil {
		log.Error("failed to append user message", "error", err)
		return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Quota: &quota, ThreadID: thread.ID, Err: err}
	}

	style := req.Style
	if style == "" {
		style = s.style
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.agent.Chat(turnCtx, agent.Request{
		UserID:             userID,
		ThreadID:           thread.ID,
		Message:            req.Message,
		PreviousResponseID: thread.LastResponseID,
		ConversationID:     thread.ConversationID,
		Style:              prompts.ParseStyle(style),
	})
	if err != nil {
		return nil, s.turnFailed(ctx, turnCtx, log, userID, thread.ID, quota, err)
	}

	if _, err := s.threads.AddMessage(ctx, userID, thread.ID, threads.RoleAssistant, res.Response, res.ToolsUsed); err != nil {
		log.Error("failed to append assistant message", "error", err)
		return nil, &Error{Code: CodeProcessingError, Message: msgProcessing, Quota: &quota, ThreadID: thread.ID, Err: err}
	}
	if err := s.threads.UpdateResponseID(ctx, userID, thread.ID, res.ResponseID, res.ConversationID); err != nil {
		// The answer is already stored; the next turn starts without
		// provider-side history.
		log.Warn("failed to store continuation ids", "error", err)
	}

	toolsUsed := res.ToolsUsed
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	return &SendResponse{
		Response:  res.Response,
		ThreadID:  thread.ID,
		ToolsUsed: toolsUsed,
		Quota:     quota,
		Degraded:  res.Degraded,
	}, nil
}

// turnFailed classifies an agent failure and applies its persistence
// rule. Timeouts and unavailable providers leave only the user message;
// other failures append an assistant message so the thread reads
// coherently.
func (s *Service) turnFailed(ctx, turnCtx context.Context, log *slog.Logger, userID, threadID string, quota ratelimit.QuotaInfo, err error) error {
	fail := &Error{Quota: &quota, ThreadID: threadID, Err: err}

	pe, _ := agent.IsProviderFailure(err)
	switch {
	case turnCtx.Err() != nil || (pe != nil && (pe.Kind == llm.KindTimeout || pe.Kind == llm.KindCanceled)):
		log.Warn("turn timed out", "timeout", s.timeout, "error", err)
		fail.Code, fail.Message = CodeTimeout, msgTimeout
		return fail
	case pe != nil && (pe.Kind == llm.KindAuth || pe.Kind == llm.KindMisconfigured || pe.Kind == llm.KindUnavailable):
		log.Error("provider unavailable", "kind", pe.Kind, "error", err)
		fail.Code, fail.Message = CodeServiceUnavailable, msgMisconfigured
		return fail
	}

	log.Error("turn failed", "error", err)
	fail.Code, fail.Message = CodeProcessingError, UserMessage(err)
	if _, aerr := s.threads.AddMessage(context.WithoutCancel(ctx), userID, threadID, threads.RoleAssistant, fail.Message, nil); aerr != nil {
		log.Warn("failed to append failure message", "error", aerr)
	}
	return fail
}
