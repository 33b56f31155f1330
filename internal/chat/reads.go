package chat

import (
	"context"
	"errors"

	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/threads"
)

func (s *Service) storeError(err error) error {
	switch {
	case errors.Is(err, threads.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: msgNotFound}
	case errors.Is(err, threads.ErrOwnerRequired):
		return &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	case errors.Is(err, threads.ErrEmptyTitle):
		return &Error{Code: CodeInvalidRequest, Message: "Please enter a title.", Err: err}
	}
	s.logger.Error("thread store failed", "error", err)
	return &Error{Code: CodeProcessingError, Message: msgProcessing, Err: err}
}

// Threads lists the caller's threads, most recently updated first.
func (s *Service) Threads(ctx context.Context, userID string) ([]threads.Summary, error) {
	if userID == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	list, err := s.threads.ListThreads(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return list, nil
}

// Thread returns one of the caller's threads with its messages.
func (s *Service) Thread(ctx context.Context, userID, threadID string) (*threads.Thread, error) {
	if userID == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	t, err := s.threads.GetThread(ctx, userID, threadID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return t, nil
}

// DeleteThread removes one of the caller's threads. The thread lock is
// held so an in-flight turn finishes first.
func (s *Service) DeleteThread(ctx context.Context, userID, threadID string) error {
	if userID == "" {
		return &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	unlock := s.locks.lock(threadID)
	defer unlock()

	ok, err := s.threads.DeleteThread(ctx, userID, threadID)
	if err != nil {
		return s.storeError(err)
	}
	if !ok {
		return &Error{Code: CodeNotFound, Message: msgNotFound}
	}
	s.logger.Info("thread deleted", "user_id", userID, "thread_id", threadID)
	return nil
}

// RenameThread sets an explicit title on one of the caller's threads.
func (s *Service) RenameThread(ctx context.Context, userID, threadID, title string) error {
	if userID == "" {
		return &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	ok, err := s.threads.RenameThread(ctx, userID, threadID, title)
	if err != nil {
		return s.storeError(err)
	}
	if !ok {
		return &Error{Code: CodeNotFound, Message: msgNotFound}
	}
	return nil
}

// Quota returns the caller's daily usage.
func (s *Service) Quota(ctx context.Context, userID string) (ratelimit.QuotaInfo, error) {
	if userID == "" {
		return ratelimit.QuotaInfo{}, &Error{Code: CodeUnauthorized, Message: msgUnauthorized}
	}
	q, err := s.limiter.QuotaInfo(ctx, userID)
	if err != nil {
		s.logger.Error("quota lookup failed", "user_id", userID, "error", err)
		return ratelimit.QuotaInfo{}, &Error{Code: CodeProcessingError, Message: msgProcessing, Err: err}
	}
	return q, nil
}
