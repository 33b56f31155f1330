// Package agent turns one user message into zero or more tool calls and
// a final answer by driving the model provider in a bounded loop.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fernfax/foracle-v2-self-sub004/internal/config"
	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/prompts"
	"github.com/fernfax/foracle-v2-self-sub004/internal/tools"
	"github.com/fernfax/foracle-v2-self-sub004/internal/usage"
)

// DefaultMaxIterations caps provider round-trips per turn.
const DefaultMaxIterations = 8

// maxParallelTools bounds concurrent tool calls within one step.
const maxParallelTools = 4

// ToolExecutor is the tool registry as seen by the loop.
type ToolExecutor interface {
	Declarations() []tools.Definition
	Execute(ctx context.Context, userID, name string, rawArgs json.RawMessage) tools.Result
}

// UsageRecorder stores per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Request is one user turn.
type Request struct {
	UserID             string
	ThreadID           string
	Message            string
	PreviousResponseID string
	ConversationID     string
	Style              prompts.Style
}

// Result is the outcome of a turn.
type Result struct {
	Response       string
	ToolsUsed      []string
	ResponseID     string
	ConversationID string
	Iterations     int
	Degraded       bool
	InputTokens    int
	OutputTokens   int
}

// ProviderFailure reports that the model provider failed and the turn
// was aborted.
type ProviderFailure struct {
	Iteration int
	Err       error
}

func (e *ProviderFailure) Error() string {
	return fmt.Sprintf("provider failed on iteration %d: %v", e.Iteration, e.Err)
}

func (e *ProviderFailure) Unwrap() error { return e.Err }

// Config tunes the loop.
type Config struct {
	Model         string
	MaxIterations int
	Pricing       map[string]config.PricingEntry
}

// Option configures a Loop.
type Option func(*Loop)

// WithContextProvider adds retrieved context to each turn.
func WithContextProvider(p ContextProvider) Option {
	return func(l *Loop) { l.context = p }
}

// WithUsageRecorder records token usage per provider call.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(l *Loop) { l.usage = u }
}

// Loop is the agent execution loop. It holds no per-turn state and is
// safe for concurrent use.
type Loop struct {
	llm     llm.Client
	tools   ToolExecutor
	context ContextProvider
	usage   UsageRecorder
	cfg     Config
	logger  *slog.Logger
}

// NewLoop creates a loop.
func NewLoop(client llm.Client, exec ToolExecutor, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		llm:    client,
		tools:  exec,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) declarations() []llm.ToolDeclaration {
	defs := l.tools.Declarations()
	out := make([]llm.ToolDeclaration, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDeclaration{
			Name:        string(d.Name),
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	return out
}

func (l *Loop) instructions(ctx context.Context, req Request) string {
	base := prompts.System(req.Style)
	if l.context == nil {
		return base
	}
	passages, err := l.context.GetContext(ctx, req.UserID, req.Message)
	if err != nil {
		l.logger.Warn("context unavailable, continuing without it", "user_id", req.UserID, "error", err)
		return base
	}
	return prompts.WithContext(base, passages)
}

// Chat runs one turn. Tool failures are fed back to the model; a
// provider failure aborts the turn with *ProviderFailure.
//
// The last allowed call carries the pending tool outputs but no tool
// declarations, so the model has to answer in text. If it still asks for
// tools, those calls are not run, the result is degraded, and the
// continuation ids fall back to the caller's so the next turn never
// chains onto a response with unanswered calls.
func (l *Loop) Chat(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := l.logger.With("user_id", req.UserID, "thread_id", req.ThreadID)
	log.Info("turn started",
		"continuation", req.PreviousResponseID != "" || req.ConversationID != "",
		"style", req.Style,
	)

	instructions := l.instructions(ctx, req)
	decls := l.declarations()

	res := &Result{ConversationID: req.ConversationID}
	seen := make(map[string]bool)
	input := []llm.InputItem{llm.UserMessage(req.Message)}
	prevID := req.PreviousResponseID

	for iter := range l.cfg.MaxIterations {
		res.Iterations = iter + 1
		last := iter == l.cfg.MaxIterations-1
		var offered []llm.ToolDeclaration
		if !last {
			offered = decls
		}
		resp, err := l.llm.Respond(ctx, llm.Request{
			Model:              l.cfg.Model,
			Instructions:       instructions,
			Input:              input,
			PreviousResponseID: prevID,
			ConversationID:     res.ConversationID,
			Tools:              offered,
		})
		if err != nil {
			log.Error("provider call failed", "iteration", iter+1, "error", err)
			return nil, &ProviderFailure{Iteration: iter + 1, Err: err}
		}
		l.recordUsage(ctx, req, resp)

		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		res.ResponseID = resp.ID
		if resp.ConversationID != "" {
			res.ConversationID = resp.ConversationID
		}
		prevID = resp.ID

		if len(resp.ToolCalls) == 0 {
			res.Response = strings.TrimSpace(resp.Text)
			if res.Response == "" {
				log.Warn("empty response from model", "iteration", iter+1)
				res.Response = prompts.EmptyResponseFallback
			}
			log.Info("turn completed",
				"iterations", res.Iterations,
				"tools_used", res.ToolsUsed,
				"elapsed", time.Since(start),
			)
			return res, nil
		}

		if last {
			break
		}
		for _, tc := range resp.ToolCalls {
			if !seen[tc.Name] {
				seen[tc.Name] = true
				res.ToolsUsed = append(res.ToolsUsed, tc.Name)
			}
		}
		input = l.runTools(ctx, req.UserID, resp.ToolCalls)
	}

	log.Warn("iteration limit reached", "max_iterations", l.cfg.MaxIterations, "tools_used", res.ToolsUsed)
	res.Response = prompts.IterationLimitResponse
	res.Degraded = true
	res.ResponseID = req.PreviousResponseID
	res.ConversationID = req.ConversationID
	return res, nil
}

// runTools executes one step's tool calls concurrently and returns
// their outputs in the order the provider asked for them.
func (l *Loop) runTools(ctx context.Context, userID string, calls []llm.ToolCall) []llm.InputItem {
	out := make([]llm.InputItem, len(calls))
	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			r := l.tools.Execute(ctx, userID, tc.Name, tc.Arguments)
			if r.Err != nil {
				l.logger.Debug("tool error returned to model", "tool", tc.Name, "kind", r.Err.Kind)
			}
			out[i] = llm.ToolOutput(tc.CallID, r.Output)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (l *Loop) recordUsage(ctx context.Context, req Request, resp *llm.Response) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	rec := usage.Record{
		UserID:       req.UserID,
		ThreadID:     req.ThreadID,
		ResponseID:   resp.ID,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.cfg.Pricing),
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("failed to record usage", "response_id", resp.ID, "error", err)
	}
}

// IsProviderFailure reports whether err aborted a turn at the provider
// and returns the classified provider error when there is one.
func IsProviderFailure(err error) (*llm.ProviderError, bool) {
	var pf *ProviderFailure
	if !errors.As(err, &pf) {
		return nil, false
	}
	pe, _ := llm.AsProviderError(pf.Err)
	return pe, true
}
