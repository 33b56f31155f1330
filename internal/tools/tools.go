// Package tools defines the closed set of financial tools the assistant
// may call, validates their arguments at the boundary, executes them
// scoped to the calling user, and audits every call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fernfax/foracle-v2-self-sub004/internal/audit"
)

// Name identifies a tool.
type Name string

// The closed set of tools.
const (
	GetIncomeSummary    Name = "get_income_summary"
	GetExpenseSummary   Name = "get_expense_summary"
	GetFamilySummary    Name = "get_family_summary"
	GetCPFSummary       Name = "get_cpf_summary"
	GetHoldingsSummary  Name = "get_holdings_summary"
	GetPolicySummary    Name = "get_policy_summary"
	GetGoalProgress     Name = "get_goal_progress"
	GetCashflowSummary  Name = "get_cashflow_summary"
	SearchKnowledgeBase Name = "search_knowledge_base"
)

// DefaultTimeout bounds one tool call.
const DefaultTimeout = 15 * time.Second

const maxInputSummary = 200

// Errors returned by the registry.
var (
	ErrFrozen          = errors.New("registry is frozen")
	ErrDuplicate       = errors.New("tool already registered")
	ErrMissingIdentity = errors.New("caller identity required")
)

// Definition describes a tool to the model.
type Definition struct {
	Name                 Name           `json:"name"`
	Description          string         `json:"description"`
	InputSchema          map[string]any `json:"parameters"`
	RequiresOwnerScoping bool           `json:"-"`
}

// Result is the outcome of one call. Output is always JSON: the tool's
// data on success or an error object on failure.
type Result struct {
	Name   Name
	Output string
	Err    *ExecError
}

// Registry holds the registered tools. Tools are registered at start-up
// and the registry is frozen before serving; it is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	defs    map[Name]Definition
	schemas map[Name]*jsonschema.Schema
	frozen  bool

	exec    *Executor
	audit   audit.Log
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry dispatching to exec and
// auditing to log. A zero timeout uses DefaultTimeout.
func NewRegistry(exec *Executor, log audit.Log, timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:    make(map[Name]Definition),
		schemas: make(map[Name]*jsonschema.Schema),
		exec:    exec,
		audit:   log,
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// NewDefaultRegistry registers every builtin tool and freezes.
func NewDefaultRegistry(exec *Executor, log audit.Log, timeout time.Duration, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(exec, log, timeout, logger)
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	r.Freeze()
	return r, nil
}

// Register adds a tool. Names outside the closed set, duplicates and
// registrations after Freeze are rejected.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: %w", def.Name, ErrFrozen)
	}
	if _, err := newArgs(def.Name); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("register %s: %w", def.Name, ErrDuplicate)
	}
	schema, err := compileSchema(def.Name, def.InputSchema)
	if err != nil {
		return fmt.Errorf("register %s: %w", def.Name, err)
	}
	r.defs[def.Name] = def
	r.schemas[def.Name] = schema
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Declarations returns the registered definitions sorted by name.
func (r *Registry) Declarations() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Definition) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) lookup(name Name) (Definition, *jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, r.schemas[name], ok
}

// Execute decodes rawArgs for the named tool and runs it for userID.
// The user id always comes from the caller, never from the arguments.
// Exactly one audit record is written per call.
func (r *Registry) Execute(ctx context.Context, userID string, name string, rawArgs json.RawMessage) Result {
	start := time.Now()
	tool := Name(name)

	def, schema, ok := r.lookup(tool)
	if !ok {
		err := &ExecError{Kind: KindUnavailable, Tool: tool, Message: "no such tool is available", Err: ErrUnknownTool}
		return r.finish(ctx, userID, tool, summarizeRaw(rawArgs), start, "", err)
	}
	if def.RequiresOwnerScoping && userID == "" {
		err := &ExecError{Kind: KindUnauthorized, Tool: tool, Message: "a signed-in user is required", Err: ErrMissingIdentity}
		return r.finish(ctx, userID, tool, summarizeRaw(rawArgs), start, "", err)
	}

	args, err := decodeWith(schema, tool, rawArgs)
	if err != nil {
		ee := &ExecError{Kind: KindValidation, Tool: tool, Message: err.Error(), Err: err}
		return r.finish(ctx, userID, tool, summarizeRaw(rawArgs), start, "", ee)
	}
	args = normalize(args, r.exec.now())

	out, ee := r.run(ctx, userID, args)
	return r.finish(ctx, userID, tool, summarizeArgs(args), start, out, ee)
}

// ExecuteArgs runs an already-decoded argument set.
func (r *Registry) ExecuteArgs(ctx context.Context, userID string, args Args) Result {
	start := time.Now()
	tool := args.ToolName()

	def, _, ok := r.lookup(tool)
	if !ok {
		err := &ExecError{Kind: KindUnavailable, Tool: tool, Message: "no such tool is available", Err: ErrUnknownTool}
		return r.finish(ctx, userID, tool, summarizeArgs(args), start, "", err)
	}
	if def.RequiresOwnerScoping && userID == "" {
		err := &ExecError{Kind: KindUnauthorized, Tool: tool, Message: "a signed-in user is required", Err: ErrMissingIdentity}
		return r.finish(ctx, userID, tool, summarizeArgs(args), start, "", err)
	}
	if err := checkArgs(args); err != nil {
		ee := &ExecError{Kind: KindValidation, Tool: tool, Message: err.Error(), Err: err}
		return r.finish(ctx, userID, tool, summarizeArgs(args), start, "", ee)
	}
	args = normalize(args, r.exec.now())

	out, ee := r.run(ctx, userID, args)
	return r.finish(ctx, userID, tool, summarizeArgs(args), start, out, ee)
}

type runResult struct {
	out any
	err error
}

// run executes the handler under the per-call timeout.
func (r *Registry) run(ctx context.Context, userID string, args Args) (string, *ExecError) {
	tool := args.ToolName()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := r.exec.Dispatch(ctx, userID, args)
		done <- runResult{out: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = runResult{err: ctx.Err()}
	}

	if res.err != nil {
		switch {
		case errors.Is(res.err, context.Canceled) || errors.Is(parent.Err(), context.Canceled):
			return "", &ExecError{Kind: KindCanceled, Tool: tool, Message: "the request was cancelled", Err: res.err}
		case errors.Is(res.err, context.DeadlineExceeded):
			return "", &ExecError{Kind: KindTimeout, Tool: tool, Message: "the tool took too long to respond", Err: res.err}
		}
		return "", &ExecError{Kind: KindUpstream, Tool: tool, Message: "the financial data could not be loaded", Err: res.err}
	}

	b, err := json.Marshal(res.out)
	if err != nil {
		return "", &ExecError{Kind: KindUpstream, Tool: tool, Message: "the tool result could not be encoded", Err: err}
	}
	return string(b), nil
}

func (r *Registry) finish(ctx context.Context, userID string, tool Name, summary string, start time.Time, out string, ee *ExecError) Result {
	elapsed := time.Since(start)
	rec := audit.Record{
		ToolName:     string(tool),
		UserID:       userID,
		InputSummary: summary,
		Success:      ee == nil,
		LatencyMs:    elapsed.Milliseconds(),
	}
	if ee != nil {
		rec.ErrorKind = string(ee.Kind)
	}
	if r.audit != nil {
		// Audit writes must not be lost to a cancelled request context.
		if err := r.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Error("audit append failed", "tool", tool, "user_id", userID, "error", err)
		}
	}

	if ee != nil {
		r.logger.Warn("tool failed",
			"tool", tool,
			"user_id", userID,
			"kind", ee.Kind,
			"elapsed", elapsed,
			"error", ee.Err,
		)
		return Result{Name: tool, Output: ee.Output(), Err: ee}
	}
	r.logger.Debug("tool executed", "tool", tool, "user_id", userID, "elapsed", elapsed)
	return Result{Name: tool, Output: out}
}

func summarizeArgs(a Args) string {
	b, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return truncate(string(b), maxInputSummary)
}

func summarizeRaw(raw json.RawMessage) string {
	return truncate(string(raw), maxInputSummary)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
