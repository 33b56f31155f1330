package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fernfax/foracle-v2-self-sub004/internal/audit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/config"
	"github.com/fernfax/foracle-v2-self-sub004/internal/finance"
	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/prompts"
	"github.com/fernfax/foracle-v2-self-sub004/internal/tools"
	"github.com/fernfax/foracle-v2-self-sub004/internal/usage"
)

var sgt = time.FixedZone("SGT", 8*3600)

// scriptedLLM answers each Respond call with the next step of a script
// and records the requests it saw.
type scriptedLLM struct {
	mu    sync.Mutex
	reqs  []llm.Request
	steps []func(req llm.Request) (*llm.Response, error)
}

func (s *scriptedLLM) Respond(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	n := len(s.reqs) - 1
	if n >= len(s.steps) {
		return nil, fmt.Errorf("unexpected call %d", n+1)
	}
	return s.steps[n](req)
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func reply(id, text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ID: id, Text: text, Model: "gpt-test", InputTokens: 100, OutputTokens: 20}, nil
	}
}

func call(id string, calls ...llm.ToolCall) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ID: id, ToolCalls: calls, Model: "gpt-test", InputTokens: 100, OutputTokens: 10}, nil
	}
}

func toolCall(callID string, name tools.Name, args string) llm.ToolCall {
	return llm.ToolCall{CallID: callID, Name: string(name), Arguments: json.RawMessage(args)}
}

// stubTools answers every call with a fixed output after an optional
// per-call delay.
type stubTools struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
}

func (s *stubTools) Declarations() []tools.Definition { return tools.Builtins() }

func (s *stubTools) Execute(ctx context.Context, userID, name string, raw json.RawMessage) tools.Result {
	if d := s.delays[name]; d > 0 {
		time.Sleep(d)
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	return tools.Result{Name: tools.Name(name), Output: fmt.Sprintf(`{"tool":%q}`, name)}
}

type memUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (m *memUsage) Record(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type staticContext struct {
	text string
	err  error
}

func (s staticContext) GetContext(context.Context, string, string) (string, error) {
	return s.text, s.err
}

func newFinance(t *testing.T) *finance.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := finance.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, e := range []finance.Expense{
		{UserID: "alice", Name: "Hawker", Category: "Food", Amount: decimal.RequireFromString("12.50"), Date: time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)},
		{UserID: "alice", Name: "Groceries", Category: "Food", Amount: decimal.RequireFromString("30"), Date: time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)},
		{UserID: "alice", Name: "Rent", Category: "Housing", Amount: decimal.RequireFromString("2000"), Date: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{UserID: "bob", Name: "Feast", Category: "Food", Amount: decimal.RequireFromString("500"), Date: time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)},
	} {
		if _, err := store.AddExpense(ctx, e); err != nil {
			t.Fatalf("add expense: %v", err)
		}
	}
	return store
}

func newRegistry(t *testing.T, data finance.Reader) (*tools.Registry, *audit.MemoryLog) {
	t.Helper()
	log := audit.NewMemoryLog()
	now := func() time.Time { return time.Date(2026, 10, 15, 9, 30, 0, 0, sgt) }
	exec := tools.NewExecutor(data, sgt, tools.WithClock(now))
	reg, err := tools.NewDefaultRegistry(exec, log, time.Second, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, log
}

func TestChat_AnswerQuotesToolFigure(t *testing.T) {
	reg, log := newRegistry(t, newFinance(t))

	// The second step answers with the figure the tool returned.
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1", toolCall("call_1", tools.GetExpenseSummary, `{"category":"Food"}`)),
		func(req llm.Request) (*llm.Response, error) {
			if len(req.Input) != 1 || req.Input[0].Kind != llm.ItemToolOutput {
				return nil, fmt.Errorf("expected one tool output, got %+v", req.Input)
			}
			var out struct {
				Total string `json:"total"`
			}
			if err := json.Unmarshal([]byte(req.Input[0].Output), &out); err != nil {
				return nil, err
			}
			return &llm.Response{ID: "resp_2", Text: "You spent $" + out.Total + " on food this month."}, nil
		},
	}}

	loop := NewLoop(fake, reg, Config{Model: "gpt-test"}, nil)
	res, err := loop.Chat(context.Background(), Request{UserID: "alice", ThreadID: "t1", Message: "How much did I spend on food this month?"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if want := "You spent $42.50 on food this month."; res.Response != want {
		t.Errorf("Response = %q, want %q", res.Response, want)
	}
	if diff := cmp.Diff([]string{"get_expense_summary"}, res.ToolsUsed); diff != "" {
		t.Errorf("ToolsUsed mismatch (-want +got):\n%s", diff)
	}
	if res.ResponseID != "resp_2" || res.Degraded || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}

	recs, _ := log.List(context.Background(), audit.Filter{})
	if len(recs) != 1 || recs[0].UserID != "alice" || !recs[0].Success {
		t.Errorf("audit records = %+v, want one successful alice record", recs)
	}
}

type failingReader struct{ finance.Reader }

func (failingReader) Expenses(context.Context, string, time.Time, time.Time) ([]finance.Expense, error) {
	return nil, errors.New("connection refused")
}

func TestChat_ToolFailureFedBackToModel(t *testing.T) {
	reg, log := newRegistry(t, failingReader{})

	var sawError bool
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1", toolCall("call_1", tools.GetExpenseSummary, `{}`)),
		func(req llm.Request) (*llm.Response, error) {
			sawError = strings.Contains(req.Input[0].Output, `"kind":"upstream"`)
			return &llm.Response{ID: "resp_2", Text: "I couldn't load your expenses right now."}, nil
		},
	}}

	res, err := NewLoop(fake, reg, Config{}, nil).Chat(context.Background(), Request{UserID: "alice", Message: "expenses?"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !sawError {
		t.Error("model did not receive the structured tool error")
	}
	if res.Degraded {
		t.Error("tool failure should not degrade the turn")
	}

	recs, _ := log.List(context.Background(), audit.Filter{})
	if len(recs) != 1 || recs[0].Success || recs[0].ErrorKind != "upstream" {
		t.Errorf("audit records = %+v, want one upstream failure", recs)
	}
}

func TestChat_IterationLimit(t *testing.T) {
	var steps []func(llm.Request) (*llm.Response, error)
	for i := range 3 {
		steps = append(steps, call(fmt.Sprintf("resp_%d", i+1), toolCall(fmt.Sprintf("c%d", i+1), tools.GetGoalProgress, `{}`)))
	}
	fake := &scriptedLLM{steps: steps}
	stub := &stubTools{}

	res, err := NewLoop(fake, stub, Config{MaxIterations: 3}, nil).Chat(context.Background(), Request{
		UserID:             "alice",
		Message:            "loop",
		PreviousResponseID: "resp_prev",
		ConversationID:     "conv_prev",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Degraded || res.Response != prompts.IterationLimitResponse {
		t.Errorf("result = %+v, want degraded iteration-limit response", res)
	}
	if len(fake.reqs) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(fake.reqs))
	}
	// Calls from the final response are never run.
	if len(stub.calls) != 2 {
		t.Errorf("tool executions = %d, want 2", len(stub.calls))
	}
	if len(fake.reqs[1].Tools) == 0 {
		t.Error("second call should still offer tools")
	}
	if n := len(fake.reqs[2].Tools); n != 0 {
		t.Errorf("final call offered %d tools, want none", n)
	}
	if got := fake.reqs[2].Input; len(got) != 1 || got[0].CallID != "c2" {
		t.Errorf("final call input = %+v, want the output for c2", got)
	}
	// resp_3 still has an unanswered call, so the thread keeps chaining
	// from the caller's ids.
	if res.ResponseID != "resp_prev" || res.ConversationID != "conv_prev" {
		t.Errorf("continuation = %q/%q, want resp_prev/conv_prev", res.ResponseID, res.ConversationID)
	}
}

func TestChat_FinalCallAnswersWithoutTools(t *testing.T) {
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1", toolCall("c1", tools.GetGoalProgress, `{}`)),
		reply("resp_2", "You are 40% of the way to your goal."),
	}}

	res, err := NewLoop(fake, &stubTools{}, Config{MaxIterations: 2}, nil).Chat(context.Background(), Request{UserID: "alice", Message: "goal?"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Degraded {
		t.Errorf("result = %+v, want a normal answer", res)
	}
	if res.ResponseID != "resp_2" {
		t.Errorf("ResponseID = %q, want resp_2", res.ResponseID)
	}
	if len(fake.reqs[1].Tools) != 0 {
		t.Error("final call should not offer tools")
	}
	if diff := cmp.Diff([]string{"get_goal_progress"}, res.ToolsUsed); diff != "" {
		t.Errorf("tools used mismatch (-want +got):\n%s", diff)
	}
}

func TestChat_DefaultMaxIterations(t *testing.T) {
	l := NewLoop(&scriptedLLM{}, &stubTools{}, Config{}, nil)
	if l.cfg.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", l.cfg.MaxIterations, DefaultMaxIterations)
	}
}

func TestChat_ToolOutputsKeepCallOrder(t *testing.T) {
	stub := &stubTools{delays: map[string]time.Duration{
		"get_income_summary": 30 * time.Millisecond,
	}}
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1",
			toolCall("a", tools.GetIncomeSummary, `{}`),
			toolCall("b", tools.GetExpenseSummary, `{}`),
			toolCall("c", tools.GetIncomeSummary, `{}`),
		),
		reply("resp_2", "done"),
	}}

	res, err := NewLoop(fake, stub, Config{}, nil).Chat(context.Background(), Request{UserID: "alice", Message: "cashflow"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var gotIDs []string
	for _, item := range fake.reqs[1].Input {
		gotIDs = append(gotIDs, item.CallID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, gotIDs); diff != "" {
		t.Errorf("tool output order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"get_income_summary", "get_expense_summary"}, res.ToolsUsed); diff != "" {
		t.Errorf("ToolsUsed mismatch (-want +got):\n%s", diff)
	}
}

func TestChat_Continuation(t *testing.T) {
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{ID: "resp_9", ConversationID: "conv_1", ToolCalls: []llm.ToolCall{toolCall("c", tools.GetGoalProgress, `{}`)}}, nil
		},
		reply("resp_10", "ok"),
	}}

	res, err := NewLoop(fake, &stubTools{}, Config{Model: "gpt-test"}, nil).Chat(context.Background(), Request{
		UserID:             "alice",
		Message:            "and my goals?",
		PreviousResponseID: "resp_8",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got := fake.reqs[0].PreviousResponseID; got != "resp_8" {
		t.Errorf("first PreviousResponseID = %q, want resp_8", got)
	}
	if got := fake.reqs[1].PreviousResponseID; got != "resp_9" {
		t.Errorf("second PreviousResponseID = %q, want resp_9", got)
	}
	if got := fake.reqs[1].ConversationID; got != "conv_1" {
		t.Errorf("second ConversationID = %q, want conv_1", got)
	}
	if res.ConversationID != "conv_1" || res.ResponseID != "resp_10" {
		t.Errorf("result ids = %q/%q", res.ResponseID, res.ConversationID)
	}
	if len(fake.reqs[0].Tools) != len(tools.Builtins()) {
		t.Errorf("declared tools = %d, want %d", len(fake.reqs[0].Tools), len(tools.Builtins()))
	}
	if fake.reqs[1].Instructions != fake.reqs[0].Instructions {
		t.Error("instructions should be resent on every call")
	}
}

func TestChat_EmptyResponseFallback(t *testing.T) {
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){reply("resp_1", "  \n")}}

	res, err := NewLoop(fake, &stubTools{}, Config{}, nil).Chat(context.Background(), Request{UserID: "alice", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Response != prompts.EmptyResponseFallback {
		t.Errorf("Response = %q, want fallback", res.Response)
	}
}

func TestChat_ProviderFailure(t *testing.T) {
	perr := &llm.ProviderError{Kind: llm.KindRateLimit, StatusCode: 429, Message: "slow down"}
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1", toolCall("c", tools.GetGoalProgress, `{}`)),
		func(llm.Request) (*llm.Response, error) { return nil, perr },
	}}

	res, err := NewLoop(fake, &stubTools{}, Config{}, nil).Chat(context.Background(), Request{UserID: "alice", Message: "hi"})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	var pf *ProviderFailure
	if !errors.As(err, &pf) || pf.Iteration != 2 {
		t.Fatalf("err = %v, want ProviderFailure on iteration 2", err)
	}
	got, ok := IsProviderFailure(err)
	if !ok || got != perr {
		t.Errorf("IsProviderFailure = %v, %v", got, ok)
	}
}

func TestChat_ContextProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider ContextProvider
		want     string
	}{
		{name: "passages added", provider: staticContext{text: "CPF OA can fund housing."}, want: "CPF OA can fund housing."},
		{name: "failure ignored", provider: staticContext{err: errors.New("vector store down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){reply("r", "ok")}}
			loop := NewLoop(fake, &stubTools{}, Config{}, nil, WithContextProvider(tt.provider))
			if _, err := loop.Chat(context.Background(), Request{UserID: "alice", Message: "cpf?"}); err != nil {
				t.Fatalf("Chat: %v", err)
			}
			instr := fake.reqs[0].Instructions
			if !strings.HasPrefix(instr, prompts.System(prompts.StyleStandard)) {
				t.Error("instructions should start with the system prompt")
			}
			if tt.want != "" && !strings.Contains(instr, tt.want) {
				t.Errorf("instructions missing %q", tt.want)
			}
		})
	}
}

func TestChat_RecordsUsagePerCall(t *testing.T) {
	fake := &scriptedLLM{steps: []func(llm.Request) (*llm.Response, error){
		call("resp_1", toolCall("c", tools.GetGoalProgress, `{}`)),
		reply("resp_2", "ok"),
	}}
	rec := &memUsage{}
	cfg := Config{
		Model:   "gpt-test",
		Pricing: map[string]config.PricingEntry{"gpt-test": {InputPerMillion: 1, OutputPerMillion: 2}},
	}

	res, err := NewLoop(fake, &stubTools{}, cfg, nil, WithUsageRecorder(rec)).Chat(context.Background(), Request{UserID: "alice", ThreadID: "t1", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(rec.recs) != 2 {
		t.Fatalf("usage records = %d, want 2", len(rec.recs))
	}
	if rec.recs[0].ResponseID != "resp_1" || rec.recs[0].ThreadID != "t1" || rec.recs[0].UserID != "alice" {
		t.Errorf("first record = %+v", rec.recs[0])
	}
	if res.InputTokens != 200 || res.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 200/30", res.InputTokens, res.OutputTokens)
	}
}

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(
		staticContext{text: "first"},
		nil,
		staticContext{err: errors.New("boom")},
		staticContext{},
		staticContext{text: "second"},
	)
	got, err := c.GetContext(context.Background(), "alice", "q")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if want := "first\n\nsecond"; got != want {
		t.Errorf("GetContext = %q, want %q", got, want)
	}
}
