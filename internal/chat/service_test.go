package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/fernfax/foracle-v2-self-sub004/internal/agent"
	"github.com/fernfax/foracle-v2-self-sub004/internal/llm"
	"github.com/fernfax/foracle-v2-self-sub004/internal/ratelimit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/threads"
)

type fakeAgent struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req agent.Request) (*agent.Result, error)
}

func (f *fakeAgent) Chat(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func answer(text string, toolsUsed ...string) *fakeAgent {
	return &fakeAgent{fn: func(_ context.Context, req agent.Request) (*agent.Result, error) {
		return &agent.Result{
			Response:       text,
			ToolsUsed:      toolsUsed,
			ResponseID:     "resp_" + req.Message,
			ConversationID: "conv_1",
		}, nil
	}}
}

func failWith(err error) *fakeAgent {
	return &fakeAgent{fn: func(context.Context, agent.Request) (*agent.Result, error) {
		return nil, &agent.ProviderFailure{Iteration: 1, Err: err}
	}}
}

type fixture struct {
	svc     *Service
	threads *threads.Store
	limiter *ratelimit.Limiter
}

func newFixture(t *testing.T, orch Orchestrator, cfg ratelimit.Config) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := threads.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	limiter := ratelimit.NewLimiter(cfg, ratelimit.NewMemoryQuotaStore())
	return &fixture{
		svc:     NewService(store, limiter, orch, time.Second, nil),
		threads: store,
		limiter: limiter,
	}
}

func wantCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	ce, ok := AsError(err)
	if !ok {
		t.Fatalf("err = %v, want *Error with code %s", err, code)
	}
	if ce.Code != code {
		t.Fatalf("code = %s, want %s (err: %v)", ce.Code, code, err)
	}
	return ce
}

func (f *fixture) used(t *testing.T, userID string) int {
	t.Helper()
	q, err := f.limiter.QuotaInfo(context.Background(), userID)
	if err != nil {
		t.Fatalf("QuotaInfo: %v", err)
	}
	return q.Used
}

func roles(th *threads.Thread) []threads.Role {
	var out []threads.Role
	for _, m := range th.Messages {
		out = append(out, m.Role)
	}
	return out
}

func TestSend_NewThread(t *testing.T) {
	f := newFixture(t, answer("You spent $42.50 on food.", "get_expense_summary"), ratelimit.Config{})
	ctx := context.Background()

	resp, err := f.svc.Send(ctx, "alice", SendRequest{Message: "How much did I spend on food this month?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ThreadID == "" || resp.Response != "You spent $42.50 on food." {
		t.Errorf("resp = %+v", resp)
	}
	if diff := cmp.Diff([]string{"get_expense_summary"}, resp.ToolsUsed); diff != "" {
		t.Errorf("ToolsUsed mismatch (-want +got):\n%s", diff)
	}
	if resp.Quota.Used != 1 || resp.Quota.Limit != ratelimit.DefaultDailyLimit {
		t.Errorf("quota = %+v", resp.Quota)
	}

	th, err := f.threads.GetThread(ctx, "alice", resp.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if diff := cmp.Diff([]threads.Role{threads.RoleUser, threads.RoleAssistant}, roles(th)); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"get_expense_summary"}, th.Messages[1].ToolsUsed); diff != "" {
		t.Errorf("stored ToolsUsed mismatch (-want +got):\n%s", diff)
	}
	if th.LastResponseID != "resp_How much did I spend on food this month?" || th.ConversationID != "conv_1" {
		t.Errorf("continuation = %q/%q", th.LastResponseID, th.ConversationID)
	}
	if th.Title != threads.AutoTitle("How much did I spend on food this month?") {
		t.Errorf("Title = %q", th.Title)
	}
}

func TestSend_ContinuesThread(t *testing.T) {
	var got []agent.Request
	var mu sync.Mutex
	orch := &fakeAgent{fn: func(_ context.Context, req agent.Request) (*agent.Result, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return &agent.Result{Response: "ok", ResponseID: "resp_" + req.Message}, nil
	}}
	f := newFixture(t, orch, ratelimit.Config{})
	ctx := context.Background()

	first, err := f.svc.Send(ctx, "alice", SendRequest{Message: "one"})
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := f.svc.Send(ctx, "alice", SendRequest{Message: "two", ThreadID: first.ThreadID, Style: "singlish"}); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	if got[0].PreviousResponseID != "" {
		t.Errorf("first turn PreviousResponseID = %q, want empty", got[0].PreviousResponseID)
	}
	if got[1].PreviousResponseID != "resp_one" || got[1].ThreadID != first.ThreadID {
		t.Errorf("second turn request = %+v", got[1])
	}
	if got[1].Style != "singlish" {
		t.Errorf("Style = %q, want singlish", got[1].Style)
	}
	th, _ := f.threads.GetThread(ctx, "alice", first.ThreadID)
	if len(th.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(th.Messages))
	}
}

func TestSend_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		msg    string
		code   Code
	}{
		{name: "no identity", userID: "", msg: "hi", code: CodeUnauthorized},
		{name: "empty", userID: "alice", msg: "", code: CodeInvalidRequest},
		{name: "whitespace", userID: "alice", msg: " \n\t ", code: CodeInvalidRequest},
		{name: "too long", userID: "alice", msg: strings.Repeat("é", MaxMessageLength+1), code: CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := answer("unused")
			f := newFixture(t, orch, ratelimit.Config{})
			_, err := f.svc.Send(context.Background(), tt.userID, SendRequest{Message: tt.msg})
			wantCode(t, err, tt.code)
			if orch.calls.Load() != 0 {
				t.Error("agent should not be called")
			}
			if tt.userID != "" && f.used(t, tt.userID) != 0 {
				t.Error("rejected message counted against quota")
			}
		})
	}
}

func TestSend_MaxLengthAccepted(t *testing.T) {
	f := newFixture(t, answer("ok"), ratelimit.Config{})
	if _, err := f.svc.Send(context.Background(), "alice", SendRequest{Message: strings.Repeat("é", MaxMessageLength)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_QuotaExhausted(t *testing.T) {
	orch := answer("ok")
	f := newFixture(t, orch, ratelimit.Config{DailyLimit: 20, BurstMax: 100})
	ctx := context.Background()
	for range 20 {
		if _, err := f.limiter.RecordMessage(ctx, "alice", ""); err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
	}

	_, err := f.svc.Send(ctx, "alice", SendRequest{Message: "one more"})
	ce := wantCode(t, err, CodeRateLimited)
	if ce.Quota == nil || ce.Quota.Used != 20 || ce.Quota.Limit != 20 {
		t.Errorf("quota = %+v, want used 20 of 20", ce.Quota)
	}
	if orch.calls.Load() != 0 {
		t.Error("agent should not be called")
	}
	if got := f.used(t, "alice"); got != 20 {
		t.Errorf("used = %d, want 20", got)
	}
	if list, _ := f.threads.ListThreads(ctx, "alice"); len(list) != 0 {
		t.Errorf("threads = %d, want 0", len(list))
	}
}

func TestSend_BurstLimited(t *testing.T) {
	f := newFixture(t, answer("ok"), ratelimit.Config{BurstMax: 2, BurstWindow: time.Hour})
	ctx := context.Background()

	first, err := f.svc.Send(ctx, "alice", SendRequest{Message: "one"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := f.svc.Send(ctx, "alice", SendRequest{Message: "two", ThreadID: first.ThreadID}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = f.svc.Send(ctx, "alice", SendRequest{Message: "three", ThreadID: first.ThreadID})
	wantCode(t, err, CodeRateLimited)
	if got := f.used(t, "alice"); got != 2 {
		t.Errorf("used = %d, want 2", got)
	}
}

func TestSend_ConcurrentBurstOnOneThread(t *testing.T) {
	orch := answer("ok")
	f := newFixture(t, orch, ratelimit.Config{DailyLimit: 100, BurstMax: 3, BurstWindow: time.Hour})
	ctx := context.Background()

	first, err := f.svc.Send(ctx, "alice", SendRequest{Message: "start"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var accepted, limited atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			_, err := f.svc.Send(ctx, "alice", SendRequest{Message: "again", ThreadID: first.ThreadID})
			if err == nil {
				accepted.Add(1)
				return
			}
			if ce, ok := AsError(err); ok && ce.Code == CodeRateLimited {
				limited.Add(1)
			}
		})
	}
	wg.Wait()

	// The thread's first message holds one of the three slots.
	if accepted.Load() != 2 || limited.Load() != 2 {
		t.Errorf("accepted = %d, rate limited = %d, want 2 and 2", accepted.Load(), limited.Load())
	}
	if got := f.used(t, "alice"); got != 3 {
		t.Errorf("used = %d, want 3", got)
	}
	if got := orch.calls.Load(); got != 3 {
		t.Errorf("agent calls = %d, want 3", got)
	}
}

func TestSend_ForeignThread(t *testing.T) {
	orch := answer("ok")
	f := newFixture(t, orch, ratelimit.Config{})
	ctx := context.Background()

	bobs, err := f.svc.Send(ctx, "bob", SendRequest{Message: "mine"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = f.svc.Send(ctx, "alice", SendRequest{Message: "peek", ThreadID: bobs.ThreadID})
	wantCode(t, err, CodeNotFound)
	if got := f.used(t, "alice"); got != 0 {
		t.Errorf("alice used = %d, want 0", got)
	}
	th, _ := f.threads.GetThread(ctx, "bob", bobs.ThreadID)
	if len(th.Messages) != 2 {
		t.Errorf("bob's thread has %d messages, want 2", len(th.Messages))
	}
}

func TestSend_TurnFailures(t *testing.T) {
	tests := []struct {
		name      string
		orch      *fakeAgent
		code      Code
		wantRoles []threads.Role
	}{
		{
			name: "timeout",
			orch: &fakeAgent{fn: func(ctx context.Context, _ agent.Request) (*agent.Result, error) {
				<-ctx.Done()
				return nil, &agent.ProviderFailure{Iteration: 1, Err: &llm.ProviderError{Kind: llm.KindTimeout, Err: ctx.Err()}}
			}},
			code:      CodeTimeout,
			wantRoles: []threads.Role{threads.RoleUser},
		},
		{
			name:      "provider auth",
			orch:      failWith(&llm.ProviderError{Kind: llm.KindAuth, StatusCode: 401, Message: "Incorrect API key sk-live-123"}),
			code:      CodeServiceUnavailable,
			wantRoles: []threads.Role{threads.RoleUser},
		},
		{
			name:      "provider unreachable",
			orch:      failWith(&llm.ProviderError{Kind: llm.KindUnavailable, StatusCode: 503}),
			code:      CodeServiceUnavailable,
			wantRoles: []threads.Role{threads.RoleUser},
		},
		{
			name:      "provider rejected request",
			orch:      failWith(&llm.ProviderError{Kind: llm.KindBadRequest, StatusCode: 400, Message: "internal trace id 7f3a"}),
			code:      CodeProcessingError,
			wantRoles: []threads.Role{threads.RoleUser, threads.RoleAssistant},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.orch, ratelimit.Config{})
			f.svc.timeout = 50 * time.Millisecond
			ctx := context.Background()

			_, err := f.svc.Send(ctx, "alice", SendRequest{Message: "hello"})
			ce := wantCode(t, err, tt.code)
			if ce.ThreadID == "" {
				t.Fatal("failure should carry the thread id")
			}
			if strings.Contains(ce.Message, "sk-live") || strings.Contains(ce.Message, "7f3a") {
				t.Errorf("message leaks upstream text: %q", ce.Message)
			}

			th, err := f.threads.GetThread(ctx, "alice", ce.ThreadID)
			if err != nil {
				t.Fatalf("GetThread: %v", err)
			}
			if diff := cmp.Diff(tt.wantRoles, roles(th)); diff != "" {
				t.Errorf("roles mismatch (-want +got):\n%s", diff)
			}
			if th.LastResponseID != "" {
				t.Errorf("LastResponseID = %q, want empty", th.LastResponseID)
			}
		})
	}
}

func TestSend_SerializesPerThread(t *testing.T) {
	var active, peak atomic.Int32
	orch := &fakeAgent{fn: func(_ context.Context, req agent.Request) (*agent.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &agent.Result{Response: "ok", ResponseID: "r"}, nil
	}}
	f := newFixture(t, orch, ratelimit.Config{DailyLimit: 100, BurstMax: 100})
	ctx := context.Background()

	first, err := f.svc.Send(ctx, "alice", SendRequest{Message: "start"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := f.svc.Send(ctx, "alice", SendRequest{Message: "again", ThreadID: first.ThreadID}); err != nil {
				t.Errorf("Send: %v", err)
			}
		})
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent turns on one thread = %d, want 1", got)
	}
	th, _ := f.threads.GetThread(ctx, "alice", first.ThreadID)
	if len(th.Messages) != 18 {
		t.Errorf("messages = %d, want 18", len(th.Messages))
	}
	for i, m := range th.Messages {
		want := threads.RoleUser
		if i%2 == 1 {
			want = threads.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("message %d role = %s, want %s", i, m.Role, want)
		}
	}
	if n := f.svc.locks.len(); n != 0 {
		t.Errorf("lock entries = %d, want 0", n)
	}
}

func TestThreadReads(t *testing.T) {
	f := newFixture(t, answer("ok"), ratelimit.Config{})
	ctx := context.Background()

	resp, err := f.svc.Send(ctx, "alice", SendRequest{Message: "budget"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := f.svc.RenameThread(ctx, "alice", resp.ThreadID, "Budget talk"); err != nil {
		t.Fatalf("RenameThread: %v", err)
	}
	wantCode(t, f.svc.RenameThread(ctx, "bob", resp.ThreadID, "Mine"), CodeNotFound)
	wantCode(t, f.svc.RenameThread(ctx, "alice", resp.ThreadID, "   "), CodeInvalidRequest)

	list, err := f.svc.Threads(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].Title != "Budget talk" {
		t.Fatalf("Threads = %+v, %v", list, err)
	}

	_, err = f.svc.Thread(ctx, "bob", resp.ThreadID)
	wantCode(t, err, CodeNotFound)

	wantCode(t, f.svc.DeleteThread(ctx, "bob", resp.ThreadID), CodeNotFound)
	if err := f.svc.DeleteThread(ctx, "alice", resp.ThreadID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	_, err = f.svc.Thread(ctx, "alice", resp.ThreadID)
	wantCode(t, err, CodeNotFound)
	if list, _ := f.svc.Threads(ctx, "alice"); len(list) != 0 {
		t.Errorf("Threads after delete = %d, want 0", len(list))
	}

	q, err := f.svc.Quota(ctx, "alice")
	if err != nil || q.Used != 1 {
		t.Errorf("Quota = %+v, %v", q, err)
	}
	_, err = f.svc.Quota(ctx, "")
	wantCode(t, err, CodeUnauthorized)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"chat error", &Error{Code: CodeNotFound, Message: msgNotFound}, msgNotFound},
		{"provider auth", &agent.ProviderFailure{Err: &llm.ProviderError{Kind: llm.KindAuth}}, msgMisconfigured},
		{"provider rate limit", &llm.ProviderError{Kind: llm.KindRateLimit}, msgProviderBusy},
		{"unauthorized text", errors.New("401 Unauthorized: bad token"), msgMisconfigured},
		{"invalid key text", errors.New("Invalid API key provided: sk-abc"), msgMisconfigured},
		{"deadline", context.DeadlineExceeded, msgTimeout},
		{"timeout text", errors.New("dial tcp: i/o timeout"), msgTimeout},
		{"429", errors.New("status 429"), msgProviderBusy},
		{"quota text", errors.New("You exceeded your current quota"), msgProviderBusy},
		{"unknown", errors.New("segfault in module xyz"), msgProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
