package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/recorder"
)

// fakeLedger is a test helper.
type fakeLedger struct {
	ensureCalls int
	spendCalls  int
	ensureErr   error
	spendErr    error
	deny        bool
	remaining   int
}

func (l *fakeLedger) EnsureMonthlyQuota(_ context.Context, _ string) error {
	l.ensureCalls++
	return l.ensureErr
}

func (l *fakeLedger) TrySpendCredit(_ context.Context, _ string) (int, bool, error) {
	l.spendCalls++
	if l.spendErr != nil {
		return 0, false, l.spendErr
	}
	if l.deny {
		return 0, false, nil
	}
	return l.remaining, true, nil
}

// fakeRecorder captures records synchronously.
type fakeRecorder struct {
	records []*recorder.InvocationRecord
}

func (r *fakeRecorder) Record(rec *recorder.InvocationRecord) {
	r.records = append(r.records, rec)
}

func (r *fakeRecorder) Close() {}

func newExecRegistry(t *testing.T, ledger *fakeLedger, rec *fakeRecorder) *Registry {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	cfg := Config{Logger: logger}
	if ledger != nil {
		cfg.Ledger = ledger
	}
	if rec != nil {
		cfg.Recorder = rec
	}
	return New(cfg)
}

func ctxWithMessage(user string) ExecutionContext {
	return ExecutionContext{
		UserID:    user,
		MessageID: "msg-1",
		Timestamp: time.Now(),
		RequestID: "req-1",
	}
}

func TestExecute_EchoEndToEnd(t *testing.T) {
	reg := newExecRegistry(t, nil, nil)
	def := ToolDefinition{
		Name:            "echo",
		Category:        CategoryAutomation,
		PermissionLevel: PermissionRead,
	}
	err := reg.Register(def, func(_ context.Context, params json.RawMessage, _ ExecutionContext) (any, error) {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, err
		}
		return map[string]any{"echoed": decoded}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "echo", json.RawMessage(`{"x": 1}`), ExecutionContext{UserID: "u1"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	data := res.Data.(map[string]any)
	echoed := data["echoed"].(map[string]any)
	if echoed["x"] != float64(1) {
		t.Fatalf("expected echoed x=1, got %v", echoed)
	}
	if res.Metadata.Cached || res.Metadata.RetryCount != 0 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
}

func TestExecute_ToolNotFound(t *testing.T) {
	reg := newExecRegistry(t, nil, nil)

	res := reg.Execute(context.Background(), "ghost", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != CodeToolNotFound {
		t.Fatalf("expected %s, got %s", CodeToolNotFound, res.Error.Code)
	}
	if res.Metadata.LatencyMs < 0 {
		t.Fatalf("latency must be recorded on the not-found path: %+v", res.Metadata)
	}
}

func TestExecute_FreeToolNeverTouchesLedger(t *testing.T) {
	ledger := &fakeLedger{ensureErr: errors.New("quota db down")}
	reg := newExecRegistry(t, ledger, nil)

	def := ToolDefinition{Name: "free", CreditCost: 0}
	if err := reg.Register(def, okHandler); err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "free", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if !res.Success {
		t.Fatalf("free tool must not be affected by a ledger outage: %+v", res.Error)
	}
	if ledger.ensureCalls != 0 || ledger.spendCalls != 0 {
		t.Fatalf("ledger was called for a free tool: ensure=%d spend=%d", ledger.ensureCalls, ledger.spendCalls)
	}
}

func TestExecute_InsufficientCredits(t *testing.T) {
	ledger := &fakeLedger{deny: true}
	reg := newExecRegistry(t, ledger, nil)

	handlerCalls := 0
	def := ToolDefinition{Name: "paid_tool", CreditCost: 5}
	err := reg.Register(def, func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
		handlerCalls++
		return "ran", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "paid_tool", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != CodeInsufficientCredit {
		t.Fatalf("expected %s, got %s", CodeInsufficientCredit, res.Error.Code)
	}
	if handlerCalls != 0 {
		t.Fatalf("handler must not run after a denied spend, ran %d times", handlerCalls)
	}
	if ledger.ensureCalls != 1 || ledger.spendCalls != 1 {
		t.Fatalf("expected one ensure and one spend, got ensure=%d spend=%d", ledger.ensureCalls, ledger.spendCalls)
	}
}

func TestExecute_CreditSystemError(t *testing.T) {
	cases := []struct {
		name   string
		ledger *fakeLedger
	}{
		{"ensure fails", &fakeLedger{ensureErr: errors.New("connection refused")}},
		{"spend fails", &fakeLedger{spendErr: errors.New("connection reset")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newExecRegistry(t, tc.ledger, nil)
			handlerCalls := 0
			def := ToolDefinition{Name: "paid", CreditCost: 1}
			err := reg.Register(def, func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
				handlerCalls++
				return nil, nil
			})
			if err != nil {
				t.Fatal(err)
			}

			res := reg.Execute(context.Background(), "paid", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error.Code != CodeCreditSystemError {
				t.Fatalf("infrastructure failure must not read as out-of-credits, got %s", res.Error.Code)
			}
			if handlerCalls != 0 {
				t.Fatal("handler must not run when the credit system is down")
			}
		})
	}
}

func TestExecute_RateLimitWindowReset(t *testing.T) {
	reg := newExecRegistry(t, nil, nil)

	now := time.Unix(1_700_000_000, 0)
	limiter := NewFixedWindowLimiter()
	limiter.now = func() time.Time { return now }
	reg.limiter = limiter

	def := ToolDefinition{
		Name:      "limited",
		RateLimit: &RateLimit{MaxCalls: 3, Window: time.Second},
	}
	if err := reg.Register(def, okHandler); err != nil {
		t.Fatal(err)
	}

	ec := ExecutionContext{UserID: "u1"}
	params := json.RawMessage(`{}`)

	for i := 0; i < 3; i++ {
		if res := reg.Execute(context.Background(), "limited", params, ec); !res.Success {
			t.Fatalf("call %d should be admitted: %+v", i+1, res.Error)
		}
	}

	res := reg.Execute(context.Background(), "limited", params, ec)
	if res.Success {
		t.Fatal("4th call within the window must be rejected")
	}
	if res.Error.Code != CodeRateLimitExceeded {
		t.Fatalf("expected %s, got %s", CodeRateLimitExceeded, res.Error.Code)
	}
	if res.Error.Details["max_calls"] != 3 {
		t.Fatalf("expected max_calls detail, got %v", res.Error.Details)
	}
	if res.Error.Details["window_ms"] != int64(1000) {
		t.Fatalf("expected window_ms detail, got %v", res.Error.Details)
	}
	if _, ok := res.Error.Details["reset_at"]; !ok {
		t.Fatalf("expected reset_at detail, got %v", res.Error.Details)
	}

	// A different user has an independent budget.
	if res := reg.Execute(context.Background(), "limited", params, ExecutionContext{UserID: "u2"}); !res.Success {
		t.Fatalf("other user's call must be admitted: %+v", res.Error)
	}

	// After the window elapses the counter resets to 1.
	now = now.Add(1100 * time.Millisecond)
	if res := reg.Execute(context.Background(), "limited", params, ec); !res.Success {
		t.Fatalf("call after window expiry must succeed: %+v", res.Error)
	}
}

func TestExecute_DeprecatedButCallable(t *testing.T) {
	reg := newExecRegistry(t, nil, nil)
	def := testDef("legacy")
	def.Deprecated = true
	def.DeprecationMessage = "superseded"
	if err := reg.Register(def, okHandler); err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "legacy", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if !res.Success {
		t.Fatalf("deprecation must never block execution: %+v", res.Error)
	}
	if got := reg.ListTools(ListFilter{}); len(got) != 0 {
		t.Fatalf("deprecated tool must be excluded from listing: %v", got)
	}
}

func TestExecute_HandlerToolErrorPreserved(t *testing.T) {
	reg := newExecRegistry(t, nil, nil)
	def := testDef("finder")
	err := reg.Register(def, func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
		return nil, &ToolError{
			Code:    "CONTACT_NOT_FOUND",
			Message: "no such contact",
			Details: map[string]any{"contact_id": "c-42"},
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "finder", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Code != "CONTACT_NOT_FOUND" {
		t.Fatalf("handler error code must be preserved, got %s", res.Error.Code)
	}
	if res.Error.Details["contact_id"] != "c-42" {
		t.Fatalf("handler error details must be preserved, got %v", res.Error.Details)
	}
}

func TestExecute_HandlerErrorsNormalized(t *testing.T) {
	cases := []struct {
		name    string
		handler Handler
	}{
		{"plain error", func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
			return nil, errors.New("boom")
		}},
		{"panic", func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
			panic("handler went sideways")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newExecRegistry(t, nil, nil)
			if err := reg.Register(testDef("flaky"), tc.handler); err != nil {
				t.Fatal(err)
			}

			res := reg.Execute(context.Background(), "flaky", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
			if res.Success {
				t.Fatal("expected failure envelope")
			}
			if res.Error.Code != CodeExecutionError {
				t.Fatalf("expected %s, got %s", CodeExecutionError, res.Error.Code)
			}
		})
	}
}

func TestExecute_RecordingGatedOnMessageID(t *testing.T) {
	rec := &fakeRecorder{}
	reg := newExecRegistry(t, nil, rec)
	if err := reg.Register(testDef("audited"), okHandler); err != nil {
		t.Fatal(err)
	}

	// No message id: never recorded.
	reg.Execute(context.Background(), "audited", json.RawMessage(`{}`), ExecutionContext{UserID: "u1"})
	if len(rec.records) != 0 {
		t.Fatalf("call without message id must not be recorded, got %d records", len(rec.records))
	}

	// With message id: exactly one record, success mirrored.
	reg.Execute(context.Background(), "audited", json.RawMessage(`{"a":1}`), ctxWithMessage("u1"))
	if len(rec.records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(rec.records))
	}
	r := rec.records[0]
	if !r.Success || r.ToolName != "audited" || r.MessageID != "msg-1" || r.ArgsJSON != `{"a":1}` {
		t.Fatalf("unexpected record: %+v", r)
	}

	// Failure outcome mirrored too.
	reg.Execute(context.Background(), "ghost", json.RawMessage(`{}`), ctxWithMessage("u1"))
	if len(rec.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(rec.records))
	}
	if rec.records[1].Success || rec.records[1].ErrorCode != CodeToolNotFound {
		t.Fatalf("failure must be mirrored in the record: %+v", rec.records[1])
	}
}

func TestExecute_CacheableToolServedFromCache(t *testing.T) {
	ledger := &fakeLedger{remaining: 10}
	reg := newExecRegistry(t, ledger, nil)

	handlerCalls := 0
	def := ToolDefinition{
		Name:            "cached_read",
		CreditCost:      2,
		Cacheable:       true,
		CacheTTLSeconds: 60,
	}
	err := reg.Register(def, func(_ context.Context, _ json.RawMessage, _ ExecutionContext) (any, error) {
		handlerCalls++
		return map[string]any{"n": handlerCalls}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	params := json.RawMessage(`{"q":"x"}`)
	first := reg.Execute(context.Background(), "cached_read", params, ExecutionContext{UserID: "u1"})
	if !first.Success || first.Metadata.Cached {
		t.Fatalf("first call must execute the handler: %+v", first)
	}

	second := reg.Execute(context.Background(), "cached_read", params, ExecutionContext{UserID: "u1"})
	if !second.Success || !second.Metadata.Cached {
		t.Fatalf("second call must be served from cache: %+v", second.Metadata)
	}
	if handlerCalls != 1 {
		t.Fatalf("handler must not re-run on a cache hit, ran %d times", handlerCalls)
	}
	if ledger.spendCalls != 1 {
		t.Fatalf("cache hits must not charge credits, spend called %d times", ledger.spendCalls)
	}

	// Different params miss the cache.
	third := reg.Execute(context.Background(), "cached_read", json.RawMessage(`{"q":"y"}`), ExecutionContext{UserID: "u1"})
	if third.Metadata.Cached {
		t.Fatal("different params must not hit the cache")
	}

	// Another user's identical params miss too.
	fourth := reg.Execute(context.Background(), "cached_read", params, ExecutionContext{UserID: "u2"})
	if fourth.Metadata.Cached {
		t.Fatal("cache entries must be user-scoped")
	}
}

// dropRecorder simulates a recorder whose backend is down: every record is
// silently lost.
type dropRecorder struct{}

func (dropRecorder) Record(_ *recorder.InvocationRecord) {}
func (dropRecorder) Close()                              {}

func TestExecute_RecorderOutageDoesNotChangeResult(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	reg := New(Config{Logger: logger, Recorder: dropRecorder{}})
	if err := reg.Register(testDef("steady"), okHandler); err != nil {
		t.Fatal(err)
	}

	res := reg.Execute(context.Background(), "steady", json.RawMessage(`{}`), ctxWithMessage("u1"))
	if !res.Success {
		t.Fatalf("recording is a side channel and must not affect the result: %+v", res.Error)
	}
}
