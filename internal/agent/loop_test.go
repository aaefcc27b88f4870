package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/tools"
	"github.com/datatalk-ai/datatalk/internal/turnctx"
)

// artifactRegistry exposes test tools that stash artifacts the way
// run_query and render_chart do.
func artifactRegistry() *tools.Registry {
	r := tools.NewRegistry(nil, nil)
	r.Register(&tools.Tool{
		Name:       "make_table",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if tc := turnctx.FromContext(ctx); tc != nil {
				tc.SetTable(&artifact.Table{
					Columns: []string{"region", "revenue"},
					Rows:    [][]string{{"north", "1200"}},
				})
			}
			return "region | revenue\nnorth | 1200", nil
		},
	})
	r.Register(&tools.Tool{
		Name:       "make_chart",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if tc := turnctx.FromContext(ctx); tc != nil {
				tc.SetChart(&artifact.Chart{
					Type:   "bar",
					Labels: []string{"north"},
					Series: []artifact.Series{{Name: "revenue", Values: []float64{1200}}},
				})
			}
			return "chart rendered", nil
		},
	})
	r.Register(&tools.Tool{
		Name:       "dump",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return strings.Repeat("row,of,data\n", 10_000), nil
		},
	})
	return r
}

type recordedUsage struct {
	conversationID string
	model          string
	inputTokens    int
	outputTokens   int
	attempts       int
}

type fakeUsage struct {
	records []recordedUsage
}

func (u *fakeUsage) Record(ctx context.Context, conversationID, model string, inputTokens, outputTokens, attempts int) error {
	u.records = append(u.records, recordedUsage{conversationID, model, inputTokens, outputTokens, attempts})
	return nil
}

func testOrchestrator(t *testing.T, client llm.Client) (*Orchestrator, *memory.Store, *fakeClock, *fakeUsage) {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{}
	inv := NewInvoker(RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}, nil, nil)
	inv.after = clock.after
	backend := NewBackend(client, "test-model", artifactRegistry(), nil, nil)
	usage := &fakeUsage{}
	o := NewOrchestrator(store, backend, inv, 1024, usage, nil, nil)
	return o, store, clock, usage
}

func TestProcessTurn_AppendsUserAndAssistant(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("answer one", 100, 10),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	res, err := o.ProcessTurn(context.Background(), "c1", "question one", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Kind != ResultText || res.Text != "answer one" {
		t.Errorf("result = %+v", res)
	}

	h := store.History("c1")
	if len(h) != 2 {
		t.Fatalf("history = %d messages, want 2", len(h))
	}
	if h[0].Role != memory.RoleUser || h[0].Content != "question one" {
		t.Errorf("h[0] = %+v", h[0])
	}
	if h[1].Role != memory.RoleAssistant || h[1].Content != "answer one" {
		t.Errorf("h[1] = %+v", h[1])
	}

	// Second turn appends, preserving order.
	if _, err := o.ProcessTurn(context.Background(), "c1", "question two", nil); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	h = store.History("c1")
	if len(h) != 4 {
		t.Fatalf("history = %d messages, want 4", len(h))
	}
	if h[2].Content != "question two" {
		t.Errorf("h[2] = %+v", h[2])
	}
}

func TestProcessTurn_TableResult(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		toolResp("t1", "make_table", nil),
		textResp("Revenue is strongest in the north.", 50, 10),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	res, err := o.ProcessTurn(context.Background(), "c1", "revenue by region", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Kind != ResultTable {
		t.Fatalf("kind = %v, want table", res.Kind)
	}
	if res.Table == nil || res.Table.RowCount() != 1 {
		t.Errorf("table = %+v", res.Table)
	}
	if res.Text == "" {
		t.Error("prose should accompany the table")
	}

	// user, tool, assistant
	if h := store.History("c1"); len(h) != 3 || h[1].Role != memory.RoleTool {
		t.Errorf("history = %+v", h)
	}
}

func TestProcessTurn_ChartWinsOverTable(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		toolResp("t1", "make_table", nil),
		toolResp("t2", "make_chart", nil),
		textResp("Here is the chart.", 50, 10),
	}}
	o, _, _, _ := testOrchestrator(t, client)

	res, err := o.ProcessTurn(context.Background(), "c1", "chart revenue", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Kind != ResultChart || res.Chart == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessTurn_RetrySuccessPreservesHistory(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("first answer", 10, 5),
		errResp(rateLimitErr()),
		errResp(rateLimitErr()),
		textResp("second answer", 10, 5),
	}}
	o, store, clock, _ := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "q1", nil); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	res, err := o.ProcessTurn(context.Background(), "c1", "q2", nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if res.Kind != ResultText || res.Text != "second answer" {
		t.Errorf("result = %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}

	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(clock.delays) != 2 || clock.delays[0] != want[0] || clock.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", clock.delays, want)
	}

	if h := store.History("c1"); len(h) != 4 {
		t.Errorf("history = %d messages, want 4", len(h))
	}
}

func TestProcessTurn_ExhaustionResetsConversation(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("first answer", 10, 5),
		errResp(rateLimitErr()),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "q1", nil); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	res, err := o.ProcessTurn(context.Background(), "c1", "q2", nil)
	if err != nil {
		t.Fatalf("exhaustion is not fatal: %v", err)
	}
	if res.Kind != ResultRetryRequested {
		t.Fatalf("kind = %v, want retry_requested", res.Kind)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.Message == "" {
		t.Error("retry result needs a user-facing message")
	}

	if h := store.History("c1"); len(h) != 0 {
		t.Errorf("history = %d messages, want 0 after reset", len(h))
	}
	// The reset conversation must disappear from stats, same as a
	// user-requested Reset.
	if st := o.Stats(); st.ActiveConversations != 0 {
		t.Errorf("stats = %+v, want no active conversations", st)
	}
}

func TestProcessTurn_UsageLimitFailsFast(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		errResp(usageLimitErr()),
	}}
	o, store, clock, usage := testOrchestrator(t, client)

	res, err := o.ProcessTurn(context.Background(), "c1", "q", nil)
	if err != nil {
		t.Fatalf("usage cap is not fatal: %v", err)
	}
	if res.Kind != ResultRetryRequested || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(clock.delays) != 0 {
		t.Errorf("usage cap must not back off, slept %v", clock.delays)
	}
	if len(store.History("c1")) != 0 {
		t.Error("history should be reset")
	}
	if st := o.Stats(); st.ActiveConversations != 0 {
		t.Errorf("stats = %+v, want no active conversations", st)
	}
	if len(usage.records) != 0 {
		t.Error("abandoned turns must not record usage")
	}
}

func TestProcessTurn_FatalErrorLeavesHistoryUntouched(t *testing.T) {
	fatal := &llm.APIError{StatusCode: 401, Type: "authentication_error", Message: "bad key"}
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("first answer", 10, 5),
		errResp(fatal),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "q1", nil); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	res, err := o.ProcessTurn(context.Background(), "c1", "q2", nil)
	if res != nil || !errors.Is(err, fatal) {
		t.Fatalf("res = %v, err = %v, want fatal error", res, err)
	}

	if h := store.History("c1"); len(h) != 2 {
		t.Errorf("history = %d messages, want 2 (failed turn must not persist)", len(h))
	}
}

func TestProcessTurn_EvictsOversizedToolResults(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		toolResp("t1", "dump", nil),
		textResp("That is a lot of data.", 10, 5),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "dump everything", nil); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	h := store.History("c1")
	if len(h) != 3 {
		t.Fatalf("history = %d messages, want 3", len(h))
	}
	tool := h[1]
	if tool.Role != memory.RoleTool {
		t.Fatalf("h[1].Role = %v", tool.Role)
	}
	if tool.SizeBytes > 256 || !strings.Contains(tool.Content, "Re-invoke the tool") {
		t.Errorf("oversized tool result not evicted: %d bytes, %q", tool.SizeBytes, tool.Content[:min(80, len(tool.Content))])
	}
}

func TestProcessTurn_RecordsUsage(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("answer", 100, 20),
	}}
	o, _, _, usage := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "q", nil); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(usage.records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(usage.records))
	}
	rec := usage.records[0]
	if rec.conversationID != "c1" || rec.inputTokens != 100 || rec.outputTokens != 20 || rec.attempts != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestProcessTurn_ValidatesInput(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("x", 1, 1),
	}})

	if _, err := o.ProcessTurn(context.Background(), "", "q", nil); err == nil {
		t.Error("empty conversation id should error")
	}
	if _, err := o.ProcessTurn(context.Background(), "c1", "", nil); err == nil {
		t.Error("empty query should error")
	}
}

func TestReset_ClearsHistory(t *testing.T) {
	client := &fakeClient{script: []func([]llm.Message) (*llm.ChatResponse, error){
		textResp("answer", 1, 1),
	}}
	o, store, _, _ := testOrchestrator(t, client)

	if _, err := o.ProcessTurn(context.Background(), "c1", "q", nil); err != nil {
		t.Fatal(err)
	}
	o.Reset("c1")
	if h := store.History("c1"); h != nil {
		t.Errorf("history after reset = %v", h)
	}
}
