package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datatalk-ai/datatalk/internal/agent"
	"github.com/datatalk-ai/datatalk/internal/archive"
	"github.com/datatalk-ai/datatalk/internal/artifact"
	"github.com/datatalk-ai/datatalk/internal/events"
	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/memory"
	"github.com/datatalk-ai/datatalk/internal/tools"
	"github.com/datatalk-ai/datatalk/internal/turnctx"
)

// scriptedClient replays canned responses in order, repeating the last.
type scriptedClient struct {
	script []func() (*llm.ChatResponse, error)
	calls  int
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	i := c.calls
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	c.calls++
	resp, err := c.script[i]()
	if err == nil && callback != nil && resp.Message.Content != "" {
		callback(resp.Message.Content)
	}
	return resp, err
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func text(content string) func() (*llm.ChatResponse, error) {
	return func() (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			Model:       "test-model",
			Message:     llm.Message{Role: "assistant", Content: content},
			Done:        true,
			InputTokens: 10, OutputTokens: 5,
		}, nil
	}
}

func tableCall() func() (*llm.ChatResponse, error) {
	return func() (*llm.ChatResponse, error) {
		tc := llm.ToolCall{ID: "t1"}
		tc.Function.Name = "make_table"
		return &llm.ChatResponse{
			Model:   "test-model",
			Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{tc}},
			Done:    true,
		}, nil
	}
}

func testServer(t *testing.T, client llm.Client) (*httptest.Server, *events.Bus) {
	t.Helper()

	registry := tools.NewRegistry(nil, nil)
	registry.Register(&tools.Tool{
		Name:       "make_table",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if tc := turnctx.FromContext(ctx); tc != nil {
				tc.SetTable(&artifact.Table{
					Columns: []string{"region", "revenue"},
					Rows:    [][]string{{"north", "1200"}},
				})
			}
			return "1 row", nil
		},
	})

	store := memory.NewStore()
	inv := agent.NewInvoker(agent.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, nil)
	backend := agent.NewBackend(client, "test-model", registry, nil, nil)
	orch := agent.NewOrchestrator(store, backend, inv, 4096, nil, nil, nil)

	arch, err := archive.NewStore(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("archive store: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	bus := events.New()
	srv := NewServer("127.0.0.1", 0, orch, arch, nil, bus, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus
}

func postChat(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/chat", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /v1/chat: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestChat_TextTurn(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){
		text("The north leads."),
	}})

	resp, body := postChat(t, ts, `{"conversation_id": "c1", "query": "who leads?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["kind"] != "text" || body["text"] != "The north leads." {
		t.Errorf("body = %v", body)
	}

	// History reflects the turn.
	hr, err := http.Get(ts.URL + "/v1/conversations/c1/history")
	if err != nil {
		t.Fatal(err)
	}
	defer hr.Body.Close()
	var hist struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.NewDecoder(hr.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 2 {
		t.Errorf("history = %d messages, want 2", len(hist.Messages))
	}
}

func TestChat_TableTurnAndTranscript(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){
		tableCall(),
		text("See the table."),
	}})

	_, body := postChat(t, ts, `{"conversation_id": "c1", "query": "revenue by region"}`)
	if body["kind"] != "table" {
		t.Fatalf("kind = %v, want table", body["kind"])
	}
	table, ok := body["table"].(map[string]any)
	if !ok {
		t.Fatalf("table = %v", body["table"])
	}
	if rows, ok := table["rows"].([]any); !ok || len(rows) != 1 {
		t.Errorf("rows = %v", table["rows"])
	}

	// The turn was archived: user, artifact, assistant.
	tr, err := http.Get(ts.URL + "/v1/conversations/c1/transcript")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Body.Close()
	var transcript struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.NewDecoder(tr.Body).Decode(&transcript); err != nil {
		t.Fatal(err)
	}
	if len(transcript.Entries) != 3 {
		t.Errorf("transcript = %d entries, want 3", len(transcript.Entries))
	}
}

func TestChat_RetryRequestedSurfaced(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){
		func() (*llm.ChatResponse, error) {
			return nil, &llm.APIError{StatusCode: 429, Type: "rate_limit_error", Message: "busy"}
		},
	}})

	resp, body := postChat(t, ts, `{"conversation_id": "c1", "query": "q"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (retry-requested is not an HTTP failure)", resp.StatusCode)
	}
	if body["kind"] != "retry_requested" {
		t.Errorf("kind = %v", body["kind"])
	}
	if body["message"] == "" {
		t.Error("missing user-facing message")
	}
}

func TestChat_Validation(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){text("x")}})

	for _, body := range []string{
		`{"query": "no conversation"}`,
		`{"conversation_id": "c1"}`,
		`not json`,
	} {
		resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestChat_StreamDeltas(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){
		text("streamed answer"),
	}})

	resp, err := http.Post(ts.URL+"/v1/chat", "application/json",
		strings.NewReader(`{"conversation_id": "c1", "query": "q", "stream": true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	raw := buf.String()
	if !strings.Contains(raw, "event: delta") {
		t.Errorf("no delta events in %q", raw)
	}
	if !strings.Contains(raw, "event: result") {
		t.Errorf("no result event in %q", raw)
	}
	if !strings.Contains(raw, `"kind":"text"`) {
		t.Errorf("result payload missing kind in %q", raw)
	}
}

func TestClear_EmptiesHistory(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){text("answer")}})
	postChat(t, ts, `{"conversation_id": "c1", "query": "q"}`)

	resp, err := http.Post(ts.URL+"/v1/conversations/c1/clear", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}

	hr, err := http.Get(ts.URL + "/v1/conversations/c1/history")
	if err != nil {
		t.Fatal(err)
	}
	defer hr.Body.Close()
	var hist struct {
		Messages []map[string]any `json:"messages"`
	}
	json.NewDecoder(hr.Body).Decode(&hist)
	if len(hist.Messages) != 0 {
		t.Errorf("history after clear = %d messages", len(hist.Messages))
	}
}

func TestStatsAndHealth(t *testing.T) {
	ts, _ := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){text("answer")}})
	postChat(t, ts, `{"conversation_id": "c1", "query": "q"}`)

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats map[string]any
	json.NewDecoder(resp.Body).Decode(&stats)
	if stats["active_conversations"].(float64) != 1 {
		t.Errorf("stats = %v", stats)
	}

	hr, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", hr.StatusCode)
	}
}

func TestEvents_WebSocketStream(t *testing.T) {
	ts, bus := testServer(t, &scriptedClient{script: []func() (*llm.ChatResponse, error){text("answer")}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindTurnComplete,
		Data:      map[string]any{"conversation_id": "c1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindTurnComplete || ev.Source != events.SourceAgent {
		t.Errorf("event = %+v", ev)
	}
}
