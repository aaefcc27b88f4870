package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/datatalk-ai/datatalk/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []Record{
		{ConversationID: "c1", Model: "claude-sonnet-4-20250514", InputTokens: 100, OutputTokens: 50, CostUSD: 0.001, Attempts: 1},
		{ConversationID: "c1", Model: "claude-sonnet-4-20250514", InputTokens: 200, OutputTokens: 80, CostUSD: 0.002, Attempts: 3},
		{ConversationID: "c2", Model: "claude-haiku-3-5", InputTokens: 50, OutputTokens: 10, CostUSD: 0.0001, Attempts: 1},
	}
	for _, rec := range recs {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("records = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 350 || sum.TotalOutputTokens != 140 {
		t.Errorf("tokens = %d/%d, want 350/140", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	if math.Abs(sum.TotalCostUSD-0.0031) > 1e-9 {
		t.Errorf("cost = %v, want 0.0031", sum.TotalCostUSD)
	}
}

func TestSummary_WindowExcludes(t *testing.T) {
	s := testStore(t)
	old := Record{
		Timestamp:      time.Now().Add(-48 * time.Hour),
		ConversationID: "c1",
		Model:          "m",
		InputTokens:    10,
		OutputTokens:   5,
	}
	if err := s.Insert(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summary(time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("records = %d, want 0 (outside window)", sum.TotalRecords)
	}
}

func TestSummaryByConversation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Insert(ctx, Record{ConversationID: "c1", Model: "m", InputTokens: 100, OutputTokens: 10, CostUSD: 0.01})
	s.Insert(ctx, Record{ConversationID: "c2", Model: "m", InputTokens: 50, OutputTokens: 5, CostUSD: 0.002})

	byConv, err := s.SummaryByConversation(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByConversation: %v", err)
	}
	if len(byConv) != 2 {
		t.Fatalf("groups = %d, want 2", len(byConv))
	}
	if byConv["c1"].TotalInputTokens != 100 {
		t.Errorf("c1 input tokens = %d", byConv["c1"].TotalInputTokens)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}

	got := ComputeCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000, pricing)
	if math.Abs(got-18.0) > 1e-9 {
		t.Errorf("cost = %v, want 18.0", got)
	}

	got = ComputeCost("claude-sonnet-4-20250514", 500_000, 100_000, pricing)
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("cost = %v, want 3.0", got)
	}

	if got := ComputeCost("unknown-model", 1_000_000, 1_000_000, pricing); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
}

func TestTurnRecorder(t *testing.T) {
	s := testStore(t)
	pricing := map[string]config.PricingEntry{"m": {InputPerMillion: 1.0, OutputPerMillion: 2.0}}
	rec := NewTurnRecorder(s, pricing)

	if err := rec.Record(context.Background(), "c1", "m", 1_000_000, 500_000, 2); err != nil {
		t.Fatalf("Record: %v", err)
	}

	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 1 {
		t.Fatalf("records = %d, want 1", sum.TotalRecords)
	}
	if math.Abs(sum.TotalCostUSD-2.0) > 1e-9 {
		t.Errorf("cost = %v, want 2.0", sum.TotalCostUSD)
	}
}
