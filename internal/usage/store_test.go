package usage

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fernfax/foracle-v2-self-sub004/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gpt-4o":      {InputPerMillion: 2.5, OutputPerMillion: 10.0},
		"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, UserID: "alice", ThreadID: "t1", ResponseID: "resp_1", Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0075},
		{Timestamp: now, UserID: "bob", ThreadID: "t2", ResponseID: "resp_2", Model: "gpt-4o-mini", InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.0009},
		{Timestamp: now.Add(-48 * time.Hour), UserID: "alice", Model: "gpt-4o", InputTokens: 9, OutputTokens: 9, CostUSD: 9},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 || sum.TotalInputTokens != 3000 || sum.TotalOutputTokens != 1500 {
		t.Errorf("summary = %+v", sum)
	}
	if !approx(sum.TotalCostUSD, 0.0084) {
		t.Errorf("TotalCostUSD = %f, want 0.0084", sum.TotalCostUSD)
	}
}

func TestSummaryByModelAndUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, rec := range []Record{
		{Timestamp: now, UserID: "alice", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, UserID: "alice", Model: "gpt-4o", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, UserID: "bob", Model: "gpt-4o-mini", InputTokens: 50, OutputTokens: 25, CostUSD: 0.5},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Minute), now.Add(time.Minute)
	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["gpt-4o"].TotalRecords != 2 || byModel["gpt-4o"].TotalInputTokens != 300 {
		t.Errorf("by model = %+v", byModel)
	}

	byUser, err := s.SummaryByUser(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByUser: %v", err)
	}
	if !approx(byUser["alice"].TotalCostUSD, 3.0) || !approx(byUser["bob"].TotalCostUSD, 0.5) {
		t.Errorf("by user = alice %+v bob %+v", byUser["alice"], byUser["bob"])
	}
}

func TestRecord_GeneratesID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for range 2 {
		if err := s.Record(ctx, Record{UserID: "alice", Model: "gpt-4o"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	var n int
	s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM usage_records`).Scan(&n)
	if n != 2 {
		t.Errorf("distinct ids = %d, want 2", n)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()
	tests := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"gpt-4o", 1_000_000, 1_000_000, 12.5},
		{"gpt-4o-mini", 1000, 500, 0.00045},
		{"local-model", 1000, 1000, 0},
	}
	for _, tt := range tests {
		if got := ComputeCost(tt.model, tt.in, tt.out, pricing); !approx(got, tt.want) {
			t.Errorf("ComputeCost(%s) = %f, want %f", tt.model, got, tt.want)
		}
	}
}
