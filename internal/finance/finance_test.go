package finance

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func TestStore_ReadsAreUserScoped(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	s.AddExpense(ctx, Expense{UserID: "alice", Name: "Hawker", Category: "Food", Amount: decimal.RequireFromString("12.50"), Date: date("2026-10-03")})
	s.AddExpense(ctx, Expense{UserID: "bob", Name: "Steak", Category: "Food", Amount: decimal.RequireFromString("80"), Date: date("2026-10-03")})
	s.AddHolding(ctx, Holding{UserID: "bob", Symbol: "D05", AssetClass: "equity", Units: decimal.NewFromInt(100), CostBasis: decimal.NewFromInt(3000), MarketValue: decimal.NewFromInt(3500)})

	got, err := s.Expenses(ctx, "alice", date("2026-10-01"), date("2026-11-01"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Hawker" || !got[0].Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("alice expenses = %+v", got)
	}

	holdings, _ := s.Holdings(ctx, "alice")
	if len(holdings) != 0 {
		t.Errorf("alice sees %d of bob's holdings", len(holdings))
	}

	if _, err := s.Goals(ctx, ""); !errors.Is(err, ErrUserRequired) {
		t.Errorf("empty user: %v", err)
	}
}

func TestStore_ExpenseDateRange(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	for _, d := range []string{"2026-09-30", "2026-10-01", "2026-10-31", "2026-11-01"} {
		s.AddExpense(ctx, Expense{UserID: "u", Name: d, Category: "x", Amount: decimal.NewFromInt(1), Date: date(d)})
	}

	got, _ := s.Expenses(ctx, "u", date("2026-10-01"), date("2026-11-01"))
	if len(got) != 2 || got[0].Name != "2026-10-01" || got[1].Name != "2026-10-31" {
		t.Errorf("October expenses = %+v", got)
	}
}

func TestStore_IncomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	id, err := s.AddIncome(ctx, Income{
		UserID: "u", Name: "Salary", Amount: decimal.RequireFromString("6500.00"),
		Frequency: Monthly, StartDate: date("2024-01-01"), EndDate: ptr(date("2027-12-31")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddIncome(ctx, Income{UserID: "u", Frequency: "weekly"}); err == nil {
		t.Error("expected invalid frequency error")
	}

	got, _ := s.Incomes(ctx, "u")
	if len(got) != 1 || got[0].ID != id || got[0].EndDate == nil || !got[0].EndDate.Equal(date("2027-12-31")) {
		t.Errorf("incomes = %+v", got)
	}
}

func TestStore_CPFByMonth(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	for _, m := range []string{"2026-09", "2026-10"} {
		if _, err := s.AddCPFContribution(ctx, CPFContribution{UserID: "u", FamilyMemberID: "f1", Month: m, Employee: decimal.NewFromInt(1000)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AddCPFContribution(ctx, CPFContribution{UserID: "u", Month: "October"}); err == nil {
		t.Error("expected invalid month error")
	}

	oct, _ := s.CPFContributions(ctx, "u", "2026-10")
	if len(oct) != 1 {
		t.Errorf("October contributions = %d", len(oct))
	}
	all, _ := s.CPFContributions(ctx, "u", "")
	if len(all) != 2 || all[0].Month != "2026-10" {
		t.Errorf("all contributions = %+v", all)
	}
}

func TestIncome_MonthlyAmount(t *testing.T) {
	oct := date("2026-10-01")
	tests := []struct {
		name string
		in   Income
		want string
	}{
		{"monthly", Income{Amount: decimal.NewFromInt(5000), Frequency: Monthly, StartDate: date("2025-01-01")}, "5000"},
		{"yearly spread", Income{Amount: decimal.NewFromInt(12000), Frequency: Yearly, StartDate: date("2025-01-01")}, "1000"},
		{"one-off this month", Income{Amount: decimal.NewFromInt(3000), Frequency: OneOff, StartDate: date("2026-10-15")}, "3000"},
		{"one-off other month", Income{Amount: decimal.NewFromInt(3000), Frequency: OneOff, StartDate: date("2026-09-15")}, "0"},
		{"not started", Income{Amount: decimal.NewFromInt(100), Frequency: Monthly, StartDate: date("2026-11-01")}, "0"},
		{"ended", Income{Amount: decimal.NewFromInt(100), Frequency: Monthly, StartDate: date("2025-01-01"), EndDate: ptr(date("2026-09-30"))}, "0"},
		{"ends mid month", Income{Amount: decimal.NewFromInt(100), Frequency: Monthly, StartDate: date("2025-01-01"), EndDate: ptr(date("2026-10-15"))}, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.MonthlyAmount(oct); !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("MonthlyAmount = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPolicy_MonthlyPremium(t *testing.T) {
	p := Policy{Premium: decimal.NewFromInt(1200), PremiumFrequency: Yearly}
	if got := p.MonthlyPremium(); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("yearly premium monthly = %s", got)
	}
	p.PremiumFrequency = OneOff
	if got := p.MonthlyPremium(); !got.IsZero() {
		t.Errorf("one-off premium monthly = %s", got)
	}
}

func TestFamilyMember_Age(t *testing.T) {
	now := date("2026-10-17")
	m := FamilyMember{BirthDate: ptr(date("1990-10-18"))}
	if got := m.Age(now); got != 35 {
		t.Errorf("Age = %d, want 35", got)
	}
	if got := (FamilyMember{}).Age(now); got != -1 {
		t.Errorf("unknown Age = %d, want -1", got)
	}
}
