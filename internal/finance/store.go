package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// ErrUserRequired is returned when a write or read has no user id.
var ErrUserRequired = errors.New("user id required")

var _ Reader = (*Store)(nil)

// Store is a SQLite-backed [Reader] with writers for seeding.
type Store struct {
	db *sql.DB
}

// NewStore creates a finance store on an open database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS incomes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			frequency TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT,
			family_member_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_incomes_user ON incomes(user_id);

		CREATE TABLE IF NOT EXISTS expenses (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			amount TEXT NOT NULL,
			date TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_expenses_user_date ON expenses(user_id, date);

		CREATE TABLE IF NOT EXISTS family_members (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			relationship TEXT NOT NULL DEFAULT '',
			birth_date TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_family_user ON family_members(user_id);

		CREATE TABLE IF NOT EXISTS cpf_contributions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_member_id TEXT NOT NULL,
			month TEXT NOT NULL,
			employee TEXT NOT NULL,
			employer TEXT NOT NULL,
			ordinary_account TEXT NOT NULL,
			special_account TEXT NOT NULL,
			medisave_account TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cpf_user_month ON cpf_contributions(user_id, month);

		CREATE TABLE IF NOT EXISTS holdings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			asset_class TEXT NOT NULL,
			units TEXT NOT NULL,
			cost_basis TEXT NOT NULL,
			market_value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_holdings_user ON holdings(user_id);

		CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_member_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			type TEXT NOT NULL,
			premium TEXT NOT NULL,
			premium_frequency TEXT NOT NULL,
			coverage_amount TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_policies_user ON policies(user_id);

		CREATE TABLE IF NOT EXISTS goals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			target_amount TEXT NOT NULL,
			current_amount TEXT NOT NULL,
			target_date TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_goals_user ON goals(user_id);
	`)
	return err
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.Must(uuid.NewV7()).String()
}

func formatDate(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}

func parseDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", ns.String, err)
	}
	return &t, nil
}

// AddIncome inserts an income and returns its id.
func (s *Store) AddIncome(ctx context.Context, in Income) (string, error) {
	if in.UserID == "" {
		return "", ErrUserRequired
	}
	if !in.Frequency.Valid() {
		return "", fmt.Errorf("invalid frequency %q", in.Frequency)
	}
	id := newID(in.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incomes (id, user_id, name, category, amount, frequency, start_date, end_date, family_member_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.UserID, in.Name, in.Category, in.Amount, string(in.Frequency),
		in.StartDate.Format(dateLayout), formatDate(in.EndDate), in.FamilyMemberID,
	)
	if err != nil {
		return "", fmt.Errorf("insert income: %w", err)
	}
	return id, nil
}

// AddExpense inserts an expense and returns its id.
func (s *Store) AddExpense(ctx context.Context, e Expense) (string, error) {
	if e.UserID == "" {
		return "", ErrUserRequired
	}
	id := newID(e.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (id, user_id, name, category, amount, date) VALUES (?, ?, ?, ?, ?, ?)`,
		id, e.UserID, e.Name, e.Category, e.Amount, e.Date.Format(dateLayout),
	)
	if err != nil {
		return "", fmt.Errorf("insert expense: %w", err)
	}
	return id, nil
}

// AddFamilyMember inserts a family member and returns its id.
func (s *Store) AddFamilyMember(ctx context.Context, m FamilyMember) (string, error) {
	if m.UserID == "" {
		return "", ErrUserRequired
	}
	id := newID(m.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO family_members (id, user_id, name, relationship, birth_date) VALUES (?, ?, ?, ?, ?)`,
		id, m.UserID, m.Name, m.Relationship, formatDate(m.BirthDate),
	)
	if err != nil {
		return "", fmt.Errorf("insert family member: %w", err)
	}
	return id, nil
}

// AddCPFContribution inserts a CPF contribution and returns its id.
func (s *Store) AddCPFContribution(ctx context.Context, c CPFContribution) (string, error) {
	if c.UserID == "" {
		return "", ErrUserRequired
	}
	if _, err := time.Parse("2006-01", c.Month); err != nil {
		return "", fmt.Errorf("invalid month %q", c.Month)
	}
	id := newID(c.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cpf_contributions (id, user_id, family_member_id, month, employee, employer, ordinary_account, special_account, medisave_account)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.UserID, c.FamilyMemberID, c.Month, c.Employee, c.Employer,
		c.OrdinaryAccount, c.SpecialAccount, c.MedisaveAccount,
	)
	if err != nil {
		return "", fmt.Errorf("insert cpf contribution: %w", err)
	}
	return id, nil
}

// AddHolding inserts a holding and returns its id.
func (s *Store) AddHolding(ctx context.Context, h Holding) (string, error) {
	if h.UserID == "" {
		return "", ErrUserRequired
	}
	id := newID(h.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holdings (id, user_id, symbol, name, asset_class, units, cost_basis, market_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, h.UserID, h.Symbol, h.Name, h.AssetClass, h.Units, h.CostBasis, h.MarketValue,
	)
	if err != nil {
		return "", fmt.Errorf("insert holding: %w", err)
	}
	return id, nil
}

// AddPolicy inserts a policy and returns its id.
func (s *Store) AddPolicy(ctx context.Context, p Policy) (string, error) {
	if p.UserID == "" {
		return "", ErrUserRequired
	}
	if !p.PremiumFrequency.Valid() {
		return "", fmt.Errorf("invalid premium frequency %q", p.PremiumFrequency)
	}
	id := newID(p.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (id, user_id, family_member_id, provider, type, premium, premium_frequency, coverage_amount)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.UserID, p.FamilyMemberID, p.Provider, p.Type, p.Premium, string(p.PremiumFrequency), p.CoverageAmount,
	)
	if err != nil {
		return "", fmt.Errorf("insert policy: %w", err)
	}
	return id, nil
}

// AddGoal inserts a goal and returns its id.
func (s *Store) AddGoal(ctx context.Context, g Goal) (string, error) {
	if g.UserID == "" {
		return "", ErrUserRequired
	}
	id := newID(g.ID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, user_id, name, target_amount, current_amount, target_date) VALUES (?, ?, ?, ?, ?, ?)`,
		id, g.UserID, g.Name, g.TargetAmount, g.CurrentAmount, formatDate(g.TargetDate),
	)
	if err != nil {
		return "", fmt.Errorf("insert goal: %w", err)
	}
	return id, nil
}

// Incomes returns the user's incomes ordered by name.
func (s *Store) Incomes(ctx context.Context, userID string) ([]Income, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, category, amount, frequency, start_date, end_date, family_member_id
		 FROM incomes WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query incomes: %w", err)
	}
	defer rows.Close()

	var out []Income
	for rows.Next() {
		var (
			in    Income
			freq  string
			start string
			end   sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.UserID, &in.Name, &in.Category, &in.Amount, &freq, &start, &end, &in.FamilyMemberID); err != nil {
			return nil, fmt.Errorf("scan income: %w", err)
		}
		in.Frequency = Frequency(freq)
		if in.StartDate, err = time.Parse(dateLayout, start); err != nil {
			return nil, fmt.Errorf("parse start date: %w", err)
		}
		if in.EndDate, err = parseDate(end); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Expenses returns the user's expenses dated within [from, to).
func (s *Store) Expenses(ctx context.Context, userID string, from, to time.Time) ([]Expense, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, category, amount, date FROM expenses
		 WHERE user_id = ? AND date >= ? AND date < ? ORDER BY date, id`,
		userID, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var out []Expense
	for rows.Next() {
		var e Expense
		var date string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Category, &e.Amount, &date); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		if e.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parse expense date: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FamilyMembers returns the user's family members ordered by name.
func (s *Store) FamilyMembers(ctx context.Context, userID string) ([]FamilyMember, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, relationship, birth_date FROM family_members
		 WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query family members: %w", err)
	}
	defer rows.Close()

	var out []FamilyMember
	for rows.Next() {
		var m FamilyMember
		var birth sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Relationship, &birth); err != nil {
			return nil, fmt.Errorf("scan family member: %w", err)
		}
		if m.BirthDate, err = parseDate(birth); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CPFContributions returns contributions for month, or all months when
// month is empty, newest month first.
func (s *Store) CPFContributions(ctx context.Context, userID, month string) ([]CPFContribution, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	q := `SELECT id, user_id, family_member_id, month, employee, employer, ordinary_account, special_account, medisave_account
		  FROM cpf_contributions WHERE user_id = ?`
	args := []any{userID}
	if month != "" {
		q += ` AND month = ?`
		args = append(args, month)
	}
	q += ` ORDER BY month DESC, family_member_id, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cpf contributions: %w", err)
	}
	defer rows.Close()

	var out []CPFContribution
	for rows.Next() {
		var c CPFContribution
		if err := rows.Scan(&c.ID, &c.UserID, &c.FamilyMemberID, &c.Month, &c.Employee, &c.Employer,
			&c.OrdinaryAccount, &c.SpecialAccount, &c.MedisaveAccount); err != nil {
			return nil, fmt.Errorf("scan cpf contribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Holdings returns the user's holdings ordered by symbol.
func (s *Store) Holdings(ctx context.Context, userID string) ([]Holding, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, name, asset_class, units, cost_basis, market_value
		 FROM holdings WHERE user_id = ? ORDER BY symbol, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.ID, &h.UserID, &h.Symbol, &h.Name, &h.AssetClass, &h.Units, &h.CostBasis, &h.MarketValue); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Policies returns the user's insurance policies ordered by provider.
func (s *Store) Policies(ctx context.Context, userID string) ([]Policy, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, family_member_id, provider, type, premium, premium_frequency, coverage_amount
		 FROM policies WHERE user_id = ? ORDER BY provider, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		var freq string
		if err := rows.Scan(&p.ID, &p.UserID, &p.FamilyMemberID, &p.Provider, &p.Type, &p.Premium, &freq, &p.CoverageAmount); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.PremiumFrequency = Frequency(freq)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Goals returns the user's goals ordered by name.
func (s *Store) Goals(ctx context.Context, userID string) ([]Goal, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, target_amount, current_amount, target_date
		 FROM goals WHERE user_id = ? ORDER BY name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var g Goal
		var target sql.NullString
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.TargetAmount, &g.CurrentAmount, &target); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		if g.TargetDate, err = parseDate(target); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
