// Package finance is the typed read contract over a user's financial
// records. Every read takes the caller's user id and returns only that
// user's rows; tool code relies on this filtering and never receives
// another user's data.
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is how often an income recurs.
type Frequency string

const (
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
	OneOff  Frequency = "one-off"
)

// Valid reports whether f is known.
func (f Frequency) Valid() bool {
	return f == Monthly || f == Yearly || f == OneOff
}

// Income is a salary, bonus or other inflow.
type Income struct {
	ID             string
	UserID         string
	Name           string
	Category       string
	Amount         decimal.Decimal
	Frequency      Frequency
	StartDate      time.Time
	EndDate        *time.Time
	FamilyMemberID string
}

// Expense is a single dated outflow.
type Expense struct {
	ID       string
	UserID   string
	Name     string
	Category string
	Amount   decimal.Decimal
	Date     time.Time
}

// FamilyMember is a household member.
type FamilyMember struct {
	ID           string
	UserID       string
	Name         string
	Relationship string
	BirthDate    *time.Time
}

// CPFContribution is one month of Central Provident Fund contributions
// for a family member.
type CPFContribution struct {
	ID              string
	UserID          string
	FamilyMemberID  string
	Month           string // YYYY-MM
	Employee        decimal.Decimal
	Employer        decimal.Decimal
	OrdinaryAccount decimal.Decimal
	SpecialAccount  decimal.Decimal
	MedisaveAccount decimal.Decimal
}

// Holding is an investment position.
type Holding struct {
	ID          string
	UserID      string
	Symbol      string
	Name        string
	AssetClass  string
	Units       decimal.Decimal
	CostBasis   decimal.Decimal
	MarketValue decimal.Decimal
}

// Policy is an insurance policy.
type Policy struct {
	ID               string
	UserID           string
	FamilyMemberID   string
	Provider         string
	Type             string
	Premium          decimal.Decimal
	PremiumFrequency Frequency
	CoverageAmount   decimal.Decimal
}

// Goal is a savings target.
type Goal struct {
	ID            string
	UserID        string
	Name          string
	TargetAmount  decimal.Decimal
	CurrentAmount decimal.Decimal
	TargetDate    *time.Time
}

// Reader is the read side the tools consume.
type Reader interface {
	Incomes(ctx context.Context, userID string) ([]Income, error)
	// Expenses returns expenses dated within [from, to).
	Expenses(ctx context.Context, userID string, from, to time.Time) ([]Expense, error)
	FamilyMembers(ctx context.Context, userID string) ([]FamilyMember, error)
	// CPFContributions returns contributions for month, or every month
	// when month is empty.
	CPFContributions(ctx context.Context, userID, month string) ([]CPFContribution, error)
	Holdings(ctx context.Context, userID string) ([]Holding, error)
	Policies(ctx context.Context, userID string) ([]Policy, error)
	Goals(ctx context.Context, userID string) ([]Goal, error)
}
