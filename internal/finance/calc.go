package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

var twelve = decimal.NewFromInt(12)

// MonthStart returns the first instant of t's month in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// ParseMonth parses YYYY-MM into the first day of that month in loc.
func ParseMonth(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01", s, loc)
}

// monthIndex numbers calendar months so dates stored in different
// locations compare by their calendar fields alone.
func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// ActiveIn reports whether the income pays anything during month.
func (in Income) ActiveIn(month time.Time) bool {
	m := monthIndex(month)
	start := monthIndex(in.StartDate)
	if in.Frequency == OneOff {
		return start == m
	}
	if start > m {
		return false
	}
	if in.EndDate != nil && monthIndex(*in.EndDate) < m {
		return false
	}
	return true
}

// MonthlyAmount is the income's contribution to the month starting at
// month: the full amount for monthly income, one twelfth for yearly,
// and the full amount for a one-off only in the month it is paid.
func (in Income) MonthlyAmount(month time.Time) decimal.Decimal {
	if !in.ActiveIn(month) {
		return decimal.Zero
	}
	if in.Frequency == Yearly {
		return in.Amount.Div(twelve).Round(2)
	}
	return in.Amount
}

// MonthlyPremium is the policy premium spread evenly per month.
// One-off premiums count as zero.
func (p Policy) MonthlyPremium() decimal.Decimal {
	switch p.PremiumFrequency {
	case Monthly:
		return p.Premium
	case Yearly:
		return p.Premium.Div(twelve).Round(2)
	default:
		return decimal.Zero
	}
}

// Age returns whole years between birth and now, or -1 when unknown.
func (m FamilyMember) Age(now time.Time) int {
	if m.BirthDate == nil {
		return -1
	}
	b := *m.BirthDate
	age := now.Year() - b.Year()
	if now.Month() < b.Month() || (now.Month() == b.Month() && now.Day() < b.Day()) {
		age--
	}
	return age
}
