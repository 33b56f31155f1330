package tools

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fernfax/foracle-v2-self-sub004/internal/finance"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retrieval"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

var hundred = decimal.NewFromInt(100)

// KnowledgeSearcher searches one retrieval corpus.
type KnowledgeSearcher interface {
	Search(ctx context.Context, corpus vectorstore.Corpus, ownerID, query string, opts vectorstore.SearchOptions) ([]retrieval.Result, error)
}

// Executor runs tool handlers against the finance data layer and the
// knowledge base. Month boundaries are computed in loc.
type Executor struct {
	data  finance.Reader
	kb    KnowledgeSearcher
	loc   *time.Location
	clock func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// WithKnowledgeBase enables search_knowledge_base.
func WithKnowledgeBase(kb KnowledgeSearcher) ExecutorOption {
	return func(e *Executor) { e.kb = kb }
}

// NewExecutor creates an executor. A nil loc means UTC.
func NewExecutor(data finance.Reader, loc *time.Location, opts ...ExecutorOption) *Executor {
	if loc == nil {
		loc = time.UTC
	}
	e := &Executor{data: data, loc: loc, clock: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) now() time.Time { return e.clock().In(e.loc) }

// Dispatch runs the handler for args on behalf of userID.
func (e *Executor) Dispatch(ctx context.Context, userID string, args Args) (any, error) {
	switch a := args.(type) {
	case IncomeSummaryArgs:
		return e.incomeSummary(ctx, userID, a)
	case ExpenseSummaryArgs:
		return e.expenseSummary(ctx, userID, a)
	case FamilySummaryArgs:
		return e.familySummary(ctx, userID)
	case CPFSummaryArgs:
		return e.cpfSummary(ctx, userID, a)
	case HoldingsSummaryArgs:
		return e.holdingsSummary(ctx, userID, a)
	case PolicySummaryArgs:
		return e.policySummary(ctx, userID, a)
	case GoalProgressArgs:
		return e.goalProgress(ctx, userID, a)
	case CashflowSummaryArgs:
		return e.cashflowSummary(ctx, userID, a)
	case KnowledgeSearchArgs:
		return e.searchKnowledge(ctx, a)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTool, args)
	}
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

// percent returns part/whole*100 at two decimals.
func percent(part, whole decimal.Decimal) string {
	return part.Mul(hundred).Div(whole).StringFixed(2)
}

func (e *Executor) month(s string) (time.Time, error) {
	if s == "" {
		return finance.MonthStart(e.now()), nil
	}
	return finance.ParseMonth(s, e.loc)
}

// --- income ---

type incomeLine struct {
	Name          string `json:"name"`
	Category      string `json:"category,omitempty"`
	Frequency     string `json:"frequency"`
	Amount        string `json:"amount"`
	MonthlyAmount string `json:"monthlyAmount"`
}

type incomeSummary struct {
	Month   string       `json:"month"`
	Total   string       `json:"total"`
	Incomes []incomeLine `json:"incomes"`
}

func (e *Executor) monthlyIncome(ctx context.Context, userID string, month time.Time) (decimal.Decimal, []incomeLine, error) {
	incomes, err := e.data.Incomes(ctx, userID)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("load incomes: %w", err)
	}
	total := decimal.Zero
	lines := []incomeLine{}
	for _, in := range incomes {
		if !in.ActiveIn(month) {
			continue
		}
		amt := in.MonthlyAmount(month)
		total = total.Add(amt)
		lines = append(lines, incomeLine{
			Name:          in.Name,
			Category:      in.Category,
			Frequency:     string(in.Frequency),
			Amount:        money(in.Amount),
			MonthlyAmount: money(amt),
		})
	}
	return total, lines, nil
}

func (e *Executor) incomeSummary(ctx context.Context, userID string, a IncomeSummaryArgs) (any, error) {
	month, err := e.month(a.Month)
	if err != nil {
		return nil, err
	}
	total, lines, err := e.monthlyIncome(ctx, userID, month)
	if err != nil {
		return nil, err
	}
	return incomeSummary{Month: month.Format("2006-01"), Total: money(total), Incomes: lines}, nil
}

// --- expenses ---

type categoryTotal struct {
	Category string `json:"category"`
	Total    string `json:"total"`
	Count    int    `json:"count"`

	amount decimal.Decimal
}

type expenseSummary struct {
	Month      string          `json:"month"`
	Category   string          `json:"category,omitempty"`
	Total      string          `json:"total"`
	Count      int             `json:"count"`
	ByCategory []categoryTotal `json:"byCategory"`
}

func (e *Executor) monthExpenses(ctx context.Context, userID string, month time.Time, category string) (decimal.Decimal, []categoryTotal, int, error) {
	expenses, err := e.data.Expenses(ctx, userID, month, month.AddDate(0, 1, 0))
	if err != nil {
		return decimal.Zero, nil, 0, fmt.Errorf("load expenses: %w", err)
	}

	total := decimal.Zero
	count := 0
	byCat := make(map[string]*categoryTotal)
	for _, x := range expenses {
		if category != "" && !strings.EqualFold(x.Category, category) {
			continue
		}
		total = total.Add(x.Amount)
		count++
		ct, ok := byCat[x.Category]
		if !ok {
			ct = &categoryTotal{Category: x.Category}
			byCat[x.Category] = ct
		}
		ct.amount = ct.amount.Add(x.Amount)
		ct.Count++
	}

	cats := make([]categoryTotal, 0, len(byCat))
	for _, ct := range byCat {
		ct.Total = money(ct.amount)
		cats = append(cats, *ct)
	}
	slices.SortFunc(cats, func(a, b categoryTotal) int {
		if c := b.amount.Cmp(a.amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return total, cats, count, nil
}

func (e *Executor) expenseSummary(ctx context.Context, userID string, a ExpenseSummaryArgs) (any, error) {
	month, err := e.month(a.Month)
	if err != nil {
		return nil, err
	}
	total, cats, count, err := e.monthExpenses(ctx, userID, month, a.Category)
	if err != nil {
		return nil, err
	}
	return expenseSummary{
		Month:      month.Format("2006-01"),
		Category:   a.Category,
		Total:      money(total),
		Count:      count,
		ByCategory: cats,
	}, nil
}

// --- family ---

type cpfLine struct {
	Month    string `json:"month"`
	Employee string `json:"employee"`
	Employer string `json:"employer"`
}

type memberSummary struct {
	Name            string   `json:"name"`
	Relationship    string   `json:"relationship,omitempty"`
	Age             *int     `json:"age,omitempty"`
	MonthlyIncome   string   `json:"monthlyIncome"`
	LatestCPF       *cpfLine `json:"latestCpf,omitempty"`
	Policies        int      `json:"policies"`
	MonthlyPremiums string   `json:"monthlyPremiums"`
}

type familySummary struct {
	Members []memberSummary `json:"members"`
}

func (e *Executor) familySummary(ctx context.Context, userID string) (any, error) {
	members, err := e.data.FamilyMembers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load family members: %w", err)
	}
	incomes, err := e.data.Incomes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load incomes: %w", err)
	}
	cpf, err := e.data.CPFContributions(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("load cpf contributions: %w", err)
	}
	policies, err := e.data.Policies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	now := e.now()
	month := finance.MonthStart(now)
	out := familySummary{Members: make([]memberSummary, 0, len(members))}
	for _, m := range members {
		ms := memberSummary{Name: m.Name, Relationship: m.Relationship}
		if age := m.Age(now); age >= 0 {
			ms.Age = &age
		}

		income := decimal.Zero
		for _, in := range incomes {
			if in.FamilyMemberID == m.ID {
				income = income.Add(in.MonthlyAmount(month))
			}
		}
		ms.MonthlyIncome = money(income)

		// Contributions arrive newest month first.
		for _, c := range cpf {
			if c.FamilyMemberID == m.ID {
				ms.LatestCPF = &cpfLine{Month: c.Month, Employee: money(c.Employee), Employer: money(c.Employer)}
				break
			}
		}

		premiums := decimal.Zero
		for _, p := range policies {
			if p.FamilyMemberID == m.ID {
				ms.Policies++
				premiums = premiums.Add(p.MonthlyPremium())
			}
		}
		ms.MonthlyPremiums = money(premiums)
		out.Members = append(out.Members, ms)
	}
	return out, nil
}

// --- CPF ---

type cpfAccounts struct {
	Employee        string `json:"employee"`
	Employer        string `json:"employer"`
	OrdinaryAccount string `json:"ordinaryAccount"`
	SpecialAccount  string `json:"specialAccount"`
	MedisaveAccount string `json:"medisaveAccount"`
}

type cpfMember struct {
	Member string `json:"member"`
	cpfAccounts
}

type cpfSummary struct {
	Month   string      `json:"month,omitempty"`
	Members []cpfMember `json:"members"`
	Total   cpfAccounts `json:"total"`
}

type cpfSums struct {
	employee, employer, oa, sa, ma decimal.Decimal
}

func (s *cpfSums) add(c finance.CPFContribution) {
	s.employee = s.employee.Add(c.Employee)
	s.employer = s.employer.Add(c.Employer)
	s.oa = s.oa.Add(c.OrdinaryAccount)
	s.sa = s.sa.Add(c.SpecialAccount)
	s.ma = s.ma.Add(c.MedisaveAccount)
}

func (s cpfSums) accounts() cpfAccounts {
	return cpfAccounts{
		Employee:        money(s.employee),
		Employer:        money(s.employer),
		OrdinaryAccount: money(s.oa),
		SpecialAccount:  money(s.sa),
		MedisaveAccount: money(s.ma),
	}
}

func (e *Executor) cpfSummary(ctx context.Context, userID string, a CPFSummaryArgs) (any, error) {
	rows, err := e.data.CPFContributions(ctx, userID, a.Month)
	if err != nil {
		return nil, fmt.Errorf("load cpf contributions: %w", err)
	}
	month := a.Month
	if month == "" && len(rows) > 0 {
		month = rows[0].Month
	}

	members, err := e.data.FamilyMembers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load family members: %w", err)
	}
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.Name
	}

	var total cpfSums
	per := make(map[string]*cpfSums)
	var order []string
	for _, c := range rows {
		if c.Month != month {
			continue
		}
		total.add(c)
		s, ok := per[c.FamilyMemberID]
		if !ok {
			s = &cpfSums{}
			per[c.FamilyMemberID] = s
			order = append(order, c.FamilyMemberID)
		}
		s.add(c)
	}

	out := cpfSummary{Month: month, Members: make([]cpfMember, 0, len(order)), Total: total.accounts()}
	for _, id := range order {
		name := names[id]
		if name == "" {
			name = "unassigned"
		}
		out.Members = append(out.Members, cpfMember{Member: name, cpfAccounts: per[id].accounts()})
	}
	slices.SortFunc(out.Members, func(a, b cpfMember) int { return cmp.Compare(a.Member, b.Member) })
	return out, nil
}

// --- holdings ---

type assetClassTotal struct {
	AssetClass     string `json:"assetClass"`
	Count          int    `json:"count"`
	CostBasis      string `json:"costBasis"`
	MarketValue    string `json:"marketValue"`
	UnrealizedGain string `json:"unrealizedGain"`

	value decimal.Decimal
}

type holdingsSummary struct {
	CostBasis      string            `json:"costBasis"`
	MarketValue    string            `json:"marketValue"`
	UnrealizedGain string            `json:"unrealizedGain"`
	ByAssetClass   []assetClassTotal `json:"byAssetClass"`
}

func (e *Executor) holdingsSummary(ctx context.Context, userID string, a HoldingsSummaryArgs) (any, error) {
	holdings, err := e.data.Holdings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	type sums struct {
		count       int
		cost, value decimal.Decimal
	}
	var cost, value decimal.Decimal
	by := make(map[string]*sums)
	for _, h := range holdings {
		if a.AssetClass != "" && !strings.EqualFold(h.AssetClass, a.AssetClass) {
			continue
		}
		cost = cost.Add(h.CostBasis)
		value = value.Add(h.MarketValue)
		s, ok := by[h.AssetClass]
		if !ok {
			s = &sums{}
			by[h.AssetClass] = s
		}
		s.count++
		s.cost = s.cost.Add(h.CostBasis)
		s.value = s.value.Add(h.MarketValue)
	}

	classes := make([]assetClassTotal, 0, len(by))
	for name, s := range by {
		classes = append(classes, assetClassTotal{
			AssetClass:     name,
			Count:          s.count,
			CostBasis:      money(s.cost),
			MarketValue:    money(s.value),
			UnrealizedGain: money(s.value.Sub(s.cost)),
			value:          s.value,
		})
	}
	slices.SortFunc(classes, func(a, b assetClassTotal) int {
		if c := b.value.Cmp(a.value); c != 0 {
			return c
		}
		return cmp.Compare(a.AssetClass, b.AssetClass)
	})
	return holdingsSummary{
		CostBasis:      money(cost),
		MarketValue:    money(value),
		UnrealizedGain: money(value.Sub(cost)),
		ByAssetClass:   classes,
	}, nil
}

// --- policies ---

type policyTypeTotal struct {
	Type           string `json:"type"`
	Count          int    `json:"count"`
	MonthlyPremium string `json:"monthlyPremium"`
	Coverage       string `json:"coverage"`
}

type policySummary struct {
	Count          int               `json:"count"`
	MonthlyPremium string            `json:"monthlyPremium"`
	Coverage       string            `json:"coverage"`
	ByType         []policyTypeTotal `json:"byType"`
}

func (e *Executor) policySummary(ctx context.Context, userID string, a PolicySummaryArgs) (any, error) {
	policies, err := e.data.Policies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	type sums struct {
		count             int
		premium, coverage decimal.Decimal
	}
	var out policySummary
	var premium, coverage decimal.Decimal
	by := make(map[string]*sums)
	for _, p := range policies {
		if a.Type != "" && !strings.EqualFold(p.Type, a.Type) {
			continue
		}
		out.Count++
		mp := p.MonthlyPremium()
		premium = premium.Add(mp)
		coverage = coverage.Add(p.CoverageAmount)
		s, ok := by[p.Type]
		if !ok {
			s = &sums{}
			by[p.Type] = s
		}
		s.count++
		s.premium = s.premium.Add(mp)
		s.coverage = s.coverage.Add(p.CoverageAmount)
	}

	out.MonthlyPremium = money(premium)
	out.Coverage = money(coverage)
	out.ByType = make([]policyTypeTotal, 0, len(by))
	for name, s := range by {
		out.ByType = append(out.ByType, policyTypeTotal{
			Type:           name,
			Count:          s.count,
			MonthlyPremium: money(s.premium),
			Coverage:       money(s.coverage),
		})
	}
	slices.SortFunc(out.ByType, func(a, b policyTypeTotal) int { return cmp.Compare(a.Type, b.Type) })
	return out, nil
}

// --- goals ---

type goalLine struct {
	Name            string `json:"name"`
	Target          string `json:"target"`
	Current         string `json:"current"`
	Remaining       string `json:"remaining"`
	ProgressPercent string `json:"progressPercent,omitempty"`
	TargetDate      string `json:"targetDate,omitempty"`
	MonthsLeft      *int   `json:"monthsLeft,omitempty"`
}

type goalProgress struct {
	Goals []goalLine `json:"goals"`
}

func (e *Executor) goalProgress(ctx context.Context, userID string, a GoalProgressArgs) (any, error) {
	goals, err := e.data.Goals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load goals: %w", err)
	}

	now := e.now()
	filter := strings.ToLower(strings.TrimSpace(a.Goal))
	out := goalProgress{Goals: []goalLine{}}
	for _, g := range goals {
		if filter != "" && !strings.Contains(strings.ToLower(g.Name), filter) {
			continue
		}
		remaining := g.TargetAmount.Sub(g.CurrentAmount)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		line := goalLine{
			Name:      g.Name,
			Target:    money(g.TargetAmount),
			Current:   money(g.CurrentAmount),
			Remaining: money(remaining),
		}
		if g.TargetAmount.IsPositive() {
			line.ProgressPercent = percent(g.CurrentAmount, g.TargetAmount)
		}
		if g.TargetDate != nil {
			line.TargetDate = g.TargetDate.Format(time.DateOnly)
			left := (g.TargetDate.Year()-now.Year())*12 + int(g.TargetDate.Month()) - int(now.Month())
			line.MonthsLeft = &left
		}
		out.Goals = append(out.Goals, line)
	}
	return out, nil
}

// --- cashflow ---

type cashflowSummary struct {
	Month       string `json:"month"`
	Income      string `json:"income"`
	Expenses    string `json:"expenses"`
	Net         string `json:"net"`
	SavingsRate string `json:"savingsRatePercent,omitempty"`
}

func (e *Executor) cashflowSummary(ctx context.Context, userID string, a CashflowSummaryArgs) (any, error) {
	month, err := e.month(a.Month)
	if err != nil {
		return nil, err
	}
	income, _, err := e.monthlyIncome(ctx, userID, month)
	if err != nil {
		return nil, err
	}
	expenses, _, _, err := e.monthExpenses(ctx, userID, month, "")
	if err != nil {
		return nil, err
	}
	net := income.Sub(expenses)
	out := cashflowSummary{
		Month:    month.Format("2006-01"),
		Income:   money(income),
		Expenses: money(expenses),
		Net:      money(net),
	}
	if income.IsPositive() {
		out.SavingsRate = percent(net, income)
	}
	return out, nil
}

// --- knowledge base ---

type knowledgeHit struct {
	DocID      string  `json:"docId"`
	ChunkIndex int     `json:"chunkIndex"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

type knowledgeResults struct {
	Query   string         `json:"query"`
	Results []knowledgeHit `json:"results"`
}

var errNoKnowledgeBase = errors.New("knowledge base is not configured")

func (e *Executor) searchKnowledge(ctx context.Context, a KnowledgeSearchArgs) (any, error) {
	if e.kb == nil {
		return nil, errNoKnowledgeBase
	}
	hits, err := e.kb.Search(ctx, vectorstore.KnowledgeBase, "", a.Query, vectorstore.SearchOptions{Limit: a.Limit})
	if err != nil {
		return nil, fmt.Errorf("search knowledge base: %w", err)
	}
	out := knowledgeResults{Query: a.Query, Results: make([]knowledgeHit, 0, len(hits))}
	for _, h := range hits {
		out.Results = append(out.Results, knowledgeHit{
			DocID:      h.Chunk.DocID,
			ChunkIndex: h.Chunk.ChunkIndex,
			Similarity: h.Similarity,
			Content:    h.Chunk.Content,
		})
	}
	return out, nil
}
