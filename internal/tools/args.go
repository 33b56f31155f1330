package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownTool is returned for a name outside the closed tool set.
var ErrUnknownTool = errors.New("unknown tool")

// Args is the decoded, validated argument set of one tool call. The
// set of implementations is closed: one variant per tool.
type Args interface {
	ToolName() Name
	isArgs()
}

// IncomeSummaryArgs selects a month (YYYY-MM); empty means this month.
type IncomeSummaryArgs struct {
	Month string `json:"month,omitempty"`
}

// ExpenseSummaryArgs selects a month and optional category.
type ExpenseSummaryArgs struct {
	Month    string `json:"month,omitempty"`
	Category string `json:"category,omitempty"`
}

// FamilySummaryArgs takes no arguments.
type FamilySummaryArgs struct{}

// CPFSummaryArgs selects a month; empty means the latest recorded.
type CPFSummaryArgs struct {
	Month string `json:"month,omitempty"`
}

// HoldingsSummaryArgs optionally filters by asset class.
type HoldingsSummaryArgs struct {
	AssetClass string `json:"asset_class,omitempty"`
}

// PolicySummaryArgs optionally filters by policy type.
type PolicySummaryArgs struct {
	Type string `json:"type,omitempty"`
}

// GoalProgressArgs optionally filters goals by name.
type GoalProgressArgs struct {
	Goal string `json:"goal,omitempty"`
}

// CashflowSummaryArgs selects a month; empty means this month.
type CashflowSummaryArgs struct {
	Month string `json:"month,omitempty"`
}

// KnowledgeSearchArgs queries the shared knowledge base.
type KnowledgeSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (IncomeSummaryArgs) ToolName() Name   { return GetIncomeSummary }
func (ExpenseSummaryArgs) ToolName() Name  { return GetExpenseSummary }
func (FamilySummaryArgs) ToolName() Name   { return GetFamilySummary }
func (CPFSummaryArgs) ToolName() Name      { return GetCPFSummary }
func (HoldingsSummaryArgs) ToolName() Name { return GetHoldingsSummary }
func (PolicySummaryArgs) ToolName() Name   { return GetPolicySummary }
func (GoalProgressArgs) ToolName() Name    { return GetGoalProgress }
func (CashflowSummaryArgs) ToolName() Name { return GetCashflowSummary }
func (KnowledgeSearchArgs) ToolName() Name { return SearchKnowledgeBase }

func (IncomeSummaryArgs) isArgs()   {}
func (ExpenseSummaryArgs) isArgs()  {}
func (FamilySummaryArgs) isArgs()   {}
func (CPFSummaryArgs) isArgs()      {}
func (HoldingsSummaryArgs) isArgs() {}
func (PolicySummaryArgs) isArgs()   {}
func (GoalProgressArgs) isArgs()    {}
func (CashflowSummaryArgs) isArgs() {}
func (KnowledgeSearchArgs) isArgs() {}

// newArgs returns a pointer to the zero variant for name.
func newArgs(name Name) (any, error) {
	switch name {
	case GetIncomeSummary:
		return &IncomeSummaryArgs{}, nil
	case GetExpenseSummary:
		return &ExpenseSummaryArgs{}, nil
	case GetFamilySummary:
		return &FamilySummaryArgs{}, nil
	case GetCPFSummary:
		return &CPFSummaryArgs{}, nil
	case GetHoldingsSummary:
		return &HoldingsSummaryArgs{}, nil
	case GetPolicySummary:
		return &PolicySummaryArgs{}, nil
	case GetGoalProgress:
		return &GoalProgressArgs{}, nil
	case GetCashflowSummary:
		return &CashflowSummaryArgs{}, nil
	case SearchKnowledgeBase:
		return &KnowledgeSearchArgs{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

// deref turns the pointer from newArgs into the value variant.
func deref(p any) Args {
	switch v := p.(type) {
	case *IncomeSummaryArgs:
		return *v
	case *ExpenseSummaryArgs:
		return *v
	case *FamilySummaryArgs:
		return *v
	case *CPFSummaryArgs:
		return *v
	case *HoldingsSummaryArgs:
		return *v
	case *PolicySummaryArgs:
		return *v
	case *GoalProgressArgs:
		return *v
	case *CashflowSummaryArgs:
		return *v
	case *KnowledgeSearchArgs:
		return *v
	default:
		panic(fmt.Sprintf("tools: unexpected args type %T", p))
	}
}

// compileSchema compiles a tool input schema.
func compileSchema(name Name, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	url := string(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile(url)
}

var builtinSchemas = sync.OnceValues(func() (map[Name]*jsonschema.Schema, error) {
	out := make(map[Name]*jsonschema.Schema)
	for _, def := range Builtins() {
		s, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", def.Name, err)
		}
		out[def.Name] = s
	}
	return out, nil
})

// DecodeArguments turns model-emitted argument JSON into the typed
// variant for name. Malformed JSON is repaired first; the result is
// validated against the tool's input schema before decoding.
func DecodeArguments(name Name, raw json.RawMessage) (Args, error) {
	schemas, err := builtinSchemas()
	if err != nil {
		return nil, err
	}
	schema, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return decodeWith(schema, name, raw)
}

func decodeWith(schema *jsonschema.Schema, name Name, raw json.RawMessage) (Args, error) {
	target, err := newArgs(name)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		text = "{}"
	}
	if !json.Valid([]byte(text)) {
		repaired, err := jsonrepair.JSONRepair(text)
		if err != nil {
			return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		text = repaired
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("arguments do not match schema: %w", err)
	}

	if err := json.Unmarshal([]byte(text), target); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	args := deref(target)
	if err := checkArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// checkArgs applies rules a schema cannot express.
func checkArgs(a Args) error {
	var month string
	switch v := a.(type) {
	case IncomeSummaryArgs:
		month = v.Month
	case ExpenseSummaryArgs:
		month = v.Month
	case CPFSummaryArgs:
		month = v.Month
	case CashflowSummaryArgs:
		month = v.Month
	case KnowledgeSearchArgs:
		if strings.TrimSpace(v.Query) == "" {
			return errors.New("query must not be empty")
		}
	}
	if month != "" {
		if _, err := time.Parse("2006-01", month); err != nil {
			return fmt.Errorf("month %q must be YYYY-MM", month)
		}
	}
	return nil
}

// normalize fills defaults that depend on the clock.
func normalize(a Args, now time.Time) Args {
	thisMonth := now.Format("2006-01")
	switch v := a.(type) {
	case IncomeSummaryArgs:
		if v.Month == "" {
			v.Month = thisMonth
		}
		return v
	case ExpenseSummaryArgs:
		if v.Month == "" {
			v.Month = thisMonth
		}
		v.Category = strings.TrimSpace(v.Category)
		return v
	case CashflowSummaryArgs:
		if v.Month == "" {
			v.Month = thisMonth
		}
		return v
	case KnowledgeSearchArgs:
		v.Query = strings.TrimSpace(v.Query)
		if v.Limit <= 0 {
			v.Limit = 5
		}
		return v
	}
	return a
}
