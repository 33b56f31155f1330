package tools

const monthPattern = `^\d{4}-\d{2}$`

func monthProp(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"pattern":     monthPattern,
		"description": desc,
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Builtins returns the definition of every tool in the closed set.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        GetIncomeSummary,
			Description: "Summarize the user's income for a month as monthly-equivalent amounts. Yearly income counts one twelfth per month; one-off income counts only in the month it is paid.",
			InputSchema: objectSchema(map[string]any{
				"month": monthProp("Month as YYYY-MM. Defaults to the current month."),
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetExpenseSummary,
			Description: "Total the user's expenses for a month, broken down by category.",
			InputSchema: objectSchema(map[string]any{
				"month": monthProp("Month as YYYY-MM. Defaults to the current month."),
				"category": map[string]any{
					"type":        "string",
					"description": "Only include this category (case-insensitive).",
				},
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:                 GetFamilySummary,
			Description:          "List household members with age, monthly income, latest CPF contributions and insurance premiums.",
			InputSchema:          objectSchema(map[string]any{}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetCPFSummary,
			Description: "Summarize CPF contributions per member and in total, including the account split.",
			InputSchema: objectSchema(map[string]any{
				"month": monthProp("Month as YYYY-MM. Defaults to the latest recorded month."),
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetHoldingsSummary,
			Description: "Summarize investment holdings by asset class with cost basis, market value and unrealized gain.",
			InputSchema: objectSchema(map[string]any{
				"asset_class": map[string]any{
					"type":        "string",
					"description": "Only include this asset class.",
				},
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetPolicySummary,
			Description: "Summarize insurance policies by type with monthly premium equivalent and coverage.",
			InputSchema: objectSchema(map[string]any{
				"type": map[string]any{
					"type":        "string",
					"description": "Only include this policy type.",
				},
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetGoalProgress,
			Description: "Report progress towards savings goals as a percentage and the amount remaining.",
			InputSchema: objectSchema(map[string]any{
				"goal": map[string]any{
					"type":        "string",
					"description": "Only include goals whose name contains this text.",
				},
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        GetCashflowSummary,
			Description: "Compute income minus expenses for a month and the savings rate.",
			InputSchema: objectSchema(map[string]any{
				"month": monthProp("Month as YYYY-MM. Defaults to the current month."),
			}),
			RequiresOwnerScoping: true,
		},
		{
			Name:        SearchKnowledgeBase,
			Description: "Search the shared financial knowledge base for background material such as CPF rules or insurance concepts.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What to look up.",
				},
				"limit": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 20,
				},
			}, "query"),
		},
	}
}
