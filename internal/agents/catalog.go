package agents

import "strings"

// AuditScope is the per-category focus the plan stage steers toward.
type AuditScope struct {
	Name       string
	Objective  string
	FocusAreas []string
}

var auditScopes = []AuditScope{
	{
		Name:      "Revenue Cycle",
		Objective: "Assess completeness, accuracy, and cutoff of recorded revenue",
		FocusAreas: []string{
			"revenue recognition timing",
			"completeness of recorded sales",
			"period-end cutoff",
			"unusual credit memos and refunds",
		},
	},
	{
		Name:      "Expenditure Cycle",
		Objective: "Assess validity and authorization of disbursements",
		FocusAreas: []string{
			"procurement approvals",
			"duplicate or split payments",
			"vendor master integrity",
			"three-way match exceptions",
		},
	},
	{
		Name:      "Fraud Detection",
		Objective: "Surface anomalous patterns suggesting fraud or override of controls",
		FocusAreas: []string{
			"statistical outliers and round amounts",
			"entries outside business hours",
			"segregation-of-duties conflicts",
			"dormant accounts with sudden activity",
		},
	},
}

var defaultScope = AuditScope{
	Name:      "General Audit",
	Objective: "Assess the reliability and internal consistency of the dataset",
	FocusAreas: []string{
		"data completeness and integrity",
		"unusual values and outliers",
		"internal consistency across tables",
	},
}

// ScopeFor picks the audit scope for a category by keyword, falling back
// to the general scope for unknown categories.
func ScopeFor(category string) AuditScope {
	c := strings.ToLower(category)
	switch {
	case strings.Contains(c, "revenue") || strings.Contains(c, "sales"):
		return auditScopes[0]
	case strings.Contains(c, "expenditure") || strings.Contains(c, "payable") || strings.Contains(c, "procure"):
		return auditScopes[1]
	case strings.Contains(c, "fraud"):
		return auditScopes[2]
	default:
		return defaultScope
	}
}

// Stage personas. Each stage speaks as a different member of the audit
// panel; the reporting instructions pin the output shape so the parser
// has something to aim at.
const (
	plannerPersona = `You are a senior financial auditor planning an audit engagement.
You design precise, risk-focused audit plans grounded in the data actually available.
Respond with a single JSON object and nothing else, using exactly these keys:
{"objective": string, "scope": [string], "procedures": [string], "tables": [string], "risks": [string]}`

	analystPersona = `You are an IT auditor performing data analysis against relational tables.
You reason only from the schemas and samples provided; you never invent data.
Respond with a single JSON object and nothing else, using exactly these keys:
{"summary": string, "findings": [{"title": string, "detail": string, "severity": "low"|"medium"|"high", "evidence": string}]}`

	reporterPersona = `You are an audit report manager writing the final engagement report.
You consolidate the plan and analysis into findings and actionable recommendations.
Respond with a single JSON object and nothing else, using exactly these keys:
{"report_id": string, "title": string, "summary": string, "findings": [{"title": string, "detail": string, "severity": string}], "recommendations": [string], "conclusion": string}`
)

func personaFor(stage Stage) string {
	switch stage {
	case StagePlan:
		return plannerPersona
	case StageAnalyze:
		return analystPersona
	case StageReport:
		return reporterPersona
	default:
		return ""
	}
}
