// Package agents runs the staged audit pipeline: plan, analyze, report.
// Each stage calls the external reasoning service through llm.Client,
// normalizes the answer into a typed payload, and streams the result out
// as soon as it exists.
package agents

import (
	"encoding/json"
	"strings"
)

// Stage names one pipeline step.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageAnalyze Stage = "analyze"
	StageReport  Stage = "report"
)

// PayloadKind discriminates the closed payload union.
type PayloadKind string

const (
	KindPlan     PayloadKind = "plan"
	KindAnalysis PayloadKind = "analysis"
	KindReport   PayloadKind = "report"
	KindText     PayloadKind = "text"
)

// AuditPlan is the plan stage's structured shape.
type AuditPlan struct {
	Objective  string   `json:"objective"`
	Scope      []string `json:"scope,omitempty"`
	Procedures []string `json:"procedures,omitempty"`
	Tables     []string `json:"tables,omitempty"`
	Risks      []string `json:"risks,omitempty"`
}

// Finding is one audit observation.
type Finding struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"` // low | medium | high
	Evidence string `json:"evidence,omitempty"`
}

// AnalysisResult is the analyze stage's structured shape.
type AnalysisResult struct {
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings,omitempty"`
}

// AuditReport is the report stage's structured shape.
type AuditReport struct {
	ReportID        string    `json:"report_id"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary,omitempty"`
	Findings        []Finding `json:"findings,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Conclusion      string    `json:"conclusion,omitempty"`
}

// StagePayload is the closed union a stage produces. Exactly one branch is
// set, named by Kind; consumers must check Kind before touching a branch.
type StagePayload struct {
	Kind     PayloadKind     `json:"kind"`
	Plan     *AuditPlan      `json:"plan,omitempty"`
	Analysis *AnalysisResult `json:"analysis,omitempty"`
	Report   *AuditReport    `json:"report,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// TextPayload wraps free text in the fallback branch.
func TextPayload(s string) StagePayload {
	return StagePayload{Kind: KindText, Text: s}
}

// ParsePayload classifies a raw model response against the stage's
// expected shape. Markdown fences and surrounding prose are tolerated;
// anything that does not parse becomes a free-text payload, never an
// error.
func ParsePayload(stage Stage, raw string) StagePayload {
	body := extractJSON(raw)
	if body == "" {
		return TextPayload(strings.TrimSpace(raw))
	}

	switch stage {
	case StagePlan:
		var plan AuditPlan
		if err := json.Unmarshal([]byte(body), &plan); err == nil && plan.Objective != "" {
			return StagePayload{Kind: KindPlan, Plan: &plan}
		}
	case StageAnalyze:
		var analysis AnalysisResult
		if err := json.Unmarshal([]byte(body), &analysis); err == nil &&
			(analysis.Summary != "" || len(analysis.Findings) > 0) {
			return StagePayload{Kind: KindAnalysis, Analysis: &analysis}
		}
	case StageReport:
		var report AuditReport
		if err := json.Unmarshal([]byte(body), &report); err == nil &&
			(report.Title != "" || report.Summary != "" || len(report.Findings) > 0) {
			return StagePayload{Kind: KindReport, Report: &report}
		}
	}
	return TextPayload(strings.TrimSpace(raw))
}

// extractJSON pulls the first JSON object out of a model response:
// fenced blocks first, then the outermost brace span. Returns "" when
// nothing object-shaped is present.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:] // drop the info string (```json)
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return ""
}

// Compact renders the payload as one-line JSON for prompt context and
// event logs.
func (p StagePayload) Compact() string {
	data, err := json.Marshal(p)
	if err != nil {
		return p.Text
	}
	return string(data)
}
