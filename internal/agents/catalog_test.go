package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeFor(t *testing.T) {
	cases := []struct {
		category string
		want     string
	}{
		{"Revenue Cycle Audit", "Revenue Cycle"},
		{"sales", "Revenue Cycle"},
		{"Expenditure Cycle", "Expenditure Cycle"},
		{"accounts_payable", "Expenditure Cycle"},
		{"procurement", "Expenditure Cycle"},
		{"Fraud Detection", "Fraud Detection"},
		{"hr_records", "General Audit"},
		{"", "General Audit"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ScopeFor(tc.category).Name, "category %q", tc.category)
	}
}

func TestPersonaFor(t *testing.T) {
	for _, stage := range []Stage{StagePlan, StageAnalyze, StageReport} {
		persona := personaFor(stage)
		assert.NotEmpty(t, persona, "stage %s", stage)
		assert.Contains(t, persona, "JSON", "stage %s persona must pin the output shape", stage)
	}
	assert.Empty(t, personaFor(Stage("unknown")))
}
