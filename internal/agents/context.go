package agents

import (
	"context"
	"fmt"
	"strings"

	"auditchat/internal/dataset"
	"auditchat/internal/logging"
	"auditchat/internal/store"
)

// ContextBuilder assembles the bounded prompt context a stage sees:
// schema summaries, row samples, and prior stage outputs, each capped at
// a byte budget so one verbose table cannot starve the rest.
type ContextBuilder struct {
	store  *store.DatasetStore
	budget int
}

// NewContextBuilder wraps the dataset store's read path. budget is bytes
// per context section.
func NewContextBuilder(st *store.DatasetStore, budget int) *ContextBuilder {
	if budget <= 0 {
		budget = 8192
	}
	return &ContextBuilder{store: st, budget: budget}
}

// SchemaSummary renders the active tables of one category from a
// published snapshot.
func (b *ContextBuilder) SchemaSummary(meta *dataset.DatasetMetadata, category string) string {
	if meta == nil {
		return "(no dataset metadata published)"
	}
	tables := meta.ActiveTables(category)
	if len(tables) == 0 {
		return fmt.Sprintf("(no synced tables for category %q)", category)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Category %q, dataset snapshot v%d:\n", category, meta.Version)
	for _, tbl := range tables {
		cols := make([]string, len(tbl.Columns))
		for i, c := range tbl.Columns {
			cols[i] = c.Name + " " + c.Type.String()
		}
		fmt.Fprintf(&sb, "- table %s (%d rows): %s\n", tbl.Name, tbl.RowCount, strings.Join(cols, ", "))
	}
	return truncate(sb.String(), b.budget)
}

// DataProfile samples a handful of rows per active table. Query failures
// skip the table; the profile is best-effort context, not a result.
func (b *ContextBuilder) DataProfile(ctx context.Context, meta *dataset.DatasetMetadata, category string) string {
	if meta == nil || b.store == nil {
		return ""
	}
	var sb strings.Builder
	for _, tbl := range meta.ActiveTables(category) {
		cols, rows, err := b.store.Query(ctx, fmt.Sprintf(`SELECT * FROM "%s" LIMIT 5`, tbl.Name))
		if err != nil {
			logging.PipelineDebug("Profile query failed for %s: %v", tbl.Name, err)
			continue
		}
		fmt.Fprintf(&sb, "Sample of %s:\n%s\n", tbl.Name, renderRows(cols, rows))
		if sb.Len() > b.budget {
			break
		}
	}
	return truncate(sb.String(), b.budget)
}

// PriorResults renders earlier stage outputs oldest-first. When over
// budget the oldest output is cut first; the newest survives intact.
func (b *ContextBuilder) PriorResults(results []StageResult) string {
	if len(results) == 0 {
		return "(none)"
	}
	sections := make([]string, 0, len(results))
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		sections = append(sections, fmt.Sprintf("[%s %s] %s", r.Stage, status, r.Payload.Compact()))
	}
	out := strings.Join(sections, "\n")
	if len(out) > b.budget {
		out = "...[older stages truncated]\n" + out[len(out)-b.budget:]
	}
	return out
}

func renderRows(cols []string, rows [][]string) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(cols, " | "))
	sb.WriteByte('\n')
	for _, row := range rows {
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
