package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"auditchat/internal/auditerr"
	"auditchat/internal/schema"
	"auditchat/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, string, *store.DatasetStore) {
	t.Helper()
	root := t.TempDir()
	st, err := store.NewInMemoryDatasetStore()
	require.NoError(t, err)
	eng, err := NewEngine(root, st, 100)
	require.NoError(t, err)
	t.Cleanup(func() {
		eng.Close()
		st.Close()
	})
	return eng, root, st
}

func writeCSV(t *testing.T, root, category, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, category)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "revenue_cycle_audit_sales", TableName("Revenue Cycle Audit", "sales.csv"))
	assert.Equal(t, "fraud_detection_q3_flags", TableName("Fraud Detection", "Q3 Flags.tsv"))
	assert.Equal(t, "expenditure_invoices", TableName("expenditure", "invoices.csv"))
}

func TestEngineSyncCreate(t *testing.T) {
	eng, root, st := newTestEngine(t)
	writeCSV(t, root, "Revenue Cycle Audit", "sales.csv",
		"date,amount,customer_id\n2025-01-02,100.50,7\n2025-01-03,99.95,8\n")

	snap, err := eng.Sync(context.Background(), "Revenue Cycle Audit")
	require.NoError(t, err)
	require.NotNil(t, snap)

	tables := snap.ActiveTables("Revenue Cycle Audit")
	require.Len(t, tables, 1)
	assert.Equal(t, "revenue_cycle_audit_sales", tables[0].Name)
	assert.Equal(t, int64(2), tables[0].RowCount)
	assert.Equal(t, store.SourceActive, tables[0].Status)

	want := schema.Schema{
		{Name: "date", Type: schema.TypeText},
		{Name: "amount", Type: schema.TypeReal},
		{Name: "customer_id", Type: schema.TypeInteger},
	}
	assert.True(t, want.Equal(tables[0].Columns), "columns = %v", tables[0].Columns)

	got, err := st.DescribeSchema("revenue_cycle_audit_sales")
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "stored schema = %v", got)

	n, err := st.RowCount("revenue_cycle_audit_sales")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEngineSyncIdempotent(t *testing.T) {
	eng, root, st := newTestEngine(t)
	writeCSV(t, root, "revenue", "sales.csv", "id,amount\n1,10\n2,20\n")

	first, err := eng.Sync(context.Background(), "revenue")
	require.NoError(t, err)

	// Nothing changed, so a second sync publishes nothing new.
	second, err := eng.Sync(context.Background(), "revenue")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	n, err := st.RowCount("revenue_sales")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEngineSchemaEvolution(t *testing.T) {
	eng, root, st := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "Revenue Cycle Audit", "sales.csv",
		"date,amount,customer_id\n2025-01-02,100.50,7\n2025-01-03,99.95,8\n2025-01-04,12.00,9\n")
	_, err := eng.Sync(ctx, "Revenue Cycle Audit")
	require.NoError(t, err)

	t.Run("added column with defaulted values", func(t *testing.T) {
		writeCSV(t, root, "Revenue Cycle Audit", "sales.csv",
			"date,amount,customer_id,region\n2025-01-02,100.50,7,\n2025-01-03,99.95,8,\n2025-01-04,12.00,9,\n")
		snap, err := eng.Sync(ctx, "Revenue Cycle Audit")
		require.NoError(t, err)

		got, err := st.DescribeSchema("revenue_cycle_audit_sales")
		require.NoError(t, err)
		names := got.Names()
		assert.Contains(t, names, "region")

		n, err := st.RowCount("revenue_cycle_audit_sales")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n, "row count must survive the migration")

		tables := snap.ActiveTables("Revenue Cycle Audit")
		require.Len(t, tables, 1)
		assert.Contains(t, tables[0].Columns.Names(), "region")
	})

	t.Run("removed column dropped", func(t *testing.T) {
		writeCSV(t, root, "Revenue Cycle Audit", "sales.csv",
			"date,amount,customer_id\n2025-01-02,100.50,7\n")
		_, err := eng.Sync(ctx, "Revenue Cycle Audit")
		require.NoError(t, err)

		got, err := st.DescribeSchema("revenue_cycle_audit_sales")
		require.NoError(t, err)
		assert.NotContains(t, got.Names(), "region")

		n, err := st.RowCount("revenue_cycle_audit_sales")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestEngineTypeWidening(t *testing.T) {
	eng, root, st := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "fraud", "scores.csv", "id,score\n1,10\n2,20\n")
	_, err := eng.Sync(ctx, "fraud")
	require.NoError(t, err)

	t.Run("integer widens to real", func(t *testing.T) {
		writeCSV(t, root, "fraud", "scores.csv", "id,score\n1,10.5\n2,20.25\n3,7.0\n")
		_, err := eng.Sync(ctx, "fraud")
		require.NoError(t, err)

		got, err := st.DescribeSchema("fraud_scores")
		require.NoError(t, err)
		col, ok := got.Find("score")
		require.True(t, ok)
		assert.Equal(t, schema.TypeReal, col.Type)

		n, err := st.RowCount("fraud_scores")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("never narrows back", func(t *testing.T) {
		writeCSV(t, root, "fraud", "scores.csv", "id,score\n1,10\n")
		_, err := eng.Sync(ctx, "fraud")
		require.NoError(t, err)

		got, err := st.DescribeSchema("fraud_scores")
		require.NoError(t, err)
		col, ok := got.Find("score")
		require.True(t, ok)
		assert.Equal(t, schema.TypeReal, col.Type, "prior wider type must be retained")
	})
}

func TestEngineContentChangeReplacesRows(t *testing.T) {
	eng, root, st := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "revenue", "sales.csv", "id,amount\n1,10\n2,20\n")
	_, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	writeCSV(t, root, "revenue", "sales.csv", "id,amount\n1,10\n2,25\n3,30\n")
	_, err = eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	n, err := st.RowCount("revenue_sales")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, rows, err := st.Query(ctx, `SELECT amount FROM revenue_sales WHERE id = 2`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "25", rows[0][0])
}

func TestEngineRemovalMarksStale(t *testing.T) {
	eng, root, st := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")
	path := writeCSV(t, root, "revenue", "refunds.csv", "id\n9\n")
	_, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	snap, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	active := snap.ActiveTables("revenue")
	require.Len(t, active, 1)
	assert.Equal(t, "revenue_sales", active[0].Name)

	cm := snap.Category("revenue")
	require.NotNil(t, cm)
	require.Len(t, cm.Inactive, 1)
	assert.Equal(t, store.SourceStale, cm.Inactive[0].Status)

	// The table itself is kept for history.
	exists, err := st.TableExists("revenue_refunds")
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("reappearing file reactivates", func(t *testing.T) {
		writeCSV(t, root, "revenue", "refunds.csv", "id\n9\n10\n")
		snap, err := eng.Sync(ctx, "revenue")
		require.NoError(t, err)
		assert.Len(t, snap.ActiveTables("revenue"), 2)
	})
}

func TestEnginePerFileIsolation(t *testing.T) {
	eng, root, st := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "expenditure", "good.csv", "id,vendor\n1,Acme\n")
	writeCSV(t, root, "expenditure", "bad.csv", "id,vendor\n1,Acme,EXTRA\n")

	snap, err := eng.Sync(ctx, "expenditure")
	require.NoError(t, err, "one bad file must not fail the category")

	active := snap.ActiveTables("expenditure")
	require.Len(t, active, 1)
	assert.Equal(t, "expenditure_good", active[0].Name)

	cm := snap.Category("expenditure")
	require.NotNil(t, cm)
	require.Len(t, cm.Inactive, 1)
	assert.Equal(t, store.SourceFailed, cm.Inactive[0].Status)
	assert.NotEmpty(t, cm.Inactive[0].LastError)

	t.Run("fixed file recovers on next sync", func(t *testing.T) {
		writeCSV(t, root, "expenditure", "bad.csv", "id,vendor\n1,Acme\n2,Globex\n")
		snap, err := eng.Sync(ctx, "expenditure")
		require.NoError(t, err)
		assert.Len(t, snap.ActiveTables("expenditure"), 2)
	})

	t.Run("corrupting a synced file keeps last-good table", func(t *testing.T) {
		writeCSV(t, root, "expenditure", "good.csv", "id,vendor\n1,Acme,RAGGED\n")
		snap, err := eng.Sync(ctx, "expenditure")
		require.NoError(t, err)

		n, err := st.RowCount("expenditure_good")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "table must keep its last-good rows")

		// The last-good table stays authoritative in the active set,
		// carrying the failure detail.
		tables := snap.ActiveTables("expenditure")
		var good *TableInfo
		for i := range tables {
			if tables[i].Name == "expenditure_good" {
				good = &tables[i]
			}
		}
		require.NotNil(t, good)
		assert.Equal(t, store.SourceFailed, good.Status)
		assert.NotEmpty(t, good.LastError)
	})
}

func TestEngineSnapshotImmutable(t *testing.T) {
	eng, root, _ := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")
	old, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)
	oldVersion := old.Version
	oldTables := len(old.ActiveTables("revenue"))

	writeCSV(t, root, "revenue", "refunds.csv", "id\n9\n")
	fresh, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	assert.Greater(t, fresh.Version, oldVersion)
	assert.Equal(t, oldVersion, old.Version, "published snapshot must not change")
	assert.Len(t, old.ActiveTables("revenue"), oldTables)
	assert.Len(t, fresh.ActiveTables("revenue"), 2)
}

func TestEngineScan(t *testing.T) {
	eng, root, _ := newTestEngine(t)
	ctx := context.Background()

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")
	writeCSV(t, root, "revenue", "notes.md", "not tabular")

	t.Run("new file is added", func(t *testing.T) {
		changes, err := eng.Scan("revenue")
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeAdded, changes[0].Kind)
		assert.Equal(t, "sales.csv", changes[0].Filename)
	})

	_, err := eng.Sync(ctx, "revenue")
	require.NoError(t, err)

	t.Run("unchanged file is quiet", func(t *testing.T) {
		changes, err := eng.Scan("revenue")
		require.NoError(t, err)
		assert.Empty(t, changes)
	})

	t.Run("rewritten file is modified", func(t *testing.T) {
		writeCSV(t, root, "revenue", "sales.csv", "id\n1\n2\n")
		changes, err := eng.Scan("revenue")
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeModified, changes[0].Kind)
	})

	t.Run("missing file is removed", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(root, "revenue", "sales.csv")))
		changes, err := eng.Scan("revenue")
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, ChangeRemoved, changes[0].Kind)
	})

	t.Run("unknown category errors", func(t *testing.T) {
		_, err := eng.Scan("nope")
		assert.ErrorIs(t, err, auditerr.ErrUnknownCategory)
	})
}

func TestEngineCategoriesIndependent(t *testing.T) {
	eng, root, _ := newTestEngine(t)

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")
	writeCSV(t, root, "expenditure", "invoices.csv", "id\n1\n")

	// Occupy revenue's run slot as a long sync would.
	stA := eng.state("revenue")
	stA.runMu.Lock()
	defer stA.runMu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Sync(context.Background(), "expenditure")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expenditure sync blocked by revenue sync")
	}
}

func TestEngineTriggerCollapse(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	st, err := store.NewInMemoryDatasetStore()
	require.NoError(t, err)
	defer st.Close()
	eng, err := NewEngine(root, st, 100)
	require.NoError(t, err)
	defer eng.Close()

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")

	t.Run("idle trigger starts a run", func(t *testing.T) {
		assert.Equal(t, TriggerStarted, eng.Trigger("revenue"))
		require.Eventually(t, func() bool {
			return len(eng.Metadata().ActiveTables("revenue")) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("triggers during a run collapse to one rerun", func(t *testing.T) {
		// Let the previous triggered run drain completely.
		require.Eventually(t, func() bool {
			eng.mu.Lock()
			defer eng.mu.Unlock()
			return !eng.states["revenue"].running
		}, 5*time.Second, 10*time.Millisecond)

		// Hold the run slot exactly as an in-flight sync does.
		sc := eng.state("revenue")
		sc.runMu.Lock()
		eng.mu.Lock()
		sc.running = true
		eng.mu.Unlock()

		assert.Equal(t, TriggerQueued, eng.Trigger("revenue"))
		assert.Equal(t, TriggerCollapsed, eng.Trigger("revenue"))
		assert.Equal(t, TriggerCollapsed, eng.Trigger("revenue"))

		eng.mu.Lock()
		assert.True(t, sc.pending)
		sc.pending = false
		sc.running = false
		eng.mu.Unlock()
		sc.runMu.Unlock()
	})
}

func TestEngineSyncAll(t *testing.T) {
	eng, root, _ := newTestEngine(t)

	writeCSV(t, root, "revenue", "sales.csv", "id\n1\n")
	writeCSV(t, root, "expenditure", "invoices.csv", "id\n1\n")
	writeCSV(t, root, "fraud", "flags.csv", "id\n1\n")

	snap, err := eng.SyncAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expenditure", "fraud", "revenue"}, snap.CategoryNames())
	for _, c := range snap.CategoryNames() {
		assert.Len(t, snap.ActiveTables(c), 1)
	}
}
