package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"auditchat/internal/auditerr"
	"auditchat/internal/logging"
	"auditchat/internal/schema"
	"auditchat/internal/store"
)

// Trigger dispositions.
const (
	TriggerStarted   = "started"   // no run active, one started
	TriggerQueued    = "queued"    // run active, re-run queued behind it
	TriggerCollapsed = "collapsed" // run active and re-run already queued
)

// categoryState serializes sync runs for one category. runMu enforces
// at-most-one-active; running/pending implement queue-depth-one collapse
// for non-blocking triggers.
type categoryState struct {
	runMu   sync.Mutex
	running bool
	pending bool
}

// Engine converges the table store with the category directories under
// root and publishes immutable metadata snapshots.
//
// Categories sync independently; within a category runs are serialized.
type Engine struct {
	root       string
	store      *store.DatasetStore
	sampleRows int

	mu     sync.Mutex
	states map[string]*categoryState

	snapMu   sync.RWMutex
	snapshot *DatasetMetadata

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine over the dataset root. The persisted manifest
// is loaded into the first snapshot, so table metadata survives restarts.
func NewEngine(root string, st *store.DatasetStore, sampleRows int) (*Engine, error) {
	if sampleRows <= 0 {
		sampleRows = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		root:       root,
		store:      st,
		sampleRows: sampleRows,
		states:     make(map[string]*categoryState),
		ctx:        ctx,
		cancel:     cancel,
	}
	if _, err := e.publish(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Close cancels triggered runs and waits for them to drain.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Metadata returns the latest published snapshot.
func (e *Engine) Metadata() *DatasetMetadata {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapshot
}

// Categories lists the category directories under the dataset root.
func (e *Engine) Categories() ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root %s: %w", e.root, err)
	}
	var cats []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		cats = append(cats, entry.Name())
	}
	sort.Strings(cats)
	return cats, nil
}

// Scan diffs one category directory against the persisted manifest and
// returns the observed changes. It never touches the table store.
func (e *Engine) Scan(category string) ([]FileChange, error) {
	dir := filepath.Join(e.root, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("category %s: %w", category, auditerr.ErrUnknownCategory)
		}
		return nil, fmt.Errorf("failed to scan category %s: %w", category, err)
	}

	known, err := e.store.SourcesFor(category)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.SourceRecord, len(known))
	for i := range known {
		byName[known[i].Filename] = &known[i]
	}

	var changes []FileChange
	seen := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !isTabular(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logging.DatasetDebug("Stat failed for %s/%s: %v", category, name, err)
			continue
		}
		seen[name] = true

		ch := FileChange{
			Category: category,
			Filename: name,
			Path:     filepath.Join(dir, name),
			Size:     info.Size(),
			ModTime:  info.ModTime().UnixNano(),
		}
		prev, ok := byName[name]
		switch {
		case !ok:
			ch.Kind = ChangeAdded
		case prev.Status != store.SourceActive:
			// Failed sources retry; stale files that reappear reactivate.
			ch.Kind = ChangeModified
			ch.prev = prev
		case prev.Size != ch.Size || prev.ModTime != ch.ModTime:
			ch.Kind = ChangeModified
			ch.prev = prev
		default:
			continue
		}
		changes = append(changes, ch)
	}

	for name, rec := range byName {
		if seen[name] || rec.Status == store.SourceStale {
			continue
		}
		changes = append(changes, FileChange{
			Kind:     ChangeRemoved,
			Category: category,
			Filename: name,
			Path:     rec.Path,
			prev:     rec,
		})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Filename < changes[j].Filename })
	return changes, nil
}

// Sync runs one synchronization pass for a category and returns the
// snapshot it published. Concurrent calls for the same category are
// serialized; different categories run in parallel.
func (e *Engine) Sync(ctx context.Context, category string) (*DatasetMetadata, error) {
	st := e.state(category)
	st.runMu.Lock()
	defer st.runMu.Unlock()
	return e.syncCategory(ctx, category)
}

func (e *Engine) syncCategory(ctx context.Context, category string) (*DatasetMetadata, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "sync "+category)
	defer timer.Stop()

	changes, err := e.Scan(category)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		logging.DatasetDebug("Category %s unchanged", category)
		return e.Metadata(), nil
	}
	logging.Dataset("Syncing %s: %d changes", category, len(changes))

	var applied, failed int
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch ch.Kind {
		case ChangeRemoved:
			logging.Dataset("Source removed, marking stale: %s/%s", category, ch.Filename)
			if err := e.store.SetSourceStatus(category, ch.Filename, store.SourceStale, ""); err != nil {
				logging.DatasetError("Failed to mark %s/%s stale: %v", category, ch.Filename, err)
			}
		default:
			if err := e.ingest(ch); err != nil {
				failed++
				logging.DatasetError("Ingestion failed for %s/%s: %v", category, ch.Filename, err)
				if rerr := e.store.RecordSourceFailure(category, ch.Filename, ch.Path, err.Error()); rerr != nil {
					logging.DatasetError("Failed to record failure for %s/%s: %v", category, ch.Filename, rerr)
				}
				continue
			}
			applied++
		}
	}

	snap, err := e.publish()
	if err != nil {
		return nil, err
	}
	logging.Dataset("Sync %s done: %d applied, %d failed, snapshot v%d", category, applied, failed, snap.Version)
	return snap, nil
}

// ingest converges one added or modified file into its table. Any error
// leaves the table in its last-good state; the caller records the failure.
func (e *Engine) ingest(ch FileChange) error {
	data, err := os.ReadFile(ch.Path)
	if err != nil {
		return auditerr.NewIngestion(ch.Category, ch.Filename, fmt.Errorf("read failed: %w", err))
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	prev := ch.prev
	if prev != nil && prev.Status == store.SourceActive && prev.ContentHash == hash && len(prev.Schema) > 0 {
		// Touched but byte-identical: refresh the fingerprint only.
		rec := *prev
		rec.Size, rec.ModTime = ch.Size, ch.ModTime
		return e.store.UpsertSource(rec)
	}

	td, err := schema.Parse(data, e.sampleRows)
	if err != nil {
		return auditerr.NewIngestion(ch.Category, ch.Filename, err)
	}
	table := TableName(ch.Category, ch.Filename)

	exists, err := e.store.TableExists(table)
	if err != nil {
		return err
	}

	final := td.Columns
	if !exists {
		logging.Dataset("Creating table %s from %s/%s (%d columns, %d rows)",
			table, ch.Category, ch.Filename, len(td.Columns), td.RowCount())
		if err := e.store.CreateTable(table, td.Columns); err != nil {
			return err
		}
		if err := e.store.LoadRows(table, td.Columns.Names(), td.Rows); err != nil {
			return err
		}
	} else {
		stored := prevSchema(prev)
		if stored == nil {
			// No manifest record for a live table; trust its definition.
			if stored, err = e.store.DescribeSchema(table); err != nil {
				return err
			}
		}
		if final, err = e.migrate(table, stored, td); err != nil {
			return err
		}
	}

	return e.store.UpsertSource(store.SourceRecord{
		Category:    ch.Category,
		Filename:    ch.Filename,
		Path:        ch.Path,
		Size:        ch.Size,
		ModTime:     ch.ModTime,
		ContentHash: hash,
		TableName:   table,
		Schema:      final,
		RowCount:    int64(td.RowCount()),
		Status:      store.SourceActive,
	})
}

// migrate reconciles a live table with a file's newly inferred shape and
// reloads its rows. Returns the schema the table ends up with: the new
// column set, with shared columns kept at their widest observed type.
func (e *Engine) migrate(table string, stored schema.Schema, td *schema.TableData) (schema.Schema, error) {
	if stored.Equal(td.Columns) {
		if err := e.store.ReplaceRows(table, td.Columns.Names(), td.Rows); err != nil {
			return nil, err
		}
		return td.Columns, nil
	}

	delta := schema.Diff(stored, td.Columns)
	merged := schema.Merged(stored, td.Columns)
	logging.Dataset("Migrating %s: %d added, %d removed, %d widened",
		table, len(delta.Added), len(delta.Removed), len(delta.Widened))

	if len(delta.Widened) > 0 {
		// SQLite cannot retype a column in place; a transactional rebuild
		// carries the migration and the reload together.
		if err := e.store.RebuildTable(table, merged, td.Rows); err != nil {
			return nil, &auditerr.SchemaMigrationError{Table: table, Reason: "type widening rebuild", Err: err}
		}
		return merged, nil
	}

	for _, col := range delta.Added {
		if err := e.store.AddColumn(table, col); err != nil {
			return nil, &auditerr.SchemaMigrationError{Table: table, Reason: "add column " + col.Name, Err: err}
		}
	}
	for _, name := range delta.Removed {
		if err := e.store.DropColumn(table, name); err != nil {
			return nil, &auditerr.SchemaMigrationError{Table: table, Reason: "drop column " + name, Err: err}
		}
	}
	if err := e.store.ReplaceRows(table, td.Columns.Names(), td.Rows); err != nil {
		return nil, err
	}
	return merged, nil
}

func prevSchema(rec *store.SourceRecord) schema.Schema {
	if rec == nil || len(rec.Schema) == 0 {
		return nil
	}
	return rec.Schema
}

// Trigger requests a sync for one category without blocking. If a run is
// already active the request queues exactly one follow-up run; further
// triggers collapse into that queued run.
func (e *Engine) Trigger(category string) string {
	e.mu.Lock()
	st, ok := e.states[category]
	if !ok {
		st = &categoryState{}
		e.states[category] = st
	}
	if st.running {
		if st.pending {
			e.mu.Unlock()
			return TriggerCollapsed
		}
		st.pending = true
		e.mu.Unlock()
		logging.DatasetDebug("Trigger for %s queued behind running sync", category)
		return TriggerQueued
	}
	st.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.triggerLoop(category, st)
	return TriggerStarted
}

func (e *Engine) triggerLoop(category string, st *categoryState) {
	defer e.wg.Done()
	for {
		if _, err := e.Sync(e.ctx, category); err != nil {
			logging.DatasetError("Triggered sync failed for %s: %v", category, err)
		}
		e.mu.Lock()
		if st.pending {
			st.pending = false
			e.mu.Unlock()
			continue
		}
		st.running = false
		e.mu.Unlock()
		return
	}
}

// TriggerAll fires a non-blocking trigger for every category and reports
// each one's disposition.
func (e *Engine) TriggerAll() (map[string]string, error) {
	cats, err := e.Categories()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cats))
	for _, c := range cats {
		out[c] = e.Trigger(c)
	}
	return out, nil
}

// SyncAll synchronizes every category in parallel and blocks until all
// finish. One category's failure does not stop the others; the first
// error is returned after the full fan-out completes.
func (e *Engine) SyncAll(ctx context.Context) (*DatasetMetadata, error) {
	cats, err := e.Categories()
	if err != nil {
		return nil, err
	}
	logging.Dataset("Full sync across %d categories", len(cats))

	var g errgroup.Group
	for _, category := range cats {
		g.Go(func() error {
			if _, err := e.Sync(ctx, category); err != nil {
				return fmt.Errorf("category %s: %w", category, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return e.Metadata(), err
	}
	return e.Metadata(), nil
}

// publish rebuilds the metadata snapshot from the manifest and swaps it
// in under the write lock. Publishes are serialized so a later manifest
// read can never be overwritten by an earlier one.
func (e *Engine) publish() (*DatasetMetadata, error) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	recs, err := e.store.AllSources()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var version uint64 = 1
	if e.snapshot != nil {
		version = e.snapshot.Version + 1
	}
	meta := &DatasetMetadata{
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		Categories:  make(map[string]*CategoryMetadata),
	}
	for _, rec := range recs {
		cm := meta.Categories[rec.Category]
		if cm == nil {
			cm = &CategoryMetadata{Name: rec.Category}
			meta.Categories[rec.Category] = cm
		}
		info := TableInfo{
			Name:       rec.TableName,
			Category:   rec.Category,
			SourceFile: rec.Filename,
			Columns:    rec.Schema,
			RowCount:   rec.RowCount,
			Checksum:   rec.ContentHash,
			Status:     rec.Status,
			LastError:  rec.LastError,
			SyncedAt:   rec.SyncedAt,
		}
		// A failed source that synced successfully before keeps its
		// last-good table authoritative; only stale sources and files
		// that never produced a table leave the active set.
		switch {
		case rec.Status == store.SourceActive:
			cm.Tables = append(cm.Tables, info)
		case rec.Status == store.SourceFailed && rec.TableName != "":
			cm.Tables = append(cm.Tables, info)
		default:
			cm.Inactive = append(cm.Inactive, info)
		}
		if rec.SyncedAt.After(cm.LastSync) {
			cm.LastSync = rec.SyncedAt
		}
	}
	e.snapshot = meta
	return meta, nil
}

func (e *Engine) state(category string) *categoryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[category]
	if !ok {
		st = &categoryState{}
		e.states[category] = st
	}
	return st
}
