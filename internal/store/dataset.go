// Package store provides the SQLite persistence layer: the dataset table
// store that the synchronization engine converges flat files into, and the
// application store holding chat history and archived session events.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"auditchat/internal/logging"
	"auditchat/internal/schema"
)

// DatasetStore implements the table-store boundary over SQLite: create,
// migrate, and reload tables derived from source files, plus the persisted
// source-file manifest the sync engine diffs fingerprints against.
//
// One writer at a time; reads may run concurrently with other reads.
type DatasetStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// SourceRecord is one manifest row: the last-observed state of a source
// file and the table synced from it.
type SourceRecord struct {
	Category    string
	Filename    string
	Path        string
	Size        int64
	ModTime     int64
	ContentHash string
	TableName   string
	Schema      schema.Schema
	RowCount    int64
	Status      string // active | stale | failed
	LastError   string
	SyncedAt    time.Time
}

// Source statuses.
const (
	SourceActive = "active"
	SourceStale  = "stale"
	SourceFailed = "failed"
)

// NewDatasetStore opens (or creates) the dataset database at path.
func NewDatasetStore(path string) (*DatasetStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewDatasetStore")
	defer timer.Stop()

	logging.Store("Opening dataset store at %s", path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &DatasetStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemoryDatasetStore opens an in-memory dataset store for tests.
func NewInMemoryDatasetStore() (*DatasetStore, error) {
	return NewDatasetStore(":memory:")
}

func (s *DatasetStore) initialize() error {
	manifest := `
	CREATE TABLE IF NOT EXISTS source_files (
		category     TEXT NOT NULL,
		filename     TEXT NOT NULL,
		path         TEXT NOT NULL,
		size         INTEGER NOT NULL DEFAULT 0,
		modtime      INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		table_name   TEXT NOT NULL,
		schema_json  TEXT NOT NULL DEFAULT '[]',
		row_count    INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'active',
		last_error   TEXT NOT NULL DEFAULT '',
		synced_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (category, filename)
	);
	CREATE INDEX IF NOT EXISTS idx_source_files_category ON source_files(category);
	CREATE INDEX IF NOT EXISTS idx_source_files_status ON source_files(status);
	`
	if _, err := s.db.Exec(manifest); err != nil {
		return fmt.Errorf("failed to create manifest table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *DatasetStore) Close() error {
	logging.Store("Closing dataset store")
	return s.db.Close()
}

// The manifest stores schemas in the column JSON form, [{"name","type"}].
func marshalSchema(sc schema.Schema) (string, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}
	return string(data), nil
}

func unmarshalSchema(data string) (schema.Schema, error) {
	var sc schema.Schema
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return sc, nil
}

// UpsertSource records the latest observed state of one source file.
func (s *DatasetStore) UpsertSource(rec SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schemaJSON, err := marshalSchema(rec.Schema)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO source_files
			(category, filename, path, size, modtime, content_hash, table_name, schema_json, row_count, status, last_error, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(category, filename) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			modtime = excluded.modtime,
			content_hash = excluded.content_hash,
			table_name = excluded.table_name,
			schema_json = excluded.schema_json,
			row_count = excluded.row_count,
			status = excluded.status,
			last_error = excluded.last_error,
			synced_at = CURRENT_TIMESTAMP`,
		rec.Category, rec.Filename, rec.Path, rec.Size, rec.ModTime,
		rec.ContentHash, rec.TableName, schemaJSON, rec.RowCount,
		rec.Status, rec.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert source %s/%s: %w", rec.Category, rec.Filename, err)
	}
	return nil
}

// SetSourceStatus updates the status (and error text) of one source file.
func (s *DatasetStore) SetSourceStatus(category, filename, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE source_files SET status = ?, last_error = ?, synced_at = CURRENT_TIMESTAMP
		WHERE category = ? AND filename = ?`,
		status, lastError, category, filename)
	if err != nil {
		return fmt.Errorf("failed to set source status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s/%s not found", category, filename)
	}
	return nil
}

// RecordSourceFailure upserts a failed source file, keeping whatever table
// state the previous sync left behind.
func (s *DatasetStore) RecordSourceFailure(category, filename, path string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO source_files (category, filename, path, table_name, status, last_error, synced_at)
		VALUES (?, ?, ?, '', ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(category, filename) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			synced_at = CURRENT_TIMESTAMP`,
		category, filename, path, SourceFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record source failure: %w", err)
	}
	return nil
}

// SourcesFor returns the manifest rows for one category.
func (s *DatasetStore) SourcesFor(category string) ([]SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT category, filename, path, size, modtime, content_hash, table_name, schema_json, row_count, status, last_error, synced_at
		FROM source_files WHERE category = ? ORDER BY filename`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// AllSources returns every manifest row grouped in filename order.
func (s *DatasetStore) AllSources() ([]SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT category, filename, path, size, modtime, content_hash, table_name, schema_json, row_count, status, last_error, synced_at
		FROM source_files ORDER BY category, filename`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

func scanSources(rows *sql.Rows) ([]SourceRecord, error) {
	var out []SourceRecord
	for rows.Next() {
		var rec SourceRecord
		var schemaJSON string
		var syncedAt sql.NullString
		if err := rows.Scan(&rec.Category, &rec.Filename, &rec.Path, &rec.Size,
			&rec.ModTime, &rec.ContentHash, &rec.TableName, &schemaJSON,
			&rec.RowCount, &rec.Status, &rec.LastError, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sc, err := unmarshalSchema(schemaJSON)
		if err != nil {
			return nil, err
		}
		rec.Schema = sc
		if syncedAt.Valid {
			if t, err := time.Parse("2006-01-02 15:04:05", syncedAt.String); err == nil {
				rec.SyncedAt = t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnDefs(sc schema.Schema) string {
	defs := make([]string, len(sc))
	for i, c := range sc {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type.String())
	}
	return strings.Join(defs, ", ")
}

// TableExists reports whether a table is present.
func (s *DatasetStore) TableExists(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tableExists(name)
}

func (s *DatasetStore) tableExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// CreateTable creates a fresh table with the given schema.
func (s *DatasetStore) CreateTable(name string, sc schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Creating table %s with %d columns", name, len(sc))
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), columnDefs(sc))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	return nil
}

// AddColumn appends a column; existing rows take the empty default for
// text and NULL otherwise.
func (s *DatasetStore) AddColumn(name string, col schema.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(name), quoteIdent(col.Name), col.Type.String())
	if col.Type == schema.TypeText {
		def += " DEFAULT ''"
	}
	if _, err := s.db.Exec(def); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", name, col.Name, err)
	}
	return nil
}

// DropColumn removes a column.
func (s *DatasetStore) DropColumn(name, column string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(name), quoteIdent(column))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to drop column %s.%s: %w", name, column, err)
	}
	return nil
}

// RebuildTable atomically replaces a table's definition and contents.
// Used for type widening, which SQLite cannot express as an ALTER.
func (s *DatasetStore) RebuildTable(name string, sc schema.Schema, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	tmp := name + "__rebuild"
	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tmp))); err != nil {
		return fmt.Errorf("failed to clear rebuild table: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tmp), columnDefs(sc))); err != nil {
		return fmt.Errorf("failed to create rebuild table: %w", err)
	}
	if err := insertRows(tx, tmp, sc.Names(), rows); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to drop old table %s: %w", name, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(tmp), quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to rename rebuild table: %w", err)
	}
	return tx.Commit()
}

// LoadRows bulk-inserts rows into an existing table.
func (s *DatasetStore) LoadRows(name string, columns []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin load: %w", err)
	}
	defer tx.Rollback()

	if err := insertRows(tx, name, columns, rows); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceRows atomically swaps a table's contents for the given rows.
func (s *DatasetStore) ReplaceRows(name string, columns []string, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "ReplaceRows "+name)
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", quoteIdent(name))); err != nil {
		return fmt.Errorf("failed to clear table %s: %w", name, err)
	}
	if err := insertRows(tx, name, columns, rows); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRows(tx *sql.Tx, name string, columns []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", name, err)
	}
	defer stmt.Close()

	args := make([]interface{}, len(columns))
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row has %d values, table %s has %d columns", len(row), name, len(columns))
		}
		for i, v := range row {
			if v == "" {
				args[i] = nil // empty cells load as NULL
			} else {
				args[i] = v
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", name, err)
		}
	}
	return nil
}

// ListTables returns all data tables (the manifest excluded).
func (s *DatasetStore) ListTables() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'source_files'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// DescribeSchema reads a table's column list back from SQLite.
func (s *DatasetStore) DescribeSchema(name string) (schema.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", name, err)
	}
	defer rows.Close()

	var sc schema.Schema
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		sc = append(sc, schema.Column{Name: colName, Type: schema.ParseType(colType)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sc) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return sc, nil
}

// RowCount returns the number of rows in a table.
func (s *DatasetStore) RowCount(name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(name))).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", name, err)
	}
	return n, nil
}

// Query runs a read query and returns column names plus stringified rows.
// The pipeline uses this for bounded data profiles; callers own LIMITs.
func (s *DatasetStore) Query(ctx context.Context, query string, args ...interface{}) ([]string, [][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out [][]string
	raw := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// Stats returns row counts per data table.
func (s *DatasetStore) Stats() (map[string]int64, error) {
	tables, err := s.ListTables()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(t))).Scan(&n); err != nil {
			logging.StoreDebug("Table %s count failed: %v", t, err)
			continue
		}
		stats[t] = n
	}
	return stats, nil
}
