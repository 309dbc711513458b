// Package dataset keeps the SQLite table store converged with a directory
// tree of delimited flat files. One subdirectory per audit category; each
// file becomes one table. The engine diffs file fingerprints against a
// persisted manifest, applies minimal schema migrations, and publishes
// immutable versioned metadata snapshots for readers.
package dataset

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"auditchat/internal/schema"
	"auditchat/internal/store"
)

// ChangeKind classifies one scan observation.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// FileChange is one detected difference between a category directory and
// the persisted manifest.
type FileChange struct {
	Kind     ChangeKind
	Category string
	Filename string
	Path     string
	Size     int64
	ModTime  int64

	prev *store.SourceRecord // manifest state, nil for new files
}

// TableInfo describes one synced table inside a metadata snapshot.
type TableInfo struct {
	Name       string        `json:"name"`
	Category   string        `json:"category"`
	SourceFile string        `json:"source_file"`
	Columns    schema.Schema `json:"columns"`
	RowCount   int64         `json:"row_count"`
	Checksum   string        `json:"checksum"`
	Status     string        `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
	SyncedAt   time.Time     `json:"synced_at"`
}

// CategoryMetadata is the per-category slice of a snapshot. Tables holds
// the active set; Inactive carries stale and failed sources so operators
// can see what stopped syncing and why.
type CategoryMetadata struct {
	Name     string      `json:"name"`
	Tables   []TableInfo `json:"tables"`
	Inactive []TableInfo `json:"inactive,omitempty"`
	LastSync time.Time   `json:"last_sync"`
}

// DatasetMetadata is an immutable snapshot of everything the engine has
// synced. Snapshots are replaced on publish, never mutated; readers may
// hold one for as long as they like.
type DatasetMetadata struct {
	Version     uint64                       `json:"version"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Categories  map[string]*CategoryMetadata `json:"categories"`
}

// CategoryNames returns the snapshot's categories in sorted order.
func (m *DatasetMetadata) CategoryNames() []string {
	names := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Category returns one category's metadata, or nil when unknown.
func (m *DatasetMetadata) Category(name string) *CategoryMetadata {
	return m.Categories[name]
}

// ActiveTables returns the active tables for a category, nil when the
// category is unknown.
func (m *DatasetMetadata) ActiveTables(category string) []TableInfo {
	cm := m.Categories[category]
	if cm == nil {
		return nil
	}
	return cm.Tables
}

// TableName derives the deterministic table name for a source file:
// normalized category joined to the normalized filename stem.
func TableName(category, filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	return schema.NormalizeIdent(category) + "_" + schema.NormalizeIdent(stem)
}

// tabularExts lists the file extensions the scanner ingests.
var tabularExts = map[string]bool{
	".csv": true,
	".tsv": true,
	".txt": true,
}

func isTabular(name string) bool {
	return tabularExts[strings.ToLower(filepath.Ext(name))]
}
