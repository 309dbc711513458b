// Package schema infers relational schemas from delimited tabular files.
// A schema is an ordered list of (name, type) columns; types widen along
// an explicit lattice (boolean < integer < real < text) and never narrow.
package schema

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Type is an inferred column type, ordered by width.
type Type int

const (
	TypeBoolean Type = iota
	TypeInteger
	TypeReal
	TypeText
)

// String returns the SQL type name used in table definitions.
func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// ParseType maps a declared SQL type back to the lattice.
func ParseType(s string) Type {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BOOLEAN", "BOOL":
		return TypeBoolean
	case "INTEGER", "INT", "BIGINT":
		return TypeInteger
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		return TypeReal
	default:
		return TypeText
	}
}

// Widen returns the wider of two types. Text dominates numeric dominates
// boolean; there is no narrowing.
func Widen(a, b Type) Type {
	if a > b {
		return a
	}
	return b
}

// Column is one (name, type) pair.
type Column struct {
	Name string
	Type Type
}

// MarshalJSON renders the column with its SQL type name, the form served
// by the metadata endpoints and stored in the source manifest.
func (c Column) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}{c.Name, c.Type.String()})
}

// UnmarshalJSON parses the (name, SQL type name) form.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Name = raw.Name
	c.Type = ParseType(raw.Type)
	return nil
}

// Schema is an ordered column list.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Find returns the column with the given name.
func (s Schema) Find(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Equal reports whether two schemas have identical columns in order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Delta describes the minimal migration from an old schema to a new one.
// Widened carries the post-widening type; narrowing never appears here:
// a column whose file type narrowed keeps its wider stored type.
type Delta struct {
	Added   []Column
	Removed []string
	Widened []Column
}

// Empty reports whether the delta requires no migration.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Widened) == 0
}

// Diff computes the migration delta from old to new. The resulting
// stored type for a surviving column is Widen(old, new).
func Diff(old, new Schema) Delta {
	var d Delta
	for _, nc := range new {
		oc, ok := old.Find(nc.Name)
		if !ok {
			d.Added = append(d.Added, nc)
			continue
		}
		if w := Widen(oc.Type, nc.Type); w != oc.Type {
			d.Widened = append(d.Widened, Column{Name: nc.Name, Type: w})
		}
	}
	for _, oc := range old {
		if _, ok := new.Find(oc.Name); !ok {
			d.Removed = append(d.Removed, oc.Name)
		}
	}
	return d
}

// Merged returns the schema that results from applying the delta:
// the new file's column order with surviving columns widened.
func Merged(old, new Schema) Schema {
	merged := make(Schema, len(new))
	for i, nc := range new {
		if oc, ok := old.Find(nc.Name); ok {
			merged[i] = Column{Name: nc.Name, Type: Widen(oc.Type, nc.Type)}
		} else {
			merged[i] = nc
		}
	}
	return merged
}

// TableData is a fully parsed delimited file: inferred schema plus all
// rows as strings in file order.
type TableData struct {
	Columns   Schema
	Rows      [][]string
	Delimiter rune
}

// RowCount returns the number of data rows.
func (t *TableData) RowCount() int { return len(t.Rows) }

var delimiters = []rune{',', ';', '\t', '|'}

// SniffDelimiter picks the delimiter from the header line by occurrence
// count. A tie between two candidates is ambiguous; a line with no
// candidate defaults to comma.
func SniffDelimiter(header string) (rune, error) {
	best, bestCount, tie := ',', 0, false
	for _, d := range delimiters {
		n := strings.Count(header, string(d))
		if n > bestCount {
			best, bestCount, tie = d, n, false
		} else if n == bestCount && n > 0 {
			tie = true
		}
	}
	if tie {
		return 0, fmt.Errorf("ambiguous delimiter in header %q", truncate(header, 80))
	}
	return best, nil
}

// NormalizeIdent cleans a raw header cell into a safe SQL identifier:
// trimmed, lowercased, spaces and punctuation collapsed to underscores.
func NormalizeIdent(raw string) string {
	raw = strings.TrimPrefix(raw, "\uFEFF")
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Parse reads an entire delimited file: sniffs the delimiter, normalizes
// the header, infers column types from up to sampleRows data rows, and
// returns every row. Inconsistent field counts and empty files are errors.
func Parse(data []byte, sampleRows int) (*TableData, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	headerLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		headerLine = data[:i]
	}
	delim, err := SniffDelimiter(string(headerLine))
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(Schema, len(header))
	seen := make(map[string]int, len(header))
	for i, raw := range header {
		name := NormalizeIdent(raw)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[NormalizeIdent(raw)]++
		columns[i] = Column{Name: name, Type: TypeText}
	}

	// Inference state per column; -1 means no non-empty value seen yet.
	inferred := make([]int, len(columns))
	for i := range inferred {
		inferred[i] = -1
	}

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}
		if len(record) != len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", len(rows)+2, len(record), len(columns))
		}
		if len(rows) < sampleRows {
			for i, v := range record {
				t, ok := classify(v)
				if !ok {
					continue
				}
				if inferred[i] < 0 {
					inferred[i] = int(t)
				} else {
					inferred[i] = int(Widen(Type(inferred[i]), t))
				}
			}
		}
		rows = append(rows, record)
	}

	for i := range columns {
		if inferred[i] >= 0 {
			columns[i].Type = Type(inferred[i])
		}
		// Columns with no non-empty sample stay TEXT.
	}

	return &TableData{Columns: columns, Rows: rows, Delimiter: delim}, nil
}

// classify returns the most specific type for one value. Empty values
// carry no information and are skipped.
func classify(v string) (Type, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return TypeText, false
	}
	switch strings.ToLower(v) {
	case "true", "false":
		return TypeBoolean, true
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return TypeInteger, true
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return TypeReal, true
	}
	return TypeText, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
