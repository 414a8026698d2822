package ir

import (
	"encoding/json"
	"fmt"
	"slices"
)

// IDField is the row field that carries the row identity.
const IDField = "id"

// Row is one record of a cached table. Every row carries an "id" field.
type Row = Object

// Table is an ordered list of rows. Row order is preserved from the
// snapshot; rows created locally are appended.
type Table []Row

// Snapshot maps table names to their rows.
type Snapshot map[string]Table

// RowID returns the canonical id of a row.
func RowID(r Row) (string, error) {
	v, ok := r[IDField]
	if !ok {
		return "", fmt.Errorf("%w: row has no %q field", ErrInvalidID, IDField)
	}
	return CanonicalID(v)
}

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for i, r := range t {
		out[i] = r.Clone()
	}
	return out
}

// Index returns the position of the row with the given canonical id, or -1.
func (t Table) Index(id string) int {
	for i, r := range t {
		if rid, err := RowID(r); err == nil && rid == id {
			return i
		}
	}
	return -1
}

// Find returns the row with the given canonical id.
func (t Table) Find(id string) (Row, bool) {
	i := t.Index(id)
	if i < 0 {
		return nil, false
	}
	return t[i], true
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for name, t := range s {
		out[name] = t.Clone()
	}
	return out
}

// TableNames returns the snapshot's table names in sorted order.
func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NormalizeRow rewrites the row's id field to its canonical String form.
// The row is modified in place and returned with its canonical id.
func NormalizeRow(r Row) (string, error) {
	id, err := RowID(r)
	if err != nil {
		return "", err
	}
	r[IDField] = String(id)
	return id, nil
}

// NormalizeTable canonicalizes every row id in a copy of t. Rows without a
// usable id are dropped and reported in skipped. Rows whose ids collide
// after canonicalization collapse into one: the last occurrence replaces
// the first in place, and each collapsed row counts as skipped.
func NormalizeTable(t Table) (out Table, skipped int) {
	out = make(Table, 0, len(t))
	seen := make(map[string]int, len(t))
	for _, r := range t {
		c := r.Clone()
		id, err := NormalizeRow(c)
		if err != nil {
			skipped++
			continue
		}
		if i, dup := seen[id]; dup {
			out[i] = c
			skipped++
			continue
		}
		seen[id] = len(out)
		out = append(out, c)
	}
	return out, skipped
}

// NormalizeSnapshot applies NormalizeTable to every table of a copy of s.
func NormalizeSnapshot(s Snapshot) (out Snapshot, skipped int) {
	out = make(Snapshot, len(s))
	for name, t := range s {
		nt, n := NormalizeTable(t)
		out[name] = nt
		skipped += n
	}
	return out, skipped
}

// UnmarshalJSON decodes a JSON array of objects.
func (t *Table) UnmarshalJSON(data []byte) error {
	var rows []Object
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	*t = make(Table, len(rows))
	for i, r := range rows {
		if r == nil {
			r = Object{}
		}
		(*t)[i] = r
	}
	return nil
}

// MarshalJSON encodes the table as a JSON array, emitting [] for nil.
func (t Table) MarshalJSON() ([]byte, error) {
	arr := make(Array, len(t))
	for i, r := range t {
		arr[i] = r
	}
	return arr.MarshalJSON()
}
