// Package reconcile merges the pending operation queue onto an
// authoritative snapshot to produce the view the application reads.
//
// Merge is pure and deterministic: the same snapshot and operations always
// produce byte-identical canonical output, and neither input is modified.
//
// Replay rules, applied to operations in queue order:
//   - CREATE appends the payload, or replaces the row in place when the id
//     already exists, so a CREATE that raced its own server echo is harmless
//   - UPDATE shallow-merges the payload into the existing row; without a
//     row it is an anomaly and a no-op
//   - DELETE removes the row when present and leaves a tombstone; later
//     CREATE or UPDATE for the same id in the same replay are suppressed
//
// Because pending operations replay after the snapshot, local writes win
// over server content for every id they touch.
package reconcile

import (
	"fmt"

	"github.com/roach88/rollbook/internal/ir"
)

// AnomalyKind classifies an operation that could not be replayed as written.
type AnomalyKind string

const (
	// AnomalyMissingRow: UPDATE for an id the view does not contain.
	AnomalyMissingRow AnomalyKind = "missing_row"
	// AnomalyDeleted: CREATE or UPDATE after a pending DELETE of the same id.
	AnomalyDeleted AnomalyKind = "deleted"
	// AnomalyInvalidOp: operation without a usable id or with an unknown action.
	AnomalyInvalidOp AnomalyKind = "invalid_op"
)

// Anomaly records a skipped operation. Anomalies are diagnostics only:
// they never stop a merge.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind" yaml:"kind"`
	OpID   string      `json:"op_id" yaml:"op_id"`
	Table  string      `json:"table" yaml:"table"`
	RowID  string      `json:"row_id,omitempty" yaml:"row_id,omitempty"`
	Action ir.Action   `json:"action" yaml:"action"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s %s/%s (op %s)", a.Kind, a.Action, a.Table, a.RowID, a.OpID)
}

// Result is the output of Merge.
type Result struct {
	Tables    ir.Snapshot
	Anomalies []Anomaly
}

// Merge replays ops over a deep copy of snapshot.
func Merge(snapshot ir.Snapshot, ops []ir.PendingOperation) Result {
	v := NewView(snapshot)
	for _, op := range ops {
		v.Apply(op)
	}
	return Result{Tables: v.tables, Anomalies: v.anomalies}
}

// View is a snapshot with operations replayed onto it. The cache keeps
// one View as its merged state and applies each new mutation to it
// directly, which gives the same result as a full Merge.
//
// View is not safe for concurrent use.
type View struct {
	tables     ir.Snapshot
	index      map[string]map[string]int  // table -> row id -> position
	tombstones map[string]map[string]bool // table -> row id
	anomalies  []Anomaly
}

// NewView starts a view from a deep copy of snapshot. Rows sharing an id
// collapse into one: the last occurrence wins, at the first one's position.
func NewView(snapshot ir.Snapshot) *View {
	tables := make(ir.Snapshot, len(snapshot))
	index := make(map[string]map[string]int, len(snapshot))
	for name, t := range snapshot {
		tables[name], index[name] = indexTable(t.Clone())
	}
	return &View{
		tables:     tables,
		index:      index,
		tombstones: make(map[string]map[string]bool),
	}
}

// Apply replays one operation. It returns the anomaly it produced, if any.
func (v *View) Apply(op ir.PendingOperation) *Anomaly {
	id, err := op.RowID()
	if err != nil || !op.Action.Valid() {
		return v.record(AnomalyInvalidOp, op, id)
	}

	dead := v.tombstones[op.Table][id]

	switch op.Action {
	case ir.ActionCreate:
		if dead {
			return v.record(AnomalyDeleted, op, id)
		}
		v.upsert(op.Table, id, op.Payload)

	case ir.ActionUpdate:
		if dead {
			return v.record(AnomalyDeleted, op, id)
		}
		if !v.merge(op.Table, id, op.Payload) {
			return v.record(AnomalyMissingRow, op, id)
		}

	case ir.ActionDelete:
		v.remove(op.Table, id)
		if v.tombstones[op.Table] == nil {
			v.tombstones[op.Table] = make(map[string]bool)
		}
		v.tombstones[op.Table][id] = true
	}
	return nil
}

// Table returns a deep copy of one table. Unknown tables are empty.
func (v *View) Table(name string) ir.Table {
	t := v.tables[name].Clone()
	if t == nil {
		return ir.Table{}
	}
	return t
}

// Snapshot returns a deep copy of every table.
func (v *View) Snapshot() ir.Snapshot {
	return v.tables.Clone()
}

// Anomalies returns the anomalies recorded so far.
func (v *View) Anomalies() []Anomaly {
	return append([]Anomaly(nil), v.anomalies...)
}

func (v *View) positions(table string) map[string]int {
	pos, ok := v.index[table]
	if ok {
		return pos
	}
	if t, exists := v.tables[table]; exists {
		v.tables[table], pos = indexTable(t)
	} else {
		pos = make(map[string]int)
	}
	v.index[table] = pos
	return pos
}

func (v *View) upsert(table, id string, payload ir.Row) {
	row := payload.Clone()
	row[ir.IDField] = ir.String(id)

	pos := v.positions(table)
	if i, ok := pos[id]; ok {
		v.tables[table][i] = row
		return
	}
	pos[id] = len(v.tables[table])
	v.tables[table] = append(v.tables[table], row)
}

func (v *View) merge(table, id string, payload ir.Row) bool {
	i, ok := v.positions(table)[id]
	if !ok {
		return false
	}
	row := v.tables[table][i].Clone()
	for k, val := range payload {
		row[k] = ir.Clone(val)
	}
	row[ir.IDField] = ir.String(id)
	v.tables[table][i] = row
	return true
}

func (v *View) remove(table, id string) {
	t, ok := v.tables[table]
	if !ok {
		return
	}
	if _, ok := v.positions(table)[id]; !ok {
		return
	}
	v.tables[table] = remove(t, id)
	// Positions after the removed row shifted; reindex on next use.
	delete(v.index, table)
}

// indexTable maps row ids to positions, collapsing rows that share an id
// into the first one's slot. Rows without a usable id are kept unindexed.
func indexTable(t ir.Table) (ir.Table, map[string]int) {
	pos := make(map[string]int, len(t))
	out := t[:0]
	for _, r := range t {
		id, err := ir.RowID(r)
		if err != nil {
			out = append(out, r)
			continue
		}
		if i, dup := pos[id]; dup {
			out[i] = r
			continue
		}
		pos[id] = len(out)
		out = append(out, r)
	}
	return out, pos
}

func (v *View) record(kind AnomalyKind, op ir.PendingOperation, id string) *Anomaly {
	a := Anomaly{Kind: kind, OpID: op.OpID, Table: op.Table, RowID: id, Action: op.Action}
	v.anomalies = append(v.anomalies, a)
	return &a
}

// Fold applies an operation the server has confirmed to a base table,
// without tombstones: once acknowledged, a DELETE no longer shadows later
// writes. It returns the new table and whether the operation changed it.
// t may be modified in place; pass a clone to keep the original.
func Fold(t ir.Table, op ir.PendingOperation) (ir.Table, bool) {
	id, err := op.RowID()
	if err != nil {
		return t, false
	}
	switch op.Action {
	case ir.ActionCreate:
		return upsert(t, id, op.Payload), true
	case ir.ActionUpdate:
		return shallowMerge(t, id, op.Payload)
	case ir.ActionDelete:
		if t.Index(id) < 0 {
			return t, false
		}
		return remove(t, id), true
	}
	return t, false
}

// upsert replaces the row with id in place, or appends it.
func upsert(t ir.Table, id string, payload ir.Row) ir.Table {
	row := payload.Clone()
	row[ir.IDField] = ir.String(id)

	if i := t.Index(id); i >= 0 {
		t[i] = row
		return t
	}
	return append(t, row)
}

// shallowMerge overwrites top-level fields of the row with id.
func shallowMerge(t ir.Table, id string, payload ir.Row) (ir.Table, bool) {
	i := t.Index(id)
	if i < 0 {
		return t, false
	}
	row := t[i].Clone()
	for k, val := range payload {
		row[k] = ir.Clone(val)
	}
	row[ir.IDField] = ir.String(id)
	t[i] = row
	return t, true
}

func remove(t ir.Table, id string) ir.Table {
	out := t[:0]
	for _, row := range t {
		if rid, err := ir.RowID(row); err == nil && rid == id {
			continue
		}
		out = append(out, row)
	}
	return out
}
