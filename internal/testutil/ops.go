package testutil

import "github.com/roach88/rollbook/internal/ir"

// Row builds a row with a string id and the given fields.
func Row(id string, fields ...ir.Pair) ir.Row {
	r := ir.NewObject(fields...)
	r[ir.IDField] = ir.String(id)
	return r
}

// Op builds an unqueued operation on row id.
func Op(table string, action ir.Action, id string, fields ...ir.Pair) ir.PendingOperation {
	return ir.PendingOperation{Table: table, Action: action, Payload: Row(id, fields...)}
}

// OpIDs returns the op ids of ops in order.
func OpIDs(ops []ir.PendingOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.OpID
	}
	return out
}
