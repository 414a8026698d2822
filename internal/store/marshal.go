package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/rollbook/internal/ir"
)

// encodeTable converts rows to canonical JSON TEXT for storage.
func encodeTable(rows ir.Table) (string, error) {
	if rows == nil {
		rows = ir.Table{}
	}
	data, err := ir.MarshalCanonical(rows)
	if err != nil {
		return "", fmt.Errorf("encode table: %w", err)
	}
	return string(data), nil
}

// decodeTable parses stored TEXT back into rows.
// Numbers go through json.Number so large integers keep their precision.
func decodeTable(data string) (ir.Table, error) {
	if data == "" {
		return ir.Table{}, nil
	}
	var rows ir.Table
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, fmt.Errorf("%w: decode table: %v", ErrCorrupt, err)
	}
	return rows, nil
}

// encodeQueue converts operations to JSON TEXT. Payloads are written with
// sorted keys and no HTML escaping, matching the table encoding.
func encodeQueue(ops []ir.PendingOperation) (string, error) {
	if ops == nil {
		ops = []ir.PendingOperation{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ops); err != nil {
		return "", fmt.Errorf("encode queue: %w", err)
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeQueue(data string) ([]ir.PendingOperation, error) {
	if data == "" {
		return []ir.PendingOperation{}, nil
	}
	var ops []ir.PendingOperation
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		return nil, fmt.Errorf("%w: decode queue: %v", ErrCorrupt, err)
	}
	for i, op := range ops {
		if op.OpID == "" || !op.Action.Valid() || op.Table == "" {
			return nil, fmt.Errorf("%w: queue entry %d is incomplete", ErrCorrupt, i)
		}
		if op.Payload == nil {
			ops[i].Payload = ir.Row{}
		}
	}
	return ops, nil
}
