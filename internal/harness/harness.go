package harness

import (
	"fmt"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/reconcile"
	"github.com/roach88/rollbook/internal/testutil"
)

// Result is the outcome of one scenario.
type Result struct {
	Scenario  string
	Tables    ir.Snapshot
	Anomalies []reconcile.Anomaly
	Hash      string

	// Errors lists failed assertions and property violations.
	Errors []string
}

// Passed reports whether every assertion held.
func (r *Result) Passed() bool {
	return len(r.Errors) == 0
}

// AddError records a failure.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// Run builds the scenario's inputs, merges them and evaluates assertions.
//
// An error is returned only when the scenario cannot be built, such as a
// row value YAML cannot express as a Value. Failed assertions are reported
// in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	snapshot, err := BuildSnapshot(scenario.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	ops, err := BuildOps(scenario.Ops)
	if err != nil {
		return nil, err
	}

	before, err := ir.SnapshotHash(snapshot)
	if err != nil {
		return nil, err
	}

	merged := reconcile.Merge(snapshot, ops)
	hash, err := ir.SnapshotHash(merged.Tables)
	if err != nil {
		return nil, fmt.Errorf("hash merged view: %w", err)
	}

	result := &Result{
		Scenario:  scenario.Name,
		Tables:    merged.Tables,
		Anomalies: merged.Anomalies,
		Hash:      hash,
	}

	if again := reconcile.Merge(snapshot, ops); ir.MustSnapshotHash(again.Tables) != hash {
		result.AddError("merge is not deterministic: a second merge of the same input hashed differently")
	}
	if after := ir.MustSnapshotHash(snapshot); after != before {
		result.AddError("merge modified its input snapshot")
	}

	for _, e := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(e)
	}
	return result, nil
}

// BuildSnapshot converts YAML rows to a normalized snapshot. Row ids take
// their canonical string form, as they do when the cache reads a snapshot.
func BuildSnapshot(raw map[string][]map[string]any) (ir.Snapshot, error) {
	snapshot := make(ir.Snapshot, len(raw))
	for name, rows := range raw {
		t := make(ir.Table, 0, len(rows))
		for i, r := range rows {
			row, err := toObject(r)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			t = append(t, row)
		}
		snapshot[name] = t
	}

	normalized, skipped := ir.NormalizeSnapshot(snapshot)
	if skipped > 0 {
		return nil, fmt.Errorf("%d rows without a usable or unique id", skipped)
	}
	return normalized, nil
}

// BuildOps converts YAML steps to pending operations in queue order.
func BuildOps(steps []OpStep) ([]ir.PendingOperation, error) {
	ids := testutil.NewSequentialIDs("op")
	clock := testutil.NewManualClock()

	ops := make([]ir.PendingOperation, len(steps))
	for i, step := range steps {
		action, err := ir.ParseAction(step.Action)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		payload, err := toObject(step.Payload)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: payload: %w", i, err)
		}

		// Generate even when an explicit id is given so defaults stay
		// tied to list position.
		opID := ids.Generate()
		if step.OpID != "" {
			opID = step.OpID
		}

		ops[i] = ir.PendingOperation{
			OpID:       opID,
			Seq:        int64(i + 1),
			Table:      step.Table,
			Action:     action,
			Payload:    payload,
			EnqueuedAt: clock.Now(),
		}
	}
	return ops, nil
}

func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
