package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rollbook/internal/ir"
)

// Canonical returns the result as canonical JSON followed by a newline.
// This is the golden file format and the output of `rollbook test --json`.
//
// Layout: {"anomalies":[...],"hash":"...","scenario":"...","tables":{...}}
func (r *Result) Canonical() ([]byte, error) {
	tables := make(ir.Object, len(r.Tables))
	for name, t := range r.Tables {
		rows := make(ir.Array, len(t))
		for i, row := range t {
			rows[i] = row
		}
		tables[name] = rows
	}

	anomalies := make(ir.Array, len(r.Anomalies))
	for i, a := range r.Anomalies {
		obj := ir.Object{
			"kind":   ir.String(a.Kind),
			"op_id":  ir.String(a.OpID),
			"table":  ir.String(a.Table),
			"action": ir.String(a.Action),
		}
		if a.RowID != "" {
			obj["row_id"] = ir.String(a.RowID)
		}
		anomalies[i] = obj
	}

	out, err := ir.MarshalCanonical(ir.Object{
		"scenario":  ir.String(r.Scenario),
		"hash":      ir.String(r.Hash),
		"tables":    tables,
		"anomalies": anomalies,
	})
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// RunWithGolden runs a scenario, fails the test on any assertion error and
// compares the canonical result against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	for _, e := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, e)
	}

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := result.Canonical()
	if err != nil {
		t.Fatalf("canonical %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
