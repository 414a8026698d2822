package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/reconcile"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index    int    // Position in the scenario's assertion list
	Type     string // Assertion type for categorization
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %d (%s): expected %s, got %s", e.Index, e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the result and
// returns a message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			err.Index = i
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) *AssertionError {
	switch a.Type {
	case AssertRow:
		return assertRow(result.Tables, a)
	case AssertAbsent:
		return assertAbsent(result.Tables, a)
	case AssertCount:
		return assertCount(result.Tables, a)
	case AssertAnomaly:
		return assertAnomaly(result.Anomalies, a)
	}
	return &AssertionError{Type: a.Type, Expected: "a known assertion type", Actual: a.Type}
}

func assertRow(tables ir.Snapshot, a Assertion) *AssertionError {
	id, err := assertionID(a.ID)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: "a valid id", Actual: err.Error()}
	}
	row, ok := tables[a.Table].Find(id)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("row %s/%s", a.Table, id), Actual: "no such row"}
	}

	var mismatched []string
	for field, raw := range a.Expect {
		want, err := ir.FromAny(raw)
		if err != nil {
			return &AssertionError{Type: a.Type, Expected: "expect values expressible as JSON", Actual: err.Error()}
		}
		got, present := row[field]
		if !present || !ir.Equal(got, want) {
			mismatched = append(mismatched, field)
		}
	}
	if len(mismatched) == 0 {
		return nil
	}
	slices.Sort(mismatched)

	wantJSON, _ := ir.MarshalCanonical(a.Expect)
	gotJSON, _ := ir.MarshalCanonical(ir.Value(row))
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s/%s to contain %s", a.Table, id, wantJSON),
		Actual:   fmt.Sprintf("%s (fields differ: %s)", gotJSON, strings.Join(mismatched, ", ")),
	}
}

func assertAbsent(tables ir.Snapshot, a Assertion) *AssertionError {
	id, err := assertionID(a.ID)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: "a valid id", Actual: err.Error()}
	}
	if _, ok := tables[a.Table].Find(id); ok {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no row %s/%s", a.Table, id), Actual: "row present"}
	}
	return nil
}

func assertCount(tables ir.Snapshot, a Assertion) *AssertionError {
	if got := len(tables[a.Table]); got != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d rows in %s", *a.Count, a.Table),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertAnomaly matches by kind, and by op id when Op is set. With Count
// set the number of matches must be exact, otherwise at least one.
func assertAnomaly(anomalies []reconcile.Anomaly, a Assertion) *AssertionError {
	matches := 0
	for _, an := range anomalies {
		if string(an.Kind) == a.Kind && (a.Op == "" || an.OpID == a.Op) {
			matches++
		}
	}

	want := fmt.Sprintf("a %s anomaly", a.Kind)
	if a.Op != "" {
		want += " for " + a.Op
	}
	switch {
	case a.Count != nil && matches != *a.Count:
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d x %s", *a.Count, want), Actual: describeAnomalies(anomalies)}
	case a.Count == nil && matches == 0:
		return &AssertionError{Type: a.Type, Expected: want, Actual: describeAnomalies(anomalies)}
	}
	return nil
}

func assertionID(raw any) (string, error) {
	v, err := ir.FromAny(raw)
	if err != nil {
		return "", err
	}
	return ir.CanonicalID(v)
}

func describeAnomalies(anomalies []reconcile.Anomaly) string {
	if len(anomalies) == 0 {
		return "no anomalies"
	}
	parts := make([]string, len(anomalies))
	for i, an := range anomalies {
		parts[i] = an.String()
	}
	return strings.Join(parts, "; ")
}
