// Package harness runs reconciliation scenarios written in YAML.
//
// A scenario is an authoritative snapshot, a list of pending operations in
// queue order, and assertions on the merged view. Run merges the
// operations with reconcile.Merge and evaluates the assertions. Every run
// also checks two properties that hold for any input:
//
//   - merging twice produces the same content hash
//   - the input snapshot is not modified by the merge
//
// RunWithGolden additionally compares the canonical JSON of the result
// with testdata/golden/<name>.golden. To regenerate golden files:
//
//	go test ./internal/harness -update
//
// Example scenario:
//
//	name: offline_points_edit
//	description: A points edit made offline is visible before sync
//	snapshot:
//	  students:
//	    - {id: 7, name: Ada, points: 40}
//	ops:
//	  - {table: students, action: UPDATE, payload: {id: 7, points: 90}}
//	assertions:
//	  - {type: row, table: students, id: 7, expect: {points: 90}}
package harness
