// Package ir defines the data model shared by every rollbook package:
// row values, tables, snapshots, pending operations and sync state.
//
// ir imports nothing internal. All other internal packages import it.
//
// Key design constraints:
//   - Row ids are compared only in their canonical textual form (CanonicalID)
//   - Row values are a sealed set of JSON shapes (Value)
//   - Canonical JSON (MarshalCanonical) is the single encoding used for
//     hashes and golden output
//   - Pending operations are ordered by a logical Seq, not by wall time
package ir
