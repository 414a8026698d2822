// Package store provides the local persistent cache for rollbook.
//
// The layout is deliberately flat:
//   - one record per domain table, holding its rows as canonical JSON
//   - one record holding the whole pending queue
//
// Each write replaces one record in a single statement, so a crash leaves
// either the previous or the new value of that record.
//
// Two Backends are provided: SQLiteStore (mattn/go-sqlite3, WAL mode) for
// durable use and MemoryStore for tests and ephemeral runs. Local layers
// the cache's failure policy on top of either: unreadable records are
// logged and read as empty, failed writes are logged and the caller
// carries on with its in-memory state.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: An enqueued operation must survive power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
