package ir

import (
	"fmt"
	"strings"
	"time"
)

// Action is the kind of write a pending operation carries.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction accepts an action name in any letter case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q (want CREATE, UPDATE or DELETE)", s)
	}
	return a, nil
}

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// PendingOperation is a write intent recorded locally and not yet
// acknowledged by the remote backend. Every field except Attempts is
// fixed once the operation is enqueued.
type PendingOperation struct {
	OpID       string    `json:"op_id"`
	Seq        int64     `json:"seq"` // Logical clock stamp fixing FIFO order
	Table      string    `json:"table"`
	Action     Action    `json:"action"`
	Payload    Row       `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// RowID returns the canonical id of the payload row.
func (op PendingOperation) RowID() (string, error) {
	return RowID(op.Payload)
}

// Clone returns a copy with a deep-copied payload.
func (op PendingOperation) Clone() PendingOperation {
	op.Payload = op.Payload.Clone()
	return op
}

// SameShape reports whether two operations may travel in one batch.
func (op PendingOperation) SameShape(other PendingOperation) bool {
	return op.Table == other.Table && op.Action == other.Action
}

// Status is the externally visible drain status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// SyncState is the transient sync status published to subscribers.
// It is never persisted.
type SyncState struct {
	Status       Status    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitzero"`
}
