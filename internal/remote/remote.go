// Package remote talks to the authoritative backend: it sends pending
// writes and fetches full snapshots.
//
// Wire format. A write is POSTed to /sync as one request object, or as a
// JSON array of them when batched:
//
//	{"action": "UPDATE", "table": "students", "data": {"id": "7", "points": 90}}
//
// The backend answers {"status": "success"} or {"status": "error", "error": "..."}.
// GET /snapshot answers {"status": "success", "data": {"<table>": [rows...]}}.
// GET /health answers 200 when the backend is reachable.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rollbook/internal/ir"
)

// StatusSuccess is the response status of an accepted request.
const StatusSuccess = "success"

// StatusError is the response status of a refused request.
const StatusError = "error"

// Request is one write sent to the backend.
type Request struct {
	Action ir.Action `json:"action"`
	Table  string    `json:"table"`
	Data   ir.Row    `json:"data"`
	// OpID lets the backend drop a retried write it already applied.
	OpID string `json:"op_id,omitempty"`
}

// FromOperation builds the request for a pending operation.
func FromOperation(op ir.PendingOperation) Request {
	return Request{Action: op.Action, Table: op.Table, Data: op.Payload, OpID: op.OpID}
}

// Response is the backend's answer to a write or snapshot request.
type Response struct {
	Status string      `json:"status"`
	Data   ir.Snapshot `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Client is the engine's view of the backend. Only the drainer calls Send;
// only the cache calls FetchSnapshot.
type Client interface {
	// Send delivers a batch of writes. A nil error means every write in
	// the batch was accepted.
	Send(ctx context.Context, batch []Request) error
	// FetchSnapshot returns every table the backend holds.
	FetchSnapshot(ctx context.Context) (ir.Snapshot, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// ErrUnreachable marks a transport failure: the request may or may not
// have reached the backend.
var ErrUnreachable = errors.New("backend unreachable")

// Error is a failed exchange with the backend.
type Error struct {
	Op         string // "send", "snapshot", "ping"
	StatusCode int    // HTTP status, 0 for transport failures
	Message    string
	// Rejected is true when the backend understood and refused the
	// request (4xx or an error status). Retrying it unchanged will fail
	// again.
	Rejected bool
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("remote %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote %s: HTTP %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRejected reports whether err is a backend refusal rather than a
// transport failure.
func IsRejected(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Rejected
}
