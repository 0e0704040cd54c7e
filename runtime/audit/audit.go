// Package audit implements the Audit Log + Pub/Sub (C8): an append-only,
// per-run event log with in-process fan-out to subscribers.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a single immutable audit record (spec §4.8 "Records include
// monotonic offsets to support resumable tailing").
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Offset    int64           `json:"offset"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is an append-only, per-run event log with tailing and fan-out
// (spec §4.8 contract).
type Store interface {
	// LogEvent appends an event for runID and returns its assigned ID.
	// LogEvent never returns an error to the caller: persistence failures
	// are logged and counted on a metrics counter instead (spec §4.8
	// "log errors are swallowed and counted in a metrics counter"), so
	// a transient audit-log outage never fails the run itself.
	LogEvent(ctx context.Context, runID, eventType string, payload any) string

	// StreamEvents returns a channel that first emits every historical
	// event for runID, in insertion order, then tails new events as they
	// are appended. The channel closes when done is closed or ctx is
	// canceled (spec §4.8 "tails new ones until the run reaches a
	// terminal status" — callers close done once the run they are
	// streaming reaches a terminal RunState).
	StreamEvents(ctx context.Context, runID string, done <-chan struct{}) (<-chan Event, error)

	// Subscribe registers callback to be invoked, in-process, for every
	// event logged against runID from this point forward (spec §4.8
	// `subscribe`). The returned func removes the subscription.
	Subscribe(runID string, callback func(Event)) (unsubscribe func())
}
