// Package projection maintains the secondary read model of thread events.
//
// Writes here are best-effort with an at-most-once, no-retry contract: the
// primary state store is the source of truth, and callers log projection
// errors without propagating them. Implementers must not add blocking
// retries; that would change the latency profile of every thread mutation.
package projection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/renraku/internal/model"
)

// Projection is the write/read API over the secondary event store.
type Projection interface {
	// CreateThread registers a thread in the read model. Idempotent.
	CreateThread(ctx context.Context, stateID, userID string) error

	// AppendEvent mirrors one event. The operation ID, if the event payload
	// carries one, is stored alongside for later conditional patching.
	AppendEvent(ctx context.Context, stateID string, e model.Event, userID string) error

	// UpdateEvent patches the event row matching (stateID, operationID) in
	// place. Returns updated=false (and no error) when no row matched, which
	// signals the operation tracker to fall back to appending.
	UpdateEvent(ctx context.Context, stateID, operationID string, e model.Event) (updated bool, err error)
}

// EventRow is one projected event as seen by readers.
type EventRow struct {
	ID          int64     `json:"id"`
	StateID     string    `json:"state_id"`
	OperationID string    `json:"operation_id,omitempty"`
	EventType   string    `json:"event_type"`
	Data        any       `json:"data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OperationIDOf extracts the operation join key from an event payload, or ""
// when the payload carries none. Payloads are open-shaped, so this probes the
// serialized form rather than asserting a concrete type.
func OperationIDOf(e model.Event) string {
	switch d := e.Data.(type) {
	case model.Operation:
		return d.OperationID
	case *model.Operation:
		if d != nil {
			return d.OperationID
		}
		return ""
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return ""
	}
	var probe struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.OperationID
}
