package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Validation limits for inbound thread data.
const (
	MaxEventTypeLen = 128
	MaxStateIDLen   = 256
)

// Event is a single entry in a thread's event log. The type tag is an open
// set: consumers must accept types they do not recognize and fall back to a
// generic rendering. Events are append-only and never mutated after being
// added to a thread, with the single exception of the operation tracker's
// terminal-status patch against the read model.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Well-known event types produced by the engine itself. Webhook payloads and
// decision intents introduce further types at runtime.
const (
	EventHumanResponse    = "human_response"
	EventHumanContactSent = "human_contact_sent"
	EventFunctionCall     = "function_call"
	EventFunctionResult   = "function_result"
	EventError            = "error"
	EventAwaitResult      = "await_result"
)

// Thread is the event-sourced state of one long-lived interaction. It is
// identified externally by an opaque state ID and persisted wholesale on
// every transition.
type Thread struct {
	InitialContext any     `json:"initial_context,omitempty"`
	Events         []Event `json:"events"`
}

// LastEventType returns the type tag of the most recent event, or "" for an
// empty thread. Used to derive correlated response-event types
// ("<type>_result") when squashing results onto the log.
func (t Thread) LastEventType() string {
	if len(t.Events) == 0 {
		return ""
	}
	return t.Events[len(t.Events)-1].Type
}

// ThreadMetadata is orthogonal processing bookkeeping persisted alongside a
// thread. It is never required for correctness of the thread itself.
type ThreadMetadata struct {
	JobID              string     `json:"job_id,omitempty"`
	EnqueuedAt         *time.Time `json:"enqueued_at,omitempty"`
	ProcessingAttempts int        `json:"processing_attempts,omitempty"`
	LastProcessedAt    *time.Time `json:"last_processed_at,omitempty"`
}

// ThreadMetadataPatch is a partial metadata update. Nil fields are left
// unchanged.
type ThreadMetadataPatch struct {
	JobID              *string    `json:"job_id,omitempty"`
	EnqueuedAt         *time.Time `json:"enqueued_at,omitempty"`
	ProcessingAttempts *int       `json:"processing_attempts,omitempty"`
	LastProcessedAt    *time.Time `json:"last_processed_at,omitempty"`
}

// ThreadState is the unit persisted in the state store: the thread plus its
// processing metadata.
type ThreadState struct {
	StateID  string         `json:"state_id"`
	Thread   Thread         `json:"thread"`
	Metadata ThreadMetadata `json:"metadata"`
}

// ValidateThread checks structural invariants on a thread before it is
// persisted. Event types are an open set, so only shape is enforced.
func ValidateThread(t Thread) error {
	for i, e := range t.Events {
		if e.Type == "" {
			return fmt.Errorf("model: event %d has empty type", i)
		}
		if len(e.Type) > MaxEventTypeLen {
			return fmt.Errorf("model: event %d type exceeds %d characters", i, MaxEventTypeLen)
		}
	}
	return nil
}

// DecodeThread parses a stored thread blob and validates it. Callers that
// treat validation failure as "not found" get the fail-closed contract of the
// state store.
func DecodeThread(raw []byte) (Thread, error) {
	var t Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return Thread{}, fmt.Errorf("model: decode thread: %w", err)
	}
	if err := ValidateThread(t); err != nil {
		return Thread{}, err
	}
	return t, nil
}
