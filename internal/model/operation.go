package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationStatus is the lifecycle state of an asynchronous unit of work.
type OperationStatus string

const (
	OperationQueued     OperationStatus = "queued"
	OperationInProgress OperationStatus = "in_progress"
	OperationSucceeded  OperationStatus = "succeeded"
	OperationFailed     OperationStatus = "failed"
)

// Terminal reports whether the status is one of the two terminal states.
// An operation never re-enters queued/in_progress after reaching one.
func (s OperationStatus) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// Operation is the lifecycle record carried inside operation-tagged event
// payloads. OperationID is the join key that reconciles a later status update
// against the earlier event for the same unit of work.
type Operation struct {
	Name              string          `json:"name"`
	Status            OperationStatus `json:"status"`
	OperationID       string          `json:"operation_id"`
	ParentOperationID string          `json:"parent_operation_id,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	DurationMs        *int64          `json:"duration_ms,omitempty"`
	Payload           any             `json:"payload,omitempty"`
	Result            any             `json:"result,omitempty"`
	Error             *OperationError `json:"error,omitempty"`
	Source            string          `json:"source,omitempty"`
}

// OperationError is the normalized failure shape recorded on failed
// operations.
type OperationError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// NewOperationID mints a collision-resistant operation identifier.
func NewOperationID() string {
	return uuid.New().String()
}

// NormalizeError converts an arbitrary failure value into an OperationError.
// Accepts error values, strings, and anything JSON-serializable; values that
// cannot be stringified degrade to "Unknown error".
func NormalizeError(v any) OperationError {
	switch e := v.(type) {
	case nil:
		return OperationError{Message: "Unknown error"}
	case *OperationError:
		if e == nil {
			return OperationError{Message: "Unknown error"}
		}
		return *e
	case OperationError:
		return e
	case error:
		return OperationError{Message: e.Error()}
	case string:
		if e == "" {
			return OperationError{Message: "Unknown error"}
		}
		return OperationError{Message: e}
	default:
		b, err := json.Marshal(v)
		if err != nil || string(b) == "null" {
			return OperationError{Message: "Unknown error"}
		}
		return OperationError{Message: string(b)}
	}
}
