package model

import "time"

// APIResponse is the standard success envelope for HTTP responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope for HTTP responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in API responses.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnprocessable = "UNPROCESSABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// EnqueueResponse is returned when a webhook payload is accepted onto the
// durable queue.
type EnqueueResponse struct {
	JobID   string `json:"job_id"`
	StateID string `json:"state_id"`
}

// CreateThreadRequest starts a new thread with optional initial context and
// an optional first event.
type CreateThreadRequest struct {
	InitialContext any    `json:"initial_context,omitempty"`
	Event          *Event `json:"event,omitempty"`
}

// CreateThreadResponse returns the minted state ID.
type CreateThreadResponse struct {
	StateID string `json:"state_id"`
}

// QueueStats summarizes durable queue health.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Dead    int64 `json:"dead"`
}
