// Package operation tracks the lifecycle of asynchronous units of work as
// events in the thread's read model.
//
// Every async step (an agent-chosen next action, a queued webhook job, a
// tool call) is recorded uniformly as an operation-tagged event, so a single
// chronological read of the event log is enough to audit any unit of work
// without a separate operations table.
package operation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/projection"
)

// Opts carries optional fields for tracker calls.
type Opts struct {
	// OperationID continues a previously queued operation under the same id.
	// Empty mints a fresh id.
	OperationID string

	// ParentOperationID links a child operation to its parent.
	ParentOperationID string

	// Name labels a terminal event when the original queued/in_progress event
	// may not have been projected.
	Name string

	// StartedAt, when set, is used to compute duration_ms on terminal calls.
	StartedAt time.Time

	// Payload and Result are attached verbatim to the operation record.
	Payload any
	Result  any

	// Source identifies the initiator (e.g. "agent_loop", "webhook").
	Source string
}

// Tracker writes operation lifecycle events to the secondary projection.
// All writes follow the projection's best-effort contract: failures are
// logged and never propagated, so a projection outage can not stall a thread.
type Tracker struct {
	proj   projection.Projection
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(proj projection.Projection, logger *slog.Logger) *Tracker {
	return &Tracker{proj: proj, logger: logger}
}

// Queue records a unit of work as queued and returns its operation ID.
func (tr *Tracker) Queue(ctx context.Context, stateID, eventType, name string, opts *Opts) string {
	return tr.open(ctx, stateID, eventType, name, model.OperationQueued, opts)
}

// Start records a unit of work as in progress and returns its operation ID.
// When opts.OperationID continues a queued operation, the existing event is
// patched in place; if it was never projected, a fresh event is appended.
func (tr *Tracker) Start(ctx context.Context, stateID, eventType, name string, opts *Opts) string {
	return tr.open(ctx, stateID, eventType, name, model.OperationInProgress, opts)
}

func (tr *Tracker) open(ctx context.Context, stateID, eventType, name string, status model.OperationStatus, opts *Opts) string {
	o := optsOrZero(opts)
	opID := o.OperationID
	continuing := opID != ""
	if !continuing {
		opID = model.NewOperationID()
	}

	op := model.Operation{
		Name:              name,
		Status:            status,
		OperationID:       opID,
		ParentOperationID: o.ParentOperationID,
		StartedAt:         time.Now().UTC(),
		Payload:           o.Payload,
		Source:            o.Source,
	}
	if !o.StartedAt.IsZero() {
		op.StartedAt = o.StartedAt
	}

	e := model.Event{Type: eventType, Data: op}
	if continuing {
		tr.patchOrAppend(ctx, stateID, opID, e)
	} else {
		tr.append(ctx, stateID, e)
	}
	return opID
}

// Succeed records the terminal success of an operation. The existing event
// matching the operation ID is patched in place; if no matching record was
// ever projected (e.g. a crash between append and projection sync), the
// terminal data is appended as a new event so the outcome is never lost.
func (tr *Tracker) Succeed(ctx context.Context, stateID, eventType, operationID string, opts *Opts) {
	tr.close(ctx, stateID, eventType, operationID, model.OperationSucceeded, nil, opts)
}

// Fail records the terminal failure of an operation, normalizing errVal into
// the {message, stack?, code?} shape. Same patch-or-append reconciliation as
// Succeed.
func (tr *Tracker) Fail(ctx context.Context, stateID, eventType, operationID string, errVal any, opts *Opts) {
	normalized := model.NormalizeError(errVal)
	tr.close(ctx, stateID, eventType, operationID, model.OperationFailed, &normalized, opts)
}

func (tr *Tracker) close(ctx context.Context, stateID, eventType, operationID string, status model.OperationStatus, opErr *model.OperationError, opts *Opts) {
	o := optsOrZero(opts)
	now := time.Now().UTC()

	op := model.Operation{
		Name:              o.Name,
		Status:            status,
		OperationID:       operationID,
		ParentOperationID: o.ParentOperationID,
		StartedAt:         o.StartedAt,
		EndedAt:           &now,
		Result:            o.Result,
		Error:             opErr,
		Source:            o.Source,
	}
	if !o.StartedAt.IsZero() {
		ms := now.Sub(o.StartedAt).Milliseconds()
		op.DurationMs = &ms
	}

	tr.patchOrAppend(ctx, stateID, operationID, model.Event{Type: eventType, Data: op})
}

func (tr *Tracker) patchOrAppend(ctx context.Context, stateID, operationID string, e model.Event) {
	updated, err := tr.proj.UpdateEvent(ctx, stateID, operationID, e)
	if err != nil {
		tr.logger.Warn("operation: patch failed",
			"state_id", stateID, "operation_id", operationID, "error", err)
		return
	}
	if updated {
		return
	}
	tr.append(ctx, stateID, e)
}

func (tr *Tracker) append(ctx context.Context, stateID string, e model.Event) {
	if err := tr.proj.AppendEvent(ctx, stateID, e, ""); err != nil {
		tr.logger.Warn("operation: append failed",
			"state_id", stateID, "event_type", e.Type, "error", err)
	}
}

func optsOrZero(opts *Opts) Opts {
	if opts == nil {
		return Opts{}
	}
	return *opts
}
