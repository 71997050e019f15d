// Package webhook turns validated inbound callbacks into thread mutations.
//
// The flow is received → validated → (dispatched to handler) → thread
// updated. Validation happens at the HTTP boundary before anything here
// runs; this package owns the rest. Handler failures, denials, and unknown
// function names all become in-thread events: a failed dispatch must never
// stall the thread, which must always remain resumable.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/renraku/internal/agent"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/operation"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/thread"
)

// emptyResponsePlaceholder stands in for a human reply with no text, so the
// decision function always sees a non-empty response event.
const emptyResponsePlaceholder = "(human responded without a message)"

// Machine applies webhook payloads to threads and re-enters the decision
// loop.
type Machine struct {
	store    *storage.ThreadStore
	loop     *agent.Loop
	registry *agent.Registry
	tracker  *operation.Tracker
	logger   *slog.Logger
}

// Config holds the Machine's dependencies. Registry is injected (not a
// package singleton) so tests can substitute function handlers.
type Config struct {
	Store    *storage.ThreadStore
	Loop     *agent.Loop
	Registry *agent.Registry
	Tracker  *operation.Tracker
	Logger   *slog.Logger
}

// New creates a Machine.
func New(cfg Config) *Machine {
	return &Machine{
		store:    cfg.Store,
		loop:     cfg.Loop,
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		logger:   cfg.Logger,
	}
}

// Process applies one validated payload: load (or lazily create) the thread,
// append the variant-specific events, and drive the decision loop until it
// suspends. stateID, when non-empty, overrides the payload's own correlation
// key (the queue resolves it at enqueue time so per-key serialization holds).
// The returned state ID identifies the thread that was advanced.
func (m *Machine) Process(ctx context.Context, stateID string, payload model.WebhookPayload) (string, error) {
	if stateID == "" {
		stateID = payload.StateID()
	}
	stateID, t, err := m.loadOrCreate(ctx, stateID)
	if err != nil {
		return "", err
	}

	switch payload.Type {
	case model.WebhookHumanContactCompleted:
		t = m.applyHumanContact(t, payload.HumanContact)
	case model.WebhookFunctionCallCompleted:
		t = m.applyFunctionCall(ctx, stateID, t, payload.FunctionCall)
	default:
		// Unreachable for payloads that came through ParseWebhookPayload.
		return "", fmt.Errorf("webhook: unhandled payload type %q", payload.Type)
	}

	if _, err := m.loop.Run(ctx, stateID, t); err != nil {
		return stateID, fmt.Errorf("webhook: decision loop: %w", err)
	}
	return stateID, nil
}

// Kickoff loads an existing thread and drives the decision loop without an
// inbound payload. Used when a thread is first created.
func (m *Machine) Kickoff(ctx context.Context, stateID string) error {
	t, err := m.store.Load(ctx, stateID)
	if err != nil {
		return fmt.Errorf("webhook: kickoff load %s: %w", stateID, err)
	}
	if _, err := m.loop.Run(ctx, stateID, t); err != nil {
		return fmt.Errorf("webhook: kickoff loop %s: %w", stateID, err)
	}
	return nil
}

func (m *Machine) loadOrCreate(ctx context.Context, stateID string) (string, model.Thread, error) {
	if stateID == "" {
		id, err := m.store.Save(ctx, model.Thread{}, nil, "", "")
		if err != nil {
			return "", model.Thread{}, fmt.Errorf("webhook: create thread: %w", err)
		}
		return id, model.Thread{}, nil
	}

	t, err := m.store.Load(ctx, stateID)
	if errors.Is(err, storage.ErrNotFound) {
		// Lazy creation: a callback for an unknown (or corrupt) state starts
		// a fresh thread under the same id rather than bouncing the webhook.
		if _, err := m.store.Save(ctx, model.Thread{}, nil, "", stateID); err != nil {
			return "", model.Thread{}, fmt.Errorf("webhook: create thread %s: %w", stateID, err)
		}
		return stateID, model.Thread{}, nil
	}
	if err != nil {
		return "", model.Thread{}, fmt.Errorf("webhook: load thread %s: %w", stateID, err)
	}
	return stateID, t, nil
}

func (m *Machine) applyHumanContact(t model.Thread, hc *model.HumanContactCompleted) model.Thread {
	response := hc.Status.Response
	if response == "" {
		response = emptyResponsePlaceholder
	}
	return thread.Append(t, model.Event{Type: model.EventHumanResponse, Data: response})
}

func (m *Machine) applyFunctionCall(ctx context.Context, stateID string, t model.Thread, fc *model.FunctionCallCompleted) model.Thread {
	fn := fc.Spec.Fn

	if !fc.Status.Approved {
		denial := fmt.Sprintf("User denied %s", fn)
		if fc.Status.Comment != "" {
			denial = fmt.Sprintf("User denied %s with comment: %s", fn, fc.Status.Comment)
		}
		return thread.Append(t, model.Event{Type: model.EventHumanResponse, Data: denial})
	}

	handler, err := m.registry.Lookup(fn)
	if err != nil {
		// Unknown function name is recoverable: surface it on the thread and
		// let the decision loop carry on.
		m.logger.Warn("webhook: unknown function", "state_id", stateID, "fn", fn)
		return thread.Append(t, errorEvent(fmt.Sprintf("unknown function %q: no handler registered", fn)))
	}

	startedAt := time.Now().UTC()
	opID := m.tracker.Start(ctx, stateID, "tool_call", fn, &operation.Opts{
		Payload: fc.Spec.Kwargs,
		Source:  "webhook",
	})

	updated, err := handler(ctx, t, fc.Spec.Kwargs)
	if err != nil {
		m.tracker.Fail(ctx, stateID, "tool_call", opID, err, &operation.Opts{
			Name: fn, StartedAt: startedAt, Source: "webhook",
		})
		return thread.Append(t, errorEvent(fmt.Sprintf("function %s failed: %v", fn, err)))
	}

	m.tracker.Succeed(ctx, stateID, "tool_call", opID, &operation.Opts{
		Name: fn, StartedAt: startedAt, Source: "webhook",
	})
	return thread.Append(updated, model.Event{Type: model.EventFunctionResult, Data: map[string]any{
		"fn":     fn,
		"kwargs": fc.Spec.Kwargs,
		"status": "completed",
	}})
}

func errorEvent(msg string) model.Event {
	return model.Event{Type: model.EventError, Data: msg}
}
