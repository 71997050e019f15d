// Package agent drives a thread forward one decision at a time.
//
// The loop repeatedly asks the decision function for the next intent given
// the rendered thread, executes the matching transition, and stops when a
// branch suspends, i.e. the thread is now awaiting external human or tool
// input. Every iteration either suspends or loops again; the loop never
// terminates silently, and a malformed decision degrades to an error event
// rather than crashing or spinning.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/renraku/internal/contact"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/operation"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/thread"
)

// DecisionFunc is the opaque next-step decider: potentially slow, potentially
// non-deterministic, consumed as a black box.
type DecisionFunc func(ctx context.Context, renderedThread string) (model.Decision, error)

// Loop executes decision-driven state transitions for one thread at a time.
type Loop struct {
	store      *storage.ThreadStore
	dispatcher *contact.Dispatcher
	tracker    *operation.Tracker
	registry   *Registry
	decide     DecisionFunc
	logger     *slog.Logger
	baseURL    string

	// sleep is swapped out by tests to avoid real await delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// LoopConfig holds the Loop's dependencies.
type LoopConfig struct {
	Store      *storage.ThreadStore
	Dispatcher *contact.Dispatcher
	Tracker    *operation.Tracker
	Registry   *Registry
	Decide     DecisionFunc
	Logger     *slog.Logger
	BaseURL    string
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		tracker:    cfg.Tracker,
		registry:   cfg.Registry,
		decide:     cfg.Decide,
		logger:     cfg.Logger,
		baseURL:    cfg.BaseURL,
		sleep:      sleepCtx,
	}
}

// Run drives the thread until a branch suspends, returning the final thread
// state (already persisted). Only persistence failures surface as errors;
// everything else degrades to in-thread error events so a human operator can
// observe and correct it.
func (l *Loop) Run(ctx context.Context, stateID string, t model.Thread) (model.Thread, error) {
	for {
		decision, err := l.decide(ctx, thread.Render(t))
		if err != nil {
			t = thread.Append(t, errorEvent(fmt.Sprintf("decision function failed: %v", err)))
			return t, l.persist(ctx, stateID, t)
		}

		// An oversized intent cannot be used as an event type; degrade like any
		// other malformed decision instead of failing validation at persist.
		if len(decision.Intent) > model.MaxEventTypeLen {
			t = thread.Append(t, errorEvent(fmt.Sprintf("decision returned an oversized intent (%d characters)", len(decision.Intent))))
			return t, l.persist(ctx, stateID, t)
		}

		if decision.Intent != "" {
			t = thread.Append(t, model.Event{Type: string(decision.Intent), Data: decision})
		}

		switch decision.Intent {
		case model.IntentCreateTicket:
			t, err = l.runCreateTicket(ctx, stateID, t, decision)
			return t, err

		case model.IntentDoneForNow, model.IntentRequestMoreInformation:
			t, err = l.runContactHuman(ctx, stateID, t, decision)
			return t, err

		case model.IntentNothingToDo:
			return t, l.persist(ctx, stateID, t)

		case model.IntentAwait:
			// The only non-suspending branch: delay in process, record the
			// computed result, and loop again without returning control.
			t, err = l.runAwait(ctx, t, decision)
			if err != nil {
				return t, l.persist(ctx, stateID, t)
			}

		default:
			t = thread.Append(t, errorEvent(fmt.Sprintf("unimplemented intent %q: the agent requested a tool this runtime does not provide", decision.Intent)))
			return t, l.persist(ctx, stateID, t)
		}
	}
}

// runCreateTicket records the pending external side effect as a function
// call, fans out an approval request, and suspends awaiting the approval
// webhook.
func (l *Loop) runCreateTicket(ctx context.Context, stateID string, t model.Thread, decision model.Decision) (model.Thread, error) {
	if err := l.persist(ctx, stateID, t); err != nil {
		return t, err
	}

	kwargs := map[string]any{
		"title":   decision.Title,
		"body":    decision.Body,
		"project": decision.Project,
	}
	for k, v := range decision.Fields {
		kwargs[k] = v
	}
	t = thread.Append(t, model.Event{Type: model.EventFunctionCall, Data: map[string]any{
		"fn":     "create_ticket",
		"kwargs": kwargs,
	}})

	startedAt := time.Now().UTC()
	opID := l.tracker.Start(ctx, stateID, "approval_request", "create_ticket approval", &operation.Opts{
		Payload: kwargs,
		Source:  "agent_loop",
	})

	message := decision.Message
	if message == "" {
		message = fmt.Sprintf("Approval requested: create ticket %q", decision.Title)
	}
	channels := []model.Channel{
		{Slack: &model.SlackChannel{}},
	}
	recipient := resolveRecipient(t.InitialContext)
	if recipient != nil && recipient.Email != "" {
		channels = append(channels, model.Channel{Email: &model.EmailChannel{
			To:      recipient.Email,
			Subject: "Approval requested",
		}})
	}
	approval := fmt.Sprintf("%s\n\nApprove: %s/approvals/%s/approve\nDeny: %s/approvals/%s/deny",
		message, l.baseURL, stateID, l.baseURL, stateID)

	delivery := l.dispatcher.Contact(ctx, approval, channels, stateID, recipient)
	t = thread.Append(t, model.Event{Type: model.EventHumanContactSent, Data: delivery})

	if delivery.AllFailed() {
		l.tracker.Fail(ctx, stateID, "approval_request", opID, "all contact channels failed", &operation.Opts{
			Name: "create_ticket approval", StartedAt: startedAt, Source: "agent_loop",
		})
	} else {
		l.tracker.Succeed(ctx, stateID, "approval_request", opID, &operation.Opts{
			Name: "create_ticket approval", StartedAt: startedAt, Result: delivery, Source: "agent_loop",
		})
	}

	return t, l.persist(ctx, stateID, t)
}

// runContactHuman delivers the agent's message (done_for_now or
// request_more_information) and suspends awaiting the human's reply.
func (l *Loop) runContactHuman(ctx context.Context, stateID string, t model.Thread, decision model.Decision) (model.Thread, error) {
	if err := l.persist(ctx, stateID, t); err != nil {
		return t, err
	}

	recipient := resolveRecipient(t.InitialContext)
	if recipient == nil || recipient.Email == "" {
		t = thread.Append(t, errorEvent("no recipient address found in thread context; cannot contact human"))
		return t, l.persist(ctx, stateID, t)
	}

	message := decision.Message
	if message == "" {
		message = "The agent has an update for you."
	}

	startedAt := time.Now().UTC()
	opID := l.tracker.Start(ctx, stateID, "human_contact", string(decision.Intent), &operation.Opts{
		Payload: map[string]any{"message": message},
		Source:  "agent_loop",
	})

	channels := []model.Channel{
		{Email: &model.EmailChannel{To: recipient.Email, Subject: "Agent update"}},
		{Slack: &model.SlackChannel{}},
	}
	delivery := l.dispatcher.Contact(ctx, message, channels, stateID, recipient)
	t = thread.Append(t, model.Event{Type: model.EventHumanContactSent, Data: delivery})

	if delivery.AllFailed() {
		l.tracker.Fail(ctx, stateID, "human_contact", opID, "all contact channels failed", &operation.Opts{
			Name: string(decision.Intent), StartedAt: startedAt, Source: "agent_loop",
		})
	} else {
		l.tracker.Succeed(ctx, stateID, "human_contact", opID, &operation.Opts{
			Name: string(decision.Intent), StartedAt: startedAt, Result: delivery, Source: "agent_loop",
		})
	}

	return t, l.persist(ctx, stateID, t)
}

// runAwait sleeps for the requested duration and appends the computed result
// event, typed to correlate with the event it answers. The caller loops again
// immediately; control is not returned.
func (l *Loop) runAwait(ctx context.Context, t model.Thread, decision model.Decision) (model.Thread, error) {
	d := time.Duration(decision.Seconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if err := l.sleep(ctx, d); err != nil {
		t = thread.Append(t, errorEvent(fmt.Sprintf("await interrupted: %v", err)))
		return t, err
	}
	t = thread.Append(t, model.Event{Type: thread.ResultEventType(t), Data: map[string]any{
		"slept_seconds": decision.Seconds,
		"completed_at":  time.Now().UTC(),
	}})
	return t, nil
}

func (l *Loop) persist(ctx context.Context, stateID string, t model.Thread) error {
	if _, err := l.store.Save(ctx, t, nil, "", stateID); err != nil {
		return fmt.Errorf("agent: persist thread %s: %w", stateID, err)
	}
	return nil
}

func errorEvent(msg string) model.Event {
	return model.Event{Type: model.EventError, Data: msg}
}

// resolveRecipient probes the thread's initial context for addressing hints.
// The context is open-shaped, so this inspects the serialized form.
func resolveRecipient(initialContext any) *model.RecipientInfo {
	if initialContext == nil {
		return nil
	}
	raw, err := json.Marshal(initialContext)
	if err != nil {
		return nil
	}

	var direct struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		From    string `json:"from"`
		Contact struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"contact"`
	}
	if err := json.Unmarshal(raw, &direct); err != nil {
		return nil
	}

	switch {
	case direct.Email != "":
		return &model.RecipientInfo{Email: direct.Email, Name: direct.Name}
	case direct.Contact.Email != "":
		return &model.RecipientInfo{Email: direct.Contact.Email, Name: direct.Contact.Name}
	case direct.From != "":
		return &model.RecipientInfo{Email: direct.From}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
