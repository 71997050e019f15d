package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/agent"
	"github.com/ashita-ai/renraku/internal/contact"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/operation"
	"github.com/ashita-ai/renraku/internal/projection"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/testutil"
	"github.com/ashita-ai/renraku/internal/webhook"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	return m.Run()
}

func newFixture(t *testing.T) (*storage.ThreadStore, *storage.Queue, *webhook.Machine) {
	t.Helper()
	logger := testutil.TestLogger()

	proj := projection.NewPostgres(testDB.Pool())
	store := storage.NewThreadStore(testDB, proj, logger)
	queue := storage.NewQueue(testDB, 3)
	tracker := operation.NewTracker(proj, logger)
	registry := agent.NewRegistry()
	dispatcher := contact.NewDispatcherWithSenders(map[model.ChannelType]contact.Sender{}, logger)

	loop := agent.NewLoop(agent.LoopConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Registry:   registry,
		Decide: func(_ context.Context, _ string) (model.Decision, error) {
			return model.Decision{Intent: model.IntentNothingToDo}, nil
		},
		Logger:  logger,
		BaseURL: "http://localhost:8080",
	})

	machine := webhook.New(webhook.Config{
		Store:    store,
		Loop:     loop,
		Registry: registry,
		Tracker:  tracker,
		Logger:   logger,
	})
	return store, queue, machine
}

func webhookJobPayload(t *testing.T, stateID, response string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type": model.WebhookHumanContactCompleted,
		"event": map[string]any{
			"status": map[string]any{"response": response},
			"state":  map[string]any{"stateId": stateID},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestWorkerProcessesWebhookJob(t *testing.T) {
	store, queue, machine := newFixture(t)
	ctx := context.Background()

	stateID, err := store.Save(ctx, model.Thread{}, nil, "", "")
	require.NoError(t, err)

	jobID, err := queue.Enqueue(ctx, stateID, JobWebhook, webhookJobPayload(t, stateID, "ship it"))
	require.NoError(t, err)

	w := New(queue, machine, testutil.TestLogger(), 20*time.Millisecond, 10, 4)
	w.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Drain(drainCtx)
	}()

	require.Eventually(t, func() bool {
		var status string
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT status FROM webhook_jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
			return false
		}
		return status == "done"
	}, 10*time.Second, 50*time.Millisecond)

	th, err := store.Load(ctx, stateID)
	require.NoError(t, err)

	var sawResponse bool
	for _, e := range th.Events {
		if e.Type == model.EventHumanResponse {
			sawResponse = true
			assert.Equal(t, "ship it", e.Data)
		}
	}
	assert.True(t, sawResponse)
}

func TestWorkerKickoffJob(t *testing.T) {
	store, queue, machine := newFixture(t)
	ctx := context.Background()

	stateID, err := store.Save(ctx, model.Thread{
		InitialContext: map[string]any{"email": "dev@example.com"},
	}, nil, "", "")
	require.NoError(t, err)

	jobID, err := queue.Enqueue(ctx, stateID, JobKickoff, nil)
	require.NoError(t, err)

	w := New(queue, machine, testutil.TestLogger(), 20*time.Millisecond, 10, 4)
	w.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Drain(drainCtx)
	}()

	require.Eventually(t, func() bool {
		var status string
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT status FROM webhook_jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
			return false
		}
		return status == "done"
	}, 10*time.Second, 50*time.Millisecond)

	// The noop decider suspends immediately, recording the chosen intent.
	th, err := store.Load(ctx, stateID)
	require.NoError(t, err)
	require.NotEmpty(t, th.Events)
	assert.Equal(t, string(model.IntentNothingToDo), th.Events[0].Type)
}

func TestWorkerCompletesUnroutableJob(t *testing.T) {
	_, queue, machine := newFixture(t)
	ctx := context.Background()

	jobID, err := queue.Enqueue(ctx, "unroutable-state", "no.such.job", nil)
	require.NoError(t, err)

	w := New(queue, machine, testutil.TestLogger(), 20*time.Millisecond, 10, 4)
	w.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Drain(drainCtx)
	}()

	require.Eventually(t, func() bool {
		var status string
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT status FROM webhook_jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
			return false
		}
		return status == "done"
	}, 10*time.Second, 50*time.Millisecond)
}

func TestWorkerFailedJobGoesBackToPending(t *testing.T) {
	_, queue, machine := newFixture(t)
	ctx := context.Background()

	// Malformed payload: parse fails inside the worker, job is retried.
	jobID, err := queue.Enqueue(ctx, "bad-payload-state", JobWebhook, json.RawMessage(`{"type": "nope", "event": {}}`))
	require.NoError(t, err)

	w := New(queue, machine, testutil.TestLogger(), 20*time.Millisecond, 10, 4)
	w.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Drain(drainCtx)
	}()

	require.Eventually(t, func() bool {
		var status string
		var lastError *string
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT status, last_error FROM webhook_jobs WHERE id = $1`, jobID).Scan(&status, &lastError); err != nil {
			return false
		}
		return status == "pending" && lastError != nil
	}, 10*time.Second, 50*time.Millisecond)
}
