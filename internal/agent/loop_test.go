package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
)

func TestResolveRecipientDirectEmail(t *testing.T) {
	r := resolveRecipient(map[string]any{"email": "dev@example.com", "name": "Dev"})
	require.NotNil(t, r)
	assert.Equal(t, "dev@example.com", r.Email)
	assert.Equal(t, "Dev", r.Name)
}

func TestResolveRecipientNestedContact(t *testing.T) {
	r := resolveRecipient(map[string]any{
		"contact": map[string]any{"email": "ops@example.com", "name": "Ops"},
	})
	require.NotNil(t, r)
	assert.Equal(t, "ops@example.com", r.Email)
}

func TestResolveRecipientFromField(t *testing.T) {
	r := resolveRecipient(map[string]any{"from": "sender@example.com"})
	require.NotNil(t, r)
	assert.Equal(t, "sender@example.com", r.Email)
}

func TestResolveRecipientAbsent(t *testing.T) {
	assert.Nil(t, resolveRecipient(nil))
	assert.Nil(t, resolveRecipient(map[string]any{"subject": "no address here"}))
	assert.Nil(t, resolveRecipient("just a string"))
}

func TestRunAwaitAppendsResultAndUsesInjectedSleep(t *testing.T) {
	var slept time.Duration
	l := &Loop{sleep: func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}}

	in := model.Thread{Events: []model.Event{{Type: "await", Data: model.Decision{Intent: model.IntentAwait, Seconds: 1.5}}}}
	out, err := l.runAwait(context.Background(), in, model.Decision{Intent: model.IntentAwait, Seconds: 1.5})

	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, slept)
	require.Len(t, out.Events, 2)
	assert.Equal(t, model.EventAwaitResult, out.Events[1].Type)
}

func TestRunAwaitDerivesResultTypeFromLastEvent(t *testing.T) {
	l := &Loop{sleep: func(context.Context, time.Duration) error { return nil }}

	in := model.Thread{Events: []model.Event{{Type: "await"}}}
	out, err := l.runAwait(context.Background(), in, model.Decision{Intent: model.IntentAwait})
	require.NoError(t, err)
	assert.Equal(t, model.EventAwaitResult, out.Events[1].Type)

	// No prior event to correlate with: the generic result type.
	out, err = l.runAwait(context.Background(), model.Thread{}, model.Decision{Intent: model.IntentAwait})
	require.NoError(t, err)
	assert.Equal(t, "result", out.Events[0].Type)
}

func TestRunAwaitNegativeSecondsSleepsZero(t *testing.T) {
	var slept time.Duration = -1
	l := &Loop{sleep: func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}}

	_, err := l.runAwait(context.Background(), model.Thread{}, model.Decision{Intent: model.IntentAwait, Seconds: -3})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), slept)
}

func TestRunAwaitInterruptedRecordsError(t *testing.T) {
	l := &Loop{sleep: func(_ context.Context, _ time.Duration) error {
		return context.Canceled
	}}

	out, err := l.runAwait(context.Background(), model.Thread{}, model.Decision{Intent: model.IntentAwait, Seconds: 10})
	require.Error(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, model.EventError, out.Events[0].Type)
}

func TestSleepCtxRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepCtxZeroReturnsImmediately(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
}
