package contact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/testutil"
)

type stubSender struct {
	succeed bool
	sent    []string
}

func (s *stubSender) Send(_ context.Context, message string, ch model.Channel, _ string) model.ContactResult {
	s.sent = append(s.sent, message)
	chType, _ := ch.Type()
	if s.succeed {
		return success(chType, "msg-1")
	}
	return failure(chType, "stub failure")
}

type panicSender struct{}

func (panicSender) Send(_ context.Context, _ string, _ model.Channel, _ string) model.ContactResult {
	panic("sender exploded")
}

func TestContactDeliversToAllChannels(t *testing.T) {
	email := &stubSender{succeed: true}
	slack := &stubSender{succeed: true}
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{
		model.ChannelEmail: email,
		model.ChannelSlack: slack,
	}, testutil.TestLogger())

	delivery := d.Contact(context.Background(), "update for you", []model.Channel{
		{Email: &model.EmailChannel{To: "dev@example.com"}},
		{Slack: &model.SlackChannel{}},
	}, "s1", nil)

	require.Len(t, delivery.Results, 2)
	assert.False(t, delivery.AllFailed())
	assert.Equal(t, []string{"update for you"}, email.sent)
	assert.Equal(t, []string{"update for you"}, slack.sent)
	assert.Equal(t, "s1", delivery.StateID)
}

func TestContactPartialFailureStillDeliversOthers(t *testing.T) {
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{
		model.ChannelEmail: &stubSender{succeed: false},
		model.ChannelSlack: &stubSender{succeed: true},
	}, testutil.TestLogger())

	delivery := d.Contact(context.Background(), "m", []model.Channel{
		{Email: &model.EmailChannel{To: "dev@example.com"}},
		{Slack: &model.SlackChannel{}},
	}, "s1", nil)

	require.Len(t, delivery.Results, 2)
	assert.False(t, delivery.AllFailed())

	byType := map[model.ChannelType]model.ContactResult{}
	for _, r := range delivery.Results {
		byType[r.ChannelType] = r
	}
	assert.False(t, byType[model.ChannelEmail].Success)
	assert.Equal(t, "stub failure", byType[model.ChannelEmail].Error)
	assert.True(t, byType[model.ChannelSlack].Success)
}

func TestContactAllChannelsFailed(t *testing.T) {
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{
		model.ChannelEmail: &stubSender{},
		model.ChannelSlack: &stubSender{},
	}, testutil.TestLogger())

	delivery := d.Contact(context.Background(), "m", []model.Channel{
		{Email: &model.EmailChannel{To: "dev@example.com"}},
		{Slack: &model.SlackChannel{}},
	}, "s1", nil)

	require.Len(t, delivery.Results, 2)
	assert.True(t, delivery.AllFailed())
}

func TestContactRecoversFromSenderPanic(t *testing.T) {
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{
		model.ChannelWebhook: panicSender{},
	}, testutil.TestLogger())

	delivery := d.Contact(context.Background(), "m", []model.Channel{
		{Webhook: &model.WebhookChannel{URL: "https://example.com/hook"}},
	}, "s1", nil)

	require.Len(t, delivery.Results, 1)
	assert.False(t, delivery.Results[0].Success)
	assert.Contains(t, delivery.Results[0].Error, "sender panic")
}

func TestContactInvalidChannelYieldsFailureResult(t *testing.T) {
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{}, testutil.TestLogger())

	delivery := d.Contact(context.Background(), "m", []model.Channel{{}}, "s1", nil)

	require.Len(t, delivery.Results, 1)
	assert.False(t, delivery.Results[0].Success)
	assert.Contains(t, delivery.Results[0].Error, "exactly one")
}

func TestContactFillsEmailRecipientFromHint(t *testing.T) {
	var captured model.Channel
	d := NewDispatcherWithSenders(map[model.ChannelType]Sender{
		model.ChannelEmail: senderFunc(func(_ context.Context, _ string, ch model.Channel, _ string) model.ContactResult {
			captured = ch
			return success(model.ChannelEmail, "m1")
		}),
	}, testutil.TestLogger())

	d.Contact(context.Background(), "m", []model.Channel{
		{Email: &model.EmailChannel{Subject: "update"}},
	}, "s1", &model.RecipientInfo{Email: "hint@example.com"})

	require.NotNil(t, captured.Email)
	assert.Equal(t, "hint@example.com", captured.Email.To)
}

type senderFunc func(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult

func (f senderFunc) Send(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult {
	return f(ctx, message, ch, stateID)
}
