package model

import (
	"fmt"
	"time"
)

// ChannelType identifies a human-contact delivery mechanism.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
)

// Channel is a closed variant over the three contact mechanisms,
// discriminated by which config pointer is present. Exactly one must be set.
type Channel struct {
	Email   *EmailChannel   `json:"email,omitempty"`
	Slack   *SlackChannel   `json:"slack,omitempty"`
	Webhook *WebhookChannel `json:"webhook,omitempty"`
}

// EmailChannel configures delivery to a mailbox.
type EmailChannel struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
}

// SlackChannel configures delivery to a Slack incoming-webhook URL.
type SlackChannel struct {
	WebhookURL string `json:"webhook_url"`
	ChannelID  string `json:"channel_id,omitempty"`
}

// WebhookChannel configures delivery by POSTing to an arbitrary URL.
type WebhookChannel struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Type returns the discriminant of the variant, or an error if zero or more
// than one config is present.
func (c Channel) Type() (ChannelType, error) {
	var (
		t ChannelType
		n int
	)
	if c.Email != nil {
		t, n = ChannelEmail, n+1
	}
	if c.Slack != nil {
		t, n = ChannelSlack, n+1
	}
	if c.Webhook != nil {
		t, n = ChannelWebhook, n+1
	}
	if n != 1 {
		return "", fmt.Errorf("model: channel must set exactly one of email/slack/webhook, got %d", n)
	}
	return t, nil
}

// ContactResult is the per-channel outcome of one delivery attempt. Channel
// senders always produce a result and never fail the enclosing dispatch.
type ContactResult struct {
	Success     bool        `json:"success"`
	ChannelType ChannelType `json:"channel_type"`
	MessageID   string      `json:"message_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ContactDelivery aggregates the fan-out results for one message. It is
// appended to the thread as a human_contact_sent event whether all, some, or
// none of the channels succeeded.
type ContactDelivery struct {
	StateID   string          `json:"state_id"`
	Message   string          `json:"message"`
	Results   []ContactResult `json:"results"`
	Timestamp time.Time       `json:"timestamp"`
}

// AllFailed reports whether every channel in the delivery failed. The caller
// decides whether that is fatal for its workflow; the dispatcher does not.
func (d ContactDelivery) AllFailed() bool {
	if len(d.Results) == 0 {
		return true
	}
	for _, r := range d.Results {
		if r.Success {
			return false
		}
	}
	return true
}

// RecipientInfo carries optional addressing hints resolved from the thread's
// initial context.
type RecipientInfo struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
