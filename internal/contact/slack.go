package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// SlackSender posts messages to a Slack incoming-webhook URL.
type SlackSender struct {
	defaultURL string
	client     *http.Client
}

// NewSlackSender creates a SlackSender. defaultURL is used when a channel
// does not carry its own webhook URL.
func NewSlackSender(defaultURL string) *SlackSender {
	return &SlackSender{
		defaultURL: defaultURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts message to the channel's webhook URL.
func (s *SlackSender) Send(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult {
	if ch.Slack == nil {
		return failure(model.ChannelSlack, "slack channel config missing")
	}
	url := ch.Slack.WebhookURL
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return failure(model.ChannelSlack, "slack webhook URL not configured")
	}

	body := map[string]any{"text": message}
	if ch.Slack.ChannelID != "" {
		body["channel"] = ch.Slack.ChannelID
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return failure(model.ChannelSlack, fmt.Sprintf("marshal slack payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return failure(model.ChannelSlack, fmt.Sprintf("build slack request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return failure(model.ChannelSlack, fmt.Sprintf("slack post: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return failure(model.ChannelSlack, fmt.Sprintf("slack post: status %d", resp.StatusCode))
	}
	return success(model.ChannelSlack, uuid.New().String())
}
