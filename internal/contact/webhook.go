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

// WebhookSender POSTs messages to an arbitrary URL with optional headers.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender() *WebhookSender {
	return &WebhookSender{client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts {state_id, message} as JSON to the channel's URL.
func (s *WebhookSender) Send(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult {
	if ch.Webhook == nil || ch.Webhook.URL == "" {
		return failure(model.ChannelWebhook, "webhook channel has no URL")
	}

	raw, err := json.Marshal(map[string]string{
		"state_id": stateID,
		"message":  message,
	})
	if err != nil {
		return failure(model.ChannelWebhook, fmt.Sprintf("marshal webhook payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Webhook.URL, bytes.NewReader(raw))
	if err != nil {
		return failure(model.ChannelWebhook, fmt.Sprintf("build webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return failure(model.ChannelWebhook, fmt.Sprintf("webhook post: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return failure(model.ChannelWebhook, fmt.Sprintf("webhook post: status %d", resp.StatusCode))
	}
	return success(model.ChannelWebhook, uuid.New().String())
}
