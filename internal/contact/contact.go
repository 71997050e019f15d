// Package contact fans a message out to one or more human-contact channels
// and aggregates per-channel results.
//
// Channel senders never fail the enclosing dispatch: every send produces a
// ContactResult, success or not, and a partial failure on one channel never
// aborts delivery to the others. Whether "all channels failed" is fatal is
// the caller's call, not the dispatcher's.
package contact

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/renraku/internal/model"
)

// Sender delivers a message over one channel type. Implementations report
// failures (including missing credentials) through the result, never by
// panicking or returning an error.
type Sender interface {
	Send(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult
}

// Dispatcher routes messages to the registered sender for each channel type.
type Dispatcher struct {
	senders map[model.ChannelType]Sender
	logger  *slog.Logger
}

// Config holds channel credentials for the default senders.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	SlackWebhookURL string
}

// NewDispatcher creates a Dispatcher with the default email, slack, and
// webhook senders.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		senders: map[model.ChannelType]Sender{
			model.ChannelEmail:   NewEmailSender(cfg, logger),
			model.ChannelSlack:   NewSlackSender(cfg.SlackWebhookURL),
			model.ChannelWebhook: NewWebhookSender(),
		},
		logger: logger,
	}
}

// NewDispatcherWithSenders creates a Dispatcher over explicit senders.
// Used by tests to substitute channel implementations.
func NewDispatcherWithSenders(senders map[model.ChannelType]Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// Contact delivers message to every channel in parallel and returns the
// aggregate delivery. The returned delivery always carries exactly one result
// per channel; it never fails as a whole.
func (d *Dispatcher) Contact(ctx context.Context, message string, channels []model.Channel, stateID string, recipient *model.RecipientInfo) model.ContactDelivery {
	results := make([]model.ContactResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.sendOne(ctx, message, ch, stateID, recipient)
		}()
	}
	wg.Wait()

	delivery := model.ContactDelivery{
		StateID:   stateID,
		Message:   message,
		Results:   results,
		Timestamp: time.Now().UTC(),
	}

	for _, r := range results {
		if !r.Success {
			d.logger.Warn("contact: channel delivery failed",
				"state_id", stateID, "channel", r.ChannelType, "error", r.Error)
		}
	}
	return delivery
}

func (d *Dispatcher) sendOne(ctx context.Context, message string, ch model.Channel, stateID string, recipient *model.RecipientInfo) (result model.ContactResult) {
	// A panicking sender still yields a failure result.
	defer func() {
		if r := recover(); r != nil {
			result = failure(result.ChannelType, fmt.Sprintf("sender panic: %v", r))
		}
	}()

	chType, err := ch.Type()
	if err != nil {
		return failure("", err.Error())
	}
	result.ChannelType = chType

	// Fill a missing email address from the recipient hint when we have one.
	if chType == model.ChannelEmail && ch.Email.To == "" && recipient != nil && recipient.Email != "" {
		filled := *ch.Email
		filled.To = recipient.Email
		ch.Email = &filled
	}

	sender, ok := d.senders[chType]
	if !ok {
		return failure(chType, fmt.Sprintf("no sender registered for channel %q", chType))
	}
	return sender.Send(ctx, message, ch, stateID)
}

func failure(chType model.ChannelType, msg string) model.ContactResult {
	return model.ContactResult{
		Success:     false,
		ChannelType: chType,
		Error:       msg,
		Timestamp:   time.Now().UTC(),
	}
}

func success(chType model.ChannelType, messageID string) model.ContactResult {
	return model.ContactResult{
		Success:     true,
		ChannelType: chType,
		MessageID:   messageID,
		Timestamp:   time.Now().UTC(),
	}
}
