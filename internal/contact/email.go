package contact

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	host   string
	port   int
	user   string
	pass   string
	from   string
	logger *slog.Logger
}

// NewEmailSender creates an EmailSender from channel config.
func NewEmailSender(cfg Config, logger *slog.Logger) *EmailSender {
	return &EmailSender{
		host:   cfg.SMTPHost,
		port:   cfg.SMTPPort,
		user:   cfg.SMTPUser,
		pass:   cfg.SMTPPassword,
		from:   cfg.SMTPFrom,
		logger: logger,
	}
}

// Send delivers message to the channel's address. Missing configuration is a
// channel-level failure, not a crash: a deployment without SMTP credentials
// degrades to failed email results while other channels keep working.
func (s *EmailSender) Send(ctx context.Context, message string, ch model.Channel, stateID string) model.ContactResult {
	if ch.Email == nil || ch.Email.To == "" {
		return failure(model.ChannelEmail, "email channel has no recipient address")
	}
	if s.host == "" {
		return failure(model.ChannelEmail, "SMTP not configured")
	}

	subject := ch.Email.Subject
	if subject == "" {
		subject = "Agent update"
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.from, ch.Email.To, subject, message,
	)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}

	if err := smtp.SendMail(addr, auth, s.from, []string{ch.Email.To}, []byte(msg)); err != nil {
		return failure(model.ChannelEmail, fmt.Sprintf("smtp send: %v", err))
	}

	messageID := uuid.New().String()
	s.logger.Debug("contact: email sent", "state_id", stateID, "to", ch.Email.To, "message_id", messageID)
	return success(model.ChannelEmail, messageID)
}
