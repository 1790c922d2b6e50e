// Package mail delivers outbound email through a pluggable Sender.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

var ErrNoRecipient = errors.New("mail: message has no recipient")

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}
	return nil
}

const resetSubject = "Password Reset Request"

// ResetLink joins baseURL and token into the reset page URL.
func ResetLink(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/reset_password/" + token
}

// PasswordResetMessage builds the reset email for to with the given link.
func PasswordResetMessage(to, link string) Message {
	return Message{
		To:      to,
		Subject: resetSubject,
		Body: fmt.Sprintf("To reset your password, visit the following link:\n%s\n\n"+
			"If you did not make this request, simply ignore this email.\n"+
			"This link will expire in 1 hour.\n", link),
	}
}

// LogSender writes message metadata to the structured log instead of
// delivering it. Used in development. Bodies carry reset links and are
// never logged.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Mail not delivered (log backend)",
		"to", m.To,
		"subject", m.Subject,
		"body_bytes", len(m.Body))
	return nil
}
