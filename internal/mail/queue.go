package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fintrack/internal/amqp"
)

// Publisher enqueues mail jobs; *amqp.Client implements it.
type Publisher interface {
	PublishMail(ctx context.Context, msg *amqp.MailMessage) error
}

// QueueSender hands messages to a broker for cmd/mail-worker to deliver.
type QueueSender struct {
	pub Publisher
}

func NewQueueSender(pub Publisher) *QueueSender {
	return &QueueSender{pub: pub}
}

func (s *QueueSender) Send(ctx context.Context, m Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := s.pub.PublishMail(ctx, amqp.NewMailMessage(m.To, m.Subject, m.Body)); err != nil {
		return fmt.Errorf("enqueue mail to %s: %w", m.To, err)
	}
	return nil
}

// FromQueue converts a dequeued job back into a Message.
func FromQueue(msg *amqp.MailMessage) Message {
	return Message{To: msg.To, Subject: msg.Subject, Body: msg.Body}
}

// DeliveryHandler returns the consumer used by cmd/mail-worker: each job
// is delivered through sender, and a failed delivery is returned so the
// job is requeued.
func DeliveryHandler(sender Sender, logger *slog.Logger) amqp.MailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg *amqp.MailMessage) error {
		if err := sender.Send(ctx, FromQueue(msg)); err != nil {
			logger.WarnContext(ctx, "Queued mail delivery failed",
				"message_id", msg.ID,
				"error", err)
			return err
		}
		logger.InfoContext(ctx, "Queued mail delivered",
			"message_id", msg.ID,
			"queued_for", time.Since(msg.Timestamp).Round(time.Millisecond))
		return nil
	}
}
