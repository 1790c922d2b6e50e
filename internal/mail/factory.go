package mail

import (
	"fmt"
	"log/slog"

	"fintrack/internal/amqp"
)

// Backend names a mail delivery mechanism.
type Backend string

const (
	LogBackend      Backend = "log"
	SMTPBackend     Backend = "smtp"
	SendGridBackend Backend = "sendgrid"
	AMQPBackend     Backend = "amqp"
)

func (b Backend) IsValid() bool {
	switch b {
	case LogBackend, SMTPBackend, SendGridBackend, AMQPBackend:
		return true
	}
	return false
}

// Config carries everything any backend may need.
type Config struct {
	Backend Backend

	SMTP SMTPConfig

	SendGridAPIKey string
	FromName       string

	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// Result is a constructed Sender plus the cleanup to run on shutdown.
type Result struct {
	Sender  Sender
	Cleanup func() error
}

func noop() error { return nil }

// NewSender builds the Sender selected by cfg.Backend.
func NewSender(cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Backend.IsValid() {
		return nil, fmt.Errorf("invalid mail backend: %q", cfg.Backend)
	}

	switch cfg.Backend {
	case SMTPBackend:
		logger.Info("Initialized SMTP mail sender",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls", cfg.SMTP.UseTLS)
		return &Result{Sender: NewSMTPSender(cfg.SMTP), Cleanup: noop}, nil

	case SendGridBackend:
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid mail backend requires an API key")
		}
		logger.Info("Initialized SendGrid mail sender")
		return &Result{Sender: NewSendGridSender(cfg.SendGridAPIKey, cfg.SMTP.From, cfg.FromName), Cleanup: noop}, nil

	case AMQPBackend:
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			return nil, fmt.Errorf("initialize AMQP mail queue: %w", err)
		}
		logger.Info("Initialized queued mail sender",
			"exchange", cfg.AMQPExchange,
			"queue", cfg.AMQPQueue)
		return &Result{Sender: NewQueueSender(client), Cleanup: client.Close}, nil

	default:
		return &Result{Sender: NewLogSender(logger), Cleanup: noop}, nil
	}
}
