// Package cli provides common initialization for the fintrack binaries.
// cmd/fintrack, cmd/mail-worker, cmd/adduser and cmd/sheets-export share
// the same env, config, logging and storage bootstrap.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fintrack/internal/config"
	"fintrack/internal/log"
	"fintrack/internal/mail"
	"fintrack/internal/services"
	"fintrack/internal/storage"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the component logger and installs it as the slog default.
func SetupLogger(component, level string) *log.Logger {
	logger := log.ForComponent(component, level)
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	if cfg.SecretKey == config.DefaultSecretKey {
		logger.Warn("SECRET_KEY is not set, using the development default")
	}
	return cfg
}

// InitSQLite opens the SQLite repository, running migrations.
// Exits the process on failure.
func InitSQLite(logger *log.Logger, dbPath string) *storage.SQLiteRepository {
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", dbPath)
		os.Exit(1)
	}
	return repo
}

// MailConfig maps the environment settings onto a mail.Config for backend.
func MailConfig(cfg *config.Config, backend string) mail.Config {
	return mail.Config{
		Backend: mail.Backend(backend),
		SMTP: mail.SMTPConfig{
			Host:     cfg.MailServer,
			Port:     cfg.MailPort,
			Username: cfg.MailUsername,
			Password: cfg.MailPassword,
			UseTLS:   cfg.MailUseTLS,
			From:     cfg.MailDefaultSender,
		},
		SendGridAPIKey: cfg.SendGridAPIKey,
		FromName:       "fintrack",
		AMQPURL:        cfg.AMQPURL,
		AMQPExchange:   cfg.AMQPExchange,
		AMQPQueue:      cfg.AMQPQueue,
	}
}

// CredentialOptions returns the credential service settings from cfg.
func CredentialOptions(cfg *config.Config) []services.CredentialOption {
	return []services.CredentialOption{
		services.WithBaseURL(cfg.BaseURL),
		services.WithResetTokenTTL(cfg.ResetTokenTTL),
		services.WithSessionLifetime(cfg.SessionLifetime),
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
