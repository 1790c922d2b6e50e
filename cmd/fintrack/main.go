package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/cli"
	apphttp "fintrack/internal/http"
	"fintrack/internal/log"
	"fintrack/internal/mail"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
	sessionPurge    = time.Hour
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(log.ComponentApp, os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	mailer, err := mail.NewSender(cli.MailConfig(cfg, cfg.MailBackend), logger.WithComponent(log.ComponentMail).Logger)
	if err != nil {
		logger.Error("Failed to initialize mail sender", log.FieldError, err, "backend", cfg.MailBackend)
		os.Exit(1)
	}
	defer func() {
		if err := mailer.Cleanup(); err != nil {
			logger.Warn("Mail sender cleanup failed", log.FieldError, err)
		}
	}()

	creds := services.NewCredentialService(repo, repo, mailer.Sender, cli.CredentialOptions(cfg)...)
	txs := services.NewTransactionService(repo)

	srv, err := apphttp.NewServer(apphttp.Options{
		Addr:          ":" + cfg.Port,
		Credentials:   creds,
		Transactions:  txs,
		Storage:       repo,
		Logger:        logger,
		SecureCookies: cfg.SecureCookies,
		SecretKey:     cfg.SecretKey,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateLimitBurst,
		},
	})
	if err != nil {
		logger.Error("Failed to build HTTP server", log.FieldError, err)
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting fintrack server",
			"port", cfg.Port,
			"mail_backend", cfg.MailBackend,
			log.FieldOperation, log.OpStartup)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sessionPurge)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := creds.PurgeExpiredSessions(gctx)
				if err != nil {
					logger.Warn("Expired session purge failed", log.FieldError, err)
					continue
				}
				if n > 0 {
					logger.Info("Expired sessions purged", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server", log.FieldOperation, log.OpShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server exited")
}
