package main

import (
	"context"
	"errors"
	"os"

	"fintrack/internal/amqp"
	"fintrack/internal/cli"
	"fintrack/internal/log"
	"fintrack/internal/mail"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(log.ComponentWorker, os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	logger.Info("Starting mail-worker",
		"backend", cfg.MailWorkerBackend,
		"queue", cfg.AMQPQueue,
		log.FieldOperation, log.OpStartup)

	sender, err := mail.NewSender(cli.MailConfig(cfg, cfg.MailWorkerBackend), logger.WithComponent(log.ComponentMail).Logger)
	if err != nil {
		logger.Error("Failed to initialize mail sender", log.FieldError, err, "backend", cfg.MailWorkerBackend)
		os.Exit(1)
	}
	defer sender.Cleanup()

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	handler := mail.DeliveryHandler(sender.Sender, logger.WithComponent(log.ComponentMail).Logger)
	if err := client.ConsumeMail(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Mail worker stopped", log.FieldOperation, log.OpShutdown)
}
