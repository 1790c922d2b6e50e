package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/services"
	gsheet "fintrack/internal/sheets/google"
	"fintrack/internal/storage"
)

// exporter is satisfied by *gsheet.Exporter.
type exporter interface {
	Export(ctx context.Context, txs []core.Transaction) (int, error)
}

type exporterFactory func(ctx context.Context, cfg *config.Config, logger *log.Logger) (exporter, error)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentSheets, os.Getenv("LOG_LEVEL"))

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, os.Args[1:], config.Load(), logger, os.Stdout, newSheetsExporter); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		logger.Error("Export failed", log.FieldError, err, log.FieldOperation, log.OpExport)
		os.Exit(1)
	}
}

func newSheetsExporter(ctx context.Context, cfg *config.Config, logger *log.Logger) (exporter, error) {
	if err := cfg.ValidateSheets(); err != nil {
		return nil, err
	}
	exp, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		SheetName:       cfg.GoogleSheetName,
		CredentialsJSON: cfg.GoogleServiceAccountJSON,
		CredentialsFile: cfg.GoogleServiceAccountFile,
	}, logger.Logger)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func run(ctx context.Context, args []string, cfg *config.Config, logger *log.Logger, stdout io.Writer, newExporter exporterFactory) error {
	fs := flag.NewFlagSet("sheets-export", flag.ContinueOnError)
	fs.SetOutput(stdout)

	username := fs.String("user", "", "Username whose transactions are exported")
	category := fs.String("category", "", "Only export this category")
	start := fs.String("start", "", "First date to export (YYYY-MM-DD)")
	end := fs.String("end", "", "Last date to export (YYYY-MM-DD)")
	dbPath := fs.String("db", cfg.SQLiteDBPath, "Path to database file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		fmt.Fprintln(stdout, "Usage: sheets-export -user <username> [-category c] [-start YYYY-MM-DD] [-end YYYY-MM-DD]")
		fs.PrintDefaults()
		return fmt.Errorf("missing required flags: user")
	}

	filter, err := services.ParseFilter(services.FilterInput{Category: *category, StartDate: *start, EndDate: *end})
	if err != nil {
		return err
	}

	repo, err := storage.NewSQLiteRepository(*dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	user, err := repo.GetUserByUsername(ctx, *username)
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("user %s not found", *username)
	} else if err != nil {
		return err
	}

	txs, err := services.NewTransactionService(repo).List(ctx, user.ID, filter)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	if len(txs) == 0 {
		fmt.Fprintln(stdout, "No transactions to export")
		return nil
	}
	// List is newest first; the sheet reads top to bottom.
	slices.Reverse(txs)

	exp, err := newExporter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	n, err := exp.Export(ctx, txs)
	if err != nil {
		return err
	}

	logger.Info("Export finished",
		log.FieldUserID, user.ID,
		"rows", n,
		log.FieldOperation, log.OpExport)
	fmt.Fprintf(stdout, "Exported %d transactions for %s\n", n, user.Username)
	return nil
}
