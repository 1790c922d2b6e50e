// Package google exports transactions to a Google Sheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"fintrack/internal/core"
)

// DefaultBatchSize bounds the rows sent in one append call.
const DefaultBatchSize = 500

// Header is the first row written to an empty sheet.
var Header = []any{"Date", "Description", "Category", "Amount"}

// Config selects the target spreadsheet and the service account used to
// reach it. CredentialsJSON wins over CredentialsFile.
type Config struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
	BatchSize       int
}

// values is the subset of the Sheets values API the exporter uses.
type values interface {
	Get(ctx context.Context, spreadsheetID, rng string) ([][]any, error)
	Append(ctx context.Context, spreadsheetID, rng string, rows [][]any) error
}

// Exporter appends transactions as rows of date, description, category and
// amount.
type Exporter struct {
	api           values
	spreadsheetID string
	sheet         string
	batchSize     int
	logger        *slog.Logger
}

// New builds an Exporter backed by the Sheets API with service account
// credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Exporter, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	svc, err := newSheetsService(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return newExporter(&sheetsValues{svc: svc}, cfg, logger), nil
}

func newExporter(api values, cfg Config, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	sheet := strings.TrimSpace(cfg.SheetName)
	if sheet == "" {
		sheet = "Transactions"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Exporter{
		api:           api,
		spreadsheetID: cfg.SpreadsheetID,
		sheet:         sheet,
		batchSize:     batch,
		logger:        logger,
	}
}

func readCredentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case cfg.CredentialsFile != "":
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

func newSheetsService(ctx context.Context, cfg Config, logger *slog.Logger) (*gsheet.Service, error) {
	raw, err := readCredentials(cfg)
	if err != nil {
		return nil, err
	}
	// Token requests and API calls share the pooled transport.
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())
	creds, err := gauth.CredentialsFromJSON(httpCtx, raw, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "Creating Google Sheets service",
			"project_id", creds.ProjectID,
			"scope", gsheet.SpreadsheetsScope)
	}

	return gsheet.NewService(ctx,
		goption.WithHTTPClient(oauth2.NewClient(httpCtx, creds.TokenSource)),
		goption.WithUserAgent("fintrack-sheets-export"),
	)
}

// newHTTPClientWithPooling returns a client tuned for the Sheets API.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}
}

// Rows converts transactions into sheet rows. Amounts are numbers so the
// sheet can sum them. Free text is passed through escapeText.
func Rows(txs []core.Transaction) [][]any {
	rows := make([][]any, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, []any{t.Date.String(), escapeText(t.Description), escapeText(t.Category), t.Amount.Float64()})
	}
	return rows
}

// escapeText prefixes text a spreadsheet would evaluate as a formula with
// an apostrophe. Rows are also appended RAW, so nothing is parsed on write.
func escapeText(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// Export appends txs to the sheet, writing the header first when the sheet
// is empty. It returns the number of transaction rows written.
func (e *Exporter) Export(ctx context.Context, txs []core.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	existing, err := e.api.Get(ctx, e.spreadsheetID, e.sheet+"!A1:D1")
	if err != nil {
		return 0, fmt.Errorf("read header of %s: %w", e.sheet, err)
	}
	rng := e.sheet + "!A:D"
	headerWritten := len(existing) == 0
	if headerWritten {
		if err := e.api.Append(ctx, e.spreadsheetID, rng, [][]any{Header}); err != nil {
			return 0, fmt.Errorf("write header to %s: %w", e.sheet, err)
		}
	}

	rows := Rows(txs)
	written := 0
	for start := 0; start < len(rows); start += e.batchSize {
		end := min(start+e.batchSize, len(rows))
		if err := e.api.Append(ctx, e.spreadsheetID, rng, rows[start:end]); err != nil {
			return written, fmt.Errorf("append rows to %s: %w", e.sheet, err)
		}
		written += end - start
	}

	e.logger.InfoContext(ctx, "Transactions exported",
		"sheet", e.sheet,
		"rows", written,
		"header_written", headerWritten)
	return written, nil
}

type sheetsValues struct {
	svc *gsheet.Service
}

func (v *sheetsValues) Get(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	resp, err := v.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (v *sheetsValues) Append(ctx context.Context, spreadsheetID, rng string, rows [][]any) error {
	_, err := v.svc.Spreadsheets.Values.Append(spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}
