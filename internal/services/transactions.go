package services

import (
	"context"
	"strings"
	"time"

	"fintrack/internal/core"
)

// TransactionService validates and stores a user's income and expenses.
type TransactionService struct {
	store TransactionStore
	now   func() time.Time
}

func NewTransactionService(store TransactionStore) *TransactionService {
	return &TransactionService{store: store, now: time.Now}
}

// TransactionInput is the raw form of a new transaction. JSON numbers reach
// Amount in their literal text form.
type TransactionInput struct {
	Date        string
	Amount      string
	Category    string
	Description string
}

// Add validates in and persists it for userID.
func (s *TransactionService) Add(ctx context.Context, userID int64, in TransactionInput) (core.Transaction, error) {
	if strings.TrimSpace(in.Date) == "" {
		return core.Transaction{}, core.Invalid("date", "is required")
	}
	if strings.TrimSpace(in.Amount) == "" {
		return core.Transaction{}, core.Invalid("amount", "is required")
	}

	date, err := core.ParseDate(in.Date)
	if err != nil {
		return core.Transaction{}, core.Invalid("date", "must be YYYY-MM-DD")
	}
	amount, err := core.ParseAmount(in.Amount)
	if err != nil {
		return core.Transaction{}, core.Invalid("amount", "must be a number")
	}

	t := core.Transaction{
		UserID:      userID,
		Date:        date,
		Amount:      amount,
		Category:    strings.TrimSpace(in.Category),
		Description: strings.TrimSpace(in.Description),
		Timestamp:   s.now().UTC(),
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	return s.store.CreateTransaction(ctx, t)
}

// FilterInput holds the raw list filters; empty strings are ignored.
type FilterInput struct {
	Category  string
	StartDate string
	EndDate   string
}

// ParseFilter converts raw query parameters to a TransactionFilter.
func ParseFilter(in FilterInput) (core.TransactionFilter, error) {
	var f core.TransactionFilter
	f.Category = strings.TrimSpace(in.Category)
	if s := strings.TrimSpace(in.StartDate); s != "" {
		d, err := core.ParseDate(s)
		if err != nil {
			return f, core.Invalid("start_date", "must be YYYY-MM-DD")
		}
		f.StartDate = d
	}
	if s := strings.TrimSpace(in.EndDate); s != "" {
		d, err := core.ParseDate(s)
		if err != nil {
			return f, core.Invalid("end_date", "must be YYYY-MM-DD")
		}
		f.EndDate = d
	}
	return f, nil
}

func (s *TransactionService) List(ctx context.Context, userID int64, f core.TransactionFilter) ([]core.Transaction, error) {
	return s.store.ListTransactions(ctx, userID, f)
}

func (s *TransactionService) Delete(ctx context.Context, userID, id int64) error {
	return s.store.DeleteTransaction(ctx, userID, id)
}

// MonthlySummary totals every transaction dated on or after the first day
// of ref's month. Later-dated entries are included.
func (s *TransactionService) MonthlySummary(ctx context.Context, userID int64, ref time.Time) (core.MonthlySummary, error) {
	since := core.FirstOfMonth(ref)
	txs, err := s.store.ListTransactions(ctx, userID, core.TransactionFilter{StartDate: since})
	if err != nil {
		return core.MonthlySummary{}, err
	}
	return core.Summarize(since, txs), nil
}

// CurrentMonthSummary is MonthlySummary for the current time.
func (s *TransactionService) CurrentMonthSummary(ctx context.Context, userID int64) (core.MonthlySummary, error) {
	return s.MonthlySummary(ctx, userID, s.now())
}
