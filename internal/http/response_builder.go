// This file builds the JSON envelope shared by every endpoint:
// {"success": true, ...} on success and {"success": false, "error": msg}
// on failure.

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fintrack/internal/core"
)

const genericErrorMessage = "Internal server error"

// JSONResponseBuilder provides a fluent API for envelope responses.
type JSONResponseBuilder struct {
	statusCode int
	fields     map[string]any
	headers    map[string]string
}

// NewJSONResponse starts a successful 200 response.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		fields:     map[string]any{"success": true},
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Field(name string, value any) *JSONResponseBuilder {
	b.fields[name] = value
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

func (b *JSONResponseBuilder) Transaction(t core.Transaction) *JSONResponseBuilder {
	return b.Field("transaction", NewTransactionJSON(t))
}

func (b *JSONResponseBuilder) Transactions(ts []core.Transaction) *JSONResponseBuilder {
	out := make([]TransactionJSON, 0, len(ts))
	for _, t := range ts {
		out = append(out, NewTransactionJSON(t))
	}
	return b.Field("transactions", out)
}

func (b *JSONResponseBuilder) Summary(s core.MonthlySummary) *JSONResponseBuilder {
	return b.Field("income", s.Income.Float64()).
		Field("expenses", s.Expenses.Float64()).
		Field("balance", s.Balance.Float64())
}

func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.fields)
}

// JSONError builds a failure envelope.
func JSONError(statusCode int, message string) *JSONResponseBuilder {
	b := NewJSONResponse().Status(statusCode)
	b.fields["success"] = false
	b.fields["error"] = message
	return b
}

// TransactionJSON is the wire form of a transaction.
type TransactionJSON struct {
	ID          int64   `json:"id"`
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Timestamp   string  `json:"timestamp"`
}

func NewTransactionJSON(t core.Transaction) TransactionJSON {
	return TransactionJSON{
		ID:          t.ID,
		Date:        t.Date.String(),
		Amount:      t.Amount.Float64(),
		Category:    t.Category,
		Description: t.Description,
		Timestamp:   t.Timestamp.UTC().Format(time.RFC3339),
	}
}

// errorStatus maps an error kind to its HTTP status and client-facing
// message. Unknown errors become a generic 500.
func errorStatus(err error) (int, string) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, core.ErrDuplicateUsername):
		return http.StatusBadRequest, "Username already exists"
	case errors.Is(err, core.ErrDuplicateEmail):
		return http.StatusBadRequest, "Email already exists"
	case errors.Is(err, core.ErrIncorrectCurrentPassword):
		return http.StatusBadRequest, "Current password is incorrect"
	case errors.Is(err, core.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, "Invalid or expired reset token."
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden, "Unauthorized"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "Not found"
	default:
		return http.StatusInternalServerError, genericErrorMessage
	}
}
