package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format for transaction dates.
const DateLayout = "2006-01-02"

const (
	MaxUsernameLength    = 80
	MaxEmailLength       = 120
	MaxCategoryLength    = 50
	MaxDescriptionLength = 200
)

type (
	// Date is a calendar date without a time component, always in UTC.
	Date struct {
		time.Time
	}

	User struct {
		ID               int64
		Username         string
		Email            string
		PasswordHash     string
		ResetToken       string // empty when no reset is in progress
		ResetTokenExpiry time.Time
		CreatedAt        time.Time
	}

	Transaction struct {
		ID          int64
		UserID      int64
		Date        Date
		Amount      Money
		Category    string
		Description string
		Timestamp   time.Time
	}

	// Session is a server-side login record keyed by the cookie token.
	Session struct {
		Token        string
		UserID       int64
		ExpiresAt    time.Time
		LastActivity time.Time
	}

	// TransactionFilter narrows List results. Zero fields are ignored and the
	// remaining ones are combined with AND. Date bounds are inclusive.
	TransactionFilter struct {
		Category  string
		StartDate Date
		EndDate   Date
	}
)

// Error kinds. Callers branch on them with errors.Is.
var (
	ErrValidation               = errors.New("validation error")
	ErrDuplicateUsername        = errors.New("username already exists")
	ErrDuplicateEmail           = errors.New("email already exists")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrInvalidOrExpiredToken    = errors.New("invalid or expired reset token")
	ErrIncorrectCurrentPassword = errors.New("current password is incorrect")
	ErrNotFound                 = errors.New("not found")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrStorage                  = errors.New("storage failure")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{Time: t}, nil
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), int(t.Month()), t.Day())
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// FirstOfMonth returns the first day of the month containing t (UTC).
func FirstOfMonth(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), int(t.Month()), 1)
}

// ResetTokenValid reports whether token matches the user's outstanding reset
// token and has not yet expired at now.
func (u User) ResetTokenValid(token string, now time.Time) bool {
	if u.ResetToken == "" || token == "" || u.ResetToken != token {
		return false
	}
	if u.ResetTokenExpiry.IsZero() {
		return false
	}
	return now.Before(u.ResetTokenExpiry)
}

func (t Transaction) Validate() error {
	if t.Date.IsZero() {
		return Invalid("date", "is required")
	}
	if strings.TrimSpace(t.Category) == "" {
		return Invalid("category", "is required")
	}
	if len(t.Category) > MaxCategoryLength {
		return Invalid("category", "too long (max %d characters)", MaxCategoryLength)
	}
	if strings.TrimSpace(t.Description) == "" {
		return Invalid("description", "is required")
	}
	if len(t.Description) > MaxDescriptionLength {
		return Invalid("description", "too long (max %d characters)", MaxDescriptionLength)
	}
	return nil
}
