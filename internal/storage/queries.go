package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fintrack/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same queries run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- users ----

const userColumns = `id, username, email, password_hash, reset_token, reset_token_expiry, created_at`

func scanUser(row rowScanner) (core.User, error) {
	var (
		u         core.User
		token     sql.NullString
		expiry    sql.NullString
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &token, &expiry, &createdAt); err != nil {
		return core.User{}, err
	}
	u.ResetToken = token.String
	if expiry.Valid && expiry.String != "" {
		t, err := parseTime(expiry.String)
		if err != nil {
			return core.User{}, fmt.Errorf("parse reset_token_expiry: %w", err)
		}
		u.ResetTokenExpiry = t
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return core.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

type CreateUserParams struct {
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

const createUser = `INSERT INTO users (username, email, password_hash, created_at)
VALUES (?, ?, ?, ?)
RETURNING ` + userColumns

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (core.User, error) {
	row := q.db.QueryRowContext(ctx, createUser, arg.Username, arg.Email, arg.PasswordHash, formatTime(arg.CreatedAt))
	return scanUser(row)
}

const getUserByID = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

func (q *Queries) GetUserByID(ctx context.Context, id int64) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByID, id))
}

const getUserByUsername = `SELECT ` + userColumns + ` FROM users WHERE username = ?`

func (q *Queries) GetUserByUsername(ctx context.Context, username string) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByUsername, username))
}

const getUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = ?`

func (q *Queries) GetUserByEmail(ctx context.Context, email string) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByEmail, email))
}

const getUserByResetToken = `SELECT ` + userColumns + ` FROM users WHERE reset_token = ?`

func (q *Queries) GetUserByResetToken(ctx context.Context, token string) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, getUserByResetToken, token))
}

const setResetToken = `UPDATE users SET reset_token = ?, reset_token_expiry = ? WHERE id = ?`

func (q *Queries) SetResetToken(ctx context.Context, id int64, token string, expiry time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, setResetToken, token, formatTime(expiry), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// consumeResetToken only matches while the token is still in place, so a
// second concurrent consumer affects zero rows.
const consumeResetToken = `UPDATE users
SET password_hash = ?, reset_token = NULL, reset_token_expiry = NULL
WHERE id = ? AND reset_token = ?`

func (q *Queries) ConsumeResetToken(ctx context.Context, id int64, token, passwordHash string) (int64, error) {
	res, err := q.db.ExecContext(ctx, consumeResetToken, passwordHash, id, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const updatePasswordHash = `UPDATE users SET password_hash = ? WHERE id = ?`

func (q *Queries) UpdatePasswordHash(ctx context.Context, id int64, hash string) (int64, error) {
	res, err := q.db.ExecContext(ctx, updatePasswordHash, hash, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const updateEmail = `UPDATE users SET email = ? WHERE id = ?`

func (q *Queries) UpdateEmail(ctx context.Context, id int64, email string) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateEmail, email, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- transactions ----

const transactionColumns = `id, user_id, date, amount_cents, category, description, timestamp`

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t         core.Transaction
		date      string
		timestamp string
	)
	if err := row.Scan(&t.ID, &t.UserID, &date, &t.Amount.Cents, &t.Category, &t.Description, &timestamp); err != nil {
		return core.Transaction{}, err
	}
	d, err := core.ParseDate(date)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse date: %w", err)
	}
	t.Date = d
	ts, err := parseTime(timestamp)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse timestamp: %w", err)
	}
	t.Timestamp = ts
	return t, nil
}

type CreateTransactionParams struct {
	UserID      int64
	Date        core.Date
	AmountCents int64
	Category    string
	Description string
	Timestamp   time.Time
}

const createTransaction = `INSERT INTO transactions (user_id, date, amount_cents, category, description, timestamp)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + transactionColumns

func (q *Queries) CreateTransaction(ctx context.Context, arg CreateTransactionParams) (core.Transaction, error) {
	row := q.db.QueryRowContext(ctx, createTransaction,
		arg.UserID, arg.Date.String(), arg.AmountCents, arg.Category, arg.Description, formatTime(arg.Timestamp))
	return scanTransaction(row)
}

const getTransaction = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

func (q *Queries) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, getTransaction, id))
}

// ListTransactions builds the filtered query. Dates are stored as
// YYYY-MM-DD text, so string comparison orders them chronologically.
func (q *Queries) ListTransactions(ctx context.Context, userID int64, f core.TransactionFilter) ([]core.Transaction, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.StartDate.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.StartDate.String())
	}
	if !f.EndDate.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, f.EndDate.String())
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY date DESC, id DESC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const deleteTransaction = `DELETE FROM transactions WHERE id = ? AND user_id = ?`

func (q *Queries) DeleteTransaction(ctx context.Context, id, userID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransaction, id, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- sessions ----

const createSession = `INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES (?, ?, ?, ?)`

func (q *Queries) CreateSession(ctx context.Context, s core.Session) error {
	_, err := q.db.ExecContext(ctx, createSession, s.Token, s.UserID, formatTime(s.ExpiresAt), formatTime(s.LastActivity))
	return err
}

const getSessionWithUser = `SELECT s.token, s.user_id, s.expires_at, s.last_activity,
       u.id, u.username, u.email, u.password_hash, u.reset_token, u.reset_token_expiry, u.created_at
FROM sessions s
JOIN users u ON s.user_id = u.id
WHERE s.token = ?`

func (q *Queries) GetSessionWithUser(ctx context.Context, token string) (core.Session, core.User, error) {
	var (
		s            core.Session
		expiresAt    string
		lastActivity string
		u            core.User
		resetToken   sql.NullString
		resetExpiry  sql.NullString
		createdAt    string
	)
	err := q.db.QueryRowContext(ctx, getSessionWithUser, token).Scan(
		&s.Token, &s.UserID, &expiresAt, &lastActivity,
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &resetToken, &resetExpiry, &createdAt,
	)
	if err != nil {
		return core.Session{}, core.User{}, err
	}
	if s.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return core.Session{}, core.User{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if s.LastActivity, err = parseTime(lastActivity); err != nil {
		return core.Session{}, core.User{}, fmt.Errorf("parse last_activity: %w", err)
	}
	u.ResetToken = resetToken.String
	if resetExpiry.Valid && resetExpiry.String != "" {
		if u.ResetTokenExpiry, err = parseTime(resetExpiry.String); err != nil {
			return core.Session{}, core.User{}, fmt.Errorf("parse reset_token_expiry: %w", err)
		}
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Session{}, core.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	return s, u, nil
}

const renewSession = `UPDATE sessions SET expires_at = ?, last_activity = ? WHERE token = ?`

func (q *Queries) RenewSession(ctx context.Context, token string, expiresAt, now time.Time) error {
	_, err := q.db.ExecContext(ctx, renewSession, formatTime(expiresAt), formatTime(now), token)
	return err
}

const deleteSession = `DELETE FROM sessions WHERE token = ?`

func (q *Queries) DeleteSession(ctx context.Context, token string) error {
	_, err := q.db.ExecContext(ctx, deleteSession, token)
	return err
}

const listSessionExpiries = `SELECT token, expires_at FROM sessions`

// DeleteExpiredSessions removes sessions whose expiry is not after now.
// Expiries are compared in Go because RFC 3339 text with variable fractional
// digits does not sort reliably as a string.
func (q *Queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	rows, err := q.db.QueryContext(ctx, listSessionExpiries)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var token, expiresAt string
		if err := rows.Scan(&token, &expiresAt); err != nil {
			rows.Close()
			return 0, err
		}
		t, err := parseTime(expiresAt)
		if err != nil || !now.Before(t) {
			expired = append(expired, token)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, token := range expired {
		if err := q.DeleteSession(ctx, token); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
