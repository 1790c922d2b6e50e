package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fintrack/internal/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dsnPragmas are applied to every connection, including the one used for
// migrations.
const dsnPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
}

// DSN returns the modernc sqlite connection string for dbPath.
func DSN(dbPath string) string {
	return "file:" + dbPath + "?" + dsnPragmas
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection serializes transactions, which SQLite
	// would otherwise reject with SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable. Used by /readyz.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// inTx runs fn inside a database transaction, committing on success.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(r.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// storageErr classifies a driver error. Missing rows become ErrNotFound;
// everything else is wrapped as ErrStorage with the cause kept for logs.
func storageErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if dup := duplicateErr(err); dup != nil {
		return fmt.Errorf("%s: %w", op, dup)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorage, err)
}

// duplicateErr maps a unique constraint violation on users to the matching
// domain error, or returns nil.
func duplicateErr(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) || se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return nil
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, "users.username"):
		return core.ErrDuplicateUsername
	case strings.Contains(msg, "users.email"):
		return core.ErrDuplicateEmail
	}
	return nil
}

// ---- users ----

// CreateUser inserts u and returns it with its assigned ID.
func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	created, err := r.queries.CreateUser(ctx, CreateUserParams{
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	})
	if err != nil {
		return core.User{}, storageErr("create user", err)
	}

	slog.InfoContext(ctx, "User created", "user_id", created.ID, "username", created.Username)
	return created, nil
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id int64) (core.User, error) {
	u, err := r.queries.GetUserByID(ctx, id)
	if err != nil {
		return core.User{}, storageErr("get user by id", err)
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByUsername(ctx context.Context, username string) (core.User, error) {
	u, err := r.queries.GetUserByUsername(ctx, username)
	if err != nil {
		return core.User{}, storageErr("get user by username", err)
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByEmail(ctx context.Context, email string) (core.User, error) {
	u, err := r.queries.GetUserByEmail(ctx, email)
	if err != nil {
		return core.User{}, storageErr("get user by email", err)
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByResetToken(ctx context.Context, token string) (core.User, error) {
	if token == "" {
		return core.User{}, fmt.Errorf("get user by reset token: %w", core.ErrNotFound)
	}
	u, err := r.queries.GetUserByResetToken(ctx, token)
	if err != nil {
		return core.User{}, storageErr("get user by reset token", err)
	}
	return u, nil
}

// SetResetToken stores token and its expiry on the user, replacing any
// earlier outstanding token.
func (r *SQLiteRepository) SetResetToken(ctx context.Context, userID int64, token string, expiry time.Time) error {
	n, err := r.queries.SetResetToken(ctx, userID, token, expiry)
	if err != nil {
		return storageErr("set reset token", err)
	}
	if n == 0 {
		return fmt.Errorf("set reset token: %w", core.ErrNotFound)
	}
	return nil
}

// ConsumeResetToken atomically checks token against now, replaces the
// password hash and clears the token. It returns the updated user, or
// ErrInvalidOrExpiredToken when the token is unknown, expired or was
// consumed concurrently.
func (r *SQLiteRepository) ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (core.User, error) {
	if token == "" {
		return core.User{}, core.ErrInvalidOrExpiredToken
	}

	var user core.User
	err := r.inTx(ctx, func(q *Queries) error {
		u, err := q.GetUserByResetToken(ctx, token)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrInvalidOrExpiredToken
		}
		if err != nil {
			return storageErr("get user by reset token", err)
		}
		if !u.ResetTokenValid(token, now) {
			return core.ErrInvalidOrExpiredToken
		}

		n, err := q.ConsumeResetToken(ctx, u.ID, token, passwordHash)
		if err != nil {
			return storageErr("consume reset token", err)
		}
		if n == 0 {
			return core.ErrInvalidOrExpiredToken
		}

		u.PasswordHash = passwordHash
		u.ResetToken = ""
		u.ResetTokenExpiry = time.Time{}
		user = u
		return nil
	})
	if err != nil {
		return core.User{}, err
	}
	return user, nil
}

func (r *SQLiteRepository) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	n, err := r.queries.UpdatePasswordHash(ctx, userID, hash)
	if err != nil {
		return storageErr("update password", err)
	}
	if n == 0 {
		return fmt.Errorf("update password: %w", core.ErrNotFound)
	}
	return nil
}

// UpdateProfile applies the non-nil fields in a single transaction, so either
// both changes land or neither does.
func (r *SQLiteRepository) UpdateProfile(ctx context.Context, userID int64, email, passwordHash *string) error {
	return r.inTx(ctx, func(q *Queries) error {
		if email != nil {
			n, err := q.UpdateEmail(ctx, userID, *email)
			if err != nil {
				return storageErr("update email", err)
			}
			if n == 0 {
				return fmt.Errorf("update email: %w", core.ErrNotFound)
			}
		}
		if passwordHash != nil {
			n, err := q.UpdatePasswordHash(ctx, userID, *passwordHash)
			if err != nil {
				return storageErr("update password", err)
			}
			if n == 0 {
				return fmt.Errorf("update password: %w", core.ErrNotFound)
			}
		}
		return nil
	})
}

// ---- transactions ----

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	created, err := r.queries.CreateTransaction(ctx, CreateTransactionParams{
		UserID:      t.UserID,
		Date:        t.Date,
		AmountCents: t.Amount.Cents,
		Category:    t.Category,
		Description: t.Description,
		Timestamp:   t.Timestamp,
	})
	if err != nil {
		return core.Transaction{}, storageErr("create transaction", err)
	}

	slog.InfoContext(ctx, "Transaction saved",
		"id", created.ID,
		"user_id", created.UserID,
		"amount_cents", created.Amount.Cents,
		"category", created.Category,
		"date", created.Date.String())

	return created, nil
}

// ListTransactions returns the user's transactions matching f, newest date
// first. An inverted date range simply matches nothing.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID int64, f core.TransactionFilter) ([]core.Transaction, error) {
	txs, err := r.queries.ListTransactions(ctx, userID, f)
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	return txs, nil
}

// DeleteTransaction removes transaction id if it belongs to userID. It
// returns ErrNotFound for unknown IDs and ErrUnauthorized when another user
// owns the row.
func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, userID, id int64) error {
	return r.inTx(ctx, func(q *Queries) error {
		t, err := q.GetTransaction(ctx, id)
		if err != nil {
			return storageErr("get transaction", err)
		}
		if t.UserID != userID {
			return fmt.Errorf("delete transaction %d: %w", id, core.ErrUnauthorized)
		}
		n, err := q.DeleteTransaction(ctx, id, userID)
		if err != nil {
			return storageErr("delete transaction", err)
		}
		if n == 0 {
			return fmt.Errorf("delete transaction %d: %w", id, core.ErrNotFound)
		}
		slog.InfoContext(ctx, "Transaction deleted", "id", id, "user_id", userID)
		return nil
	})
}

// ---- sessions ----

func (r *SQLiteRepository) CreateSession(ctx context.Context, s core.Session) error {
	if err := r.queries.CreateSession(ctx, s); err != nil {
		return storageErr("create session", err)
	}
	return nil
}

// GetSession loads the session for token together with its user.
func (r *SQLiteRepository) GetSession(ctx context.Context, token string) (core.Session, core.User, error) {
	s, u, err := r.queries.GetSessionWithUser(ctx, token)
	if err != nil {
		return core.Session{}, core.User{}, storageErr("get session", err)
	}
	return s, u, nil
}

func (r *SQLiteRepository) RenewSession(ctx context.Context, token string, expiresAt, now time.Time) error {
	if err := r.queries.RenewSession(ctx, token, expiresAt, now); err != nil {
		return storageErr("renew session", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, token string) error {
	if err := r.queries.DeleteSession(ctx, token); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// DeleteExpiredSessions purges sessions that expired at or before now and
// returns how many were removed.
func (r *SQLiteRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(q *Queries) error {
		var err error
		n, err = q.DeleteExpiredSessions(ctx, now)
		if err != nil {
			return storageErr("delete expired sessions", err)
		}
		return nil
	})
	return n, err
}
