package services

import (
	"context"
	"time"

	"fintrack/internal/core"
)

// UserStore persists accounts and reset tokens. *storage.SQLiteRepository
// implements it.
type UserStore interface {
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	GetUserByID(ctx context.Context, id int64) (core.User, error)
	GetUserByUsername(ctx context.Context, username string) (core.User, error)
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	GetUserByResetToken(ctx context.Context, token string) (core.User, error)
	SetResetToken(ctx context.Context, userID int64, token string, expiry time.Time) error
	ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (core.User, error)
	UpdatePasswordHash(ctx context.Context, userID int64, hash string) error
	UpdateProfile(ctx context.Context, userID int64, email, passwordHash *string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s core.Session) error
	GetSession(ctx context.Context, token string) (core.Session, core.User, error)
	RenewSession(ctx context.Context, token string, expiresAt, now time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	ListTransactions(ctx context.Context, userID int64, f core.TransactionFilter) ([]core.Transaction, error)
	DeleteTransaction(ctx context.Context, userID, id int64) error
}
