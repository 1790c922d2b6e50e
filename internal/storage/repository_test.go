package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fintrack/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RepositoryTestSuite struct {
	suite.Suite
	repo *SQLiteRepository
	ctx  context.Context
	now  time.Time
}

func (s *RepositoryTestSuite) SetupTest() {
	repo, err := NewSQLiteRepository(filepath.Join(s.T().TempDir(), "test.db"))
	require.NoError(s.T(), err, "failed to create test database")
	s.repo = repo
	s.ctx = context.Background()
	s.now = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
}

func (s *RepositoryTestSuite) TearDownTest() {
	if s.repo != nil {
		s.repo.Close()
	}
}

func (s *RepositoryTestSuite) createUser(username, email string) core.User {
	u, err := s.repo.CreateUser(s.ctx, core.User{
		Username:     username,
		Email:        email,
		PasswordHash: "hash-" + username,
		CreatedAt:    s.now,
	})
	require.NoError(s.T(), err)
	return u
}

func (s *RepositoryTestSuite) createTx(userID int64, date core.Date, cents int64, category string) core.Transaction {
	t, err := s.repo.CreateTransaction(s.ctx, core.Transaction{
		UserID:      userID,
		Date:        date,
		Amount:      core.Money{Cents: cents},
		Category:    category,
		Description: category + " on " + date.String(),
		Timestamp:   s.now,
	})
	require.NoError(s.T(), err)
	return t
}

func (s *RepositoryTestSuite) TestCreateAndGetUser() {
	u := s.createUser("alice", "alice@example.com")
	assert.NotZero(s.T(), u.ID)
	assert.Equal(s.T(), "alice", u.Username)
	assert.True(s.T(), u.CreatedAt.Equal(s.now))

	byName, err := s.repo.GetUserByUsername(s.ctx, "alice")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, byName.ID)

	byEmail, err := s.repo.GetUserByEmail(s.ctx, "alice@example.com")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, byEmail.ID)

	byID, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "hash-alice", byID.PasswordHash)
	assert.Empty(s.T(), byID.ResetToken)
	assert.True(s.T(), byID.ResetTokenExpiry.IsZero())
}

func (s *RepositoryTestSuite) TestGetUserNotFound() {
	_, err := s.repo.GetUserByUsername(s.ctx, "nobody")
	assert.ErrorIs(s.T(), err, core.ErrNotFound)

	_, err = s.repo.GetUserByResetToken(s.ctx, "")
	assert.ErrorIs(s.T(), err, core.ErrNotFound)
}

func (s *RepositoryTestSuite) TestCreateUserDuplicates() {
	s.createUser("alice", "alice@example.com")

	_, err := s.repo.CreateUser(s.ctx, core.User{Username: "alice", Email: "other@example.com", PasswordHash: "x"})
	assert.ErrorIs(s.T(), err, core.ErrDuplicateUsername)

	_, err = s.repo.CreateUser(s.ctx, core.User{Username: "bob", Email: "alice@example.com", PasswordHash: "x"})
	assert.ErrorIs(s.T(), err, core.ErrDuplicateEmail)
}

func (s *RepositoryTestSuite) TestResetTokenLifecycle() {
	u := s.createUser("alice", "alice@example.com")
	expiry := s.now.Add(time.Hour)

	require.NoError(s.T(), s.repo.SetResetToken(s.ctx, u.ID, "tok1", expiry))

	got, err := s.repo.GetUserByResetToken(s.ctx, "tok1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, got.ID)
	assert.True(s.T(), got.ResetTokenExpiry.Equal(expiry))

	// A new request replaces the old token.
	require.NoError(s.T(), s.repo.SetResetToken(s.ctx, u.ID, "tok2", expiry))
	_, err = s.repo.GetUserByResetToken(s.ctx, "tok1")
	assert.ErrorIs(s.T(), err, core.ErrNotFound)

	updated, err := s.repo.ConsumeResetToken(s.ctx, "tok2", "newhash", s.now.Add(30*time.Minute))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "newhash", updated.PasswordHash)
	assert.Empty(s.T(), updated.ResetToken)

	stored, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "newhash", stored.PasswordHash)
	assert.Empty(s.T(), stored.ResetToken)
	assert.True(s.T(), stored.ResetTokenExpiry.IsZero())

	// Single use.
	_, err = s.repo.ConsumeResetToken(s.ctx, "tok2", "again", s.now)
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
}

func (s *RepositoryTestSuite) TestConsumeExpiredResetToken() {
	u := s.createUser("alice", "alice@example.com")
	require.NoError(s.T(), s.repo.SetResetToken(s.ctx, u.ID, "tok", s.now.Add(time.Hour)))

	_, err := s.repo.ConsumeResetToken(s.ctx, "tok", "newhash", s.now.Add(time.Hour))
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)

	stored, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "hash-alice", stored.PasswordHash, "expired token must not change the password")

	_, err = s.repo.ConsumeResetToken(s.ctx, "", "newhash", s.now)
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
}

func (s *RepositoryTestSuite) TestUpdateProfile() {
	u := s.createUser("alice", "alice@example.com")
	s.createUser("bob", "bob@example.com")

	email := "alice@new.example.com"
	hash := "newhash"
	require.NoError(s.T(), s.repo.UpdateProfile(s.ctx, u.ID, &email, &hash))

	stored, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), email, stored.Email)
	assert.Equal(s.T(), hash, stored.PasswordHash)

	// Taken email rolls back the whole update.
	taken := "bob@example.com"
	other := "otherhash"
	err = s.repo.UpdateProfile(s.ctx, u.ID, &taken, &other)
	assert.ErrorIs(s.T(), err, core.ErrDuplicateEmail)

	stored, err = s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), email, stored.Email)
	assert.Equal(s.T(), hash, stored.PasswordHash)
}

func (s *RepositoryTestSuite) TestListTransactionsFilters() {
	alice := s.createUser("alice", "alice@example.com")
	bob := s.createUser("bob", "bob@example.com")

	s.createTx(alice.ID, core.NewDate(2024, 1, 10), 100000, "salary")
	s.createTx(alice.ID, core.NewDate(2024, 2, 5), -2000, "food")
	s.createTx(alice.ID, core.NewDate(2024, 2, 20), -3000, "food")
	s.createTx(alice.ID, core.NewDate(2024, 3, 1), -1500, "transport")
	s.createTx(bob.ID, core.NewDate(2024, 2, 6), -999, "food")

	all, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), all, 4)
	assert.Equal(s.T(), "2024-03-01", all[0].Date.String(), "expected newest first")
	assert.Equal(s.T(), "2024-01-10", all[3].Date.String())

	food, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{Category: "food"})
	require.NoError(s.T(), err)
	assert.Len(s.T(), food, 2)

	feb, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{
		StartDate: core.NewDate(2024, 2, 5),
		EndDate:   core.NewDate(2024, 2, 20),
	})
	require.NoError(s.T(), err)
	assert.Len(s.T(), feb, 2, "date bounds are inclusive")

	inverted, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{
		StartDate: core.NewDate(2024, 3, 1),
		EndDate:   core.NewDate(2024, 1, 1),
	})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), inverted)
	assert.NotNil(s.T(), inverted)

	none, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{Category: "unknown"})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), none)
}

func (s *RepositoryTestSuite) TestListTransactionsTieBreaksByID() {
	alice := s.createUser("alice", "alice@example.com")
	d := core.NewDate(2024, 2, 1)
	first := s.createTx(alice.ID, d, -100, "a")
	second := s.createTx(alice.ID, d, -200, "b")

	txs, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), txs, 2)
	assert.Equal(s.T(), second.ID, txs[0].ID)
	assert.Equal(s.T(), first.ID, txs[1].ID)
}

func (s *RepositoryTestSuite) TestDeleteTransaction() {
	alice := s.createUser("alice", "alice@example.com")
	bob := s.createUser("bob", "bob@example.com")
	t := s.createTx(alice.ID, core.NewDate(2024, 2, 1), -100, "food")

	err := s.repo.DeleteTransaction(s.ctx, bob.ID, t.ID)
	assert.ErrorIs(s.T(), err, core.ErrUnauthorized)

	txs, err := s.repo.ListTransactions(s.ctx, alice.ID, core.TransactionFilter{})
	require.NoError(s.T(), err)
	require.Len(s.T(), txs, 1, "foreign delete must leave the row")

	require.NoError(s.T(), s.repo.DeleteTransaction(s.ctx, alice.ID, t.ID))

	err = s.repo.DeleteTransaction(s.ctx, alice.ID, t.ID)
	assert.ErrorIs(s.T(), err, core.ErrNotFound)

	err = s.repo.DeleteTransaction(s.ctx, alice.ID, 9999)
	assert.ErrorIs(s.T(), err, core.ErrNotFound)
}

func (s *RepositoryTestSuite) TestSessions() {
	u := s.createUser("alice", "alice@example.com")
	sess := core.Session{
		Token:        "sess-token",
		UserID:       u.ID,
		ExpiresAt:    s.now.Add(time.Hour),
		LastActivity: s.now,
	}
	require.NoError(s.T(), s.repo.CreateSession(s.ctx, sess))

	got, user, err := s.repo.GetSession(s.ctx, "sess-token")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, got.UserID)
	assert.Equal(s.T(), "alice", user.Username)
	assert.True(s.T(), got.ExpiresAt.Equal(sess.ExpiresAt))

	later := s.now.Add(30 * time.Minute)
	require.NoError(s.T(), s.repo.RenewSession(s.ctx, "sess-token", later.Add(time.Hour), later))
	got, _, err = s.repo.GetSession(s.ctx, "sess-token")
	require.NoError(s.T(), err)
	assert.True(s.T(), got.LastActivity.Equal(later))

	require.NoError(s.T(), s.repo.DeleteSession(s.ctx, "sess-token"))
	_, _, err = s.repo.GetSession(s.ctx, "sess-token")
	assert.ErrorIs(s.T(), err, core.ErrNotFound)
}

func (s *RepositoryTestSuite) TestDeleteExpiredSessions() {
	u := s.createUser("alice", "alice@example.com")
	require.NoError(s.T(), s.repo.CreateSession(s.ctx, core.Session{
		Token: "old", UserID: u.ID, ExpiresAt: s.now.Add(-time.Minute), LastActivity: s.now,
	}))
	require.NoError(s.T(), s.repo.CreateSession(s.ctx, core.Session{
		Token: "fresh", UserID: u.ID, ExpiresAt: s.now.Add(time.Hour), LastActivity: s.now,
	}))

	n, err := s.repo.DeleteExpiredSessions(s.ctx, s.now)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), n)

	_, _, err = s.repo.GetSession(s.ctx, "fresh")
	assert.NoError(s.T(), err)
	_, _, err = s.repo.GetSession(s.ctx, "old")
	assert.ErrorIs(s.T(), err, core.ErrNotFound)
}

func (s *RepositoryTestSuite) TestPing() {
	assert.NoError(s.T(), s.repo.Ping(s.ctx))
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
