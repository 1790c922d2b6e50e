package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/mail"
	"fintrack/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, m mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeMailer) messages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type CredentialServiceTestSuite struct {
	suite.Suite
	repo   *storage.SQLiteRepository
	mailer *fakeMailer
	clock  *clock
	svc    *CredentialService
	ctx    context.Context
}

func (s *CredentialServiceTestSuite) SetupTest() {
	repo, err := storage.NewSQLiteRepository(filepath.Join(s.T().TempDir(), "test.db"))
	require.NoError(s.T(), err)
	s.repo = repo
	s.mailer = &fakeMailer{}
	s.clock = &clock{t: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
	s.ctx = context.Background()
	s.svc = NewCredentialService(repo, repo, s.mailer,
		WithBaseURL("https://money.example.com"),
		WithBcryptCost(bcrypt.MinCost),
		WithSessionLifetime(time.Hour),
		WithClock(s.clock.Now),
		WithMailDispatch(func(f func()) { f() }),
	)
}

func (s *CredentialServiceTestSuite) TearDownTest() {
	if s.repo != nil {
		s.repo.Close()
	}
}

func (s *CredentialServiceTestSuite) register(username, email, password string) core.User {
	u, err := s.svc.Register(s.ctx, username, email, password)
	require.NoError(s.T(), err)
	return u
}

func (s *CredentialServiceTestSuite) TestRegisterAndAuthenticate() {
	u := s.register("alice", "alice@example.com", "s3cret")
	assert.NotEqual(s.T(), "s3cret", u.PasswordHash, "password must be hashed")

	got, err := s.svc.Authenticate(s.ctx, "alice", "s3cret")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, got.ID)

	_, err = s.svc.Authenticate(s.ctx, "alice", "wrong")
	assert.ErrorIs(s.T(), err, core.ErrInvalidCredentials)

	_, err = s.svc.Authenticate(s.ctx, "nobody", "s3cret")
	assert.ErrorIs(s.T(), err, core.ErrInvalidCredentials)
}

func (s *CredentialServiceTestSuite) TestRegisterDuplicates() {
	s.register("alice", "alice@example.com", "pw")

	_, err := s.svc.Register(s.ctx, "alice", "new@example.com", "pw")
	assert.ErrorIs(s.T(), err, core.ErrDuplicateUsername)

	_, err = s.svc.Register(s.ctx, "bob", "alice@example.com", "pw")
	assert.ErrorIs(s.T(), err, core.ErrDuplicateEmail)

	// Username is checked first when both collide.
	_, err = s.svc.Register(s.ctx, "alice", "alice@example.com", "pw")
	assert.ErrorIs(s.T(), err, core.ErrDuplicateUsername)
}

func (s *CredentialServiceTestSuite) TestRegisterValidation() {
	cases := []struct{ username, email, password string }{
		{"", "a@example.com", "pw"},
		{"alice", "", "pw"},
		{"alice", "a@example.com", ""},
		{"alice", "not-an-email", "pw"},
		{strings.Repeat("u", core.MaxUsernameLength+1), "a@example.com", "pw"},
	}
	for _, tc := range cases {
		_, err := s.svc.Register(s.ctx, tc.username, tc.email, tc.password)
		assert.ErrorIs(s.T(), err, core.ErrValidation, "%+v", tc)
	}
}

func (s *CredentialServiceTestSuite) TestPasswordResetFlow() {
	u := s.register("alice", "alice@example.com", "old")

	require.NoError(s.T(), s.svc.RequestPasswordReset(s.ctx, "alice@example.com"))
	msgs := s.mailer.messages()
	require.Len(s.T(), msgs, 1)
	assert.Equal(s.T(), "alice@example.com", msgs[0].To)
	assert.Equal(s.T(), "Password Reset Request", msgs[0].Subject)

	stored, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	require.Len(s.T(), stored.ResetToken, 64, "32 random bytes hex encoded")
	assert.Contains(s.T(), msgs[0].Body, "https://money.example.com/reset_password/"+stored.ResetToken)
	assert.True(s.T(), stored.ResetTokenExpiry.Equal(s.clock.Now().Add(time.Hour)))

	_, err = s.svc.ValidateResetToken(s.ctx, stored.ResetToken)
	require.NoError(s.T(), err)

	_, err = s.svc.ConsumeResetToken(s.ctx, stored.ResetToken, "new")
	require.NoError(s.T(), err)

	_, err = s.svc.Authenticate(s.ctx, "alice", "new")
	assert.NoError(s.T(), err)
	_, err = s.svc.Authenticate(s.ctx, "alice", "old")
	assert.ErrorIs(s.T(), err, core.ErrInvalidCredentials)

	_, err = s.svc.ConsumeResetToken(s.ctx, stored.ResetToken, "newer")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken, "tokens are single use")
}

func (s *CredentialServiceTestSuite) TestResetTokenExpires() {
	u := s.register("alice", "alice@example.com", "old")
	token, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)

	s.clock.Advance(time.Hour)

	_, err = s.svc.ValidateResetToken(s.ctx, token)
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
	_, err = s.svc.ConsumeResetToken(s.ctx, token, "new")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)

	_, err = s.svc.ValidateResetToken(s.ctx, "unknown")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
}

func (s *CredentialServiceTestSuite) TestReissueInvalidatesPreviousToken() {
	u := s.register("alice", "alice@example.com", "old")
	first, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)
	second, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), first, second)

	_, err = s.svc.ConsumeResetToken(s.ctx, first, "new")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
	_, err = s.svc.ConsumeResetToken(s.ctx, second, "new")
	assert.NoError(s.T(), err)
}

func (s *CredentialServiceTestSuite) TestConcurrentConsumeSucceedsOnce() {
	u := s.register("alice", "alice@example.com", "old")
	token, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)

	const n = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.svc.ConsumeResetToken(s.ctx, token, "new"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(s.T(), 1, successes)
}

func (s *CredentialServiceTestSuite) TestRequestPasswordResetUnknownEmail() {
	require.NoError(s.T(), s.svc.RequestPasswordReset(s.ctx, "ghost@example.com"))
	assert.Empty(s.T(), s.mailer.messages())

	err := s.svc.RequestPasswordReset(s.ctx, "  ")
	assert.ErrorIs(s.T(), err, core.ErrValidation)
}

func (s *CredentialServiceTestSuite) TestRequestPasswordResetMailFailureIsSwallowed() {
	s.register("alice", "alice@example.com", "old")
	s.mailer.err = errors.New("smtp down")

	assert.NoError(s.T(), s.svc.RequestPasswordReset(s.ctx, "alice@example.com"))
}

func (s *CredentialServiceTestSuite) TestRequestPasswordResetSendsOffRequestPath() {
	s.register("alice", "alice@example.com", "old")

	var pending []func()
	svc := NewCredentialService(s.repo, s.repo, s.mailer,
		WithBcryptCost(bcrypt.MinCost),
		WithClock(s.clock.Now),
		WithMailDispatch(func(f func()) { pending = append(pending, f) }),
	)

	ctx, cancel := context.WithCancel(s.ctx)
	require.NoError(s.T(), svc.RequestPasswordReset(ctx, "alice@example.com"))
	cancel()

	assert.Empty(s.T(), s.mailer.messages(), "delivery must not run inside the request")
	require.Len(s.T(), pending, 1)
	pending[0]()
	assert.Len(s.T(), s.mailer.messages(), 1, "delivery outlives the request context")

	require.NoError(s.T(), svc.RequestPasswordReset(s.ctx, "ghost@example.com"))
	assert.Len(s.T(), pending, 1, "unknown addresses schedule nothing")
}

func (s *CredentialServiceTestSuite) TestEmailControlCharactersRejected() {
	for _, email := range []string{
		"alice@example.com\r\nBcc: victim@example.com",
		"alice@example.com\nX-Injected: 1",
		"al\x00ice@example.com",
	} {
		_, err := s.svc.Register(s.ctx, "alice", email, "pw")
		assert.ErrorIs(s.T(), err, core.ErrValidation, "%q", email)
	}

	u := s.register("alice", "alice@example.com", "pw")
	bad := "new@example.com\r\nBcc: victim@example.com"
	err := s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{Email: &bad})
	assert.ErrorIs(s.T(), err, core.ErrValidation)
}

func (s *CredentialServiceTestSuite) TestPasswordLengthLimit() {
	long := strings.Repeat("p", 73)
	atLimit := strings.Repeat("p", 72)

	_, err := s.svc.Register(s.ctx, "alice", "alice@example.com", long)
	var verr *core.ValidationError
	require.ErrorAs(s.T(), err, &verr)
	assert.Equal(s.T(), "password", verr.Field)

	u := s.register("alice", "alice@example.com", atLimit)

	err = s.svc.ChangePassword(s.ctx, u, atLimit, long)
	require.ErrorAs(s.T(), err, &verr)
	assert.Equal(s.T(), "new_password", verr.Field)

	current := atLimit
	err = s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{CurrentPassword: &current, NewPassword: &long})
	assert.ErrorIs(s.T(), err, core.ErrValidation)

	token, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)
	_, err = s.svc.ConsumeResetToken(s.ctx, token, long)
	assert.ErrorIs(s.T(), err, core.ErrValidation)

	_, err = s.svc.Authenticate(s.ctx, "alice", atLimit)
	assert.NoError(s.T(), err, "rejected changes leave the password alone")
}

func (s *CredentialServiceTestSuite) TestConsumeResetTokenChecksTokenFirst() {
	u := s.register("alice", "alice@example.com", "old")

	_, err := s.svc.ConsumeResetToken(s.ctx, "unknown", "")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
	_, err = s.svc.ConsumeResetToken(s.ctx, "unknown", strings.Repeat("p", 100))
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)

	token, err := s.svc.IssueResetToken(s.ctx, u)
	require.NoError(s.T(), err)
	_, err = s.svc.ConsumeResetToken(s.ctx, token, "")
	assert.ErrorIs(s.T(), err, core.ErrValidation)

	_, err = s.svc.ValidateResetToken(s.ctx, token)
	assert.NoError(s.T(), err, "a rejected password keeps the token usable")

	s.clock.Advance(2 * time.Hour)
	_, err = s.svc.ConsumeResetToken(s.ctx, token, "")
	assert.ErrorIs(s.T(), err, core.ErrInvalidOrExpiredToken)
}

func (s *CredentialServiceTestSuite) TestChangePassword() {
	u := s.register("alice", "alice@example.com", "old")

	err := s.svc.ChangePassword(s.ctx, u, "wrong", "new")
	assert.ErrorIs(s.T(), err, core.ErrIncorrectCurrentPassword)

	require.NoError(s.T(), s.svc.ChangePassword(s.ctx, u, "old", "new"))
	_, err = s.svc.Authenticate(s.ctx, "alice", "new")
	assert.NoError(s.T(), err)
}

func (s *CredentialServiceTestSuite) TestUpdateProfile() {
	u := s.register("alice", "alice@example.com", "old")
	s.register("bob", "bob@example.com", "pw")

	taken := "bob@example.com"
	err := s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{Email: &taken})
	assert.ErrorIs(s.T(), err, core.ErrDuplicateEmail)

	wrong, next := "wrong", "new"
	err = s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{CurrentPassword: &wrong, NewPassword: &next})
	assert.ErrorIs(s.T(), err, core.ErrIncorrectCurrentPassword)

	same := "alice@example.com"
	assert.NoError(s.T(), s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{Email: &same}), "unchanged email is a no-op")

	email, current := "alice@new.example.com", "old"
	require.NoError(s.T(), s.svc.UpdateProfile(s.ctx, u, ProfileUpdate{
		Email:           &email,
		CurrentPassword: &current,
		NewPassword:     &next,
	}))

	stored, err := s.repo.GetUserByID(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), email, stored.Email)
	_, err = s.svc.Authenticate(s.ctx, "alice", "new")
	assert.NoError(s.T(), err)

	// A new password without the current one is ignored.
	other := "ignored"
	require.NoError(s.T(), s.svc.UpdateProfile(s.ctx, stored, ProfileUpdate{NewPassword: &other}))
	_, err = s.svc.Authenticate(s.ctx, "alice", "new")
	assert.NoError(s.T(), err)
}

func (s *CredentialServiceTestSuite) TestSessionLifecycle() {
	u := s.register("alice", "alice@example.com", "pw")

	sess, err := s.svc.StartSession(s.ctx, u)
	require.NoError(s.T(), err)
	assert.Len(s.T(), sess.Token, 64)
	assert.True(s.T(), sess.ExpiresAt.Equal(s.clock.Now().Add(time.Hour)))

	got, user, err := s.svc.ResolveSession(s.ctx, sess.Token)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), u.ID, user.ID)
	assert.True(s.T(), got.ExpiresAt.Equal(sess.ExpiresAt), "no renewal before half-life")

	s.clock.Advance(40 * time.Minute)
	got, _, err = s.svc.ResolveSession(s.ctx, sess.Token)
	require.NoError(s.T(), err)
	assert.True(s.T(), got.ExpiresAt.Equal(s.clock.Now().Add(time.Hour)), "renewed past half-life")

	s.clock.Advance(time.Hour)
	_, _, err = s.svc.ResolveSession(s.ctx, sess.Token)
	assert.ErrorIs(s.T(), err, core.ErrUnauthorized)

	_, _, err = s.svc.ResolveSession(s.ctx, "")
	assert.ErrorIs(s.T(), err, core.ErrUnauthorized)
}

func (s *CredentialServiceTestSuite) TestEndSession() {
	u := s.register("alice", "alice@example.com", "pw")
	sess, err := s.svc.StartSession(s.ctx, u)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.svc.EndSession(s.ctx, sess.Token))
	_, _, err = s.svc.ResolveSession(s.ctx, sess.Token)
	assert.ErrorIs(s.T(), err, core.ErrUnauthorized)

	assert.NoError(s.T(), s.svc.EndSession(s.ctx, ""))
}

func (s *CredentialServiceTestSuite) TestPurgeExpiredSessions() {
	u := s.register("alice", "alice@example.com", "pw")
	_, err := s.svc.StartSession(s.ctx, u)
	require.NoError(s.T(), err)

	s.clock.Advance(2 * time.Hour)
	n, err := s.svc.PurgeExpiredSessions(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), n)
}

func TestCredentialServiceTestSuite(t *testing.T) {
	suite.Run(t, new(CredentialServiceTestSuite))
}
