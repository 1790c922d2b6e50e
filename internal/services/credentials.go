package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"fintrack/internal/auth"
	"fintrack/internal/core"
	"fintrack/internal/mail"

	"golang.org/x/crypto/bcrypt"
)

const (
	resetTokenBytes   = 32
	sessionTokenBytes = 32

	DefaultResetTokenTTL   = time.Hour
	DefaultSessionLifetime = 7 * 24 * time.Hour

	resetMailTimeout = 30 * time.Second
)

// CredentialService owns registration, login sessions and password resets.
type CredentialService struct {
	users    UserStore
	sessions SessionStore
	mailer   mail.Sender

	baseURL         string
	resetTTL        time.Duration
	sessionLifetime time.Duration
	bcryptCost      int
	now             func() time.Time
	dispatch        func(func())
}

type CredentialOption func(*CredentialService)

// WithBaseURL sets the absolute URL prefix used in reset links.
func WithBaseURL(u string) CredentialOption {
	return func(s *CredentialService) { s.baseURL = u }
}

func WithResetTokenTTL(d time.Duration) CredentialOption {
	return func(s *CredentialService) {
		if d > 0 {
			s.resetTTL = d
		}
	}
}

func WithSessionLifetime(d time.Duration) CredentialOption {
	return func(s *CredentialService) {
		if d > 0 {
			s.sessionLifetime = d
		}
	}
}

func WithBcryptCost(cost int) CredentialOption {
	return func(s *CredentialService) { s.bcryptCost = cost }
}

// WithMailDispatch sets how reset mail delivery is scheduled. The default
// runs it on its own goroutine so the request returns before the mail
// backend answers. Tests pass a function that calls f directly.
func WithMailDispatch(dispatch func(f func())) CredentialOption {
	return func(s *CredentialService) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CredentialOption {
	return func(s *CredentialService) { s.now = now }
}

func NewCredentialService(users UserStore, sessions SessionStore, mailer mail.Sender, opts ...CredentialOption) *CredentialService {
	s := &CredentialService{
		users:           users,
		sessions:        sessions,
		mailer:          mailer,
		baseURL:         "http://localhost:8080",
		resetTTL:        DefaultResetTokenTTL,
		sessionLifetime: DefaultSessionLifetime,
		bcryptCost:      bcrypt.DefaultCost,
		now:             time.Now,
		dispatch:        func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionLifetime is the idle lifetime granted to new and renewed sessions.
func (s *CredentialService) SessionLifetime() time.Duration {
	return s.sessionLifetime
}

func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return core.Invalid("username", "is required")
	}
	if len(username) > core.MaxUsernameLength {
		return core.Invalid("username", "too long (max %d characters)", core.MaxUsernameLength)
	}
	return nil
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return core.Invalid("email", "is required")
	}
	if len(email) > core.MaxEmailLength {
		return core.Invalid("email", "too long (max %d characters)", core.MaxEmailLength)
	}
	if strings.ContainsFunc(email, unicode.IsControl) {
		return core.Invalid("email", "contains control characters")
	}
	if !strings.Contains(email, "@") {
		return core.Invalid("email", "is not a valid address")
	}
	return nil
}

// validatePassword checks a password about to be hashed. bcrypt only reads
// the first auth.MaxPasswordBytes bytes and rejects longer input.
func validatePassword(field, password string) error {
	if password == "" {
		return core.Invalid(field, "is required")
	}
	if len(password) > auth.MaxPasswordBytes {
		return core.Invalid(field, "too long (max %d bytes)", auth.MaxPasswordBytes)
	}
	return nil
}

// Register creates a new account. Duplicate usernames and emails are
// reported as ErrDuplicateUsername and ErrDuplicateEmail.
func (s *CredentialService) Register(ctx context.Context, username, email, password string) (core.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if err := validateUsername(username); err != nil {
		return core.User{}, err
	}
	if err := validateEmail(email); err != nil {
		return core.User{}, err
	}
	if err := validatePassword("password", password); err != nil {
		return core.User{}, err
	}

	// Pre-checks give a stable error order; the UNIQUE constraints still
	// catch concurrent registrations.
	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return core.User{}, core.ErrDuplicateUsername
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.User{}, err
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return core.User{}, core.ErrDuplicateEmail
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.User{}, err
	}

	hash, err := auth.HashPasswordCost(password, s.bcryptCost)
	if err != nil {
		return core.User{}, err
	}

	return s.users.CreateUser(ctx, core.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	})
}

// Authenticate returns the user for a matching username and password, or
// ErrInvalidCredentials.
func (s *CredentialService) Authenticate(ctx context.Context, username, password string) (core.User, error) {
	u, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, core.ErrNotFound) {
		auth.CheckDummy(password)
		return core.User{}, core.ErrInvalidCredentials
	}
	if err != nil {
		return core.User{}, err
	}
	if !auth.CheckPassword(password, u.PasswordHash) {
		return core.User{}, core.ErrInvalidCredentials
	}
	return u, nil
}

// IssueResetToken stores a fresh single-use reset token for u, replacing any
// outstanding one, and returns it.
func (s *CredentialService) IssueResetToken(ctx context.Context, u core.User) (string, error) {
	token, err := auth.GenerateToken(resetTokenBytes)
	if err != nil {
		return "", err
	}
	expiry := s.now().UTC().Add(s.resetTTL)
	if err := s.users.SetResetToken(ctx, u.ID, token, expiry); err != nil {
		return "", err
	}
	return token, nil
}

// RequestPasswordReset mails a reset link when email belongs to an account.
// Unknown addresses are not an error, and mail failures are only logged, so
// callers cannot learn whether the address is registered.
func (s *CredentialService) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return core.Invalid("email", "is required")
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		slog.InfoContext(ctx, "Password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	token, err := s.IssueResetToken(ctx, u)
	if err != nil {
		return err
	}

	msg := mail.PasswordResetMessage(u.Email, mail.ResetLink(s.baseURL, token))
	sendCtx := context.WithoutCancel(ctx)
	userID := u.ID
	s.dispatch(func() {
		ctx, cancel := context.WithTimeout(sendCtx, resetMailTimeout)
		defer cancel()
		if err := s.mailer.Send(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "Failed to send password reset email",
				"user_id", userID,
				"error", err)
			return
		}
		slog.InfoContext(ctx, "Password reset email sent", "user_id", userID)
	})
	return nil
}

// ValidateResetToken reports whether token may still be consumed.
func (s *CredentialService) ValidateResetToken(ctx context.Context, token string) (core.User, error) {
	u, err := s.users.GetUserByResetToken(ctx, token)
	if errors.Is(err, core.ErrNotFound) {
		return core.User{}, core.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return core.User{}, err
	}
	if !u.ResetTokenValid(token, s.now()) {
		return core.User{}, core.ErrInvalidOrExpiredToken
	}
	return u, nil
}

// ConsumeResetToken sets a new password if token is valid and clears it.
// The token is checked before the password is validated or hashed.
func (s *CredentialService) ConsumeResetToken(ctx context.Context, token, newPassword string) (core.User, error) {
	if _, err := s.ValidateResetToken(ctx, token); err != nil {
		return core.User{}, err
	}
	if err := validatePassword("password", newPassword); err != nil {
		return core.User{}, err
	}
	hash, err := auth.HashPasswordCost(newPassword, s.bcryptCost)
	if err != nil {
		return core.User{}, err
	}
	// The store re-checks the token so concurrent consumers succeed once.
	u, err := s.users.ConsumeResetToken(ctx, token, hash, s.now())
	if err != nil {
		return core.User{}, err
	}
	slog.InfoContext(ctx, "Password reset completed", "user_id", u.ID)
	return u, nil
}

// ChangePassword replaces u's password after verifying current.
func (s *CredentialService) ChangePassword(ctx context.Context, u core.User, current, newPassword string) error {
	hash, err := s.passwordChangeHash(u, current, newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Password changed", "user_id", u.ID)
	return nil
}

func (s *CredentialService) passwordChangeHash(u core.User, current, newPassword string) (string, error) {
	if !auth.CheckPassword(current, u.PasswordHash) {
		return "", core.ErrIncorrectCurrentPassword
	}
	if err := validatePassword("new_password", newPassword); err != nil {
		return "", err
	}
	return auth.HashPasswordCost(newPassword, s.bcryptCost)
}

// ProfileUpdate holds optional profile changes. A password change needs both
// CurrentPassword and NewPassword.
type ProfileUpdate struct {
	Email           *string
	CurrentPassword *string
	NewPassword     *string
}

// UpdateProfile applies the requested changes atomically. A password-only
// update goes through ChangePassword.
func (s *CredentialService) UpdateProfile(ctx context.Context, u core.User, in ProfileUpdate) error {
	changePassword := in.CurrentPassword != nil && in.NewPassword != nil

	var newEmail *string
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if email != u.Email {
			if err := validateEmail(email); err != nil {
				return err
			}
			if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
				return core.ErrDuplicateEmail
			} else if !errors.Is(err, core.ErrNotFound) {
				return err
			}
			newEmail = &email
		}
	}

	if newEmail == nil {
		if !changePassword {
			return nil
		}
		return s.ChangePassword(ctx, u, *in.CurrentPassword, *in.NewPassword)
	}

	var newHash *string
	if changePassword {
		hash, err := s.passwordChangeHash(u, *in.CurrentPassword, *in.NewPassword)
		if err != nil {
			return err
		}
		newHash = &hash
	}
	if err := s.users.UpdateProfile(ctx, u.ID, newEmail, newHash); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Profile updated",
		"user_id", u.ID,
		"email_changed", newEmail != nil,
		"password_changed", newHash != nil)
	return nil
}

// StartSession creates a login session for u.
func (s *CredentialService) StartSession(ctx context.Context, u core.User) (core.Session, error) {
	token, err := auth.GenerateToken(sessionTokenBytes)
	if err != nil {
		return core.Session{}, err
	}
	now := s.now().UTC()
	sess := core.Session{
		Token:        token,
		UserID:       u.ID,
		ExpiresAt:    now.Add(s.sessionLifetime),
		LastActivity: now,
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return core.Session{}, fmt.Errorf("start session: %w", err)
	}
	return sess, nil
}

// ResolveSession returns the session and user for token. Missing or expired
// sessions yield ErrUnauthorized. Sessions past half their lifetime are
// extended, and the returned session carries the new expiry.
func (s *CredentialService) ResolveSession(ctx context.Context, token string) (core.Session, core.User, error) {
	if token == "" {
		return core.Session{}, core.User{}, core.ErrUnauthorized
	}
	sess, u, err := s.sessions.GetSession(ctx, token)
	if errors.Is(err, core.ErrNotFound) {
		return core.Session{}, core.User{}, core.ErrUnauthorized
	}
	if err != nil {
		return core.Session{}, core.User{}, err
	}

	now := s.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		if err := s.sessions.DeleteSession(ctx, token); err != nil {
			slog.WarnContext(ctx, "Failed to delete expired session", "error", err)
		}
		return core.Session{}, core.User{}, core.ErrUnauthorized
	}

	if sess.ExpiresAt.Sub(now) < s.sessionLifetime/2 {
		expiresAt := now.Add(s.sessionLifetime)
		if err := s.sessions.RenewSession(ctx, token, expiresAt, now); err != nil {
			slog.WarnContext(ctx, "Failed to renew session", "user_id", u.ID, "error", err)
		} else {
			sess.ExpiresAt = expiresAt
			sess.LastActivity = now
		}
	}
	return sess, u, nil
}

func (s *CredentialService) EndSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.DeleteSession(ctx, token)
}

// PurgeExpiredSessions deletes sessions that are past their expiry.
func (s *CredentialService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpiredSessions(ctx, s.now().UTC())
}
