package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

const (
	sessionCookieName = "session"
	flashCookieName   = "flash"
)

type contextKey string

const userContextKey contextKey = "user"

func withUser(ctx context.Context, u core.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// currentUser returns the authenticated user set by the session middleware.
func currentUser(ctx context.Context) (core.User, bool) {
	u, ok := ctx.Value(userContextKey).(core.User)
	return u, ok
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess core.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// loadSession resolves the session cookie and stores the user in the
// request context. Stale cookies are cleared.
func (s *Server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, u, err := s.creds.ResolveSession(r.Context(), cookie.Value)
		switch {
		case err == nil:
			s.setSessionCookie(w, sess)
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
		case errors.Is(err, core.ErrUnauthorized):
			s.clearSessionCookie(w)
			next.ServeHTTP(w, r)
		default:
			log.FromContext(r.Context()).WithComponent(log.ComponentAuth).ErrorContext(r.Context(),
				"Session lookup failed", log.FieldError, err)
			s.fail(w, r, err)
		}
	})
}

// requireAuth redirects anonymous browsers to /login and answers JSON
// clients with 401.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := currentUser(r.Context()); !ok {
			if wantsJSON(r) {
				JSONError(http.StatusUnauthorized, "Authentication required").Write(w)
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	})
}

// guestOnly sends users that are already logged in to the dashboard.
func (s *Server) guestOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := currentUser(r.Context()); ok {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		next(w, r)
	})
}

type flash struct {
	Kind    string
	Message string
}

func (s *Server) signFlash(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// setFlash stores a one-shot message shown by the next rendered page. The
// value is signed with the server secret.
func (s *Server) setFlash(w http.ResponseWriter, kind, message string) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(kind + ":" + message))
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    payload + "." + s.signFlash(payload),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash reads and clears the flash cookie. Unsigned or tampered values
// are discarded.
func (s *Server) popFlash(w http.ResponseWriter, r *http.Request) *flash {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookieName, Path: "/", MaxAge: -1})

	payload, sig, ok := strings.Cut(cookie.Value, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(s.signFlash(payload))) {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	kind, message, ok := strings.Cut(string(raw), ":")
	if !ok || message == "" {
		return nil
	}
	switch kind {
	case "success", "info", "error":
	default:
		kind = "info"
	}
	return &flash{Kind: kind, Message: message}
}
