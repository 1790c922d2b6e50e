package http

import (
	"errors"
	"net/http"
	"sync/atomic"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

const (
	msgResetRequested = "Check your email for password reset instructions."
	msgResetDone      = "Your password has been reset."
	msgRegistered     = "Registration successful. Please log in."
	msgInvalidToken   = "Invalid or expired reset token."
)

// pageError re-renders a form page with the error mapped to its status.
func (s *Server) pageError(w http.ResponseWriter, r *http.Request, page string, err error, data pageData) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err)
	}
	data.Error = msg
	s.render(w, r, status, page, data)
}

// parseBody parses the request body, answering with 400 on failure.
func (s *Server) parseBody(w http.ResponseWriter, r *http.Request, page string, data pageData) (*RequestBodyParser, bool) {
	p := NewRequestBodyParser(w, r)
	if err := p.Parse(); err != nil {
		if wantsJSON(r) || page == "" {
			s.fail(w, r, err)
		} else {
			s.pageError(w, r, page, err, data)
		}
		return nil, false
	}
	return p, true
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "register.html", pageData{Title: "Register"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Register"}
	p, ok := s.parseBody(w, r, "register.html", data)
	if !ok {
		return
	}
	in := ParseRegisterInput(p)
	data.Form = map[string]string{"username": in.Username, "email": in.Email}
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentAuth)

	u, err := s.creds.Register(r.Context(), in.Username, in.Email, in.Password)
	if err != nil {
		logger.InfoContext(r.Context(), "Registration rejected",
			log.FieldOperation, log.OpRegister,
			log.FieldError, err)
		if p.IsJSON() || wantsJSON(r) {
			s.fail(w, r, err)
			return
		}
		s.pageError(w, r, "register.html", err, data)
		return
	}

	atomic.AddInt64(&s.appMetrics.registrations, 1)
	logger.InfoContext(r.Context(), "User registered", log.NewFields().WithUser(u.ID).WithOperation(log.OpRegister).ToSlice()...)

	if p.IsJSON() || wantsJSON(r) {
		NewJSONResponse().Status(http.StatusCreated).Write(w)
		return
	}
	s.setFlash(w, "success", msgRegistered)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login.html", pageData{Title: "Log in"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Log in"}
	p, ok := s.parseBody(w, r, "login.html", data)
	if !ok {
		return
	}
	in := ParseLoginInput(p)
	data.Form = map[string]string{"username": in.Username}
	jsonClient := p.IsJSON() || wantsJSON(r)
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentAuth)

	u, err := s.creds.Authenticate(r.Context(), in.Username, in.Password)
	if err == nil {
		var sess core.Session
		sess, err = s.creds.StartSession(r.Context(), u)
		if err == nil {
			s.setSessionCookie(w, sess)
		}
	}
	if err != nil {
		if errors.Is(err, core.ErrInvalidCredentials) {
			atomic.AddInt64(&s.appMetrics.loginFailures, 1)
			logger.WarnContext(r.Context(), "Login failed",
				log.FieldOperation, log.OpLogin,
				log.FieldClientIP, s.securityDetector.ExtractClientIP(r))
		}
		if jsonClient {
			s.fail(w, r, err)
			return
		}
		s.pageError(w, r, "login.html", err, data)
		return
	}

	atomic.AddInt64(&s.appMetrics.logins, 1)
	logger.InfoContext(r.Context(), "User logged in", log.NewFields().WithUser(u.ID).WithOperation(log.OpLogin).ToSlice()...)

	if jsonClient {
		NewJSONResponse().Write(w)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := s.creds.EndSession(r.Context(), cookie.Value); err != nil {
			log.FromContext(r.Context()).WithComponent(log.ComponentAuth).ErrorContext(r.Context(),
				"Failed to end session",
				log.FieldOperation, log.OpLogout,
				log.FieldError, err)
		}
	}
	if u, ok := currentUser(r.Context()); ok {
		log.FromContext(r.Context()).WithComponent(log.ComponentAuth).InfoContext(r.Context(),
			"User logged out", log.NewFields().WithUser(u.ID).WithOperation(log.OpLogout).ToSlice()...)
	}
	s.clearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *Server) handleResetRequestPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "reset_password_request.html", pageData{Title: "Reset password"})
}

// handleResetRequest answers identically whether or not the address is
// registered.
func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Reset password"}
	p, ok := s.parseBody(w, r, "reset_password_request.html", data)
	if !ok {
		return
	}
	in := ParseResetRequestInput(p)
	jsonClient := p.IsJSON() || wantsJSON(r)

	if err := s.creds.RequestPasswordReset(r.Context(), in.Email); err != nil {
		if jsonClient {
			s.fail(w, r, err)
			return
		}
		data.Form = map[string]string{"email": in.Email}
		s.pageError(w, r, "reset_password_request.html", err, data)
		return
	}
	atomic.AddInt64(&s.appMetrics.resetRequests, 1)

	if jsonClient {
		NewJSONResponse().Field("message", msgResetRequested).Write(w)
		return
	}
	data.Flash = &flash{Kind: "info", Message: msgResetRequested}
	s.render(w, r, http.StatusOK, "reset_password_request.html", data)
}

// invalidToken sends browsers back to the request form with an error.
func (s *Server) invalidToken(w http.ResponseWriter, r *http.Request, jsonClient bool) {
	if jsonClient {
		JSONError(http.StatusBadRequest, msgInvalidToken).Write(w)
		return
	}
	s.setFlash(w, "error", msgInvalidToken)
	http.Redirect(w, r, "/reset_password_request", http.StatusSeeOther)
}

func (s *Server) handleResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if _, err := s.creds.ValidateResetToken(r.Context(), token); err != nil {
		if errors.Is(err, core.ErrInvalidOrExpiredToken) {
			s.invalidToken(w, r, wantsJSON(r))
			return
		}
		s.pageError(w, r, "reset_password.html", err, pageData{Title: "Choose a new password", Token: token})
		return
	}
	if wantsJSON(r) {
		NewJSONResponse().Write(w)
		return
	}
	s.render(w, r, http.StatusOK, "reset_password.html", pageData{Title: "Choose a new password", Token: token})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	data := pageData{Title: "Choose a new password", Token: token}
	p, ok := s.parseBody(w, r, "reset_password.html", data)
	if !ok {
		return
	}
	in := ParseResetPasswordInput(p)
	jsonClient := p.IsJSON() || wantsJSON(r)

	u, err := s.creds.ConsumeResetToken(r.Context(), token, in.Password)
	switch {
	case errors.Is(err, core.ErrInvalidOrExpiredToken):
		s.invalidToken(w, r, jsonClient)
		return
	case err != nil:
		if jsonClient {
			s.fail(w, r, err)
			return
		}
		s.pageError(w, r, "reset_password.html", err, data)
		return
	}

	log.FromContext(r.Context()).WithComponent(log.ComponentAuth).InfoContext(r.Context(),
		"Password reset via token", log.NewFields().WithUser(u.ID).WithOperation(log.OpReset).ToSlice()...)

	if jsonClient {
		NewJSONResponse().Field("message", msgResetDone).Write(w)
		return
	}
	s.setFlash(w, "success", msgResetDone)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// handleUpdateProfile applies an optional email change and an optional
// password change in one step.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, _ := currentUser(r.Context())
	p, ok := s.parseBody(w, r, "", pageData{})
	if !ok {
		return
	}
	in := ParseUpdateProfileInput(p)

	if err := s.creds.UpdateProfile(r.Context(), u, in.service()); err != nil {
		s.fail(w, r, err)
		return
	}
	log.FromContext(r.Context()).WithComponent(log.ComponentAuth).InfoContext(r.Context(),
		"Profile updated", log.NewFields().WithUser(u.ID).WithOperation(log.OpProfile).ToSlice()...)
	NewJSONResponse().Write(w)
}
