package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/services"
	appweb "fintrack/web"
)

// Credentials is the account and session surface the handlers use.
// *services.CredentialService implements it.
type Credentials interface {
	Register(ctx context.Context, username, email, password string) (core.User, error)
	Authenticate(ctx context.Context, username, password string) (core.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ValidateResetToken(ctx context.Context, token string) (core.User, error)
	ConsumeResetToken(ctx context.Context, token, newPassword string) (core.User, error)
	UpdateProfile(ctx context.Context, u core.User, in services.ProfileUpdate) error
	StartSession(ctx context.Context, u core.User) (core.Session, error)
	ResolveSession(ctx context.Context, token string) (core.Session, core.User, error)
	EndSession(ctx context.Context, token string) error
}

// Transactions is implemented by *services.TransactionService.
type Transactions interface {
	Add(ctx context.Context, userID int64, in services.TransactionInput) (core.Transaction, error)
	List(ctx context.Context, userID int64, f core.TransactionFilter) ([]core.Transaction, error)
	Delete(ctx context.Context, userID, id int64) error
	CurrentMonthSummary(ctx context.Context, userID int64) (core.MonthlySummary, error)
}

// Pinger reports storage liveness for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr          string
	Credentials   Credentials
	Transactions  Transactions
	Storage       Pinger
	Logger        *log.Logger
	SecureCookies bool
	RateLimit     ratelimit.Config

	// SecretKey signs flash cookies. A random key is used when empty.
	SecretKey string

	// TrustedProxies are extra CIDRs whose forwarding headers are honoured.
	TrustedProxies []string
}

type Server struct {
	http.Server
	templates     *template.Template
	creds         Credentials
	txs           Transactions
	storage       Pinger
	secureCookies bool
	secretKey     []byte

	logger           *log.Logger
	structured       *log.StructuredLogger
	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

// NewServer parses the embedded templates and wires routes and middleware.
func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.ForComponent(log.ComponentHTTP, "info")
	}

	t, err := template.New("").Funcs(templateFuncs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	secretKey := []byte(opts.SecretKey)
	if len(secretKey) == 0 {
		secretKey = make([]byte, 32)
		if _, err := rand.Read(secretKey); err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
	}

	detector := security.NewDetector()
	for _, cidr := range opts.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			return nil, err
		}
	}

	s := &Server{
		templates:        t,
		creds:            opts.Credentials,
		txs:              opts.Transactions,
		storage:          opts.Storage,
		secureCookies:    opts.SecureCookies,
		secretKey:        secretKey,
		logger:           logger.WithComponent(log.ComponentHTTP),
		structured:       log.NewStructuredLogger(logger),
		rateLimiter:      ratelimit.NewLimiter(opts.RateLimit),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger, detector.ExtractClientIP),
		appMetrics:       newAppMetrics(),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	var handler http.Handler = mux
	handler = s.loadSession(handler)
	handler = detector.Middleware(handler)
	handler = headers.Middleware(handler)
	handler = s.traceMiddleware.Middleware(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.Handle("GET /{$}", s.requireAuth(s.handleIndex))

	mux.Handle("GET /register", s.guestOnly(s.handleRegisterPage))
	mux.Handle("POST /register", s.limited(s.guestOnly(s.handleRegister)))
	mux.Handle("GET /login", s.guestOnly(s.handleLoginPage))
	mux.Handle("POST /login", s.limited(s.guestOnly(s.handleLogin)))
	mux.Handle("GET /logout", s.requireAuth(s.handleLogout))

	mux.Handle("GET /reset_password_request", s.guestOnly(s.handleResetRequestPage))
	mux.Handle("POST /reset_password_request", s.limited(s.guestOnly(s.handleResetRequest)))
	mux.Handle("GET /reset_password/{token}", s.guestOnly(s.handleResetPasswordPage))
	mux.Handle("POST /reset_password/{token}", s.limited(s.guestOnly(s.handleResetPassword)))

	mux.Handle("POST /add_transaction", s.requireAuth(s.handleAddTransaction))
	mux.Handle("GET /transactions", s.requireAuth(s.handleListTransactions))
	mux.Handle("DELETE /transaction/{id}", s.requireAuth(s.handleDeleteTransaction))
	mux.Handle("GET /monthly-summary", s.requireAuth(s.handleMonthlySummary))
	mux.Handle("POST /update-profile", s.requireAuth(s.handleUpdateProfile))
}

// limited applies the per-client rate limit to unauthenticated POSTs.
func (s *Server) limited(next http.Handler) http.Handler {
	return s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(),
			"Rate limit exceeded",
			log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
			log.FieldPath, r.URL.Path)
		if wantsJSON(r) {
			JSONError(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.").Write(w)
			return
		}
		http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	})(next)
}

// Shutdown stops the rate limiter cleanup and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// fail writes err as a JSON envelope, logging anything that maps to 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		component := log.ComponentHTTP
		if errors.Is(err, core.ErrStorage) {
			component = log.ComponentStorage
		}
		fields := log.NewFields().WithHTTPRequest(r.Method, r.URL.Path, "", "", "")
		log.NewStructuredLogger(log.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, component, "", fields)
	}
	JSONError(status, msg).Write(w)
}

type pageData struct {
	Title string
	User  *core.User
	Flash *flash
	Error string
	Form  map[string]string
	Token string
	Today string

	Summary      core.MonthlySummary
	Transactions []core.Transaction
	Filter       TransactionFilterInput
}

var templateFuncs = template.FuncMap{
	"money": func(m core.Money) string { return m.String() },
	"date":  func(d core.Date) string { return d.String() },
}

// render executes a page template into a buffer so that failures never
// produce a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	if u, ok := currentUser(r.Context()); ok && data.User == nil {
		data.User = &u
	}
	if data.Flash == nil {
		data.Flash = s.popFlash(w, r)
	}

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.FromContext(r.Context()).WithComponent(log.ComponentTemplate).ErrorContext(r.Context(),
			"Template execution failed",
			"template", name,
			log.FieldError, err)
		http.Error(w, genericErrorMessage, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
