package http

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

type appMetrics struct {
	uptime              time.Time
	transactionsCreated int64
	transactionsDeleted int64
	logins              int64
	loginFailures       int64
	registrations       int64
	resetRequests       int64
}

func newAppMetrics() *appMetrics {
	return &appMetrics{uptime: time.Now()}
}

// handleHealth reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().
		Header("Cache-Control", "no-store").
		Field("status", "ok").
		Field("timestamp", time.Now().UTC().Format(time.RFC3339)).
		Field("uptime", time.Since(s.appMetrics.uptime).Round(time.Second).String()).
		Write(w)
}

// handleReady checks storage and templates; 503 when either is unusable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	if s.storage == nil {
		checks["storage"] = "not_configured"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else if err := s.storage.Ping(ctx); err != nil {
		s.logger.WarnContext(r.Context(), "Readiness check failed", "check", "storage", "error", err)
		checks["storage"] = "failed"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	checks["rate_limiter"] = map[string]any{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	NewJSONResponse().
		Status(httpStatus).
		Header("Cache-Control", "no-store").
		Field("success", httpStatus == http.StatusOK).
		Field("status", status).
		Field("timestamp", time.Now().UTC().Format(time.RFC3339)).
		Field("checks", checks).
		Write(w)
}

// handleMetrics writes counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	traceMetrics := s.traceMiddleware.GetMetrics()
	securityMetrics := s.securityDetector.GetMetrics()
	m := s.appMetrics

	metrics := []struct {
		name, help, kind string
		value            float64
	}{
		{"http_requests_total", "Total number of HTTP requests", "counter", float64(traceMetrics.TotalRequests)},
		{"http_server_errors_total", "Responses with a 5xx status", "counter", float64(traceMetrics.ServerErrors)},
		{"transactions_created_total", "Transactions created", "counter", float64(atomic.LoadInt64(&m.transactionsCreated))},
		{"transactions_deleted_total", "Transactions deleted", "counter", float64(atomic.LoadInt64(&m.transactionsDeleted))},
		{"registrations_total", "Accounts registered", "counter", float64(atomic.LoadInt64(&m.registrations))},
		{"logins_total", "Successful logins", "counter", float64(atomic.LoadInt64(&m.logins))},
		{"login_failures_total", "Rejected login attempts", "counter", float64(atomic.LoadInt64(&m.loginFailures))},
		{"password_reset_requests_total", "Password reset requests", "counter", float64(atomic.LoadInt64(&m.resetRequests))},
		{"rate_limit_hits_total", "Requests rejected by the rate limiter", "counter", float64(s.rateLimiter.Rejected())},
		{"active_rate_limit_clients", "Currently tracked rate limit clients", "gauge", float64(s.rateLimiter.ActiveClients())},
		{"suspicious_requests_total", "Suspicious requests detected", "counter", float64(securityMetrics.SuspiciousRequests)},
		{"uptime_seconds", "Application uptime in seconds", "gauge", time.Since(m.uptime).Seconds()},
	}

	w.WriteHeader(http.StatusOK)
	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
		fmt.Fprintf(w, "%s %.0f\n\n", metric.name, metric.value)
	}
}
