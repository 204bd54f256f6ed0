package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"togglsync/internal/domain"
	"togglsync/internal/usecase"
)

// HTTPServer returns a configured http.Server exposing the webhook, health,
// metrics and admin endpoints. Call ListenAndServe on the returned server in
// a goroutine and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("http server configured", slog.String("addr", addr), slog.Bool("admin", a.cfg.HTTP.AdminToken != ""))
	return srv
}

// Handler builds the route table.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /webhook/toggl/{token}/", a.handleWebhook)
	mux.HandleFunc("POST /webhook/toggl/{token}", a.handleWebhook)

	if a.cfg.HTTP.AdminToken != "" {
		admin := func(pattern string, h http.HandlerFunc) {
			mux.Handle(pattern, a.requireAdmin(h))
		}
		admin("POST /admin/users/{user}/sync-metadata", a.handleSyncMetadata)
		admin("POST /admin/users/{user}/import-calendars", a.handleImportCalendars)
		admin("POST /admin/users/{user}/apply-mappings", a.handleApplyMappings)
		admin("POST /admin/users/{user}/setup-webhooks", a.handleSetupWebhooks)
		admin("POST /admin/users/{user}/remove-webhooks", a.handleRemoveWebhooks)
		admin("POST /admin/users/{user}/entries/{id}/sync", a.handleSyncEntry)
		// backfill?from=...&to=...
		// from/to accept RFC3339 or YYYY-MM-DD. If omitted, defaults to [now-24h, now].
		admin("POST /admin/users/{user}/backfill", a.handleBackfill)
	}

	return loggingMiddleware(a.log, mux)
}

func (a *App) handleSyncMetadata(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rep, err := a.metadata.SyncUser(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": rep})
}

func (a *App) handleImportCalendars(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rep, err := a.calendars.ImportUser(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": rep})
}

func (a *App) handleApplyMappings(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	n, err := a.mappings.ApplyAll(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scheduled": n})
}

func (a *App) handleSetupWebhooks(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rep, err := a.webhooks.SetupUser(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": rep})
}

func (a *App) handleRemoveWebhooks(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	rep, err := a.webhooks.Remove(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": rep})
}

func (a *App) handleSyncEntry(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": "invalid entry id"})
		return
	}
	ctx := r.Context()
	if _, err := a.store.GetTimeEntry(ctx, user, id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.engine.SyncNow(ctx, user, id); err != nil {
		a.fail(w, r, err)
		return
	}
	entry, err := a.store.GetTimeEntry(ctx, user, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "synced": entry.Synced})
}

func (a *App) handleBackfill(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	now := time.Now().UTC()
	toTime := parseEndHTTP(q.Get("to"), now)
	fromTime := parseStartHTTP(q.Get("from"), toTime.Add(-24*time.Hour))

	// Optional timeout override: ?timeout=5m
	ctx := r.Context()
	if tStr := q.Get("timeout"); tStr != "" {
		if d, err := time.ParseDuration(tStr); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	rep, err := a.backfill.Run(ctx, user, fromTime, toTime)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"from":   fromTime.Format(time.RFC3339),
		"to":     toTime.Format(time.RFC3339),
		"report": rep,
	})
}

// fail maps use case errors onto status codes.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, usecase.ErrNoTogglToken),
		errors.Is(err, usecase.ErrNoWebhookDomain):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRemoteAPI):
		status = http.StatusBadGateway
	}
	a.log.Warn("admin request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, map[string]any{"status": "error", "error": err.Error()})
}

func (a *App) requireAdmin(next http.Handler) http.Handler {
	want := []byte("Bearer " + a.cfg.HTTP.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error", "error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userParam(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	v, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": "invalid user id"})
		return 0, false
	}
	return domain.UserID(v), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs every request with a request id, echoed back in
// X-Request-ID.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info("http request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", redactPath(r.URL.Path)),
			slog.Int("status", rec.status),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

// redactPath hides webhook tokens, which act as credentials.
func redactPath(p string) string {
	const prefix = "/webhook/toggl/"
	if strings.HasPrefix(p, prefix) {
		return prefix + "***/"
	}
	return p
}

// parseStartHTTP parses a start boundary that may be RFC3339 or YYYY-MM-DD.
// If empty, defaultVal is returned.
func parseStartHTTP(val string, defaultVal time.Time) time.Time {
	if val == "" {
		return defaultVal
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.Parse("2006-01-02", val); err == nil {
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}
	// On invalid input, fall back to default to avoid hard failures.
	return defaultVal
}

// parseEndHTTP parses an end boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is treated as inclusive by converting to next-day 00:00 UTC.
// If empty, defaultVal is returned.
func parseEndHTTP(val string, defaultVal time.Time) time.Time {
	if val == "" {
		return defaultVal
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.Parse("2006-01-02", val); err == nil {
		next := d.Add(24 * time.Hour)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
	}
	return defaultVal
}
