package app

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	tg "togglsync/internal/adapter/toggl"
	"togglsync/internal/domain"
)

const maxWebhookBody = 1 << 20

// handleWebhook accepts a Toggl delivery for the workspace owning the path
// token. It only records the change; calendar work happens in the engine.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	action := "unknown"
	status := http.StatusOK
	defer func() { a.mx.Webhook(action, strconv.Itoa(status)) }()

	reply := func(code int, body map[string]any) {
		status = code
		writeJSON(w, code, body)
	}

	ctx := r.Context()
	ws, err := a.store.WorkspaceByWebhookToken(ctx, r.PathValue("token"))
	if errors.Is(err, domain.ErrNotFound) {
		reply(http.StatusNotFound, map[string]any{"status": "error", "error": "unknown webhook"})
		return
	}
	if err != nil {
		a.log.Error("webhook workspace lookup failed", slog.String("error", err.Error()))
		reply(http.StatusInternalServerError, map[string]any{"status": "error", "error": "internal error"})
		return
	}
	log := a.log.With(slog.Int64("user", int64(ws.UserID)), slog.Int64("workspace", ws.ID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		reply(http.StatusBadRequest, map[string]any{"status": "error", "error": "unreadable body"})
		return
	}
	if ws.WebhookSecret != "" && !tg.VerifySignature(body, r.Header.Get(tg.SignatureHeader), ws.WebhookSecret) {
		log.Warn("webhook signature mismatch")
		reply(http.StatusUnauthorized, map[string]any{"status": "error", "error": "invalid signature"})
		return
	}

	wh, err := tg.ParseWebhook(body)
	if err != nil {
		log.Warn("malformed webhook", slog.String("error", err.Error()))
		reply(http.StatusBadRequest, map[string]any{"status": "error", "error": "invalid json"})
		return
	}
	if wh.Ping {
		action = "ping"
		if wh.ValidationCode != "" {
			reply(http.StatusOK, map[string]any{"validation_code": wh.ValidationCode})
			return
		}
		reply(http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	if wh.Action != "" {
		action = string(wh.Action)
	}
	if wh.Entry == nil {
		log.Info("webhook ignored", slog.String("reason", wh.Ignored))
		reply(http.StatusOK, map[string]any{"status": "ignored", "reason": wh.Ignored})
		return
	}

	if err := a.ingest.Handle(ctx, ws, *wh.Entry); err != nil {
		log.Error("webhook ingest failed",
			slog.Int64("entry", wh.Entry.EntryID),
			slog.String("error", err.Error()),
		)
		reply(http.StatusInternalServerError, map[string]any{"status": "error", "error": "internal error"})
		return
	}
	reply(http.StatusOK, map[string]any{"status": "ok"})
}
