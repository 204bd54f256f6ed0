package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// ErrNoWebhookDomain is returned when no public webhook host is configured.
var ErrNoWebhookDomain = errors.New("webhook domain not configured")

// WebhookReport counts what a webhook setup did per workspace.
type WebhookReport struct {
	Created  int
	Updated  int
	Existing int
	Enabled  int
	Removed  int
	Failed   int
}

// WebhookSetup registers Toggl webhook subscriptions that call back into
// /webhook/toggl/<token>/ for every workspace of a user.
type WebhookSetup struct {
	Log    *slog.Logger
	Store  ports.Store
	Toggl  ports.TogglFactory
	Domain string // public host, e.g. sync.example.com
}

// CallbackURL is the address Toggl delivers events for token to.
func (w *WebhookSetup) CallbackURL(token string) string {
	return "https://" + w.Domain + "/webhook/toggl/" + token + "/"
}

// SetupUser makes sure each workspace of the user has an enabled
// subscription pointing at its callback URL. A subscription already on this
// host is reused, an unrelated one is repointed (free plans allow only one per
// workspace), and otherwise one is created. Per-workspace failures are logged
// and counted.
func (w *WebhookSetup) SetupUser(ctx context.Context, user domain.UserID) (WebhookReport, error) {
	var rep WebhookReport
	if w.Domain == "" {
		return rep, ErrNoWebhookDomain
	}
	toggl, err := togglClient(ctx, w.Store, w.Toggl, user)
	if err != nil {
		return rep, err
	}
	workspaces, err := w.Store.ListWorkspaces(ctx, user)
	if err != nil {
		return rep, fmt.Errorf("list workspaces: %w", err)
	}

	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if ws.WebhookToken == "" {
			rep.Failed++
			w.Log.Warn("workspace has no webhook token, run sync-metadata first",
				slog.Int64("user", int64(user)),
				slog.Int64("workspace", ws.ID),
			)
			continue
		}
		if err := w.setupWorkspace(ctx, toggl, ws, &rep); err != nil {
			rep.Failed++
			w.Log.Error("webhook setup failed",
				slog.Int64("user", int64(user)),
				slog.Int64("workspace", ws.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	w.Log.Info("webhooks set up",
		slog.Int64("user", int64(user)),
		slog.Int("created", rep.Created),
		slog.Int("updated", rep.Updated),
		slog.Int("existing", rep.Existing),
		slog.Int("enabled", rep.Enabled),
		slog.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (w *WebhookSetup) setupWorkspace(ctx context.Context, toggl ports.TogglClient, ws domain.Workspace, rep *WebhookReport) error {
	callback := w.CallbackURL(ws.WebhookToken)
	want := domain.WebhookSubscription{
		Description: fmt.Sprintf("togglsync-%d-%d", ws.UserID, ws.ID),
		URLCallback: callback,
		Enabled:     true,
	}

	subs, err := toggl.ListWebhooks(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	var ours, other *domain.WebhookSubscription
	for i := range subs {
		switch {
		case subs[i].URLCallback == callback:
			ours = &subs[i]
		case ours == nil && strings.Contains(subs[i].URLCallback, w.Domain):
			ours = &subs[i]
		case other == nil:
			other = &subs[i]
		}
	}

	var got domain.WebhookSubscription
	switch {
	case ours != nil && ours.URLCallback == callback:
		got = *ours
		if !got.Enabled {
			if err := toggl.SetWebhookEnabled(ctx, ws.ID, got.SubscriptionID, true); err != nil {
				return fmt.Errorf("enable webhook %d: %w", got.SubscriptionID, err)
			}
			got.Enabled = true
			rep.Enabled++
		}
		rep.Existing++
	case ours != nil || other != nil:
		cur := ours
		if cur == nil {
			cur = other
		}
		got, err = toggl.UpdateWebhook(ctx, ws.ID, cur.SubscriptionID, want)
		if err != nil {
			return fmt.Errorf("update webhook %d: %w", cur.SubscriptionID, err)
		}
		got.SubscriptionID = cur.SubscriptionID
		if got.Secret == "" {
			got.Secret = cur.Secret
		}
		got.Enabled = true
		rep.Updated++
	default:
		got, err = toggl.CreateWebhook(ctx, ws.ID, want)
		if err != nil {
			return fmt.Errorf("create webhook: %w", err)
		}
		got.Enabled = true
		rep.Created++
	}

	id := got.SubscriptionID
	ws.WebhookSubscriptionID = &id
	ws.WebhookSecret = got.Secret
	ws.WebhookEnabled = got.Enabled
	if err := w.Store.UpdateWorkspaceWebhook(ctx, ws); err != nil {
		return fmt.Errorf("save webhook: %w", err)
	}
	w.Log.Info("webhook ready",
		slog.Int64("user", int64(ws.UserID)),
		slog.Int64("workspace", ws.ID),
		slog.Int64("subscription", id),
	)
	return nil
}

// Remove deletes the user's subscriptions and clears their local state. The
// webhook token is kept so a later setup reuses the same callback URL.
func (w *WebhookSetup) Remove(ctx context.Context, user domain.UserID) (WebhookReport, error) {
	var rep WebhookReport
	toggl, err := togglClient(ctx, w.Store, w.Toggl, user)
	if err != nil {
		return rep, err
	}
	workspaces, err := w.Store.ListWorkspaces(ctx, user)
	if err != nil {
		return rep, fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if ws.WebhookSubscriptionID == nil {
			continue
		}
		if err := toggl.DeleteWebhook(ctx, ws.ID, *ws.WebhookSubscriptionID); err != nil {
			rep.Failed++
			w.Log.Error("webhook removal failed",
				slog.Int64("user", int64(user)),
				slog.Int64("workspace", ws.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ws.WebhookSubscriptionID = nil
		ws.WebhookSecret = ""
		ws.WebhookEnabled = false
		if err := w.Store.UpdateWorkspaceWebhook(ctx, ws); err != nil {
			return rep, fmt.Errorf("save workspace %d: %w", ws.ID, err)
		}
		rep.Removed++
	}
	return rep, nil
}
