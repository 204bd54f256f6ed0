package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// ErrNoTogglToken is returned when a user has no Toggl API token stored.
var ErrNoTogglToken = errors.New("toggl api token not configured")

var webhookPath = regexp.MustCompile(`/webhook/toggl/([^/]+)/?`)

// MetadataReport counts what a metadata sync wrote.
type MetadataReport struct {
	Organizations int
	Workspaces    int
	Projects      int
	Tags          int
	Webhooks      int
	Failures      int
}

// MetadataSync mirrors organizations, workspaces, projects, tags and webhook
// subscriptions from Toggl into the store.
type MetadataSync struct {
	Log           *slog.Logger
	Store         ports.Store
	Toggl         ports.TogglFactory
	WebhookDomain string
	NewToken      func() string // defaults to a random uuid without dashes
	Now           func() time.Time
}

func (m *MetadataSync) token() string {
	if m.NewToken != nil {
		return m.NewToken()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *MetadataSync) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MetadataSync) client(ctx context.Context, user domain.UserID) (ports.TogglClient, error) {
	return togglClient(ctx, m.Store, m.Toggl, user)
}

func togglClient(ctx context.Context, store ports.CredentialStore, factory ports.TogglFactory, user domain.UserID) (ports.TogglClient, error) {
	creds, err := store.GetCredentials(ctx, user)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.TogglAPIToken == "" {
		return nil, ErrNoTogglToken
	}
	return factory(creds.TogglAPIToken), nil
}

// SyncUser pulls the full metadata tree of a user. Failures inside one
// workspace are logged and counted; the rest of the sync continues.
func (m *MetadataSync) SyncUser(ctx context.Context, user domain.UserID) (MetadataReport, error) {
	var rep MetadataReport
	toggl, err := m.client(ctx, user)
	if err != nil {
		return rep, err
	}

	orgs, err := toggl.ListOrganizations(ctx)
	if err != nil {
		return rep, fmt.Errorf("list organizations: %w", err)
	}
	known := make(map[int64]bool, len(orgs))
	for _, o := range orgs {
		o.UserID = user
		if err := m.Store.UpsertOrganization(ctx, o); err != nil {
			return rep, fmt.Errorf("save organization %d: %w", o.ID, err)
		}
		known[o.ID] = true
		rep.Organizations++
	}

	workspaces, err := toggl.ListWorkspaces(ctx)
	if err != nil {
		return rep, fmt.Errorf("list workspaces: %w", err)
	}
	for _, w := range workspaces {
		w.UserID = user
		if w.OrganizationID != nil && !known[*w.OrganizationID] {
			w.OrganizationID = nil
		}
		w.WebhookToken = m.token()
		if _, err := m.Store.UpsertWorkspace(ctx, w); err != nil {
			return rep, fmt.Errorf("save workspace %d: %w", w.ID, err)
		}
		rep.Workspaces++
	}

	stored, err := m.Store.ListWorkspaces(ctx, user)
	if err != nil {
		return rep, fmt.Errorf("list stored workspaces: %w", err)
	}
	for _, ws := range stored {
		projects, tags, err := m.refresh(ctx, toggl, user, ws.ID)
		rep.Projects += projects
		rep.Tags += tags
		if err != nil {
			rep.Failures++
			m.Log.Warn("workspace metadata sync failed",
				slog.Int64("user", int64(user)),
				slog.Int64("workspace", ws.ID),
				slog.String("error", err.Error()),
			)
		}
		found, err := m.adoptWebhooks(ctx, toggl, ws)
		if err != nil {
			rep.Failures++
			m.Log.Warn("could not fetch webhooks",
				slog.Int64("user", int64(user)),
				slog.Int64("workspace", ws.ID),
				slog.String("error", err.Error()),
			)
		}
		rep.Webhooks += found
	}

	if err := m.Store.MarkMetadataSynced(ctx, user, m.now()); err != nil {
		return rep, fmt.Errorf("mark metadata synced: %w", err)
	}
	m.Log.Info("metadata synced",
		slog.Int64("user", int64(user)),
		slog.Int("organizations", rep.Organizations),
		slog.Int("workspaces", rep.Workspaces),
		slog.Int("projects", rep.Projects),
		slog.Int("tags", rep.Tags),
		slog.Int("webhooks", rep.Webhooks),
		slog.Int("failures", rep.Failures),
	)
	return rep, nil
}

// RefreshWorkspace pulls projects and tags of one workspace. An unknown
// workspace triggers a full SyncUser instead.
func (m *MetadataSync) RefreshWorkspace(ctx context.Context, user domain.UserID, workspaceID int64) error {
	if _, err := m.Store.GetWorkspace(ctx, user, workspaceID); errors.Is(err, domain.ErrNotFound) {
		_, err := m.SyncUser(ctx, user)
		return err
	} else if err != nil {
		return fmt.Errorf("load workspace %d: %w", workspaceID, err)
	}
	toggl, err := m.client(ctx, user)
	if err != nil {
		return err
	}
	projects, tags, err := m.refresh(ctx, toggl, user, workspaceID)
	if err != nil {
		return err
	}
	m.Log.Info("workspace metadata refreshed",
		slog.Int64("user", int64(user)),
		slog.Int64("workspace", workspaceID),
		slog.Int("projects", projects),
		slog.Int("tags", tags),
	)
	return nil
}

// refresh writes projects and tags. A failing list call does not stop the
// other one; the first error is returned.
func (m *MetadataSync) refresh(ctx context.Context, toggl ports.TogglClient, user domain.UserID, wsID int64) (int, int, error) {
	var errs []error
	nProjects, nTags := 0, 0

	projects, err := toggl.ListProjects(ctx, wsID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list projects: %w", err))
	}
	for _, p := range projects {
		p.UserID = user
		p.WorkspaceID = wsID
		if err := m.Store.UpsertProject(ctx, p); err != nil {
			return nProjects, nTags, fmt.Errorf("save project %d: %w", p.ID, err)
		}
		nProjects++
	}

	tags, err := toggl.ListTags(ctx, wsID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list tags: %w", err))
	}
	for _, t := range tags {
		t.UserID = user
		t.WorkspaceID = wsID
		if err := m.Store.UpsertTag(ctx, t); err != nil {
			return nProjects, nTags, fmt.Errorf("save tag %d: %w", t.ID, err)
		}
		nTags++
	}
	return nProjects, nTags, errors.Join(errs...)
}

// adoptWebhooks records subscriptions that already point at this deployment,
// taking over the token from their callback URL.
func (m *MetadataSync) adoptWebhooks(ctx context.Context, toggl ports.TogglClient, ws domain.Workspace) (int, error) {
	if m.WebhookDomain == "" {
		return 0, nil
	}
	subs, err := toggl.ListWebhooks(ctx, ws.ID)
	if err != nil {
		return 0, err
	}
	found := 0
	for _, s := range subs {
		if !strings.Contains(s.URLCallback, m.WebhookDomain) {
			continue
		}
		match := webhookPath.FindStringSubmatch(s.URLCallback)
		if match == nil {
			continue
		}
		id := s.SubscriptionID
		ws.WebhookToken = match[1]
		ws.WebhookSubscriptionID = &id
		ws.WebhookSecret = s.Secret
		ws.WebhookEnabled = s.Enabled
		if err := m.Store.UpdateWorkspaceWebhook(ctx, ws); err != nil {
			return found, fmt.Errorf("save webhook of workspace %d: %w", ws.ID, err)
		}
		found++
		m.Log.Info("found existing webhook",
			slog.Int64("user", int64(ws.UserID)),
			slog.Int64("workspace", ws.ID),
			slog.Int64("subscription", id),
		)
	}
	return found, nil
}
