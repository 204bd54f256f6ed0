package toggl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

const (
	DefaultBaseURL        = "https://api.track.toggl.com"
	DefaultWebhookBaseURL = "https://api.track.toggl.com/webhooks/api/v1"

	projectsPerPage = 200
)

// Client implements ports.TogglClient using the Toggl Track API v9 and the
// webhooks API v1.
type Client struct {
	baseURL        string
	webhookBaseURL string
	apiToken       string
	http           *http.Client
	log            *slog.Logger
}

func NewClient(baseURL, webhookBaseURL, apiToken string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if webhookBaseURL == "" {
		webhookBaseURL = DefaultWebhookBaseURL
	}
	return &Client{
		baseURL:        baseURL,
		webhookBaseURL: webhookBaseURL,
		apiToken:       apiToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// Factory returns a ports.TogglFactory building clients against the given
// endpoints.
func Factory(baseURL, webhookBaseURL string, log *slog.Logger) ports.TogglFactory {
	return func(apiToken string) ports.TogglClient {
		return NewClient(baseURL, webhookBaseURL, apiToken, log)
	}
}

var _ ports.TogglClient = (*Client)(nil)

// ListTimeEntries fetches entries in [from, to].
// Toggl v9: GET /api/v9/me/time_entries?start_date=...&end_date=...
func (c *Client) ListTimeEntries(ctx context.Context, from, to time.Time) ([]domain.TimeEntry, error) {
	q := url.Values{}
	q.Set("start_date", from.Format(time.RFC3339))
	q.Set("end_date", to.Format(time.RFC3339))
	var raw []rawTimeEntry
	if err := c.get(ctx, c.baseURL, "/api/v9/me/time_entries", q, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.TimeEntry, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListOrganizations fetches the organizations of the token owner.
func (c *Client) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var raw []rawOrganization
	if err := c.get(ctx, c.baseURL, "/api/v9/me/organizations", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Organization, 0, len(raw))
	for _, o := range raw {
		out = append(out, domain.Organization{ID: o.ID, Name: o.Name})
	}
	return out, nil
}

// ListWorkspaces fetches the workspaces of the token owner.
func (c *Client) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	var raw []rawWorkspace
	if err := c.get(ctx, c.baseURL, "/api/v9/me/workspaces", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Workspace, 0, len(raw))
	for _, w := range raw {
		out = append(out, domain.Workspace{ID: w.ID, Name: w.Name, OrganizationID: w.OrganizationID})
	}
	return out, nil
}

// ListProjects pages through the projects of a workspace.
func (c *Client) ListProjects(ctx context.Context, workspaceID int64) ([]domain.Project, error) {
	path := fmt.Sprintf("/api/v9/workspaces/%d/projects", workspaceID)
	var out []domain.Project
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(projectsPerPage))
		var raw []rawProject
		if err := c.get(ctx, c.baseURL, path, q, &raw); err != nil {
			return nil, err
		}
		for _, p := range raw {
			out = append(out, domain.Project{
				ID:          p.ID,
				WorkspaceID: p.WorkspaceID,
				Name:        p.Name,
				Active:      p.Active,
				Color:       p.Color,
			})
		}
		if len(raw) < projectsPerPage {
			return out, nil
		}
	}
}

// ListTags fetches the tags of a workspace. Toggl answers null for none.
func (c *Client) ListTags(ctx context.Context, workspaceID int64) ([]domain.Tag, error) {
	var raw []rawTag
	if err := c.get(ctx, c.baseURL, fmt.Sprintf("/api/v9/workspaces/%d/tags", workspaceID), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Tag, 0, len(raw))
	for _, t := range raw {
		out = append(out, domain.Tag{ID: t.ID, WorkspaceID: t.WorkspaceID, Name: t.Name})
	}
	return out, nil
}

// ListWebhooks fetches webhook subscriptions of a workspace.
// Webhooks v1: GET /subscriptions/{workspace_id}
func (c *Client) ListWebhooks(ctx context.Context, workspaceID int64) ([]domain.WebhookSubscription, error) {
	var raw []rawSubscription
	if err := c.get(ctx, c.webhookBaseURL, fmt.Sprintf("/subscriptions/%d", workspaceID), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.WebhookSubscription, 0, len(raw))
	for _, s := range raw {
		out = append(out, s.toDomain())
	}
	return out, nil
}

// CreateWebhook subscribes sub.URLCallback to time entry events of a
// workspace. The returned subscription carries the signing secret.
func (c *Client) CreateWebhook(ctx context.Context, workspaceID int64, sub domain.WebhookSubscription) (domain.WebhookSubscription, error) {
	var raw rawSubscription
	path := fmt.Sprintf("/subscriptions/%d", workspaceID)
	if err := c.do(ctx, http.MethodPost, c.webhookBaseURL, path, nil, subscriptionBody(sub), &raw); err != nil {
		return domain.WebhookSubscription{}, err
	}
	return raw.toDomain(), nil
}

// UpdateWebhook replaces callback, description and filters of an existing
// subscription.
func (c *Client) UpdateWebhook(ctx context.Context, workspaceID, subscriptionID int64, sub domain.WebhookSubscription) (domain.WebhookSubscription, error) {
	var raw rawSubscription
	path := fmt.Sprintf("/subscriptions/%d/%d", workspaceID, subscriptionID)
	if err := c.do(ctx, http.MethodPut, c.webhookBaseURL, path, nil, subscriptionBody(sub), &raw); err != nil {
		return domain.WebhookSubscription{}, err
	}
	return raw.toDomain(), nil
}

func (c *Client) SetWebhookEnabled(ctx context.Context, workspaceID, subscriptionID int64, enabled bool) error {
	path := fmt.Sprintf("/subscriptions/%d/%d", workspaceID, subscriptionID)
	return c.do(ctx, http.MethodPatch, c.webhookBaseURL, path, nil, map[string]bool{"enabled": enabled}, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context, workspaceID, subscriptionID int64) error {
	path := fmt.Sprintf("/subscriptions/%d/%d", workspaceID, subscriptionID)
	return c.do(ctx, http.MethodDelete, c.webhookBaseURL, path, nil, nil, nil)
}

// get issues an authenticated GET and decodes the JSON body into dst.
func (c *Client) get(ctx context.Context, base, path string, q url.Values, dst any) error {
	return c.do(ctx, http.MethodGet, base, path, q, nil, dst)
}

// do sends an authenticated request with an optional JSON body and decodes a
// JSON answer into dst when dst is not nil.
func (c *Client) do(ctx context.Context, method, base, path string, q url.Values, body, dst any) error {
	if c.apiToken == "" {
		return errors.New("missing api token")
	}
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	u.Path = u.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), payload)
	if err != nil {
		return err
	}
	// Basic auth: token:api_token
	auth := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", c.apiToken, "api_token")))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("toggl: %w: %w", domain.ErrRemoteAPI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Debug("toggl request failed",
			slog.String("method", method),
			slog.String("path", u.Path),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("toggl: %w: unexpected status %d: %s", domain.ErrRemoteAPI, resp.StatusCode, string(b))
	}
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// rawTimeEntry mirrors the JSON from Toggl v9.
type rawTimeEntry struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	ProjectID   *int64     `json:"project_id"`
	WorkspaceID *int64     `json:"workspace_id"`
	TagIDs      []int64    `json:"tag_ids"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop"`
	Duration    int64      `json:"duration"`
}

func (r rawTimeEntry) toDomain() domain.TimeEntry {
	e := domain.TimeEntry{
		ID:          r.ID,
		Description: r.Description,
		ProjectID:   r.ProjectID,
		WorkspaceID: r.WorkspaceID,
		TagIDs:      r.TagIDs,
		Start:       r.Start,
		Stop:        r.Stop,
	}
	// Negative duration means running in Toggl API semantics.
	if r.Duration < 0 {
		e.Stop = nil
	}
	return e
}

type rawOrganization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type rawWorkspace struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	OrganizationID *int64 `json:"organization_id"`
}

type rawProject struct {
	ID          int64  `json:"id"`
	WorkspaceID int64  `json:"workspace_id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
	Color       string `json:"color"`
}

type rawTag struct {
	ID          int64  `json:"id"`
	WorkspaceID int64  `json:"workspace_id"`
	Name        string `json:"name"`
}

type rawSubscription struct {
	SubscriptionID int64  `json:"subscription_id"`
	WorkspaceID    int64  `json:"workspace_id"`
	Description    string `json:"description"`
	URLCallback    string `json:"url_callback"`
	Secret         string `json:"secret"`
	Enabled        bool   `json:"enabled"`
}

func (s rawSubscription) toDomain() domain.WebhookSubscription {
	return domain.WebhookSubscription{
		SubscriptionID: s.SubscriptionID,
		WorkspaceID:    s.WorkspaceID,
		Description:    s.Description,
		URLCallback:    s.URLCallback,
		Secret:         s.Secret,
		Enabled:        s.Enabled,
	}
}

type eventFilter struct {
	Entity string `json:"entity"`
	Action string `json:"action"`
}

type rawSubscriptionBody struct {
	Description  string        `json:"description"`
	URLCallback  string        `json:"url_callback"`
	EventFilters []eventFilter `json:"event_filters"`
	Enabled      bool          `json:"enabled"`
}

// subscriptionBody asks for created, updated and deleted time entry events.
func subscriptionBody(sub domain.WebhookSubscription) rawSubscriptionBody {
	return rawSubscriptionBody{
		Description: sub.Description,
		URLCallback: sub.URLCallback,
		EventFilters: []eventFilter{
			{Entity: "time_entry", Action: string(domain.ActionCreated)},
			{Entity: "time_entry", Action: string(domain.ActionUpdated)},
			{Entity: "time_entry", Action: string(domain.ActionDeleted)},
		},
		Enabled: sub.Enabled,
	}
}
