package mysql

import (
	"context"
	"database/sql"

	"togglsync/internal/domain"
)

func (c *Client) UpsertOrganization(ctx context.Context, o domain.Organization) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO toggl_organizations (user_id, toggl_id, name, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name=VALUES(name), updated_at=VALUES(updated_at);`,
		o.UserID, o.ID, o.Name, c.now())
	return err
}

// UpsertWorkspace keeps a stored webhook token; the new one is only used for
// rows that have none.
func (c *Client) UpsertWorkspace(ctx context.Context, w domain.Workspace) (domain.Workspace, error) {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO toggl_workspaces (user_id, toggl_id, name, organization_id, webhook_token, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  name=VALUES(name),
  organization_id=VALUES(organization_id),
  webhook_token=COALESCE(webhook_token, VALUES(webhook_token)),
  updated_at=VALUES(updated_at);`,
		w.UserID, w.ID, w.Name, nullInt(w.OrganizationID), nullString(w.WebhookToken), c.now())
	if err != nil {
		return domain.Workspace{}, err
	}
	return c.GetWorkspace(ctx, w.UserID, w.ID)
}

func (c *Client) UpdateWorkspaceWebhook(ctx context.Context, w domain.Workspace) error {
	return expectRow(c.db.ExecContext(ctx, `
UPDATE toggl_workspaces
SET webhook_token=?, webhook_subscription_id=?, webhook_secret=?, webhook_enabled=?, updated_at=?
WHERE user_id=? AND toggl_id=?`,
		nullString(w.WebhookToken), nullInt(w.WebhookSubscriptionID), nullString(w.WebhookSecret),
		w.WebhookEnabled, c.now(), w.UserID, w.ID))
}

func (c *Client) UpsertProject(ctx context.Context, p domain.Project) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO toggl_projects (user_id, toggl_id, workspace_id, name, color, active, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  workspace_id=VALUES(workspace_id),
  name=VALUES(name),
  color=VALUES(color),
  active=VALUES(active),
  updated_at=VALUES(updated_at);`,
		p.UserID, p.ID, p.WorkspaceID, p.Name, p.Color, p.Active, c.now())
	return err
}

func (c *Client) UpsertTag(ctx context.Context, t domain.Tag) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO toggl_tags (user_id, toggl_id, workspace_id, name, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE workspace_id=VALUES(workspace_id), name=VALUES(name), updated_at=VALUES(updated_at);`,
		t.UserID, t.ID, t.WorkspaceID, t.Name, c.now())
	return err
}

const workspaceColumns = `user_id, toggl_id, name, organization_id, webhook_token,
  webhook_subscription_id, webhook_secret, webhook_enabled, updated_at`

func scanWorkspace(row scanner) (domain.Workspace, error) {
	var (
		w             domain.Workspace
		user          int64
		org, subID    sql.NullInt64
		token, secret sql.NullString
	)
	if err := row.Scan(&user, &w.ID, &w.Name, &org, &token, &subID, &secret, &w.WebhookEnabled, &w.UpdatedAt); err != nil {
		return domain.Workspace{}, err
	}
	w.UserID = domain.UserID(user)
	w.OrganizationID = ptrInt(org)
	w.WebhookSubscriptionID = ptrInt(subID)
	w.WebhookToken = token.String
	w.WebhookSecret = secret.String
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (c *Client) GetWorkspace(ctx context.Context, user domain.UserID, id int64) (domain.Workspace, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM toggl_workspaces WHERE user_id=? AND toggl_id=?`, user, id)
	w, err := scanWorkspace(row)
	return w, notFound(err)
}

func (c *Client) WorkspaceByWebhookToken(ctx context.Context, token string) (domain.Workspace, error) {
	if token == "" {
		return domain.Workspace{}, domain.ErrNotFound
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM toggl_workspaces WHERE webhook_token=?`, token)
	w, err := scanWorkspace(row)
	return w, notFound(err)
}

func (c *Client) ListWorkspaces(ctx context.Context, user domain.UserID) ([]domain.Workspace, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM toggl_workspaces WHERE user_id=? ORDER BY name, toggl_id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const projectColumns = `user_id, toggl_id, workspace_id, name, color, active, updated_at`

func scanProject(row scanner) (domain.Project, error) {
	var (
		p    domain.Project
		user int64
	)
	if err := row.Scan(&user, &p.ID, &p.WorkspaceID, &p.Name, &p.Color, &p.Active, &p.UpdatedAt); err != nil {
		return domain.Project{}, err
	}
	p.UserID = domain.UserID(user)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (c *Client) GetProject(ctx context.Context, user domain.UserID, id int64) (domain.Project, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM toggl_projects WHERE user_id=? AND toggl_id=?`, user, id)
	p, err := scanProject(row)
	return p, notFound(err)
}

func (c *Client) ListProjects(ctx context.Context, user domain.UserID) ([]domain.Project, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM toggl_projects WHERE user_id=? ORDER BY name, toggl_id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Client) TagsByIDs(ctx context.Context, user domain.UserID, ids []int64) ([]domain.Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{user}
	for _, id := range ids {
		args = append(args, id)
	}
	return c.queryTags(ctx, `WHERE user_id=? AND toggl_id IN (`+placeholders(len(ids))+`)`, args...)
}

func (c *Client) TagsByNames(ctx context.Context, user domain.UserID, names []string) ([]domain.Tag, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := []any{user}
	for _, n := range names {
		args = append(args, n)
	}
	return c.queryTags(ctx, `WHERE user_id=? AND name IN (`+placeholders(len(names))+`)`, args...)
}

func (c *Client) queryTags(ctx context.Context, where string, args ...any) ([]domain.Tag, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT user_id, toggl_id, workspace_id, name, updated_at FROM toggl_tags `+where+` ORDER BY name, toggl_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var (
			t    domain.Tag
			user int64
		)
		if err := rows.Scan(&user, &t.ID, &t.WorkspaceID, &t.Name, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.UserID = domain.UserID(user)
		t.UpdatedAt = t.UpdatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
