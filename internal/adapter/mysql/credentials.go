package mysql

import (
	"context"
	"database/sql"
	"time"

	"togglsync/internal/domain"
)

func (c *Client) GetCredentials(ctx context.Context, user domain.UserID) (domain.Credentials, error) {
	var (
		cr       domain.Credentials
		lastSync sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, `
SELECT toggl_api_token, google_token, timezone, last_metadata_sync, updated_at
FROM user_credentials WHERE user_id=?`, user).
		Scan(&cr.TogglAPIToken, &cr.GoogleToken, &cr.Timezone, &lastSync, &cr.UpdatedAt)
	if err != nil {
		return domain.Credentials{}, notFound(err)
	}
	cr.UserID = user
	cr.LastMetadataSync = ptrTime(lastSync)
	cr.UpdatedAt = cr.UpdatedAt.UTC()
	return cr, nil
}

func (c *Client) SaveCredentials(ctx context.Context, cr domain.Credentials) error {
	tz := cr.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO user_credentials (user_id, toggl_api_token, google_token, timezone, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  toggl_api_token=VALUES(toggl_api_token),
  google_token=VALUES(google_token),
  timezone=VALUES(timezone),
  updated_at=VALUES(updated_at);`,
		cr.UserID, cr.TogglAPIToken, cr.GoogleToken, tz, c.now())
	return err
}

// SaveGoogleToken replaces only the Google blob, creating the row if needed.
func (c *Client) SaveGoogleToken(ctx context.Context, user domain.UserID, token string) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO user_credentials (user_id, google_token, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE google_token=VALUES(google_token), updated_at=VALUES(updated_at);`,
		user, token, c.now())
	return err
}

func (c *Client) IsConnected(ctx context.Context, user domain.UserID) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_credentials WHERE user_id=? AND google_token<>''`, user).Scan(&n)
	return n > 0, err
}

func (c *Client) ListConnectedUsers(ctx context.Context) ([]domain.UserID, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT user_id FROM user_credentials WHERE google_token<>'' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, domain.UserID(u))
	}
	return out, rows.Err()
}

func (c *Client) MarkMetadataSynced(ctx context.Context, user domain.UserID, at time.Time) error {
	return expectRow(c.db.ExecContext(ctx,
		`UPDATE user_credentials SET last_metadata_sync=? WHERE user_id=?`, at.UTC(), user))
}
