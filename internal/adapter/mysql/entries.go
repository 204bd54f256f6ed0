package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"togglsync/internal/domain"
)

const entryColumns = `user_id, toggl_id, workspace_id, description, start_time, end_time, project_id,
  tag_ids, calendar_id, synced, pending_deletion, created_at, updated_at, validated_at,
  attempted_at, remote_deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.TimeEntry, error) {
	var (
		e                                     domain.TimeEntry
		user                                  int64
		ws, project, cal                      sql.NullInt64
		stop, validated, attempted, remoteDel sql.NullTime
		tags                                  []byte
	)
	err := row.Scan(&user, &e.ID, &ws, &e.Description, &e.Start, &stop, &project,
		&tags, &cal, &e.Synced, &e.PendingDeletion, &e.CreatedAt, &e.UpdatedAt, &validated,
		&attempted, &remoteDel)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &e.TagIDs); err != nil {
			return domain.TimeEntry{}, fmt.Errorf("decode tag_ids of entry %d: %w", e.ID, err)
		}
	}
	e.UserID = domain.UserID(user)
	e.WorkspaceID = ptrInt(ws)
	e.ProjectID = ptrInt(project)
	e.CalendarID = ptrInt(cal)
	e.Stop = ptrTime(stop)
	e.ValidatedAt = ptrTime(validated)
	e.AttemptedAt = ptrTime(attempted)
	e.RemoteDeletedAt = ptrTime(remoteDel)
	e.Start = e.Start.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (c *Client) GetTimeEntry(ctx context.Context, user domain.UserID, id int64) (domain.TimeEntry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM toggl_time_entries WHERE user_id=? AND toggl_id=?`, user, id)
	e, err := scanEntry(row)
	return e, notFound(err)
}

// UpsertTimeEntry writes the content fields. The remote calendar and the
// validation timestamp of an existing row are left alone.
func (c *Client) UpsertTimeEntry(ctx context.Context, e domain.TimeEntry) (domain.TimeEntry, error) {
	now := c.now()
	created := e.CreatedAt.UTC()
	if e.CreatedAt.IsZero() {
		created = now
	}
	tags := e.TagIDs
	if tags == nil {
		tags = []int64{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return domain.TimeEntry{}, err
	}

	const q = `
INSERT INTO toggl_time_entries
  (user_id, toggl_id, workspace_id, description, start_time, end_time, project_id, tag_ids,
   synced, pending_deletion, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, FALSE, FALSE, ?, ?)
ON DUPLICATE KEY UPDATE
  workspace_id=VALUES(workspace_id),
  description=VALUES(description),
  start_time=VALUES(start_time),
  end_time=VALUES(end_time),
  project_id=VALUES(project_id),
  tag_ids=VALUES(tag_ids),
  synced=FALSE,
  pending_deletion=FALSE,
  attempted_at=NULL,
  remote_deleted_at=NULL,
  updated_at=VALUES(updated_at);
`
	_, err = c.db.ExecContext(ctx, q, e.UserID, e.ID, nullInt(e.WorkspaceID), e.Description,
		e.Start.UTC(), nullTime(e.Stop), nullInt(e.ProjectID), string(tagsJSON), created, now)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("upsert entry %d: %w", e.ID, err)
	}
	return c.GetTimeEntry(ctx, e.UserID, e.ID)
}

func (c *Client) MarkPendingDeletion(ctx context.Context, user domain.UserID, id int64) (domain.TimeEntry, error) {
	err := expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries
SET pending_deletion=TRUE, synced=FALSE, attempted_at=NULL, remote_deleted_at=NULL, updated_at=?
WHERE user_id=? AND toggl_id=?`,
		c.now(), user, id))
	if err != nil {
		return domain.TimeEntry{}, err
	}
	return c.GetTimeEntry(ctx, user, id)
}

func (c *Client) SetEntryCalendar(ctx context.Context, user domain.UserID, id int64, calendarID *int64) error {
	return expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET calendar_id=? WHERE user_id=? AND toggl_id=?`,
		nullInt(calendarID), user, id))
}

// MarkSynced only flips the flag while updated_at still matches expected.
func (c *Client) MarkSynced(ctx context.Context, user domain.UserID, id int64, expected time.Time) error {
	err := expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET synced=TRUE WHERE user_id=? AND toggl_id=? AND updated_at=?`,
		user, id, expected.UTC().Truncate(time.Microsecond)))
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, gerr := c.GetTimeEntry(ctx, user, id); gerr != nil {
		return gerr
	}
	return domain.ErrConcurrentModification
}

func (c *Client) ClearSynced(ctx context.Context, user domain.UserID, id int64) error {
	return expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET synced=FALSE WHERE user_id=? AND toggl_id=?`, user, id))
}

func (c *Client) MarkValidated(ctx context.Context, user domain.UserID, id int64, at time.Time) error {
	return expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET validated_at=? WHERE user_id=? AND toggl_id=?`, at.UTC(), user, id))
}

func (c *Client) MarkAttempted(ctx context.Context, user domain.UserID, id int64, at time.Time) error {
	return expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET attempted_at=? WHERE user_id=? AND toggl_id=?`, at.UTC(), user, id))
}

func (c *Client) MarkRemoteDeleted(ctx context.Context, user domain.UserID, id int64, expected, at time.Time) error {
	err := expectRow(c.db.ExecContext(ctx,
		`UPDATE toggl_time_entries SET remote_deleted_at=?
WHERE user_id=? AND toggl_id=? AND pending_deletion AND updated_at=?`,
		at.UTC(), user, id, expected.UTC().Truncate(time.Microsecond)))
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, gerr := c.GetTimeEntry(ctx, user, id); gerr != nil {
		return gerr
	}
	return domain.ErrConcurrentModification
}

// ListSyncedEntries puts never validated rows first; MySQL sorts NULL
// before any value in ascending order.
func (c *Client) ListSyncedEntries(ctx context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM toggl_time_entries
WHERE user_id=? AND synced AND NOT pending_deletion
ORDER BY validated_at, updated_at, toggl_id` + limitClause(limit)
	return c.queryEntries(ctx, q, user)
}

// ListUnsyncedEntries also returns deletions whose remote event is not
// confirmed gone. Never attempted rows come first.
func (c *Client) ListUnsyncedEntries(ctx context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM toggl_time_entries
WHERE user_id=? AND (
  (NOT synced AND NOT pending_deletion) OR (pending_deletion AND remote_deleted_at IS NULL))
ORDER BY attempted_at, updated_at, toggl_id` + limitClause(limit)
	return c.queryEntries(ctx, q, user)
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func (c *Client) queryEntries(ctx context.Context, q string, args ...any) ([]domain.TimeEntry, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
