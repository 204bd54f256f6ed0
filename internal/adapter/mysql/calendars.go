package mysql

import (
	"context"
	"database/sql"

	"togglsync/internal/domain"
)

// SaveCalendar upserts by (user, calendar_id) and, for a default calendar,
// unmarks the user's other calendars in the same transaction.
func (c *Client) SaveCalendar(ctx context.Context, cal domain.Calendar) (domain.Calendar, error) {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO google_calendars (user_id, calendar_id, name, is_default)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE id=LAST_INSERT_ID(id), name=VALUES(name), is_default=VALUES(is_default);`,
			cal.UserID, cal.CalendarID, cal.Name, cal.IsDefault)
		if err != nil {
			return err
		}
		if cal.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if !cal.IsDefault {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE google_calendars SET is_default=FALSE WHERE user_id=? AND id<>? AND is_default`, cal.UserID, cal.ID)
		return err
	})
	if err != nil {
		return domain.Calendar{}, err
	}
	return cal, nil
}

const calendarColumns = `id, user_id, calendar_id, name, is_default`

func scanCalendar(row scanner) (domain.Calendar, error) {
	var (
		cal  domain.Calendar
		user int64
	)
	if err := row.Scan(&cal.ID, &user, &cal.CalendarID, &cal.Name, &cal.IsDefault); err != nil {
		return domain.Calendar{}, err
	}
	cal.UserID = domain.UserID(user)
	return cal, nil
}

func (c *Client) GetCalendar(ctx context.Context, user domain.UserID, id int64) (domain.Calendar, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM google_calendars WHERE user_id=? AND id=?`, user, id)
	cal, err := scanCalendar(row)
	return cal, notFound(err)
}

func (c *Client) DefaultCalendar(ctx context.Context, user domain.UserID) (domain.Calendar, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM google_calendars WHERE user_id=? AND is_default ORDER BY id LIMIT 1`, user)
	cal, err := scanCalendar(row)
	return cal, notFound(err)
}

func (c *Client) ListCalendars(ctx context.Context, user domain.UserID) ([]domain.Calendar, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM google_calendars WHERE user_id=? ORDER BY id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	return out, rows.Err()
}

func (c *Client) DeleteCalendar(ctx context.Context, user domain.UserID, id int64) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entity_mappings SET calendar_id=NULL WHERE user_id=? AND calendar_id=?`, user, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE toggl_time_entries SET calendar_id=NULL WHERE user_id=? AND calendar_id=?`, user, id); err != nil {
			return err
		}
		return expectRow(tx.ExecContext(ctx, `DELETE FROM google_calendars WHERE user_id=? AND id=?`, user, id))
	})
}

func (c *Client) SaveMapping(ctx context.Context, m domain.EntityMapping) (domain.EntityMapping, error) {
	res, err := c.db.ExecContext(ctx, `
INSERT INTO entity_mappings (user_id, entity_type, entity_id, entity_name, calendar_id, color, process_order)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  id=LAST_INSERT_ID(id),
  entity_name=VALUES(entity_name),
  calendar_id=VALUES(calendar_id),
  color=VALUES(color),
  process_order=VALUES(process_order);`,
		m.UserID, string(m.EntityType), m.EntityID, m.EntityName, nullInt(m.CalendarID), string(m.Color), m.ProcessOrder)
	if err != nil {
		return domain.EntityMapping{}, err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return domain.EntityMapping{}, err
	}
	return m, nil
}

func (c *Client) DeleteMapping(ctx context.Context, user domain.UserID, id int64) error {
	return expectRow(c.db.ExecContext(ctx, `DELETE FROM entity_mappings WHERE user_id=? AND id=?`, user, id))
}

func (c *Client) ListMappings(ctx context.Context, user domain.UserID) ([]domain.EntityMapping, error) {
	return c.queryMappings(ctx, `WHERE user_id=?`, user)
}

func (c *Client) FindMappings(ctx context.Context, user domain.UserID, t domain.EntityType, ids []int64) ([]domain.EntityMapping, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{user, string(t)}
	for _, id := range ids {
		args = append(args, id)
	}
	return c.queryMappings(ctx, `WHERE user_id=? AND entity_type=? AND entity_id IN (`+placeholders(len(ids))+`)`, args...)
}

func (c *Client) queryMappings(ctx context.Context, where string, args ...any) ([]domain.EntityMapping, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT id, user_id, entity_type, entity_id, entity_name, calendar_id, color, process_order
FROM entity_mappings `+where+`
ORDER BY process_order, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EntityMapping
	for rows.Next() {
		var (
			m          domain.EntityMapping
			user       int64
			typ, color string
			calendarID sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &user, &typ, &m.EntityID, &m.EntityName, &calendarID, &color, &m.ProcessOrder); err != nil {
			return nil, err
		}
		m.UserID = domain.UserID(user)
		m.EntityType = domain.EntityType(typ)
		m.Color = domain.Color(color)
		m.CalendarID = ptrInt(calendarID)
		out = append(out, m)
	}
	return out, rows.Err()
}
