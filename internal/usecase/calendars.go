package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"togglsync/internal/domain"
	"togglsync/internal/ports"
)

// ImportReport counts the outcome of a calendar import.
type ImportReport struct {
	Imported int
	Updated  int
	Removed  int
	Skipped  int
}

// CalendarImport mirrors the writable calendars of a user's Google account.
type CalendarImport struct {
	Log       *slog.Logger
	Store     ports.Store
	Calendars ports.CalendarProvider
}

// ImportUser upserts owner and writer calendars, removes calendars that are
// gone remotely and picks a default when the user has none, preferring the
// primary calendar.
func (c *CalendarImport) ImportUser(ctx context.Context, user domain.UserID) (ImportReport, error) {
	var rep ImportReport
	client, err := c.Calendars.ForUser(ctx, user)
	if err != nil {
		return rep, err
	}
	remote, err := client.ListCalendars(ctx)
	if err != nil {
		return rep, fmt.Errorf("list calendars: %w", err)
	}
	existing, err := c.Store.ListCalendars(ctx, user)
	if err != nil {
		return rep, fmt.Errorf("list stored calendars: %w", err)
	}
	byRemoteID := make(map[string]domain.Calendar, len(existing))
	for _, cal := range existing {
		byRemoteID[cal.CalendarID] = cal
	}

	seen := make(map[string]bool, len(remote))
	var primary string
	for _, rc := range remote {
		if !rc.Writable() {
			c.Log.Debug("skipping read-only calendar",
				slog.String("calendar", rc.Summary),
				slog.String("access", rc.AccessRole),
			)
			rep.Skipped++
			continue
		}
		seen[rc.ID] = true
		if rc.Primary {
			primary = rc.ID
		}
		name := rc.Summary
		if name == "" {
			name = rc.ID
		}
		cal, ok := byRemoteID[rc.ID]
		if ok {
			rep.Updated++
		} else {
			cal = domain.Calendar{UserID: user, CalendarID: rc.ID}
			rep.Imported++
		}
		cal.Name = name
		if _, err := c.Store.SaveCalendar(ctx, cal); err != nil {
			return rep, fmt.Errorf("save calendar %s: %w", rc.ID, err)
		}
	}

	for _, cal := range existing {
		if seen[cal.CalendarID] {
			continue
		}
		if err := c.Store.DeleteCalendar(ctx, user, cal.ID); err != nil {
			return rep, fmt.Errorf("remove calendar %s: %w", cal.CalendarID, err)
		}
		rep.Removed++
	}

	if err := c.ensureDefault(ctx, user, primary); err != nil {
		return rep, err
	}
	c.Log.Info("calendars imported",
		slog.Int64("user", int64(user)),
		slog.Int("imported", rep.Imported),
		slog.Int("updated", rep.Updated),
		slog.Int("removed", rep.Removed),
		slog.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

func (c *CalendarImport) ensureDefault(ctx context.Context, user domain.UserID, primary string) error {
	cals, err := c.Store.ListCalendars(ctx, user)
	if err != nil {
		return fmt.Errorf("list stored calendars: %w", err)
	}
	if len(cals) == 0 {
		return nil
	}
	pick := cals[0]
	for _, cal := range cals {
		if cal.IsDefault {
			return nil
		}
		if cal.CalendarID == primary {
			pick = cal
		}
	}
	pick.IsDefault = true
	if _, err := c.Store.SaveCalendar(ctx, pick); err != nil {
		return fmt.Errorf("set default calendar: %w", err)
	}
	return nil
}
