package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"togglsync/internal/domain"
	"togglsync/internal/metrics"
	"togglsync/internal/ports"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Users   int
	Checked int
	Drifted int
	Failed  int
}

// Reconciler checks that synced entries still exist on the calendar and flips
// them back to unsynced when the event went missing or its title drifted.
type Reconciler struct {
	Log       *slog.Logger
	Store     ports.Store
	Calendars ports.CalendarProvider
	Metrics   *metrics.Metrics
	BatchSize int
	Now       func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run validates up to BatchSize least recently validated entries per
// connected user. Lookup failures leave the entry untouched.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	users, err := r.Store.ListConnectedUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list connected users: %w", err)
	}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Users++
		if err := r.runUser(ctx, user, &rep); err != nil {
			r.Log.Warn("reconcile user failed",
				slog.Int64("user", int64(user)),
				slog.String("error", err.Error()),
			)
		}
	}
	if rep.Checked > 0 {
		r.Log.Info("reconciliation finished",
			slog.Int("users", rep.Users),
			slog.Int("checked", rep.Checked),
			slog.Int("drifted", rep.Drifted),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

func (r *Reconciler) runUser(ctx context.Context, user domain.UserID, rep *ReconcileReport) error {
	entries, err := r.Store.ListSyncedEntries(ctx, user, r.BatchSize)
	if err != nil {
		return fmt.Errorf("list synced entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	client, err := r.Calendars.ForUser(ctx, user)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rep.Checked++
		reason, err := r.check(ctx, client, e)
		if err != nil {
			rep.Failed++
			r.Log.Warn("validate entry failed",
				slog.Int64("user", int64(user)),
				slog.Int64("entry", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := r.Store.MarkValidated(ctx, user, e.ID, r.now()); err != nil {
			return fmt.Errorf("mark entry %d validated: %w", e.ID, err)
		}
		if reason == "" {
			continue
		}
		if err := r.Store.ClearSynced(ctx, user, e.ID); err != nil {
			return fmt.Errorf("clear entry %d synced: %w", e.ID, err)
		}
		rep.Drifted++
		r.Metrics.Drift(reason)
		r.Log.Info("calendar drift detected",
			slog.Int64("user", int64(user)),
			slog.Int64("entry", e.ID),
			slog.String("reason", reason),
		)
	}
	return nil
}

// check returns the drift reason for e, or "" when the event matches.
func (r *Reconciler) check(ctx context.Context, client ports.CalendarClient, e domain.TimeEntry) (string, error) {
	var (
		cal domain.Calendar
		err error
	)
	if e.CalendarID != nil {
		cal, err = r.Store.GetCalendar(ctx, e.UserID, *e.CalendarID)
	}
	if e.CalendarID == nil || errors.Is(err, domain.ErrNotFound) {
		cal, err = r.Store.DefaultCalendar(ctx, e.UserID)
		if errors.Is(err, domain.ErrNotFound) {
			return "no-calendar", nil
		}
	}
	if err != nil {
		return "", err
	}
	ev, err := client.FindEventByStableKey(ctx, cal.CalendarID, e.StableKey())
	if err != nil {
		return "", err
	}
	if ev == nil {
		return "missing", nil
	}
	if ev.Summary != domain.Summary(e) {
		return "summary", nil
	}
	return "", nil
}

// Job adapts Run to the scheduler.
func (r *Reconciler) Job() ports.Job {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}
}

// CatchUp enqueues outstanding entries that have no pending job, covering
// restarts and lost scheduler state. Outstanding deletions are included. The
// store hands out least recently attempted entries first, so entries that keep
// failing do not hold the batch.
type CatchUp struct {
	Log       *slog.Logger
	Store     ports.Store
	Engine    *Engine
	BatchSize int
}

// Run returns the number of entries it enqueued.
func (c *CatchUp) Run(ctx context.Context) (int, error) {
	users, err := c.Store.ListConnectedUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list connected users: %w", err)
	}
	n := 0
	for _, user := range users {
		entries, err := c.Store.ListUnsyncedEntries(ctx, user, c.BatchSize)
		if err != nil {
			c.Log.Warn("list unsynced entries failed",
				slog.Int64("user", int64(user)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, e := range entries {
			if c.Engine.EnqueueIfIdle(user, e.ID, e.UpdatedAt) {
				n++
			}
		}
	}
	if n > 0 {
		c.Log.Info("catch-up enqueued entries", slog.Int("count", n))
	}
	return n, nil
}

func (c *CatchUp) Job() ports.Job {
	return func(ctx context.Context) error {
		_, err := c.Run(ctx)
		return err
	}
}
