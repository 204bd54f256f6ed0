package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"togglsync/internal/domain"
	"togglsync/internal/metrics"
	"togglsync/internal/ports"
	"togglsync/internal/resolver"
)

// Decision names logged (and counted) at every branch of the engine.
const (
	DecisionDebounced       = "debounced"
	DecisionCreated         = "created"
	DecisionUpdated         = "updated"
	DecisionMoved           = "moved"
	DecisionDeleted         = "deleted"
	DecisionDeleteNoop      = "delete-noop"
	DecisionNoDestination   = "skipped-no-destination"
	DecisionNotConnected    = "skipped-not-connected"
	DecisionConcurrent      = "concurrent-modification"
	DecisionFailed          = "failed"
	DecisionRetryScheduled  = "retry-scheduled"
	DecisionRetryExhausted  = "retry-exhausted"
	DecisionEntryNotFound   = "entry-not-found"
	DecisionMetadataRefresh = "metadata-refresh"
)

// EngineConfig tunes the engine.
type EngineConfig struct {
	QuietWindow    time.Duration // minimum idle time after the last update
	MaxRetries     int           // scheduled retries after a failed remote call
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// MetadataRefresher pulls projects and tags of a workspace from Toggl.
type MetadataRefresher interface {
	RefreshWorkspace(ctx context.Context, user domain.UserID, workspaceID int64) error
}

// Engine reflects a stored time entry onto the user's calendar. One call of
// Process handles one (user, entry) unit of work; calls for the same entry are
// serialized by the keyed scheduler and arbitrated by MarkSynced.
type Engine struct {
	Log       *slog.Logger
	Store     ports.Store
	Resolver  *resolver.Resolver
	Calendars ports.CalendarProvider
	Scheduler ports.Scheduler
	Metadata  MetadataRefresher // optional
	Metrics   *metrics.Metrics  // optional
	Config    EngineConfig
	Now       func() time.Time // defaults to time.Now
}

// JobKey names the scheduled work item of an entry.
func JobKey(user domain.UserID, entryID int64) string {
	return fmt.Sprintf("process_entry_%d_%d", user, entryID)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Enqueue schedules processing of an entry once its quiet window has passed,
// replacing any job already pending for it.
func (e *Engine) Enqueue(user domain.UserID, entryID int64, updatedAt time.Time) {
	runAt := updatedAt.Add(e.Config.QuietWindow)
	e.Scheduler.ScheduleOnce(JobKey(user, entryID), runAt, e.job(user, entryID, 0, false))
}

// EnqueueIfIdle is Enqueue for sweeps: it leaves an already pending job (a
// debounce re-check or a backoff retry) alone. It reports whether it scheduled.
func (e *Engine) EnqueueIfIdle(user domain.UserID, entryID int64, updatedAt time.Time) bool {
	if _, ok := e.Scheduler.Pending(JobKey(user, entryID)); ok {
		return false
	}
	e.Enqueue(user, entryID, updatedAt)
	return true
}

// EnqueueNow schedules immediate processing that skips the debounce gate.
func (e *Engine) EnqueueNow(user domain.UserID, entryID int64) {
	e.Scheduler.ScheduleOnce(JobKey(user, entryID), e.now(), e.job(user, entryID, 0, true))
}

func (e *Engine) job(user domain.UserID, entryID int64, attempt int, force bool) ports.Job {
	return func(ctx context.Context) error {
		return e.process(ctx, user, entryID, attempt, force)
	}
}

// Process runs one debounced processing attempt for the entry.
func (e *Engine) Process(ctx context.Context, user domain.UserID, entryID int64) error {
	return e.process(ctx, user, entryID, 0, false)
}

// SyncNow processes the entry without waiting for its quiet window.
func (e *Engine) SyncNow(ctx context.Context, user domain.UserID, entryID int64) error {
	return e.process(ctx, user, entryID, 0, true)
}

func (e *Engine) process(ctx context.Context, user domain.UserID, entryID int64, attempt int, force bool) error {
	entry, err := e.Store.GetTimeEntry(ctx, user, entryID)
	if errors.Is(err, domain.ErrNotFound) {
		e.decide(ctx, DecisionEntryNotFound, domain.TimeEntry{UserID: user, ID: entryID})
		return nil
	}
	if err != nil {
		return fmt.Errorf("load entry %d: %w", entryID, err)
	}

	if !force {
		now := e.now()
		if elapsed := now.Sub(entry.UpdatedAt); elapsed < e.Config.QuietWindow {
			wait := e.Config.QuietWindow - elapsed
			e.Scheduler.ScheduleOnce(JobKey(user, entryID), now.Add(wait), e.job(user, entryID, attempt, false))
			e.decide(ctx, DecisionDebounced, entry,
				slog.Duration("elapsed", elapsed),
				slog.Duration("wait", wait),
			)
			return nil
		}
	}

	connected, err := e.Store.IsConnected(ctx, user)
	if err != nil {
		return fmt.Errorf("check credentials: %w", err)
	}
	if !connected {
		e.decide(ctx, DecisionNotConnected, entry)
		return nil
	}
	if err := e.Store.MarkAttempted(ctx, user, entryID, e.now()); err != nil {
		e.Log.Warn("record sync attempt",
			slog.Int64("user", int64(user)),
			slog.Int64("entry", entryID),
			slog.String("error", err.Error()),
		)
	}

	if !entry.PendingDeletion {
		e.refreshUnknown(ctx, entry)
	}

	client, err := e.Calendars.ForUser(ctx, user)
	if err == nil {
		if entry.PendingDeletion {
			err = e.handleDeleted(ctx, client, entry)
		} else {
			err = e.handleUpsert(ctx, client, entry)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotConnected):
		e.decide(ctx, DecisionNotConnected, entry, slog.String("error", err.Error()))
		return nil
	case errors.Is(err, domain.ErrNoDestination):
		e.decide(ctx, DecisionNoDestination, entry)
		return nil
	default:
		e.decide(ctx, DecisionFailed, entry, slog.Int("attempt", attempt), slog.String("error", err.Error()))
		e.scheduleRetry(ctx, entry, attempt)
		return fmt.Errorf("process entry %d: %w", entryID, err)
	}

	if entry.PendingDeletion {
		err = e.Store.MarkRemoteDeleted(ctx, user, entryID, entry.UpdatedAt, e.now())
	} else {
		err = e.Store.MarkSynced(ctx, user, entryID, entry.UpdatedAt)
	}
	if errors.Is(err, domain.ErrConcurrentModification) {
		e.decide(ctx, DecisionConcurrent, entry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark entry %d done: %w", entryID, err)
	}
	return nil
}

func (e *Engine) handleDeleted(ctx context.Context, client ports.CalendarClient, entry domain.TimeEntry) error {
	cal, err := e.calendarOnFile(ctx, entry, true)
	if errors.Is(err, domain.ErrNotFound) {
		e.decide(ctx, DecisionDeleteNoop, entry, slog.String("reason", "no calendar"))
		return nil
	}
	if err != nil {
		return err
	}
	ev, err := client.FindEventByStableKey(ctx, cal.CalendarID, entry.StableKey())
	if err != nil {
		return err
	}
	if ev == nil {
		e.decide(ctx, DecisionDeleteNoop, entry, slog.String("calendar", cal.Name))
		return nil
	}
	if err := client.DeleteEvent(ctx, cal.CalendarID, ev.ID); err != nil {
		return err
	}
	e.decide(ctx, DecisionDeleted, entry, slog.String("calendar", cal.Name), slog.String("event", ev.ID))
	return nil
}

func (e *Engine) handleUpsert(ctx context.Context, client ports.CalendarClient, entry domain.TimeEntry) error {
	res, err := e.Resolver.Resolve(ctx, entry.UserID, resolver.SubjectOf(entry))
	if err != nil {
		return err
	}
	dest := res.Calendar
	project, tags := e.labels(ctx, entry)
	want := domain.RenderEvent(entry, project, tags, res.Color)
	key := entry.StableKey()

	var (
		current *domain.CalendarEvent
		where   domain.Calendar
	)
	if onFile, err := e.calendarOnFile(ctx, entry, false); err == nil && onFile.ID != dest.ID {
		if current, err = client.FindEventByStableKey(ctx, onFile.CalendarID, key); err != nil {
			return err
		}
		where = onFile
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if current == nil {
		if current, err = client.FindEventByStableKey(ctx, dest.CalendarID, key); err != nil {
			return err
		}
		where = dest
	}

	var decision string
	var got domain.CalendarEvent
	switch {
	case current == nil:
		got, err = client.CreateEvent(ctx, dest.CalendarID, want)
		decision = DecisionCreated
	case where.ID != dest.ID:
		if err = client.DeleteEvent(ctx, where.CalendarID, current.ID); err != nil {
			return err
		}
		got, err = client.CreateEvent(ctx, dest.CalendarID, want)
		decision = DecisionMoved
	default:
		want.ID = current.ID
		got, err = client.UpdateEvent(ctx, dest.CalendarID, want)
		decision = DecisionUpdated
		if errors.Is(err, domain.ErrRemoteNotFound) {
			want.ID = ""
			got, err = client.CreateEvent(ctx, dest.CalendarID, want)
			decision = DecisionCreated
		}
	}
	if err != nil {
		return err
	}
	if err := e.Store.SetEntryCalendar(ctx, entry.UserID, entry.ID, &dest.ID); err != nil {
		return fmt.Errorf("record calendar: %w", err)
	}

	attrs := []slog.Attr{
		slog.String("calendar", dest.Name),
		slog.String("event", got.ID),
		slog.String("via", res.Via),
		slog.String("color", want.Color.Name()),
		slog.Bool("running", entry.Running()),
	}
	if decision == DecisionMoved {
		attrs = append(attrs, slog.String("from_calendar", where.Name))
	}
	e.decide(ctx, decision, entry, attrs...)
	return nil
}

// calendarOnFile returns the calendar recorded on the entry. With
// fallbackDefault the user's default calendar stands in when none is recorded.
func (e *Engine) calendarOnFile(ctx context.Context, entry domain.TimeEntry, fallbackDefault bool) (domain.Calendar, error) {
	if entry.CalendarID != nil {
		cal, err := e.Store.GetCalendar(ctx, entry.UserID, *entry.CalendarID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) || !fallbackDefault {
			return cal, err
		}
	}
	if !fallbackDefault {
		return domain.Calendar{}, domain.ErrNotFound
	}
	return e.Store.DefaultCalendar(ctx, entry.UserID)
}

// labels looks up the project and tag names shown in the event description.
func (e *Engine) labels(ctx context.Context, entry domain.TimeEntry) (string, []string) {
	var project string
	if entry.ProjectID != nil {
		if p, err := e.Store.GetProject(ctx, entry.UserID, *entry.ProjectID); err == nil {
			project = p.Name
		}
	}
	var names []string
	if len(entry.TagIDs) > 0 {
		tags, err := e.Store.TagsByIDs(ctx, entry.UserID, entry.TagIDs)
		if err == nil {
			for _, t := range tags {
				names = append(names, t.Name)
			}
		}
	}
	return project, names
}

// refreshUnknown pulls workspace metadata when the entry references a project
// or tag the store has not seen yet. Failures only get logged.
func (e *Engine) refreshUnknown(ctx context.Context, entry domain.TimeEntry) {
	if e.Metadata == nil {
		return
	}
	unknown := false
	if entry.ProjectID != nil {
		if _, err := e.Store.GetProject(ctx, entry.UserID, *entry.ProjectID); errors.Is(err, domain.ErrNotFound) {
			unknown = true
		}
	}
	if !unknown && len(entry.TagIDs) > 0 {
		tags, err := e.Store.TagsByIDs(ctx, entry.UserID, entry.TagIDs)
		if err == nil && len(tags) < len(entry.TagIDs) {
			unknown = true
		}
	}
	if !unknown {
		return
	}

	var workspaces []int64
	if entry.WorkspaceID != nil {
		workspaces = []int64{*entry.WorkspaceID}
	} else {
		all, err := e.Store.ListWorkspaces(ctx, entry.UserID)
		if err != nil {
			e.Log.Warn("list workspaces for refresh", slog.Int64("user", int64(entry.UserID)), slog.String("error", err.Error()))
			return
		}
		for _, w := range all {
			workspaces = append(workspaces, w.ID)
		}
	}
	for _, ws := range workspaces {
		e.decide(ctx, DecisionMetadataRefresh, entry, slog.Int64("workspace", ws))
		if err := e.Metadata.RefreshWorkspace(ctx, entry.UserID, ws); err != nil {
			e.Log.Warn("metadata refresh failed",
				slog.Int64("user", int64(entry.UserID)),
				slog.Int64("workspace", ws),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) scheduleRetry(ctx context.Context, entry domain.TimeEntry, attempt int) {
	if attempt >= e.Config.MaxRetries {
		e.decide(ctx, DecisionRetryExhausted, entry, slog.Int("attempt", attempt))
		return
	}
	delay := e.retryDelay(attempt)
	e.Scheduler.ScheduleOnce(JobKey(entry.UserID, entry.ID), e.now().Add(delay), e.job(entry.UserID, entry.ID, attempt+1, true))
	e.decide(ctx, DecisionRetryScheduled, entry, slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
}

// retryDelay is the exponential backoff interval before retry attempt+1.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Config.RetryBaseDelay
	if e.Config.RetryMaxDelay > 0 {
		b.MaxInterval = e.Config.RetryMaxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) decide(ctx context.Context, decision string, entry domain.TimeEntry, attrs ...slog.Attr) {
	e.Metrics.Decision(decision)
	level := slog.LevelInfo
	switch decision {
	case DecisionDebounced, DecisionConcurrent, DecisionDeleteNoop, DecisionMetadataRefresh:
		level = slog.LevelDebug
	case DecisionNoDestination, DecisionEntryNotFound, DecisionRetryExhausted:
		level = slog.LevelWarn
	case DecisionFailed:
		level = slog.LevelError
	}
	base := []slog.Attr{
		slog.String("decision", decision),
		slog.Int64("user", int64(entry.UserID)),
		slog.Int64("entry", entry.ID),
	}
	e.Log.LogAttrs(ctx, level, "sync decision", append(base, attrs...)...)
}
