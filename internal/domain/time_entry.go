package domain

import (
	"strconv"
	"time"
)

// UserID identifies the owner of every synced record. All store access is
// scoped by it.
type UserID int64

// TimeEntry represents a Toggl time entry as tracked by the sync engine.
type TimeEntry struct {
	UserID          UserID
	ID              int64 // Toggl time entry id
	WorkspaceID     *int64
	Description     string
	Start           time.Time
	Stop            *time.Time // nil while the timer is running
	ProjectID       *int64
	TagIDs          []int64
	CalendarID      *int64 // local calendar the remote event lives in, if any
	Synced          bool
	PendingDeletion bool
	CreatedAt       time.Time
	UpdatedAt       time.Time  // last content change; flag updates leave it untouched
	ValidatedAt     *time.Time // last reconciliation check
	AttemptedAt     *time.Time // last engine run past the quiet window
	RemoteDeletedAt *time.Time // remote event confirmed gone after a deletion
}

// Outstanding reports whether the calendar still has to catch up with the
// entry: an unsynced entry, or a deletion the calendar has not seen yet.
func (e TimeEntry) Outstanding() bool {
	if e.PendingDeletion {
		return e.RemoteDeletedAt == nil
	}
	return !e.Synced
}

// Running reports whether the Toggl timer is still running.
func (e TimeEntry) Running() bool { return e.Stop == nil }

// StableKey is the iCalUID used to address the entry's calendar event across
// retries and provider-side id changes.
func (e TimeEntry) StableKey() string { return StableKey(e.ID) }

// StableKey derives the calendar event key for a Toggl entry id.
func StableKey(entryID int64) string {
	return "toggl" + strconv.FormatInt(entryID, 10)
}

// EndTime returns the stop time, or start plus one minute for running entries
// since calendar events need a finite span.
func (e TimeEntry) EndTime() time.Time {
	if e.Stop != nil {
		return *e.Stop
	}
	return e.Start.Add(time.Minute)
}
