package domain

import "time"

// Action is the Toggl webhook metadata.action value.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Known reports whether the engine handles a.
func (a Action) Known() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionDeleted
}

// EntryEvent is a normalized time entry webhook event. Alternate payload keys
// are reconciled before this value is built.
type EntryEvent struct {
	Action      Action
	EntryID     int64
	WorkspaceID *int64
	Description string
	Start       time.Time
	Stop        *time.Time
	ProjectID   *int64
	TagIDs      []int64
	TagNames    []string // set when the payload carried tag names instead of ids
	CreatedAt   *time.Time
}
