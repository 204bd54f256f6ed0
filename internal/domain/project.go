package domain

import "time"

// Project represents a Toggl project in the domain layer.
type Project struct {
	UserID      UserID
	ID          int64
	WorkspaceID int64
	Name        string
	Active      bool
	Color       string
	UpdatedAt   time.Time
}
