package domain

import "time"

// Organization represents a Toggl organization.
type Organization struct {
	UserID    UserID
	ID        int64
	Name      string
	UpdatedAt time.Time
}

// Workspace represents a Toggl workspace together with the webhook routing
// state for it.
type Workspace struct {
	UserID         UserID
	ID             int64
	Name           string
	OrganizationID *int64

	WebhookToken          string // routes /webhook/toggl/<token>/ to this workspace; unique system-wide
	WebhookSubscriptionID *int64
	WebhookSecret         string
	WebhookEnabled        bool

	UpdatedAt time.Time
}

// Tag represents a Toggl tag.
type Tag struct {
	UserID      UserID
	ID          int64
	WorkspaceID int64
	Name        string
	UpdatedAt   time.Time
}

// WebhookSubscription is a Toggl webhook subscription on a workspace.
type WebhookSubscription struct {
	SubscriptionID int64
	WorkspaceID    int64
	Description    string
	URLCallback    string
	Secret         string
	Enabled        bool
}
