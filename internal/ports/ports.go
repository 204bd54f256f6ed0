package ports

import (
	"context"
	"time"

	"togglsync/internal/domain"
)

// TogglClient defines the Toggl Track API calls the sync needs.
type TogglClient interface {
	ListTimeEntries(ctx context.Context, from, to time.Time) ([]domain.TimeEntry, error)
	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)
	ListProjects(ctx context.Context, workspaceID int64) ([]domain.Project, error)
	ListTags(ctx context.Context, workspaceID int64) ([]domain.Tag, error)
	ListWebhooks(ctx context.Context, workspaceID int64) ([]domain.WebhookSubscription, error)
	CreateWebhook(ctx context.Context, workspaceID int64, sub domain.WebhookSubscription) (domain.WebhookSubscription, error)
	UpdateWebhook(ctx context.Context, workspaceID, subscriptionID int64, sub domain.WebhookSubscription) (domain.WebhookSubscription, error)
	SetWebhookEnabled(ctx context.Context, workspaceID, subscriptionID int64, enabled bool) error
	DeleteWebhook(ctx context.Context, workspaceID, subscriptionID int64) error
}

// TogglFactory builds a client authenticated with a user's API token.
type TogglFactory func(apiToken string) TogglClient

// CalendarClient is the calendar boundary used by the engine and the
// reconciliation loop. Implementations refresh credentials transparently and
// return domain.ErrNotConnected when that is impossible.
type CalendarClient interface {
	CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error)
	// UpdateEvent replaces summary, description, span and color of ev.ID.
	UpdateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error)
	// DeleteEvent treats an already missing event as success.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	// FindEventByStableKey returns nil, nil when no event carries the key.
	FindEventByStableKey(ctx context.Context, calendarID, key string) (*domain.CalendarEvent, error)
	ListCalendars(ctx context.Context) ([]domain.RemoteCalendar, error)
}

// CalendarProvider hands out calendar clients bound to a user's credentials.
type CalendarProvider interface {
	ForUser(ctx context.Context, user domain.UserID) (CalendarClient, error)
}

// TimeEntryStore persists time entries. updated_at only moves on content
// upserts; flag changes never touch it.
type TimeEntryStore interface {
	GetTimeEntry(ctx context.Context, user domain.UserID, id int64) (domain.TimeEntry, error)
	// UpsertTimeEntry writes content fields, resets synced and pending_deletion
	// and bumps updated_at. CreatedAt is only honored on insert.
	UpsertTimeEntry(ctx context.Context, e domain.TimeEntry) (domain.TimeEntry, error)
	MarkPendingDeletion(ctx context.Context, user domain.UserID, id int64) (domain.TimeEntry, error)
	SetEntryCalendar(ctx context.Context, user domain.UserID, id int64, calendarID *int64) error
	// MarkSynced sets synced=true only if updated_at still equals expected;
	// otherwise it returns domain.ErrConcurrentModification.
	MarkSynced(ctx context.Context, user domain.UserID, id int64, expected time.Time) error
	ClearSynced(ctx context.Context, user domain.UserID, id int64) error
	MarkValidated(ctx context.Context, user domain.UserID, id int64, at time.Time) error
	MarkAttempted(ctx context.Context, user domain.UserID, id int64, at time.Time) error
	// MarkRemoteDeleted records that the remote event of a pending deletion is
	// gone. Like MarkSynced it is conditional on updated_at.
	MarkRemoteDeleted(ctx context.Context, user domain.UserID, id int64, expected, at time.Time) error
	// ListSyncedEntries returns synced, not pending-deletion entries, least
	// recently validated first. limit <= 0 means no limit.
	ListSyncedEntries(ctx context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error)
	// ListUnsyncedEntries returns outstanding entries (see
	// domain.TimeEntry.Outstanding), least recently attempted first.
	ListUnsyncedEntries(ctx context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error)
}

// MetadataStore persists organizations, workspaces, projects and tags.
type MetadataStore interface {
	UpsertOrganization(ctx context.Context, o domain.Organization) error
	// UpsertWorkspace updates name and organization. A webhook token is only
	// written when the stored workspace has none.
	UpsertWorkspace(ctx context.Context, w domain.Workspace) (domain.Workspace, error)
	UpdateWorkspaceWebhook(ctx context.Context, w domain.Workspace) error
	UpsertProject(ctx context.Context, p domain.Project) error
	UpsertTag(ctx context.Context, t domain.Tag) error

	GetWorkspace(ctx context.Context, user domain.UserID, id int64) (domain.Workspace, error)
	// WorkspaceByWebhookToken is the only lookup not scoped by user: the token
	// is what identifies the user.
	WorkspaceByWebhookToken(ctx context.Context, token string) (domain.Workspace, error)
	ListWorkspaces(ctx context.Context, user domain.UserID) ([]domain.Workspace, error)
	GetProject(ctx context.Context, user domain.UserID, id int64) (domain.Project, error)
	ListProjects(ctx context.Context, user domain.UserID) ([]domain.Project, error)
	TagsByIDs(ctx context.Context, user domain.UserID, ids []int64) ([]domain.Tag, error)
	TagsByNames(ctx context.Context, user domain.UserID, names []string) ([]domain.Tag, error)
}

// CalendarStore persists the calendars a user syncs into.
type CalendarStore interface {
	// SaveCalendar upserts by (user, calendar id). Saving a default calendar
	// unmarks every other calendar of the user.
	SaveCalendar(ctx context.Context, c domain.Calendar) (domain.Calendar, error)
	GetCalendar(ctx context.Context, user domain.UserID, id int64) (domain.Calendar, error)
	DefaultCalendar(ctx context.Context, user domain.UserID) (domain.Calendar, error)
	ListCalendars(ctx context.Context, user domain.UserID) ([]domain.Calendar, error)
	// DeleteCalendar drops the calendar and detaches mappings and entries from it.
	DeleteCalendar(ctx context.Context, user domain.UserID, id int64) error
}

// MappingStore persists entity mappings.
type MappingStore interface {
	SaveMapping(ctx context.Context, m domain.EntityMapping) (domain.EntityMapping, error)
	DeleteMapping(ctx context.Context, user domain.UserID, id int64) error
	ListMappings(ctx context.Context, user domain.UserID) ([]domain.EntityMapping, error)
	// FindMappings returns mappings of type t for the given entity ids,
	// ordered by process_order ascending.
	FindMappings(ctx context.Context, user domain.UserID, t domain.EntityType, ids []int64) ([]domain.EntityMapping, error)
}

// CredentialStore stores opaque per-user credentials.
type CredentialStore interface {
	GetCredentials(ctx context.Context, user domain.UserID) (domain.Credentials, error)
	SaveCredentials(ctx context.Context, c domain.Credentials) error
	SaveGoogleToken(ctx context.Context, user domain.UserID, token string) error
	IsConnected(ctx context.Context, user domain.UserID) (bool, error)
	ListConnectedUsers(ctx context.Context) ([]domain.UserID, error)
	MarkMetadataSynced(ctx context.Context, user domain.UserID, at time.Time) error
}

// Store is the full entity store.
type Store interface {
	TimeEntryStore
	MetadataStore
	CalendarStore
	MappingStore
	CredentialStore
}

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs deferred and recurring jobs.
type Scheduler interface {
	// ScheduleOnce runs job at runAt. A pending job with the same key is
	// replaced, never stacked.
	ScheduleOnce(key string, runAt time.Time, job Job)
	ScheduleRecurring(name string, interval time.Duration, job Job)
	// Pending reports the run time of the job pending under key.
	Pending(key string) (time.Time, bool)
}
