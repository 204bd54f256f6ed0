// Package memory is an in-process implementation of ports.Store used by tests
// and by `serve --store=memory`.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"togglsync/internal/domain"
)

type key struct {
	user domain.UserID
	id   int64
}

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	// Now is the clock used for updated_at. Defaults to time.Now.
	Now func() time.Time

	entries   map[key]domain.TimeEntry
	orgs      map[key]domain.Organization
	workspace map[key]domain.Workspace
	projects  map[key]domain.Project
	tags      map[key]domain.Tag
	calendars map[key]domain.Calendar
	mappings  map[key]domain.EntityMapping
	creds     map[domain.UserID]domain.Credentials
	nextID    int64
}

func NewStore() *Store {
	return &Store{
		Now:       time.Now,
		entries:   make(map[key]domain.TimeEntry),
		orgs:      make(map[key]domain.Organization),
		workspace: make(map[key]domain.Workspace),
		projects:  make(map[key]domain.Project),
		tags:      make(map[key]domain.Tag),
		calendars: make(map[key]domain.Calendar),
		mappings:  make(map[key]domain.EntityMapping),
		creds:     make(map[domain.UserID]domain.Credentials),
	}
}

func (s *Store) now() time.Time { return s.Now().UTC() }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ---- time entries ----

func (s *Store) GetTimeEntry(_ context.Context, user domain.UserID, id int64) (domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{user, id}]
	if !ok {
		return domain.TimeEntry{}, domain.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *Store) UpsertTimeEntry(_ context.Context, e domain.TimeEntry) (domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	k := key{e.UserID, e.ID}
	cur, exists := s.entries[k]
	if exists {
		e.CreatedAt = cur.CreatedAt
		e.CalendarID = cur.CalendarID
		e.ValidatedAt = cur.ValidatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.Synced = false
	e.PendingDeletion = false
	e.AttemptedAt = nil
	e.RemoteDeletedAt = nil
	e.UpdatedAt = now
	s.entries[k] = cloneEntry(e)
	return cloneEntry(e), nil
}

func (s *Store) MarkPendingDeletion(_ context.Context, user domain.UserID, id int64) (domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{user, id}]
	if !ok {
		return domain.TimeEntry{}, domain.ErrNotFound
	}
	e.PendingDeletion = true
	e.Synced = false
	e.AttemptedAt = nil
	e.RemoteDeletedAt = nil
	e.UpdatedAt = s.now()
	s.entries[key{user, id}] = e
	return cloneEntry(e), nil
}

func (s *Store) SetEntryCalendar(_ context.Context, user domain.UserID, id int64, calendarID *int64) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		e.CalendarID = copyPtr(calendarID)
		return nil
	})
}

func (s *Store) MarkSynced(_ context.Context, user domain.UserID, id int64, expected time.Time) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		if !e.UpdatedAt.Equal(expected) {
			return domain.ErrConcurrentModification
		}
		e.Synced = true
		return nil
	})
}

func (s *Store) ClearSynced(_ context.Context, user domain.UserID, id int64) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		e.Synced = false
		return nil
	})
}

func (s *Store) MarkValidated(_ context.Context, user domain.UserID, id int64, at time.Time) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		at := at
		e.ValidatedAt = &at
		return nil
	})
}

func (s *Store) MarkAttempted(_ context.Context, user domain.UserID, id int64, at time.Time) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		at := at.UTC()
		e.AttemptedAt = &at
		return nil
	})
}

func (s *Store) MarkRemoteDeleted(_ context.Context, user domain.UserID, id int64, expected, at time.Time) error {
	return s.mutateEntry(user, id, func(e *domain.TimeEntry) error {
		if !e.PendingDeletion || !e.UpdatedAt.Equal(expected) {
			return domain.ErrConcurrentModification
		}
		at := at.UTC()
		e.RemoteDeletedAt = &at
		return nil
	})
}

func (s *Store) mutateEntry(user domain.UserID, id int64, fn func(*domain.TimeEntry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{user, id}]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(&e); err != nil {
		return err
	}
	s.entries[key{user, id}] = e
	return nil
}

func (s *Store) ListSyncedEntries(_ context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error) {
	out := s.filterEntries(user, func(e domain.TimeEntry) bool { return e.Synced && !e.PendingDeletion })
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ValidatedAt, out[j].ValidatedAt
		switch {
		case a == nil && b == nil:
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	return truncate(out, limit), nil
}

func (s *Store) ListUnsyncedEntries(_ context.Context, user domain.UserID, limit int) ([]domain.TimeEntry, error) {
	out := s.filterEntries(user, domain.TimeEntry.Outstanding)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].AttemptedAt, out[j].AttemptedAt
		switch {
		case a == nil && b == nil:
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (s *Store) filterEntries(user domain.UserID, keep func(domain.TimeEntry) bool) []domain.TimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TimeEntry
	for k, e := range s.entries {
		if k.user == user && keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- metadata ----

func (s *Store) UpsertOrganization(_ context.Context, o domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.UpdatedAt = s.now()
	s.orgs[key{o.UserID, o.ID}] = o
	return nil
}

func (s *Store) UpsertWorkspace(_ context.Context, w domain.Workspace) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{w.UserID, w.ID}
	cur, ok := s.workspace[k]
	if ok {
		cur.Name = w.Name
		cur.OrganizationID = copyPtr(w.OrganizationID)
		if cur.WebhookToken == "" {
			cur.WebhookToken = w.WebhookToken
		}
		w = cur
	}
	w.UpdatedAt = s.now()
	s.workspace[k] = w
	return w, nil
}

func (s *Store) UpdateWorkspaceWebhook(_ context.Context, w domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{w.UserID, w.ID}
	cur, ok := s.workspace[k]
	if !ok {
		return domain.ErrNotFound
	}
	cur.WebhookToken = w.WebhookToken
	cur.WebhookSubscriptionID = copyPtr(w.WebhookSubscriptionID)
	cur.WebhookSecret = w.WebhookSecret
	cur.WebhookEnabled = w.WebhookEnabled
	cur.UpdatedAt = s.now()
	s.workspace[k] = cur
	return nil
}

func (s *Store) UpsertProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = s.now()
	s.projects[key{p.UserID, p.ID}] = p
	return nil
}

func (s *Store) UpsertTag(_ context.Context, t domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = s.now()
	s.tags[key{t.UserID, t.ID}] = t
	return nil
}

func (s *Store) GetWorkspace(_ context.Context, user domain.UserID, id int64) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspace[key{user, id}]
	if !ok {
		return domain.Workspace{}, domain.ErrNotFound
	}
	return w, nil
}

func (s *Store) WorkspaceByWebhookToken(_ context.Context, token string) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return domain.Workspace{}, domain.ErrNotFound
	}
	for _, w := range s.workspace {
		if w.WebhookToken == token {
			return w, nil
		}
	}
	return domain.Workspace{}, domain.ErrNotFound
}

func (s *Store) ListWorkspaces(_ context.Context, user domain.UserID) ([]domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Workspace
	for k, w := range s.workspace {
		if k.user == user {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProject(_ context.Context, user domain.UserID, id int64) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[key{user, id}]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context, user domain.UserID) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for k, p := range s.projects {
		if k.user == user {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) TagsByIDs(_ context.Context, user domain.UserID, ids []int64) ([]domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Tag
	for _, id := range ids {
		if t, ok := s.tags[key{user, id}]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) TagsByNames(_ context.Context, user domain.UserID, names []string) ([]domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Tag
	for k, t := range s.tags {
		if k.user == user && slices.Contains(names, t.Name) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- calendars ----

func (s *Store) SaveCalendar(_ context.Context, c domain.Calendar) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cur := range s.calendars {
		if k.user == c.UserID && cur.CalendarID == c.CalendarID {
			c.ID = cur.ID
		}
	}
	if c.ID == 0 {
		c.ID = s.id()
	}
	if c.IsDefault {
		for k, cur := range s.calendars {
			if k.user == c.UserID && cur.ID != c.ID && cur.IsDefault {
				cur.IsDefault = false
				s.calendars[k] = cur
			}
		}
	}
	s.calendars[key{c.UserID, c.ID}] = c
	return c, nil
}

func (s *Store) GetCalendar(_ context.Context, user domain.UserID, id int64) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calendars[key{user, id}]
	if !ok {
		return domain.Calendar{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) DefaultCalendar(_ context.Context, user domain.UserID) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.calendars {
		if k.user == user && c.IsDefault {
			return c, nil
		}
	}
	return domain.Calendar{}, domain.ErrNotFound
}

func (s *Store) ListCalendars(_ context.Context, user domain.UserID) ([]domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Calendar
	for k, c := range s.calendars {
		if k.user == user {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteCalendar(_ context.Context, user domain.UserID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[key{user, id}]; !ok {
		return domain.ErrNotFound
	}
	delete(s.calendars, key{user, id})
	for k, m := range s.mappings {
		if k.user == user && m.CalendarID != nil && *m.CalendarID == id {
			m.CalendarID = nil
			s.mappings[k] = m
		}
	}
	for k, e := range s.entries {
		if k.user == user && e.CalendarID != nil && *e.CalendarID == id {
			e.CalendarID = nil
			s.entries[k] = e
		}
	}
	return nil
}

// ---- mappings ----

func (s *Store) SaveMapping(_ context.Context, m domain.EntityMapping) (domain.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cur := range s.mappings {
		if k.user == m.UserID && cur.EntityType == m.EntityType && cur.EntityID == m.EntityID {
			m.ID = cur.ID
		}
	}
	if m.ID == 0 {
		m.ID = s.id()
	}
	m.CalendarID = copyPtr(m.CalendarID)
	s.mappings[key{m.UserID, m.ID}] = m
	return m, nil
}

func (s *Store) DeleteMapping(_ context.Context, user domain.UserID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[key{user, id}]; !ok {
		return domain.ErrNotFound
	}
	delete(s.mappings, key{user, id})
	return nil
}

func (s *Store) ListMappings(_ context.Context, user domain.UserID) ([]domain.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EntityMapping
	for k, m := range s.mappings {
		if k.user == user {
			out = append(out, m)
		}
	}
	sortMappings(out)
	return out, nil
}

func (s *Store) FindMappings(_ context.Context, user domain.UserID, t domain.EntityType, ids []int64) ([]domain.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EntityMapping
	for k, m := range s.mappings {
		if k.user == user && m.EntityType == t && slices.Contains(ids, m.EntityID) {
			out = append(out, m)
		}
	}
	sortMappings(out)
	return out, nil
}

func sortMappings(ms []domain.EntityMapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].ProcessOrder != ms[j].ProcessOrder {
			return ms[i].ProcessOrder < ms[j].ProcessOrder
		}
		return ms[i].ID < ms[j].ID
	})
}

// ---- credentials ----

func (s *Store) GetCredentials(_ context.Context, user domain.UserID) (domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[user]
	if !ok {
		return domain.Credentials{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) SaveCredentials(_ context.Context, c domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = s.now()
	s.creds[c.UserID] = c
	return nil
}

func (s *Store) SaveGoogleToken(_ context.Context, user domain.UserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[user]
	if !ok {
		c = domain.Credentials{UserID: user, Timezone: "UTC"}
	}
	c.GoogleToken = token
	c.UpdatedAt = s.now()
	s.creds[user] = c
	return nil
}

func (s *Store) IsConnected(_ context.Context, user domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[user].Connected(), nil
}

func (s *Store) ListConnectedUsers(_ context.Context) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserID
	for u, c := range s.creds {
		if c.Connected() {
			out = append(out, u)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) MarkMetadataSynced(_ context.Context, user domain.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[user]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastMetadataSync = &at
	s.creds[user] = c
	return nil
}

func cloneEntry(e domain.TimeEntry) domain.TimeEntry {
	e.TagIDs = slices.Clone(e.TagIDs)
	e.WorkspaceID = copyPtr(e.WorkspaceID)
	e.ProjectID = copyPtr(e.ProjectID)
	e.CalendarID = copyPtr(e.CalendarID)
	if e.Stop != nil {
		stop := *e.Stop
		e.Stop = &stop
	}
	e.ValidatedAt = copyPtr(e.ValidatedAt)
	e.AttemptedAt = copyPtr(e.AttemptedAt)
	e.RemoteDeletedAt = copyPtr(e.RemoteDeletedAt)
	return e
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
