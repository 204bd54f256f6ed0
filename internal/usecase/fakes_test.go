package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"togglsync/internal/adapter/memory"
	"togglsync/internal/domain"
	"togglsync/internal/ports"
	"togglsync/internal/resolver"
)

const user = domain.UserID(7)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v int64) *int64 { return &v }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeCalendar keeps events per calendar id and indexes them by stable key.
type fakeCalendar struct {
	mu      sync.Mutex
	events  map[string]map[string]domain.CalendarEvent
	remote  []domain.RemoteCalendar
	nextID  int
	creates int
	updates int
	deletes int

	createErr error
	updateErr error
	onCreate  func()
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]map[string]domain.CalendarEvent)}
}

func (f *fakeCalendar) CreateEvent(_ context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return domain.CalendarEvent{}, f.createErr
	}
	f.creates++
	cal := f.events[calendarID]
	if cal == nil {
		cal = make(map[string]domain.CalendarEvent)
		f.events[calendarID] = cal
	}
	if cur, ok := f.byKey(calendarID, ev.StableKey); ok {
		ev.ID = cur.ID
	} else {
		f.nextID++
		ev.ID = fmt.Sprintf("ev%d", f.nextID)
	}
	cal[ev.ID] = ev
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ev, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, calendarID string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.CalendarEvent{}, f.updateErr
	}
	if _, ok := f.events[calendarID][ev.ID]; !ok {
		return domain.CalendarEvent{}, domain.ErrRemoteNotFound
	}
	f.updates++
	f.events[calendarID][ev.ID] = ev
	return ev, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.events[calendarID], eventID)
	return nil
}

func (f *fakeCalendar) FindEventByStableKey(_ context.Context, calendarID, key string) (*domain.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.byKey(calendarID, key); ok {
		return &ev, nil
	}
	return nil, nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]domain.RemoteCalendar, error) {
	return f.remote, nil
}

func (f *fakeCalendar) byKey(calendarID, key string) (domain.CalendarEvent, bool) {
	for _, ev := range f.events[calendarID] {
		if ev.StableKey == key {
			return ev, true
		}
	}
	return domain.CalendarEvent{}, false
}

// event returns the event for an entry in a calendar.
func (f *fakeCalendar) event(calendarID string, entryID int64) (domain.CalendarEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKey(calendarID, domain.StableKey(entryID))
}

func (f *fakeCalendar) count(calendarID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[calendarID])
}

func (f *fakeCalendar) drop(calendarID string, entryID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.byKey(calendarID, domain.StableKey(entryID)); ok {
		delete(f.events[calendarID], ev.ID)
	}
}

type fakeProvider struct {
	client *fakeCalendar
	err    error
}

func (p *fakeProvider) ForUser(context.Context, domain.UserID) (ports.CalendarClient, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

type scheduled struct {
	runAt time.Time
	job   ports.Job
}

// fakeScheduler records jobs and runs them on demand.
type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]scheduled
	recurring map[string]time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]scheduled), recurring: make(map[string]time.Duration)}
}

func (s *fakeScheduler) ScheduleOnce(key string, runAt time.Time, job ports.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key] = scheduled{runAt: runAt, job: job}
}

func (s *fakeScheduler) ScheduleRecurring(name string, interval time.Duration, _ ports.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurring[name] = interval
}

func (s *fakeScheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	return j.runAt, ok
}

func (s *fakeScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// RunDue runs every job due at now, in key order, and returns their errors.
func (s *fakeScheduler) RunDue(ctx context.Context, now time.Time) []error {
	s.mu.Lock()
	var keys []string
	for k, j := range s.jobs {
		if !j.runAt.After(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	jobs := make([]ports.Job, 0, len(keys))
	for _, k := range keys {
		jobs = append(jobs, s.jobs[k].job)
		delete(s.jobs, k)
	}
	s.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if err := job(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type refreshCall struct {
	user        domain.UserID
	workspaceID int64
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []refreshCall
	fn    func(user domain.UserID, ws int64) error
}

func (r *fakeRefresher) RefreshWorkspace(_ context.Context, user domain.UserID, ws int64) error {
	r.mu.Lock()
	r.calls = append(r.calls, refreshCall{user, ws})
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(user, ws)
	}
	return nil
}

// env wires an engine to the memory store, a fake calendar and a fake
// scheduler. The user is connected and owns org 1, workspace 10, project 100,
// tags 50 "urgent" and 51 "client", a default "primary" calendar and a "work"
// calendar.
type env struct {
	clock     *clock
	store     *memory.Store
	cal       *fakeCalendar
	provider  *fakeProvider
	sched     *fakeScheduler
	refresher *fakeRefresher
	engine    *Engine
	ingest    *Ingest
	primary   domain.Calendar
	work      domain.Calendar
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	s := memory.NewStore()
	s.Now = clk.Now

	require.NoError(t, s.SaveCredentials(ctx, domain.Credentials{
		UserID: user, TogglAPIToken: "toggl-token", GoogleToken: `{"access_token":"x"}`, Timezone: "UTC",
	}))
	require.NoError(t, s.UpsertOrganization(ctx, domain.Organization{UserID: user, ID: 1, Name: "Org"}))
	_, err := s.UpsertWorkspace(ctx, domain.Workspace{UserID: user, ID: 10, Name: "WS", OrganizationID: ptr(1), WebhookToken: "tok10"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertProject(ctx, domain.Project{UserID: user, ID: 100, WorkspaceID: 10, Name: "Backend", Active: true}))
	require.NoError(t, s.UpsertTag(ctx, domain.Tag{UserID: user, ID: 50, WorkspaceID: 10, Name: "urgent"}))
	require.NoError(t, s.UpsertTag(ctx, domain.Tag{UserID: user, ID: 51, WorkspaceID: 10, Name: "client"}))
	primary, err := s.SaveCalendar(ctx, domain.Calendar{UserID: user, CalendarID: "primary", Name: "Primary", IsDefault: true})
	require.NoError(t, err)
	work, err := s.SaveCalendar(ctx, domain.Calendar{UserID: user, CalendarID: "work", Name: "Work"})
	require.NoError(t, err)

	cal := newFakeCalendar()
	provider := &fakeProvider{client: cal}
	sched := newFakeScheduler()
	refresher := &fakeRefresher{}
	log := discardLogger()
	eng := &Engine{
		Log:       log,
		Store:     s,
		Resolver:  resolver.New(s, log),
		Calendars: provider,
		Scheduler: sched,
		Metadata:  refresher,
		Config: EngineConfig{
			QuietWindow:    time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: 30 * time.Second,
		},
		Now: clk.Now,
	}
	return &env{
		clock:     clk,
		store:     s,
		cal:       cal,
		provider:  provider,
		sched:     sched,
		refresher: refresher,
		engine:    eng,
		ingest:    &Ingest{Log: log, Store: s, Engine: eng},
		primary:   primary,
		work:      work,
	}
}

func (e *env) workspace(t *testing.T) domain.Workspace {
	t.Helper()
	ws, err := e.store.GetWorkspace(context.Background(), user, 10)
	require.NoError(t, err)
	return ws
}

// handle feeds a webhook event through ingest.
func (e *env) handle(t *testing.T, ev domain.EntryEvent) {
	t.Helper()
	require.NoError(t, e.ingest.Handle(context.Background(), e.workspace(t), ev))
}

// settle advances the clock past the quiet window and runs due jobs.
func (e *env) settle(t *testing.T) []error {
	t.Helper()
	e.clock.Advance(e.engine.Config.QuietWindow)
	return e.sched.RunDue(context.Background(), e.clock.Now())
}

func (e *env) entry(t *testing.T, id int64) domain.TimeEntry {
	t.Helper()
	got, err := e.store.GetTimeEntry(context.Background(), user, id)
	require.NoError(t, err)
	return got
}
