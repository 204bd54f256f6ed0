//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	msql "togglsync/internal/adapter/mysql"
	"togglsync/internal/domain"
	"togglsync/internal/migrate"
	"togglsync/internal/ports"
	"togglsync/internal/resolver"
	"togglsync/internal/usecase"
)

func startMySQL(t *testing.T) (*msql.Client, *slog.Logger) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_DATABASE":      "testdb",
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_USER":          "test",
			"MYSQL_PASSWORD":      "pass",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}
	mysqlC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = mysqlC.Terminate(context.Background()) })

	host, err := mysqlC.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := mysqlC.MappedPort(ctx, "3306/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn, err := msql.NormalizeDSN(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", "test", "pass", host, port.Port(), "testdb"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	// The port opens before the server accepts logins; retry the first connection.
	var store *msql.Client
	deadline := time.Now().Add(60 * time.Second)
	for {
		if err = migrate.Run(ctx, dsn, logger); err == nil {
			store, err = msql.NewClient(ctx, dsn, logger)
		}
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("mysql: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// A second run must be a no-op.
	if err := migrate.Run(ctx, dsn, logger); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	return store, logger
}

func ptr(v int64) *int64 { return &v }

func TestMySQLStore(t *testing.T) {
	store, logger := startMySQL(t)
	ctx := context.Background()
	const alice, bob = domain.UserID(1), domain.UserID(2)

	t.Run("entry flags and conditional sync", func(t *testing.T) {
		start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		stop := start.Add(30 * time.Minute)
		e, err := store.UpsertTimeEntry(ctx, domain.TimeEntry{
			UserID: alice, ID: 100, Description: "Review", Start: start, Stop: &stop,
			WorkspaceID: ptr(10), TagIDs: []int64{5, 6},
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if e.Synced || e.PendingDeletion || len(e.TagIDs) != 2 {
			t.Fatalf("unexpected stored entry: %+v", e)
		}

		if err := store.MarkSynced(ctx, alice, 100, e.UpdatedAt.Add(-time.Second)); !errors.Is(err, domain.ErrConcurrentModification) {
			t.Fatalf("stale MarkSynced: got %v", err)
		}
		if err := store.MarkSynced(ctx, alice, 100, e.UpdatedAt); err != nil {
			t.Fatalf("MarkSynced: %v", err)
		}
		if err := store.MarkSynced(ctx, alice, 404, e.UpdatedAt); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("MarkSynced unknown: got %v", err)
		}

		synced, err := store.ListSyncedEntries(ctx, alice, 10)
		if err != nil || len(synced) != 1 {
			t.Fatalf("synced entries: %v %d", err, len(synced))
		}
		if _, err := store.GetTimeEntry(ctx, bob, 100); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("entry leaked across users: %v", err)
		}

		time.Sleep(2 * time.Millisecond)
		del, err := store.MarkPendingDeletion(ctx, alice, 100)
		if err != nil {
			t.Fatalf("pending deletion: %v", err)
		}
		if !del.PendingDeletion || del.Synced || !del.UpdatedAt.After(e.UpdatedAt) {
			t.Fatalf("pending deletion not applied: %+v", del)
		}
		unsynced, err := store.ListUnsyncedEntries(ctx, alice, 0)
		if err != nil || len(unsynced) != 1 || !unsynced[0].PendingDeletion {
			t.Fatalf("outstanding deletion not listed: %v %+v", err, unsynced)
		}
		if err := store.MarkRemoteDeleted(ctx, alice, 100, e.UpdatedAt, time.Now()); !errors.Is(err, domain.ErrConcurrentModification) {
			t.Fatalf("stale MarkRemoteDeleted: got %v", err)
		}
		if err := store.MarkRemoteDeleted(ctx, alice, 100, del.UpdatedAt, time.Now()); err != nil {
			t.Fatalf("MarkRemoteDeleted: %v", err)
		}
		unsynced, err = store.ListUnsyncedEntries(ctx, alice, 0)
		if err != nil || len(unsynced) != 0 {
			t.Fatalf("completed deletion listed: %v %d", err, len(unsynced))
		}
	})

	t.Run("catch-up order rotates by attempt", func(t *testing.T) {
		start := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
		for _, id := range []int64{201, 202} {
			if _, err := store.UpsertTimeEntry(ctx, domain.TimeEntry{UserID: bob, ID: id, Start: start}); err != nil {
				t.Fatalf("upsert %d: %v", id, err)
			}
			time.Sleep(2 * time.Millisecond)
		}
		if err := store.MarkAttempted(ctx, bob, 201, time.Now()); err != nil {
			t.Fatalf("MarkAttempted: %v", err)
		}
		got, err := store.ListUnsyncedEntries(ctx, bob, 1)
		if err != nil || len(got) != 1 || got[0].ID != 202 {
			t.Fatalf("never attempted entry not first: %v %+v", err, got)
		}
		if got[0].AttemptedAt != nil {
			t.Fatalf("attempted_at set on fresh entry: %v", got[0].AttemptedAt)
		}
	})

	t.Run("workspace webhook token is kept", func(t *testing.T) {
		w, err := store.UpsertWorkspace(ctx, domain.Workspace{UserID: alice, ID: 10, Name: "Main", WebhookToken: "first"})
		if err != nil {
			t.Fatalf("upsert workspace: %v", err)
		}
		w, err = store.UpsertWorkspace(ctx, domain.Workspace{UserID: alice, ID: 10, Name: "Renamed", WebhookToken: "second"})
		if err != nil {
			t.Fatalf("upsert workspace again: %v", err)
		}
		if w.WebhookToken != "first" || w.Name != "Renamed" {
			t.Fatalf("unexpected workspace: %+v", w)
		}
		got, err := store.WorkspaceByWebhookToken(ctx, "first")
		if err != nil || got.UserID != alice {
			t.Fatalf("lookup by token: %v %+v", err, got)
		}
	})

	t.Run("default calendar and detach on delete", func(t *testing.T) {
		a, err := store.SaveCalendar(ctx, domain.Calendar{UserID: alice, CalendarID: "a@group", Name: "A", IsDefault: true})
		if err != nil {
			t.Fatalf("save calendar: %v", err)
		}
		b, err := store.SaveCalendar(ctx, domain.Calendar{UserID: alice, CalendarID: "b@group", Name: "B", IsDefault: true})
		if err != nil {
			t.Fatalf("save calendar: %v", err)
		}
		again, err := store.SaveCalendar(ctx, domain.Calendar{UserID: alice, CalendarID: "a@group", Name: "A2"})
		if err != nil || again.ID != a.ID {
			t.Fatalf("re-save kept id: %v %d != %d", err, again.ID, a.ID)
		}
		def, err := store.DefaultCalendar(ctx, alice)
		if err != nil || def.ID != b.ID {
			t.Fatalf("default calendar: %v %+v", err, def)
		}

		m, err := store.SaveMapping(ctx, domain.EntityMapping{
			UserID: alice, EntityType: domain.EntityTag, EntityID: 5, EntityName: "urgent",
			CalendarID: &a.ID, Color: domain.ColorTomato,
		})
		if err != nil {
			t.Fatalf("save mapping: %v", err)
		}
		if err := store.DeleteCalendar(ctx, alice, a.ID); err != nil {
			t.Fatalf("delete calendar: %v", err)
		}
		found, err := store.FindMappings(ctx, alice, domain.EntityTag, []int64{5})
		if err != nil || len(found) != 1 || found[0].ID != m.ID || found[0].CalendarID != nil {
			t.Fatalf("mapping not detached: %v %+v", err, found)
		}
		if _, err := store.DefaultCalendar(ctx, bob); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("default calendar leaked across users: %v", err)
		}
	})

	t.Run("credentials", func(t *testing.T) {
		if ok, err := store.IsConnected(ctx, bob); err != nil || ok {
			t.Fatalf("bob connected: %v %v", ok, err)
		}
		if err := store.SaveGoogleToken(ctx, bob, `{"access_token":"x"}`); err != nil {
			t.Fatalf("save token: %v", err)
		}
		users, err := store.ListConnectedUsers(ctx)
		if err != nil || len(users) != 1 || users[0] != bob {
			t.Fatalf("connected users: %v %v", err, users)
		}
		c, err := store.GetCredentials(ctx, bob)
		if err != nil || c.Timezone != "UTC" {
			t.Fatalf("credentials: %v %+v", err, c)
		}
	})

	t.Run("engine scenarios", func(t *testing.T) {
		testEngineScenarios(t, store, logger)
	})
}

// testEngineScenarios drives ingest and the engine against MySQL with an
// in-process calendar.
func testEngineScenarios(t *testing.T, store *msql.Client, logger *slog.Logger) {
	ctx := context.Background()
	const carol = domain.UserID(3)
	if err := store.SaveCredentials(ctx, domain.Credentials{UserID: carol, GoogleToken: `{"access_token":"x"}`}); err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if _, err := store.SaveCalendar(ctx, domain.Calendar{UserID: carol, CalendarID: "primary", Name: "Me", IsDefault: true}); err != nil {
		t.Fatalf("calendar: %v", err)
	}
	ws, err := store.UpsertWorkspace(ctx, domain.Workspace{UserID: carol, ID: 30, Name: "Carol", WebhookToken: "carol"})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	cal := &memCalendar{events: make(map[string]domain.CalendarEvent)}
	engine := &usecase.Engine{
		Log:       logger,
		Store:     store,
		Resolver:  resolver.New(store, logger),
		Calendars: cal,
		Scheduler: noopScheduler{},
		Config:    usecase.EngineConfig{QuietWindow: time.Minute, MaxRetries: 1, RetryBaseDelay: time.Minute},
	}
	ingest := &usecase.Ingest{Log: logger, Store: store, Engine: engine}

	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	stop := start.Add(time.Hour)
	handle := func(ev domain.EntryEvent) {
		t.Helper()
		if err := ingest.Handle(ctx, ws, ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.Action, err)
		}
		if err := engine.SyncNow(ctx, carol, ev.EntryID); err != nil {
			t.Fatalf("sync %s: %v", ev.Action, err)
		}
	}

	// create -> synced
	handle(domain.EntryEvent{Action: domain.ActionCreated, EntryID: 7, Description: "Write", Start: start, Stop: &stop, WorkspaceID: ptr(30)})
	e, err := store.GetTimeEntry(ctx, carol, 7)
	if err != nil || !e.Synced {
		t.Fatalf("created entry not synced: %v %+v", err, e)
	}
	if ev, ok := cal.get("toggl7"); !ok || ev.Summary != "Write" {
		t.Fatalf("event not created: %+v", ev)
	}

	// running update -> running color, end = start+1m, synced
	handle(domain.EntryEvent{Action: domain.ActionUpdated, EntryID: 7, Description: "Write more", Start: start, WorkspaceID: ptr(30)})
	ev, _ := cal.get("toggl7")
	if ev.Color != domain.ColorRunning || !ev.End.Equal(start.Add(time.Minute)) {
		t.Fatalf("running event: %+v", ev)
	}
	if e, _ = store.GetTimeEntry(ctx, carol, 7); !e.Synced {
		t.Fatalf("updated entry not synced")
	}

	// delete -> event gone, pending_deletion kept, synced false
	handle(domain.EntryEvent{Action: domain.ActionDeleted, EntryID: 7})
	if _, ok := cal.get("toggl7"); ok {
		t.Fatalf("event not deleted")
	}
	e, err = store.GetTimeEntry(ctx, carol, 7)
	if err != nil || !e.PendingDeletion || e.Synced {
		t.Fatalf("deleted entry state: %v %+v", err, e)
	}
}

type noopScheduler struct{}

func (noopScheduler) ScheduleOnce(string, time.Time, ports.Job) {}

func (noopScheduler) ScheduleRecurring(string, time.Duration, ports.Job) {}

func (noopScheduler) Pending(string) (time.Time, bool) { return time.Time{}, false }

type memCalendar struct {
	mu     sync.Mutex
	events map[string]domain.CalendarEvent
}

func (m *memCalendar) ForUser(context.Context, domain.UserID) (ports.CalendarClient, error) {
	return m, nil
}

func (m *memCalendar) get(key string) (domain.CalendarEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[key]
	return ev, ok
}

func (m *memCalendar) CreateEvent(_ context.Context, _ string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = "id-" + ev.StableKey
	m.events[ev.StableKey] = ev
	return ev, nil
}

func (m *memCalendar) UpdateEvent(_ context.Context, _ string, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.StableKey]; !ok {
		return domain.CalendarEvent{}, domain.ErrRemoteNotFound
	}
	m.events[ev.StableKey] = ev
	return ev, nil
}

func (m *memCalendar) DeleteEvent(_ context.Context, _, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, ev := range m.events {
		if ev.ID == eventID {
			delete(m.events, k)
		}
	}
	return nil
}

func (m *memCalendar) FindEventByStableKey(_ context.Context, _, key string) (*domain.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[key]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (m *memCalendar) ListCalendars(context.Context) ([]domain.RemoteCalendar, error) {
	return nil, nil
}
