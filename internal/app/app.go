// Package app wires adapters, use cases, the scheduler and the HTTP surface.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"togglsync/internal/adapter/gcal"
	"togglsync/internal/adapter/memory"
	msql "togglsync/internal/adapter/mysql"
	tg "togglsync/internal/adapter/toggl"
	"togglsync/internal/config"
	"togglsync/internal/domain"
	"togglsync/internal/metrics"
	"togglsync/internal/migrate"
	"togglsync/internal/ports"
	"togglsync/internal/resolver"
	"togglsync/internal/scheduler"
	"togglsync/internal/usecase"
)

// App wires adapters and use cases.
type App struct {
	log   *slog.Logger
	cfg   config.Config
	store ports.Store
	sched *scheduler.Scheduler
	reg   *prometheus.Registry
	mx    *metrics.Metrics

	engine     *usecase.Engine
	ingest     *usecase.Ingest
	reconciler *usecase.Reconciler
	catchUp    *usecase.CatchUp
	metadata   *usecase.MetadataSync
	calendars  *usecase.CalendarImport
	mappings   *usecase.MappingApply
	backfill   *usecase.Backfill
	webhooks   *usecase.WebhookSetup
}

// New opens the configured store, running migrations first for MySQL, and
// builds the Google and Toggl adapters.
func New(ctx context.Context, log *slog.Logger, cfg config.Config) (*App, error) {
	var store ports.Store
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store; state is lost on exit")
		store = memory.NewStore()
	default:
		dsn, err := msql.NormalizeDSN(cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		if err := migrate.Run(ctx, dsn, log); err != nil {
			return nil, err
		}
		client, err := msql.NewClient(ctx, dsn, log)
		if err != nil {
			return nil, err
		}
		store = client
	}

	calendars := gcal.NewProvider(gcal.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Timezone:     cfg.Google.Timezone,
	}, store, log)
	toggl := tg.Factory(cfg.Toggl.BaseURL, cfg.Toggl.WebhookBaseURL, log)
	return build(log, cfg, store, calendars, toggl), nil
}

// build assembles the use cases around already constructed adapters.
func build(log *slog.Logger, cfg config.Config, store ports.Store, calendars ports.CalendarProvider, toggl ports.TogglFactory) *App {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mx := metrics.New(reg)
	sched := scheduler.New(log, cfg.Scheduler.Workers)

	meta := &usecase.MetadataSync{
		Log:           log,
		Store:         store,
		Toggl:         toggl,
		WebhookDomain: cfg.Toggl.WebhookDomain,
	}
	engine := &usecase.Engine{
		Log:       log,
		Store:     store,
		Resolver:  resolver.New(store, log),
		Calendars: calendars,
		Scheduler: sched,
		Metadata:  meta,
		Metrics:   mx,
		Config: usecase.EngineConfig{
			QuietWindow:    cfg.Sync.QuietWindow,
			MaxRetries:     cfg.Sync.MaxRetries,
			RetryBaseDelay: cfg.Sync.RetryBaseDelay,
			RetryMaxDelay:  cfg.Sync.RetryMaxDelay,
		},
	}

	return &App{
		log:   log,
		cfg:   cfg,
		store: store,
		sched: sched,
		reg:   reg,
		mx:    mx,

		engine:     engine,
		ingest:     &usecase.Ingest{Log: log, Store: store, Engine: engine},
		reconciler: &usecase.Reconciler{Log: log, Store: store, Calendars: calendars, Metrics: mx, BatchSize: cfg.Sync.ValidateBatch},
		catchUp:    &usecase.CatchUp{Log: log, Store: store, Engine: engine, BatchSize: cfg.Sync.ValidateBatch},
		metadata:   meta,
		calendars:  &usecase.CalendarImport{Log: log, Store: store, Calendars: calendars},
		mappings:   &usecase.MappingApply{Log: log, Store: store, Engine: engine},
		backfill:   &usecase.Backfill{Log: log, Store: store, Toggl: toggl, Engine: engine},
		webhooks:   &usecase.WebhookSetup{Log: log, Store: store, Toggl: toggl, Domain: cfg.Toggl.WebhookDomain},
	}
}

// Start registers the recurring reconciliation and catch-up jobs.
func (a *App) Start() {
	a.sched.ScheduleRecurring("validate_synced_entries", a.cfg.Sync.ValidateInterval, a.timed("validate_synced_entries", a.reconciler.Job()))
	a.sched.ScheduleRecurring("catch_up_unsynced_entries", a.cfg.Sync.CatchUpInterval, a.timed("catch_up_unsynced_entries", a.catchUp.Job()))
}

func (a *App) timed(name string, job ports.Job) ports.Job {
	return func(ctx context.Context) error {
		start := time.Now()
		defer func() { a.mx.ObserveJob(name, time.Since(start).Seconds()) }()
		return job(ctx)
	}
}

// SyncMetadata runs a metadata sync for one user.
func (a *App) SyncMetadata(ctx context.Context, user int64) (usecase.MetadataReport, error) {
	return a.metadata.SyncUser(ctx, domain.UserID(user))
}

// SetupWebhooks registers Toggl webhook subscriptions for one user.
func (a *App) SetupWebhooks(ctx context.Context, user int64) (usecase.WebhookReport, error) {
	return a.webhooks.SetupUser(ctx, domain.UserID(user))
}

// Close stops the scheduler, waiting for running jobs until ctx is done,
// and closes the store.
func (a *App) Close(ctx context.Context) error {
	err := a.sched.Shutdown(ctx)
	if c, ok := a.store.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
