// Package app wires the partitioned stores, migration engine, maintenance
// jobs and health monitor into one lifecycle the command binaries share.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardtask/shardtask/internal/config"
	"github.com/shardtask/shardtask/internal/health"
	"github.com/shardtask/shardtask/internal/maintenance"
	"github.com/shardtask/shardtask/internal/migrate"
	"github.com/shardtask/shardtask/internal/partition"
	"github.com/shardtask/shardtask/internal/storage"
	"github.com/shardtask/shardtask/internal/store"
)

// App owns the shared resources and exposes the assembled components.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	db           *store.DB
	active       *store.ActiveStore
	archive      *store.ArchiveStore
	interactions *store.InteractionStore
	union        *store.UnionView
	engine       *migrate.Engine
	jobs         *maintenance.Jobs
	scheduler    *maintenance.Scheduler
	monitor      *health.Monitor

	mu      sync.Mutex
	running bool
}

// New validates the configuration and creates an unstarted App.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &App{cfg: cfg, log: log}, nil
}

// Start opens the database and initializes every store. It is not
// idempotent; a started App must be Closed before starting again.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	db, err := store.Open(a.cfg.DatabasePath())
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return err
	}

	activeRouter, err := partition.NewRouter(a.cfg.ActivePartitionCount)
	if err != nil {
		db.Close()
		return err
	}
	interactionRouter, err := partition.NewRouter(a.cfg.InteractionPartitionCount)
	if err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.active = store.NewActiveStore(db, activeRouter, a.log)
	a.archive = store.NewArchiveStore(db, a.log)
	a.interactions = store.NewInteractionStore(db, interactionRouter, a.log)
	a.union = store.NewUnionView(a.active, a.archive, a.log)

	for _, init := range []func(context.Context) error{
		a.active.Init, a.archive.Init, a.interactions.Init,
	} {
		if err := init(ctx); err != nil {
			db.Close()
			return err
		}
	}

	snap, err := a.newSnapshotter(ctx)
	if err != nil {
		db.Close()
		return err
	}

	a.engine = migrate.NewEngine(db, a.active, a.archive, a.cfg.ArchivalAge(), a.log)
	a.jobs = maintenance.NewJobs(db, a.active, a.archive, a.interactions, snap, a.cfg, a.log)
	a.scheduler = maintenance.NewScheduler(a.jobs, a.cfg, a.log)
	a.monitor = health.NewMonitor(db, a.cfg, a.log)

	a.running = true
	a.log.Info().
		Str("database", a.cfg.DatabasePath()).
		Int("active_partitions", a.cfg.ActivePartitionCount).
		Int("interaction_partitions", a.cfg.InteractionPartitionCount).
		Msg("shardtask started")
	return nil
}

func (a *App) newSnapshotter(ctx context.Context) (*storage.Snapshotter, error) {
	scratch := filepath.Join(a.cfg.DataDir, "scratch")

	var objects storage.ObjectStorage
	switch a.cfg.Storage.Type {
	case "s3":
		s3cfg := storage.DefaultS3Config()
		s3cfg.Region = a.cfg.Storage.S3.Region
		s3cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3, err := storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3cfg)
		if err != nil {
			return nil, err
		}
		objects = s3
	default:
		local, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		objects = local
	}
	return storage.NewSnapshotter(objects, scratch, a.log), nil
}

// Close releases the database. The scheduler, if started, must be stopped
// first via StopScheduler.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	return a.db.Close()
}

// StartScheduler begins the cron-driven maintenance cadence.
func (a *App) StartScheduler() error {
	return a.scheduler.Start()
}

// StopScheduler halts the cadence, waiting for any in-flight run.
func (a *App) StopScheduler() {
	a.scheduler.Stop()
}

// Accessors for the assembled components.

func (a *App) Config() *config.Config                  { return a.cfg }
func (a *App) Logger() zerolog.Logger                  { return a.log }
func (a *App) DB() *store.DB                           { return a.db }
func (a *App) Active() *store.ActiveStore              { return a.active }
func (a *App) Archive() *store.ArchiveStore            { return a.archive }
func (a *App) Interactions() *store.InteractionStore   { return a.interactions }
func (a *App) Union() *store.UnionView                 { return a.union }
func (a *App) Migration() *migrate.Engine              { return a.engine }
func (a *App) Maintenance() *maintenance.Jobs          { return a.jobs }
func (a *App) Health() *health.Monitor                 { return a.monitor }
