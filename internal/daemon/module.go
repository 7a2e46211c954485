package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/msgstore/internal/api"
	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/config"
	"github.com/matheus3301/msgstore/internal/dbctx"
	"github.com/matheus3301/msgstore/internal/destroy"
	"github.com/matheus3301/msgstore/internal/lock"
	"github.com/matheus3301/msgstore/internal/logging"
	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/metrics"
	"github.com/matheus3301/msgstore/internal/observe"
	"github.com/matheus3301/msgstore/internal/profile"
	"github.com/matheus3301/msgstore/internal/provider"
	"github.com/matheus3301/msgstore/internal/retention"
	"github.com/matheus3301/msgstore/internal/status"
	"github.com/matheus3301/msgstore/internal/store"
	intsync "github.com/matheus3301/msgstore/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideMediaDir,
			provideManager,
			provideObserver,
			provideSyncEngine,
			provideDestroyer,
			provideRetention,
			provideStoreService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	m := metrics.New()
	m.WatchBus(b)
	return m
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so that no store is opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, machine *status.Machine, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.StorePath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	_ = machine.Transition(status.Migrating)
	result, err := db.Migrate()
	if err != nil {
		_ = machine.Transition(status.Error)
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMediaDir(p Params, cfg *config.Config) (*media.Dir, error) {
	return media.Open(profile.MediaDir(p.ProfileName), cfg.Media.ExternalThreshold)
}

func provideManager(db *store.DB, b *bus.Bus, dir *media.Dir, m *metrics.Metrics, machine *status.Machine, logger *zap.Logger) *dbctx.Manager {
	return dbctx.New(db, b, logger,
		dbctx.WithMediaDir(dir),
		dbctx.WithRecorder(m),
		dbctx.WithFatalHandler(func(err error) {
			_ = machine.Transition(status.Error)
			logger.Fatal("store commit failed; cannot continue", zap.Error(err))
		}),
	)
}

func provideObserver(m *dbctx.Manager, b *bus.Bus, logger *zap.Logger) *observe.Observer {
	obs := observe.New(b, logger)
	m.AddRemapHook(obs.RemapIDs)
	return obs
}

func provideSyncEngine(m *dbctx.Manager, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(m, logger)
}

func provideDestroyer(m *dbctx.Manager, cfg *config.Config, rec *metrics.Metrics, logger *zap.Logger) *destroy.Destroyer {
	return destroy.New(m, logger,
		destroy.WithBatchSize(cfg.Destroyer.BatchSize),
		destroy.WithRecorder(rec))
}

func provideRetention(d *destroy.Destroyer, db *store.DB, cfg *config.Config, machine *status.Machine, logger *zap.Logger) *retention.Job {
	return retention.New(d, db, retention.Config{
		Interval:      cfg.Retention.Interval(),
		KeepDays:      cfg.Retention.KeepDays,
		MediaKeepDays: cfg.Retention.MediaKeepDays,
	}, logger, retention.WithRunHook(func(running bool) {
		// Transitions fail harmlessly while stopping.
		if running {
			_ = machine.Transition(status.Maintenance)
		} else {
			_ = machine.Transition(status.Ready)
		}
	}))
}

func provideStoreService(p Params, cfg *config.Config, machine *status.Machine, m *dbctx.Manager, d *destroy.Destroyer, job *retention.Job, obs *observe.Observer, rec *metrics.Metrics, logger *zap.Logger) *api.StoreService {
	return api.NewStoreService(p.ProfileName, machine, m, d, job, obs, api.Options{
		Window: provider.Config{
			WindowSize: cfg.Window.Size,
			Increment:  cfg.Window.Increment,
			Hysteresis: cfg.Window.Hysteresis,
		},
		ExcludedSystemTypes: cfg.ExcludedSystemTypes,
		Recorder:            rec,
	}, logger)
}

type lifecycleParams struct {
	fx.In

	Config    *config.Config
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Manager   *dbctx.Manager
	Observer  *observe.Observer
	Engine    *intsync.Engine
	Retention *retention.Job
	Metrics   *metrics.Metrics
	Machine   *status.Machine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleParams) {
	logger := in.Logger
	var metricsSrv *metrics.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			in.Observer.Start(context.Background())

			// Start sync engine (subscribes to inbound.* bus events).
			in.Engine.Start(context.Background())

			if addr := in.Config.Metrics.Address; addr != "" {
				srv, err := in.Metrics.Listen(addr, logger)
				if err != nil {
					return err
				}
				metricsSrv = srv
				go metricsSrv.Serve()
			}

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := in.Machine.Transition(status.Ready); err != nil {
				return err
			}
			in.Retention.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = in.Machine.Transition(status.Stopping)
			in.Retention.Stop()
			in.Engine.Stop()
			in.Server.Stop(ctx)
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("error stopping metrics endpoint", zap.Error(err))
				}
			}
			in.Observer.Close()
			if err := in.Manager.Close(); err != nil {
				logger.Warn("error closing store contexts", zap.Error(err))
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
