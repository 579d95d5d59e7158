package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.chatsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTransport,
			provideProber,
			provideMonitor,
			provideEngine,
			provideSession,
			providePush,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:      profile.LogPath(p.Profile),
		Profile:   p.Profile,
		Component: "chatsyncd",
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// The lock parameter orders store opening after lock acquisition.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(cfg *config.Config, logger *zap.Logger) *transport.Client {
	return transport.New(cfg.Server.BaseURL, logger.Named("transport"),
		transport.WithToken(cfg.Server.Token),
		transport.WithTimeout(cfg.Server.RequestTimeout.Duration),
	)
}

func provideProber(cfg *config.Config) connectivity.Prober {
	return connectivity.NewHTTPProber(cfg.ProbeTarget())
}

func provideMonitor(p connectivity.Prober, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *connectivity.Monitor {
	c := cfg.Connectivity
	return connectivity.New(p, b, connectivity.Options{
		Interval:         c.ProbeInterval.Duration,
		Timeout:          c.ProbeTimeout.Duration,
		DegradedLatency:  c.DegradedLatency.Duration,
		FailureThreshold: c.FailureThreshold,
		PlatformOnline:   true,
	}, logger.Named("connectivity"))
}

func provideEngine(db *store.DB, t *transport.Client, m *connectivity.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	s := cfg.Sync
	return intsync.NewEngine(db, t, m, b, intsync.Options{
		BatchSize:  s.BatchSize,
		MaxRetries: s.MaxRetries,
		BaseDelay:  s.BaseDelay.Duration,
		MaxDelay:   s.MaxDelay.Duration,
		Interval:   s.Interval.Duration,
		Lookback:   s.Lookback.Duration,
		PageSize:   s.PageSize,
		MaxPages:   s.MaxPages,
	}, logger.Named("sync"))
}

func provideSession(db *store.DB, e *intsync.Engine, m *connectivity.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Session {
	return chat.NewSession(db, e, m, b, cfg.Server.SelfID, logger.Named("chat"))
}

// providePush returns nil when no push channel is configured.
func providePush(cfg *config.Config, s *chat.Session, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *push.Client {
	if cfg.Server.PushURL == "" {
		logger.Info("no push_url configured, relying on periodic pulls")
		return nil
	}
	return push.New(cfg.Server.PushURL, s, b, push.Options{
		Token: cfg.Server.Token,
		// A dropped or restored push channel is a hint that reachability
		// changed; the monitor verifies it.
		OnState: func(bool) { go m.Recheck(context.Background()) },
	}, logger.Named("push"))
}

func provideService(p Params, s *chat.Session, logger *zap.Logger) *api.Service {
	return api.NewService(s, p.Profile, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	monitor *connectivity.Monitor,
	engine *intsync.Engine,
	session *chat.Session,
	pc *push.Client,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The first probe runs synchronously so the engine starts
			// with a known state.
			monitor.Start(context.Background())
			engine.Start(context.Background())
			if pc != nil {
				pc.Start(context.Background())
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			st := monitor.State()
			logger.Info("daemon started", zap.Bool("online", st.IsOnline), zap.String("quality", string(st.Quality)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if pc != nil {
				pc.Stop()
			}
			session.Close()
			engine.Stop()
			monitor.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
