package daemon

import (
	"context"
	"io"

	"github.com/Shasikumar10/Chat-App/internal/api"
	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/bus"
	"github.com/Shasikumar10/Chat-App/internal/chat"
	"github.com/Shasikumar10/Chat-App/internal/config"
	"github.com/Shasikumar10/Chat-App/internal/delivery"
	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/Shasikumar10/Chat-App/internal/gateway"
	"github.com/Shasikumar10/Chat-App/internal/instance"
	"github.com/Shasikumar10/Chat-App/internal/lock"
	"github.com/Shasikumar10/Chat-App/internal/logging"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/notify"
	"github.com/Shasikumar10/Chat-App/internal/presence"
	"github.com/Shasikumar10/Chat-App/internal/status"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// Params holds the resolved instance settings passed to the fx module.
type Params struct {
	Instance   string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // empty = ~/.chatd/config.toml
	EnvFile    string
	LogLevel   string
	// Config, when set, is used as-is instead of reading ConfigPath and the environment.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideConfig,
			provideLock,
			provideStore,
			provideRegistry,
			metrics.New,
			gateway.NewHub,
			notify.NewOutbox,
			provideCoordinator,
			provideDispatcher,
			provideSender,
			provideJanitor,
			chat.NewService,
			provideAuthenticator,
			provideGateway,
			health.NewServer,
			provideAdminService,
			NewHTTPServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.NewWithLevel(instance.LogPath(p.Instance), p.Instance, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(p.EnvFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path), zap.String("http_addr", cfg.Server.HTTPAddr))
	return cfg, nil
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance), cfg.Server.HTTPAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second daemon.
func provideStore(p Params, cfg *config.Config, machine *status.Machine, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = instance.DBPath(p.Instance)
	}
	if err := machine.Transition(status.Migrating); err != nil {
		return nil, err
	}
	db, err := store.Open(dbPath, logger.Named("store"))
	if err != nil {
		_ = machine.Transition(status.Error)
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = machine.Transition(status.Error)
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

func provideRegistry() *presence.Registry {
	return presence.NewRegistry()
}

func provideCoordinator(reg *presence.Registry, hub *gateway.Hub, outbox *notify.Outbox, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *delivery.Coordinator {
	return delivery.NewCoordinator(reg, hub, outbox, b, m, logger.Named("delivery"))
}

func provideDispatcher(cfg *config.Config, logger *zap.Logger) notify.Dispatcher {
	if cfg.Push.RedisAddr == "" {
		logger.Info("push dispatch: log only")
		return notify.NewLogDispatcher(logger.Named("push"))
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Push.RedisAddr,
		Password: cfg.Push.RedisPassword,
		DB:       cfg.Push.RedisDB,
	})
	logger.Info("push dispatch: redis", zap.String("addr", cfg.Push.RedisAddr), zap.String("key", cfg.Push.RedisKey))
	return notify.NewRedisDispatcher(rdb, cfg.Push.RedisKey, cfg.Push.RedisChannel)
}

func provideSender(cfg *config.Config, db *store.DB, d notify.Dispatcher, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *notify.Sender {
	return notify.NewSender(db, d, b, m, logger.Named("push"), notify.SenderOptions{
		PollInterval: cfg.Push.PollInterval.Duration,
		BatchSize:    cfg.Push.BatchSize,
		MaxAttempts:  cfg.Push.MaxAttempts,
	})
}

// provideJanitor returns nil when no purge schedule is configured.
func provideJanitor(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) (*notify.Janitor, error) {
	if cfg.Push.PurgeCron == "" {
		return nil, nil
	}
	return notify.NewJanitor(db, b, logger.Named("janitor"), cfg.Push.PurgeCron, cfg.Push.Retain.Duration)
}

func provideAuthenticator(cfg *config.Config) *auth.Authenticator {
	return auth.New(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
}

func provideGateway(cfg *config.Config, hub *gateway.Hub, reg *presence.Registry, coord *delivery.Coordinator, svc *chat.Service, a *auth.Authenticator, m *metrics.Metrics, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(hub, reg, coord, svc, a, m, logger.Named("gateway"), gateway.Options{
		AuthTimeout:    cfg.Server.AuthTimeout.Duration,
		PingInterval:   cfg.Server.PingInterval.Duration,
		SendBuffer:     cfg.Server.SendBuffer,
		InboundRPS:     cfg.Server.InboundRPS,
		InboundBurst:   cfg.Server.InboundBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}

func provideAdminService(p Params, machine *status.Machine, reg *presence.Registry, db *store.DB, b *bus.Bus) *api.AdminService {
	return api.NewAdminService(p.Instance, machine, reg, db, b)
}

// readiness is the /healthz check: serving state and a reachable database.
func readiness(machine *status.Machine, db *store.DB) func() error {
	return func() error {
		if !machine.Accepting() {
			return errs.E(errs.Unavailable, "state %s", machine.Current())
		}
		return db.Ping()
	}
}

type lifecycleDeps struct {
	fx.In

	Lock       *lock.Lock
	Server     *Server
	HTTP       *HTTPServer
	Gateway    *gateway.Gateway
	Sender     *notify.Sender
	Janitor    *notify.Janitor
	Dispatcher notify.Dispatcher
	Health     *health.Server
	DB         *store.DB
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var stopHealth func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := d.HTTP.Start(); err != nil {
				_ = d.Machine.Transition(status.Error)
				return err
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			d.Sender.Start(context.Background())
			if d.Janitor != nil {
				d.Janitor.Start(context.Background())
			}

			stopHealth = api.SyncHealth(d.Machine, d.Bus, d.Health)
			return d.Machine.Transition(status.Serving)
		},
		OnStop: func(ctx context.Context) error {
			_ = d.Machine.Transition(status.Draining)

			d.Gateway.Shutdown()
			d.HTTP.Stop(ctx)
			d.Sender.Stop()
			if d.Janitor != nil {
				d.Janitor.Stop()
			}
			if stopHealth != nil {
				stopHealth()
			}
			d.Server.Stop(ctx)

			if c, ok := d.Dispatcher.(io.Closer); ok {
				if err := c.Close(); err != nil {
					d.Logger.Warn("error closing push dispatcher", zap.Error(err))
				}
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}

			_ = d.Machine.Transition(status.Stopped)
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
