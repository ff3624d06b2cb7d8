package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/feed/redisfeed"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const loopBuffer = 256

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = session.ConfigPath()
	Quiet       bool   // log to the file only
}

func (p Params) socket() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return session.SocketPath(p.SessionName)
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
			provideLoop,
			provideLock,
			provideStore,
			provideFeed,
			provideMutationFunc,
			providePipeline,
			provideTracker,
			provideTyping,
			provideCoordinator,
			provideDispatcher,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, session.EnvPath(p.SessionName)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   cfg.LogLevel,
		Console: !p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLoop() *loop.Loop {
	return loop.New(loopBuffer)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.socket())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so that no other daemon shares the cache.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.SessionName)
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

func provideFeed(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (feed.Feed, error) {
	switch cfg.Feed.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory feed; nothing is shared with other clients")
		return feed.NewMemory(), nil
	case config.DriverRedis:
		rdb, err := redisfeed.Dial(context.Background(), redisfeed.Config{
			URL:         cfg.Feed.RedisURL,
			Prefix:      cfg.Feed.RedisPrefix,
			DialTimeout: cfg.Feed.DialTimeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(rdb.Close))
		logger.Info("connected to redis feed", zap.String("prefix", cfg.Feed.RedisPrefix))
		return redisfeed.New(rdb, cfg.Feed.RedisPrefix, logger.Named("feed")), nil
	default:
		return nil, fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
	}
}

func provideMutationFunc(logger *zap.Logger) chatsync.MutationFunc {
	return func(conversationID, messageID string) {
		logger.Debug("message created", zap.String("conversation_id", conversationID), zap.String("msg_id", messageID))
	}
}

func providePipeline(f feed.Feed, db *store.DB, l *loop.Loop, b *bus.Bus, logger *zap.Logger, onMutation chatsync.MutationFunc) *outbox.Pipeline {
	return outbox.NewPipeline(f, db, l, b, logger.Named("outbox"), onMutation)
}

func provideTracker(cfg *config.Config, f feed.Feed, db *store.DB, l *loop.Loop, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(f, db, l, b, logger.Named("presence"), presence.Options{
		Heartbeat: cfg.Presence.Heartbeat.Duration,
		Grace:     cfg.Presence.Grace.Duration,
	})
}

func provideTyping(cfg *config.Config, f feed.Feed, b *bus.Bus, logger *zap.Logger) *typing.Channel {
	return typing.NewChannel(f, b, logger.Named("typing"), cfg.Sync.TypingTTL.Duration)
}

type coordinatorIn struct {
	fx.In

	Config     *config.Config
	Feed       feed.Feed
	DB         *store.DB
	Loop       *loop.Loop
	Bus        *bus.Bus
	Machine    *status.Machine
	Logger     *zap.Logger
	OnMutation chatsync.MutationFunc
	Pipeline   *outbox.Pipeline
	Tracker    *presence.Tracker
	Typing     *typing.Channel
}

func provideCoordinator(in coordinatorIn) *chatsync.Coordinator {
	return chatsync.NewCoordinator(in.Feed, in.DB, in.Loop, in.Bus, in.Machine, in.Logger.Named("sync"), chatsync.Options{
		Window:     in.Config.Sync.Window,
		OnMutation: in.OnMutation,
		Hooks:      []chatsync.SessionHook{in.Pipeline, in.Tracker, in.Typing},
	})
}

func provideDispatcher(b *bus.Bus, db *store.DB, f feed.Feed, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(b, db, f, notify.LogNotifier{Logger: logger.Named("notify")}, logger)
}

type serviceIn struct {
	fx.In

	Params      Params
	Coordinator *chatsync.Coordinator
	Pipeline    *outbox.Pipeline
	Tracker     *presence.Tracker
	Typing      *typing.Channel
	DB          *store.DB
	Bus         *bus.Bus
	Logger      *zap.Logger
}

func provideService(in serviceIn) *api.Service {
	return api.NewService(api.Deps{
		SessionName: in.Params.SessionName,
		Coordinator: in.Coordinator,
		Pipeline:    in.Pipeline,
		Presence:    in.Tracker,
		Typing:      in.Typing,
		DB:          in.DB,
		Bus:         in.Bus,
		Logger:      in.Logger.Named("api"),
	})
}

type lifecycleIn struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      *config.Config
	Server      *Server
	Lock        *lock.Lock
	Loop        *loop.Loop
	DB          *store.DB
	Coordinator *chatsync.Coordinator
	Pipeline    *outbox.Pipeline
	Dispatcher  *notify.Dispatcher
	Logger      *zap.Logger
}

func registerLifecycle(in lifecycleIn) {
	logger := in.Logger
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			in.Dispatcher.Start(context.Background())

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if in.Config.UserID == "" {
				logger.Info("no user configured, waiting for Configure")
				return nil
			}
			if err := in.Coordinator.Configure(ctx, in.Config.UserID); err != nil {
				logger.Error("auto-configure failed", zap.Error(err), zap.String("user_id", in.Config.UserID))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := in.Coordinator.Reset(); err != nil {
				logger.Warn("error resetting sync", zap.Error(err))
			}
			in.Pipeline.Wait()
			in.Dispatcher.Stop()
			in.Server.Stop(ctx)
			in.Loop.Stop()
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
