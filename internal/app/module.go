package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kosuchat/kosu/internal/api"
	"github.com/kosuchat/kosu/internal/bus"
	"github.com/kosuchat/kosu/internal/config"
	"github.com/kosuchat/kosu/internal/history"
	"github.com/kosuchat/kosu/internal/lock"
	"github.com/kosuchat/kosu/internal/logging"
	"github.com/kosuchat/kosu/internal/session"
	"github.com/kosuchat/kosu/internal/status"
	"github.com/kosuchat/kosu/internal/store"
	intsync "github.com/kosuchat/kosu/internal/sync"
	"github.com/kosuchat/kosu/internal/transport"
	"github.com/kosuchat/kosu/internal/tui"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module composes all providers and lifecycle hooks for the client.
func Module(p Params) fx.Option {
	return fx.Module("kosu",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideIdentity,
			provideHistory,
			provideMessageStore,
			provideDirectory,
			provideAPIClient,
			provideAdapter,
			provideEngine,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideIdentity(p Params) (session.Identity, error) {
	id, err := session.IdentityFromToken(p.Config.AccessToken)
	if err != nil {
		return session.Identity{}, err
	}
	return *id, nil
}

func provideHistory(p Params, logger *zap.Logger) (*history.DB, error) {
	dbPath := session.HistoryDBPath(p.SessionName)
	db, err := history.Open(dbPath)
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
	logger.Info("history cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMessageStore() *store.MessageStore {
	return store.NewMessageStore()
}

func provideDirectory() *store.Directory {
	return store.NewDirectory()
}

func provideAPIClient(p Params) *api.Client {
	return api.NewClient(p.Config.APIBaseURL, p.Config.AccessToken)
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) *transport.Adapter {
	return transport.NewAdapter(p.Config.SocketURL, p.Config.AccessToken, b, logger)
}

func provideEngine(
	me session.Identity,
	client *api.Client,
	adapter *transport.Adapter,
	msgs *store.MessageStore,
	dir *store.Directory,
	db *history.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(me, client, adapter, msgs, dir, db, machine, b, logger)
}

func provideTUI(
	p Params,
	engine *intsync.Engine,
	msgs *store.MessageStore,
	dir *store.Directory,
	machine *status.Machine,
	b *bus.Bus,
) *tui.App {
	return tui.NewApp(engine, msgs, dir, machine, b, p.SessionName)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *history.DB,
	adapter *transport.Adapter,
	engine *intsync.Engine,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine must be subscribed before the adapter can publish.
			engine.Start(context.Background())
			_ = machine.Transition(status.Connecting)
			adapter.Connect(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			adapter.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing history cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
