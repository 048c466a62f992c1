// Package app wires the highscore core together — store, bus, identity
// resolver, ledger, web surface, plugins — and runs it until a signal or a
// fatal component error.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/buildbot/highscore/internal/config"
	"github.com/buildbot/highscore/internal/logging"
	"github.com/buildbot/highscore/internal/mq"
	"github.com/buildbot/highscore/internal/plugins"
	"github.com/buildbot/highscore/internal/points"
	"github.com/buildbot/highscore/internal/store"
	"github.com/buildbot/highscore/internal/users"
	"github.com/buildbot/highscore/internal/web"

	// activatable plugins register themselves here
	_ "github.com/buildbot/highscore/internal/plugins/chat"
	_ "github.com/buildbot/highscore/internal/plugins/github"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   *store.Store
	bus     *mq.Bus
	users   *users.Manager
	points  *points.Manager
	web     *web.Server
	plugins []plugins.Plugin
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.NewJSON(os.Stdout, slog.LevelInfo)

	st, err := store.Open(cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	bus := mq.New(transport, logger)

	um := users.NewManager(st, logger)
	pm := points.NewManager(st, um, bus, logger, cfg.PointsHalfLife)
	ws := web.NewServer(cfg.HTTPAddr, pm, um, logger)

	app := &App{
		config: cfg,
		logger: logger,
		store:  st,
		bus:    bus,
		users:  um,
		points: pm,
		web:    ws,
	}

	deps := plugins.Deps{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Bus:    bus,
		Users:  um,
		Points: pm,
	}
	for _, name := range cfg.Plugins {
		pl, err := plugins.New(name, deps)
		if err != nil {
			return nil, fmt.Errorf("plugin init error: %w", err)
		}
		if hp, ok := pl.(plugins.HTTPPlugin); ok {
			hp.RegisterRoutes(ws.PluginGroup())
		}
		app.plugins = append(app.plugins, pl)
	}

	return app, nil
}

func newTransport(cfg *config.Config, logger logging.Logger) (mq.Transport, error) {
	switch cfg.MQType {
	case "simple":
		return mq.NewSimpleTransport(logger), nil
	case "nats":
		return mq.NewNATSTransport(cfg.NATSURL, logger)
	default:
		return nil, fmt.Errorf("unknown mq type %q", cfg.MQType)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app...")
	app.initSignalHandler(cancelFunc)

	started := make([]plugins.Plugin, 0, len(app.plugins))
	for _, pl := range app.plugins {
		if err := pl.Start(ctx); err != nil {
			app.logger.Error(ctx, "plugin start failed", "plugin", pl.Name(), "error", err)
			app.stopPlugins(ctx, started)
			app.closeCore(ctx)
			return err
		}
		app.logger.Info(ctx, "plugin started", "plugin", pl.Name())
		started = append(started, pl)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.web.Run(ctx); err != nil {
			app.logger.Error(ctx, "http server failed", "error", err)
			cancelFunc()
		}
	}()

	wg.Wait()

	app.stopPlugins(ctx, started)
	app.closeCore(ctx)
	app.logger.Info(ctx, "app stopped")
	return nil
}

// closeCore releases the bus and the store; every exit from Run goes
// through here so the worker pool and DB handle never outlive the app.
func (app *App) closeCore(ctx context.Context) {
	if err := app.bus.Close(); err != nil {
		app.logger.Warn(ctx, "bus close failed", "error", err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn(ctx, "store close failed", "error", err)
	}
}

func (app *App) stopPlugins(ctx context.Context, started []plugins.Plugin) {
	// reverse of start order
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(); err != nil {
			app.logger.Warn(ctx, "plugin stop failed", "plugin", started[i].Name(), "error", err)
		}
	}
}
