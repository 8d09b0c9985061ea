// Package app is the root composer of the trading platform.
//
// It constructs the singletons in dependency order — store, bus, then the
// five managers — injects references instead of using globals, and owns the
// process lifecycle. After construction every interaction between managers
// flows through the bus; the only direct edges are the ones wired here.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package app

import (
	"log/slog"
	"time"

	"perpgrid/internal/account"
	"perpgrid/internal/bus"
	"perpgrid/internal/config"
	"perpgrid/internal/dataengine"
	"perpgrid/internal/executor"
	"perpgrid/internal/indicator"
	"perpgrid/internal/store"
	"perpgrid/internal/strategy"
	"perpgrid/pkg/types"
)

// shutdownGrace bounds how long Stop waits for in-flight handlers.
const shutdownGrace = 10 * time.Second

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	bus        *bus.Bus
	registry   *account.Registry
	dataEngine *dataengine.Engine
	indicators *indicator.Engine
	strategies *strategy.Engine
	executor   *executor.Executor
}

// New builds and wires all components. The SQLite store backs both the event
// journal and the trading records; if it cannot be opened the bus falls back
// to its in-memory journal so trading can still run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.With("component", "app")}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		a.logger.Error("store unavailable, journaling in memory only", "error", err)
	} else {
		a.store = st
	}

	var journal bus.Journal
	if a.store != nil {
		journal = a.store
	}
	a.bus = bus.New(journal, logger)

	a.registry = account.NewRegistry(a.bus, logger)
	a.dataEngine = dataengine.New(a.bus, a.registry, dataengine.Endpoints{
		RESTBaseURL:        cfg.Exchange.RESTBaseURL,
		WSBaseURL:          cfg.Exchange.WSBaseURL,
		TestnetRESTBaseURL: cfg.Exchange.TestnetRESTBaseURL,
		TestnetWSBaseURL:   cfg.Exchange.TestnetWSBaseURL,
	}, logger)
	a.indicators = indicator.New(a.bus, logger)
	a.strategies = strategy.New(a.bus, cfg.StrategyDir, logger)

	if a.store != nil {
		a.executor = executor.New(a.bus, a.store, logger)
	} else {
		a.executor = executor.New(a.bus, nil, logger)
	}

	return a, nil
}

// Bus exposes the event bus (status surfaces, tests).
func (a *App) Bus() *bus.Bus { return a.bus }

// Registry exposes the account registry.
func (a *App) Registry() *account.Registry { return a.registry }

// Start loads the configured accounts, which cascades through the whole
// pipeline: connections, strategies, indicators, and balances all follow
// from pm.account.loaded.
func (a *App) Start() {
	a.registry.LoadAccounts(a.cfg.Users)
}

// Stop shuts the platform down in reverse dependency order within the grace
// period: announce the shutdown, stop accepting trading work, tear down
// connections, quiesce the bus, and flush the store.
func (a *App) Stop() {
	a.logger.Info("shutting down...")

	a.bus.Publish(bus.NewEvent(types.TopicPMShutdown, map[string]any{
		"grace_seconds": int(shutdownGrace.Seconds()),
	}).WithSource("pm"))

	a.executor.Stop()
	a.dataEngine.Stop()
	a.bus.Close(shutdownGrace)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("store close failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
}
