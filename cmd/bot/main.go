// perpgrid — an event-driven quantitative trading platform for perpetual
// futures, running multiple isolated accounts in one process.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the app, waits for SIGINT/SIGTERM
//	app/app.go              — root composer: builds the bus, store and the five managers
//	bus/bus.go              — pub/sub core: glob subscriptions, async fan-out, capped journal
//	account/registry.go     — validates accounts, owns identity and enable state
//	dataengine/engine.go    — per-account REST client + market WS + user-data WS supervisor
//	exchange/               — signed REST client, kline stream, listen-key user stream
//	indicator/engine.go     — indicator registry, kline-driven recomputation, aggregation
//	strategy/engine.go      — signal synthesis, position state machine, grid triggers
//	executor/               — per-symbol task actors, capital, precision, grids, P&L
//	store/store.go          — SQLite persistence: event journal, tasks, orders
//
// How it trades:
//
//	Each account loads a strategy that names symbols and indicators. The data
//	engine streams closed candles; indicators recompute and aggregate into
//	one result per candle; the strategy turns unanimous indicator direction
//	into open/close intents; the executor sizes them against the account's
//	capital and runs them as market entries or grid ladders, accounting
//	profit per closed round trip.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perpgrid/internal/app"
	"perpgrid/internal/config"
)

func main() {
	// Load config
	cfgPath := "config/pm_config.json"
	if p := os.Getenv("PERP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Compose and start
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	a.Start()
	logger.Info("perpgrid started",
		"accounts", len(cfg.Users),
		"exchange", cfg.Exchange.RESTBaseURL,
		"db", cfg.Store.Path,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	a.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
