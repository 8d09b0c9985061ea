// Package indicator implements the indicator engine (the "ta" manager).
//
// A factory maps indicator names to constructors. Strategies subscribe
// indicator instances keyed by (user, symbol, timeframe, name); each instance
// is initialised from historical klines requested through the data engine and
// then recomputed on every closed candle. Per-(user, symbol) results are
// aggregated and released as one ta.calculation.completed per candle tick.
package indicator

import (
	"fmt"
	"log/slog"
	"sync"

	"perpgrid/internal/bus"
	"perpgrid/pkg/types"
)

const defaultHistoryLimit = 200

// instance is one live indicator bound to a (user, symbol, timeframe, name).
type instance struct {
	userID   string
	symbol   string
	interval string
	name     string
	ind      Indicator
	ready    bool
}

func (i *instance) key() string {
	return i.userID + "|" + i.symbol + "|" + i.interval + "|" + i.name
}

// Engine is the indicator engine.
type Engine struct {
	bus    *bus.Bus
	logger *slog.Logger

	factories map[string]Factory

	mu        sync.RWMutex
	instances map[string]*instance

	agg *aggregator
}

// New creates the indicator engine with the built-in indicator set registered
// and subscribes it to the bus.
func New(b *bus.Bus, logger *slog.Logger) *Engine {
	e := &Engine{
		bus:       b,
		logger:    logger.With("component", "ta"),
		factories: defaultFactories(),
		instances: make(map[string]*instance),
		agg:       newAggregator(),
	}
	e.bus.Subscribe(types.TopicIndicatorSubscribe, e.onSubscribe)
	e.bus.Subscribe(types.TopicKlinesSuccess, e.onHistoricalKlines)
	e.bus.Subscribe(types.TopicKlineUpdate, e.onKlineUpdate)
	return e
}

// Register adds (or replaces) a named indicator factory. Must be called
// before the name is subscribed.
func (e *Engine) Register(name string, f Factory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[name] = f
}

func (e *Engine) onSubscribe(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	name := evt.Str("indicator_name")
	timeframe := evt.Str("timeframe")
	params := evt.Map("indicator_params")

	e.mu.RLock()
	factory, ok := e.factories[name]
	e.mu.RUnlock()
	if !ok {
		e.publishCreateFailed(userID, symbol, name, fmt.Errorf("unknown indicator %q", name))
		return
	}

	ind, err := factory(params)
	if err != nil {
		e.publishCreateFailed(userID, symbol, name, err)
		return
	}

	inst := &instance{userID: userID, symbol: symbol, interval: timeframe, name: name, ind: ind}
	e.mu.Lock()
	e.instances[inst.key()] = inst
	e.mu.Unlock()

	limit := defaultHistoryLimit
	if ind.MinKlines() > limit {
		limit = ind.MinKlines()
	}
	e.bus.Publish(bus.NewEvent(types.TopicGetKlines, map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": timeframe,
		"limit":    limit,
	}).WithSource("ta"))

	e.logger.Info("indicator created", "user_id", userID, "symbol", symbol,
		"indicator", name, "timeframe", timeframe)
	e.bus.Publish(bus.NewEvent(types.TopicIndicatorCreated, map[string]any{
		"user_id":        userID,
		"symbol":         symbol,
		"indicator_name": name,
		"timeframe":      timeframe,
	}).WithSource("ta"))
}

func (e *Engine) publishCreateFailed(userID, symbol, name string, err error) {
	e.logger.Error("indicator create failed", "user_id", userID, "symbol", symbol,
		"indicator", name, "error", err)
	e.bus.Publish(bus.NewEvent(types.TopicIndicatorCreateFailed, map[string]any{
		"user_id":        userID,
		"symbol":         symbol,
		"indicator_name": name,
		"reason":         err.Error(),
	}).WithSource("ta"))
}

// matching returns the instances registered for (user, symbol, interval).
func (e *Engine) matching(userID, symbol, interval string) []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*instance
	for _, inst := range e.instances {
		if inst.userID == userID && inst.symbol == symbol && inst.interval == interval {
			out = append(out, inst)
		}
	}
	return out
}

// readyMatching returns the ready instances for (user, symbol, interval).
func (e *Engine) readyMatching(userID, symbol, interval string) []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*instance
	for _, inst := range e.instances {
		if inst.ready && inst.userID == userID && inst.symbol == symbol && inst.interval == interval {
			out = append(out, inst)
		}
	}
	return out
}

func (e *Engine) onHistoricalKlines(evt bus.Event) {
	klines, ok := evt.Data["klines"].([]types.Kline)
	if !ok {
		return
	}
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	interval := evt.Str("interval")

	for _, inst := range e.matching(userID, symbol, interval) {
		if err := inst.ind.Initialize(klines); err != nil {
			e.logger.Warn("indicator initialize failed", "indicator", inst.name,
				"symbol", symbol, "error", err)
			continue
		}
		e.mu.Lock()
		inst.ready = true
		e.mu.Unlock()
		e.logger.Debug("indicator ready", "indicator", inst.name, "symbol", symbol)
	}
}

func (e *Engine) onKlineUpdate(evt bus.Event) {
	klines, ok := evt.Data["klines"].([]types.Kline)
	if !ok || len(klines) == 0 {
		return
	}
	last := klines[len(klines)-1]
	if !last.Closed {
		return
	}

	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	interval := evt.Str("interval")

	// Uninitialised instances are ignored; the expected count covers ready
	// instances only so one warming-up indicator cannot stall the tick.
	ready := e.readyMatching(userID, symbol, interval)
	if len(ready) == 0 {
		return
	}

	key := aggKey{userID: userID, symbol: symbol}
	for _, inst := range ready {
		result, err := inst.ind.Compute(klines)
		if err != nil {
			e.logger.Error("indicator compute failed", "indicator", inst.name,
				"symbol", symbol, "error", err)
			result = Result{Signal: types.SignalNone, Data: map[string]any{"error": err.Error()}}
		}

		complete := e.agg.deposit(key, last.CloseTime, inst.name, result, len(ready))
		if complete == nil {
			continue
		}

		e.bus.Publish(bus.NewEvent(types.TopicCalculationCompleted, map[string]any{
			"user_id":  userID,
			"symbol":   symbol,
			"interval": interval,
			"price":    last.Close,
			"results":  resultsPayload(complete),
		}).WithSource("ta"))
	}
}
