// Package executor implements the trade executor (the "tr" manager).
//
// On account load it bootstraps a per-user capital manager from the account
// balance and records the instrument filters carried on de.client.connected.
// Trading itself happens in per-(user, symbol) task actors: the executor only
// routes bus events onto the right task's intent queue and owns the task
// lifecycles.
package executor

import (
	"context"
	"log/slog"
	"sync"

	"perpgrid/internal/bus"
	"perpgrid/pkg/types"
)

// Executor is the trade execution manager.
type Executor struct {
	bus     *bus.Bus
	logger  *slog.Logger
	persist persister

	mu       sync.RWMutex
	capitals map[string]*CapitalManager      // userID → capital
	filters  map[string]types.SymbolFilter   // symbol → instrument filter
	tasks    map[string]*Task                // userID|symbol → task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the executor and subscribes it to the bus. persist may be nil.
func New(b *bus.Bus, persist persister, logger *slog.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		bus:      b,
		logger:   logger.With("component", "tr"),
		persist:  persist,
		capitals: make(map[string]*CapitalManager),
		filters:  make(map[string]types.SymbolFilter),
		tasks:    make(map[string]*Task),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.bus.Subscribe(types.TopicAccountLoaded, e.onAccountLoaded)
	e.bus.Subscribe(types.TopicClientConnected, e.onClientConnected)
	e.bus.Subscribe(types.TopicAccountBalance, e.onBalance)
	e.bus.Subscribe(types.TopicSignalGenerated, e.onSignal)
	e.bus.Subscribe(types.TopicGridCreate, e.route(intentGridCreate))
	e.bus.Subscribe(types.TopicOrderSubmitted, e.route(intentSubmitted))
	e.bus.Subscribe(types.TopicOrderFilled, e.route(intentFilled))
	e.bus.Subscribe(types.TopicOrderCancelled, e.route(intentCancelled))
	e.bus.Subscribe(types.TopicOrderFailed, e.route(intentFailed))
	e.bus.Subscribe(types.TopicKlineUpdate, e.onKlineUpdate)
	return e
}

// onAccountLoaded prepares the user's capital manager and asks the data
// engine for the opening balance.
func (e *Executor) onAccountLoaded(evt bus.Event) {
	userID := evt.Str("user_id")

	e.mu.Lock()
	if _, ok := e.capitals[userID]; !ok {
		e.capitals[userID] = NewCapitalManager()
	}
	e.mu.Unlock()

	e.bus.Publish(bus.NewEvent(types.TopicGetBalance, map[string]any{
		"user_id": userID,
	}).WithSource("tr"))
}

// onClientConnected records the instrument filters the data engine fetched
// during client setup.
func (e *Executor) onClientConnected(evt bus.Event) {
	filters, ok := evt.Data["filters"].(map[string]types.SymbolFilter)
	if !ok {
		return
	}
	e.mu.Lock()
	for symbol, f := range filters {
		e.filters[symbol] = f
	}
	e.mu.Unlock()
}

// onBalance updates the user's capital from the sum of the available balances
// across all assets. A balance that arrives before the account-load handler
// has run creates the capital manager itself.
func (e *Executor) onBalance(evt bus.Event) {
	userID := evt.Str("user_id")
	balances, ok := evt.Data["balances"].([]types.Balance)
	if !ok {
		return
	}

	e.mu.Lock()
	capital := e.capitals[userID]
	if capital == nil {
		capital = NewCapitalManager()
		e.capitals[userID] = capital
	}
	e.mu.Unlock()

	var available float64
	for _, b := range balances {
		available += b.Available
	}
	capital.SetBalance(available)
	e.logger.Info("capital updated", "user_id", userID, "available", available)
}

// taskFor returns (creating if needed) the task actor for a (user, symbol).
func (e *Executor) taskFor(userID, symbol string, create bool) *Task {
	key := userID + "|" + symbol

	e.mu.RLock()
	task := e.tasks[key]
	e.mu.RUnlock()
	if task != nil || !create {
		return task
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if task = e.tasks[key]; task != nil {
		return task
	}

	capital := e.capitals[userID]
	if capital == nil {
		capital = NewCapitalManager()
		e.capitals[userID] = capital
	}
	task = newTask(userID, symbol, e.bus, capital, e.filters[symbol], e.persist, e.logger)
	e.tasks[key] = task

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task.Run(e.ctx)
	}()

	e.logger.Info("trading task created", "user_id", userID, "symbol", symbol, "task_id", task.id)
	return task
}

func (e *Executor) onSignal(evt bus.Event) {
	task := e.taskFor(evt.Str("user_id"), evt.Str("symbol"), true)
	task.submit(intentSignal, evt)
}

// route forwards an event to the existing task for its (user, symbol).
func (e *Executor) route(kind intentKind) bus.Handler {
	return func(evt bus.Event) {
		task := e.taskFor(evt.Str("user_id"), evt.Str("symbol"), false)
		if task == nil {
			return
		}
		task.submit(kind, evt)
	}
}

// onKlineUpdate feeds the latest close price to the symbol's task for the
// grid move_up / move_down triggers.
func (e *Executor) onKlineUpdate(evt bus.Event) {
	klines, ok := evt.Data["klines"].([]types.Kline)
	if !ok || len(klines) == 0 {
		return
	}
	task := e.taskFor(evt.Str("user_id"), evt.Str("symbol"), false)
	if task == nil {
		return
	}
	last := klines[len(klines)-1]
	task.submit(intentPrice, bus.NewEvent(evt.Subject, map[string]any{
		"price": last.Close,
	}))
}

// Stop terminates every task actor.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info("trade executor stopped")
}
