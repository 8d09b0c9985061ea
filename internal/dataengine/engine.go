// Package dataengine implements the data engine (the "de" manager).
//
// For every loaded account it owns three external connections: a REST client,
// a market-data WebSocket, and a user-data WebSocket. The engine is driven
// exclusively by bus events: kline requests, balance requests, and order
// create/cancel requests come in; market data, order updates, and connection
// lifecycle events go out. A failure in one account's connections never
// affects another account.
package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"perpgrid/internal/bus"
	"perpgrid/internal/exchange"
	"perpgrid/pkg/types"
)

// RestAPI is the REST surface the engine drives. *exchange.Client satisfies it.
type RestAPI interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
	Balance(ctx context.Context) ([]types.Balance, error)
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, int, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*exchange.OrderAck, error)
	ExchangeInfo(ctx context.Context) (map[string]types.SymbolFilter, error)
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// marketStream is the market-data surface the engine supervises.
type marketStream interface {
	Subscribe(ctx context.Context, symbol, interval string) error
	Run(ctx context.Context) error
	Close() error
}

// userStream is the user-data surface the engine supervises.
type userStream interface {
	Run(ctx context.Context) error
	Close() error
}

// CredentialSource provides API credentials without putting them on the bus.
// The account registry implements it.
type CredentialSource interface {
	Credentials(userID string) (apiKey, apiSecret string, ok bool)
}

// Endpoints selects the REST/WS base URLs per account (testnet or mainnet).
type Endpoints struct {
	RESTBaseURL        string
	WSBaseURL          string
	TestnetRESTBaseURL string
	TestnetWSBaseURL   string
}

func (e Endpoints) rest(testnet bool) string {
	if testnet {
		return e.TestnetRESTBaseURL
	}
	return e.RESTBaseURL
}

func (e Endpoints) ws(testnet bool) string {
	if testnet {
		return e.TestnetWSBaseURL
	}
	return e.WSBaseURL
}

// clientFactory builds the three connections for one account. Swapped out in
// tests for fakes.
type clientFactory func(e *Engine, userID string, testnet bool) (RestAPI, marketStream, userStream, error)

// accountConn holds one account's live connections.
type accountConn struct {
	api    RestAPI
	market marketStream
	user   userStream
	cancel context.CancelFunc
}

// Engine is the data engine.
type Engine struct {
	bus       *bus.Bus
	creds     CredentialSource
	endpoints Endpoints
	logger    *slog.Logger

	newClient clientFactory

	mu       sync.RWMutex
	accounts map[string]*accountConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the data engine and registers its bus subscriptions.
func New(b *bus.Bus, creds CredentialSource, endpoints Endpoints, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		bus:       b,
		creds:     creds,
		endpoints: endpoints,
		logger:    logger.With("component", "de"),
		newClient: buildConnections,
		accounts:  make(map[string]*accountConn),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.subscribe()
	return e
}

func (e *Engine) subscribe() {
	e.bus.Subscribe(types.TopicAccountLoaded, e.onAccountLoaded)
	e.bus.Subscribe(types.TopicAccountDisabled, e.onAccountDisabled)
	e.bus.Subscribe(types.TopicGetKlines, e.onGetKlines)
	e.bus.Subscribe(types.TopicGetBalance, e.onGetBalance)
	e.bus.Subscribe(types.TopicOrderCreate, e.onOrderCreate)
	e.bus.Subscribe(types.TopicOrderCancel, e.onOrderCancel)
}

// buildConnections is the production factory: a signed REST client plus the
// two WebSocket streams against the configured endpoints.
func buildConnections(e *Engine, userID string, testnet bool) (RestAPI, marketStream, userStream, error) {
	apiKey, apiSecret, ok := e.creds.Credentials(userID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no credentials for user %q", userID)
	}

	logger := e.logger.With("user_id", userID)
	client := exchange.NewClient(e.endpoints.rest(testnet), exchange.NewSigner(apiKey, apiSecret), logger)

	market := exchange.NewMarketStream(
		e.endpoints.ws(testnet),
		client.Klines,
		func(symbol, interval string, window []types.Kline) {
			e.publishKlineUpdate(userID, symbol, interval, window)
		},
		func(state types.ConnState) { e.publishStreamState(userID, "market", state) },
		logger,
	)

	user := exchange.NewUserStream(
		e.endpoints.ws(testnet),
		client,
		&userStreamBridge{engine: e, userID: userID},
		func(state types.ConnState) { e.publishStreamState(userID, "user", state) },
		logger,
	)

	return client, market, user, nil
}

// onAccountLoaded spins up the per-account connections and announces the
// result. The exchange-info fetch doubles as the connectivity check; its
// symbol filters ride on de.client.connected so the trade executor can size
// and truncate orders without a direct call.
func (e *Engine) onAccountLoaded(evt bus.Event) {
	userID := evt.Str("user_id")
	testnet := evt.Bool("testnet")

	api, market, user, err := e.newClient(e, userID, testnet)
	if err != nil {
		e.publishConnFailed(userID, err)
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	filters, err := api.ExchangeInfo(ctx)
	if err != nil {
		cancel()
		e.publishConnFailed(userID, fmt.Errorf("exchange info: %w", err))
		return
	}

	conn := &accountConn{api: api, market: market, user: user, cancel: cancel}
	e.mu.Lock()
	if old, ok := e.accounts[userID]; ok {
		old.cancel()
	}
	e.accounts[userID] = conn
	e.mu.Unlock()

	if market != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := market.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("market stream terminated", "user_id", userID, "error", err)
			}
		}()
	}
	if user != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := user.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("user stream terminated", "user_id", userID, "error", err)
			}
		}()
	}

	e.logger.Info("client connected", "user_id", userID, "testnet", testnet, "symbols", len(filters))
	e.bus.Publish(bus.NewEvent(types.TopicClientConnected, map[string]any{
		"user_id": userID,
		"testnet": testnet,
		"filters": filters,
	}).WithSource("de"))
}

func (e *Engine) onAccountDisabled(evt bus.Event) {
	userID := evt.Str("user_id")
	e.mu.Lock()
	conn, ok := e.accounts[userID]
	if ok {
		delete(e.accounts, userID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	conn.cancel()
	if conn.market != nil {
		conn.market.Close()
	}
	if conn.user != nil {
		conn.user.Close()
	}
	e.logger.Info("account connections torn down", "user_id", userID)
}

func (e *Engine) publishConnFailed(userID string, err error) {
	e.logger.Error("client connection failed", "user_id", userID, "error", err)
	e.bus.Publish(bus.NewEvent(types.TopicClientConnFailed, map[string]any{
		"user_id": userID,
		"reason":  err.Error(),
	}).WithSource("de"))
}

func (e *Engine) publishStreamState(userID, stream string, state types.ConnState) {
	data := map[string]any{"user_id": userID, "stream": stream, "state": string(state)}
	switch state {
	case types.ConnConnected:
		e.bus.Publish(bus.NewEvent(types.TopicWSConnected, data).WithSource("de"))
		if stream == "user" {
			e.bus.Publish(bus.NewEvent(types.TopicUserStreamStarted, map[string]any{"user_id": userID}).WithSource("de"))
		}
	case types.ConnReconnecting:
		e.bus.Publish(bus.NewEvent(types.TopicWSDisconnected, data).WithSource("de"))
	case types.ConnFailed:
		e.logger.Error("connection failed permanently", "user_id", userID, "stream", stream)
		e.bus.Publish(bus.NewEvent(types.TopicClientConnFailed, map[string]any{
			"user_id": userID,
			"stream":  stream,
			"reason":  "reconnect budget exhausted",
		}).WithSource("de"))
	}
}

func (e *Engine) publishKlineUpdate(userID, symbol, interval string, window []types.Kline) {
	e.bus.Publish(bus.NewEvent(types.TopicKlineUpdate, map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   window,
	}).WithSource("de"))
}

func (e *Engine) conn(userID string) (*accountConn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.accounts[userID]
	return c, ok
}

// onGetKlines serves de.get_historical_klines and, as a side effect, ensures
// the market stream carries the (symbol, interval) subscription so subsequent
// closed candles arrive as de.kline.update.
func (e *Engine) onGetKlines(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	interval := evt.Str("interval")
	limit := evt.Int("limit")

	conn, ok := e.conn(userID)
	if !ok {
		e.publishKlinesFailed(userID, symbol, interval, fmt.Errorf("no client for user %q", userID))
		return
	}

	klines, err := conn.api.Klines(e.ctx, symbol, interval, limit)
	if err != nil {
		e.publishKlinesFailed(userID, symbol, interval, err)
		return
	}

	if conn.market != nil {
		if err := conn.market.Subscribe(e.ctx, symbol, interval); err != nil {
			e.logger.Warn("market subscribe failed", "user_id", userID, "symbol", symbol, "error", err)
		}
	}

	e.bus.Publish(bus.NewEvent(types.TopicKlinesSuccess, map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	}).WithSource("de"))
}

func (e *Engine) publishKlinesFailed(userID, symbol, interval string, err error) {
	e.logger.Error("historical klines failed", "user_id", userID, "symbol", symbol, "error", err)
	e.bus.Publish(bus.NewEvent(types.TopicKlinesFailed, map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"reason":   err.Error(),
	}).WithSource("de"))
}

func (e *Engine) onGetBalance(evt bus.Event) {
	userID := evt.Str("user_id")
	conn, ok := e.conn(userID)
	if !ok {
		return
	}

	balances, err := conn.api.Balance(e.ctx)
	if err != nil {
		e.logger.Error("balance fetch failed", "user_id", userID, "error", err)
		return
	}

	e.bus.Publish(bus.NewEvent(types.TopicAccountBalance, map[string]any{
		"user_id":  userID,
		"balances": balances,
	}).WithSource("de"))
}

func (e *Engine) onOrderCreate(evt bus.Event) {
	userID := evt.Str("user_id")
	conn, ok := e.conn(userID)
	if !ok {
		e.publishOrderFailed(evt, 0, fmt.Errorf("no client for user %q", userID))
		return
	}

	req := exchange.OrderRequest{
		Symbol:      evt.Str("symbol"),
		Side:        types.Side(evt.Str("side")),
		Type:        types.OrderType(evt.Str("type")),
		Quantity:    evt.F64("quantity"),
		Price:       evt.F64("price"),
		ReduceOnly:  evt.Bool("reduce_only"),
		ClientOrdID: evt.Str("client_order_id"),
	}

	ack, retries, err := conn.api.CreateOrder(e.ctx, req)
	if err != nil {
		e.publishOrderFailed(evt, retries, err)
		return
	}

	e.logger.Info("order submitted", "user_id", userID, "symbol", req.Symbol,
		"side", req.Side, "order_id", ack.OrderID, "retry_count", retries)
	e.bus.Publish(bus.NewEvent(types.TopicOrderSubmitted, map[string]any{
		"user_id":         userID,
		"symbol":          ack.Symbol,
		"order_id":        ack.OrderID,
		"client_order_id": ack.ClientOrdID,
		"side":            evt.Str("side"),
		"type":            evt.Str("type"),
		"quantity":        evt.F64("quantity"),
		"price":           evt.F64("price"),
		"task_id":         evt.Str("task_id"),
		"retry_count":     retries,
	}).WithSource("de"))
}

func (e *Engine) publishOrderFailed(evt bus.Event, retries int, err error) {
	e.logger.Error("order failed", "user_id", evt.Str("user_id"), "symbol", evt.Str("symbol"),
		"retry_count", retries, "error", err)
	e.bus.Publish(bus.NewEvent(types.TopicOrderFailed, map[string]any{
		"user_id":         evt.Str("user_id"),
		"symbol":          evt.Str("symbol"),
		"client_order_id": evt.Str("client_order_id"),
		"task_id":         evt.Str("task_id"),
		"retry_count":     retries,
		"reason":          err.Error(),
	}).WithSource("de"))
}

func (e *Engine) onOrderCancel(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	orderID := int64(evt.F64("order_id"))

	conn, ok := e.conn(userID)
	if !ok {
		return
	}

	if _, err := conn.api.CancelOrder(e.ctx, symbol, orderID); err != nil {
		e.logger.Error("order cancel failed", "user_id", userID, "symbol", symbol,
			"order_id", orderID, "error", err)
		e.bus.Publish(bus.NewEvent(types.TopicOrderFailed, map[string]any{
			"user_id":  userID,
			"symbol":   symbol,
			"order_id": orderID,
			"action":   "cancel",
			"reason":   err.Error(),
		}).WithSource("de"))
		return
	}

	e.bus.Publish(bus.NewEvent(types.TopicOrderCancelled, map[string]any{
		"user_id":  userID,
		"symbol":   symbol,
		"order_id": orderID,
	}).WithSource("de"))
}

// userStreamBridge translates user-stream callbacks into bus events.
type userStreamBridge struct {
	engine *Engine
	userID string
}

func (b *userStreamBridge) OnOrderUpdate(u exchange.OrderUpdate) {
	data := map[string]any{
		"user_id":         b.userID,
		"symbol":          u.Symbol,
		"order_id":        u.OrderID,
		"client_order_id": u.ClientOrdID,
		"side":            string(u.Side),
		"type":            string(u.Type),
		"status":          string(u.Status),
		"price":           u.Price,
		"quantity":        u.Quantity,
		"filled_qty":      u.FilledQty,
		"last_fill_qty":   u.LastFillQty,
		"avg_price":       u.AvgPrice,
		"last_price":      u.LastPrice,
	}
	b.engine.bus.Publish(bus.NewEvent(types.TopicOrderUpdate, data).WithSource("de"))
	if u.Filled() {
		b.engine.bus.Publish(bus.NewEvent(types.TopicOrderFilled, data).WithSource("de"))
	}
}

func (b *userStreamBridge) OnAccountUpdate(u exchange.AccountUpdate) {
	b.engine.bus.Publish(bus.NewEvent(types.TopicAccountUpdate, map[string]any{
		"user_id":  b.userID,
		"balances": u.Balances,
	}).WithSource("de"))
	for _, p := range u.Positions {
		b.engine.bus.Publish(bus.NewEvent(types.TopicPositionUpdate, map[string]any{
			"user_id":     b.userID,
			"symbol":      p.Symbol,
			"amount":      p.Amount,
			"entry_price": p.EntryPrice,
			"unreal_pnl":  p.UnrealPnL,
		}).WithSource("de"))
	}
}

// Stop tears down every account's connections.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.Lock()
	for _, conn := range e.accounts {
		if conn.market != nil {
			conn.market.Close()
		}
		if conn.user != nil {
			conn.user.Close()
		}
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("data engine stopped")
}
