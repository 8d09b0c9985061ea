package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"perpgrid/internal/bus"
	"perpgrid/internal/exchange"
	"perpgrid/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticCreds map[string][2]string

func (s staticCreds) Credentials(userID string) (string, string, bool) {
	c, ok := s[userID]
	return c[0], c[1], ok
}

// fakeAPI scripts REST responses for the engine.
type fakeAPI struct {
	mu          sync.Mutex
	klines      []types.Kline
	klinesErr   error
	balances    []types.Balance
	orderErr    error
	orderRetry  int
	cancelErr   error
	infoErr     error
	orderCalls  int
	cancelCalls int
}

func (f *fakeAPI) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klines, f.klinesErr
}

func (f *fakeAPI) Balance(ctx context.Context) ([]types.Balance, error) {
	return f.balances, nil
}

func (f *fakeAPI) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if f.orderErr != nil {
		return nil, f.orderRetry, f.orderErr
	}
	return &exchange.OrderAck{OrderID: 42, Symbol: req.Symbol, Status: "NEW"}, f.orderRetry, nil
}

func (f *fakeAPI) CancelOrder(ctx context.Context, symbol string, orderID int64) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &exchange.OrderAck{OrderID: orderID, Symbol: symbol, Status: "CANCELED"}, nil
}

func (f *fakeAPI) ExchangeInfo(ctx context.Context) (map[string]types.SymbolFilter, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return map[string]types.SymbolFilter{
		"XRPUSDC": {Symbol: "XRPUSDC", TickSize: 0.0001, StepSize: 0.1, MinNotional: 5},
	}, nil
}

func (f *fakeAPI) CreateListenKey(ctx context.Context) (string, error) { return "lk", nil }
func (f *fakeAPI) KeepAliveListenKey(ctx context.Context) error        { return nil }

type fakeMarket struct {
	mu   sync.Mutex
	subs [][2]string
}

func (m *fakeMarket) Subscribe(ctx context.Context, symbol, interval string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, [2]string{symbol, interval})
	return nil
}
func (m *fakeMarket) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (m *fakeMarket) Close() error                  { return nil }

type fakeUser struct{}

func (fakeUser) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (fakeUser) Close() error                  { return nil }

type collector struct {
	mu     sync.Mutex
	events map[string][]bus.Event
}

func collect(t *testing.T, b *bus.Bus, pattern string) *collector {
	t.Helper()
	c := &collector{events: make(map[string][]bus.Event)}
	if _, err := b.Subscribe(pattern, func(e bus.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events[e.Subject] = append(c.events[e.Subject], e)
	}); err != nil {
		t.Fatal(err)
	}
	return c
}

func (c *collector) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[subject])
}

func (c *collector) first(subject string) (bus.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events[subject]) == 0 {
		return bus.Event{}, false
	}
	return c.events[subject][0], true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// newTestEngine wires a bus + engine with a scripted REST fake.
func newTestEngine(t *testing.T, api *fakeAPI) (*bus.Bus, *Engine, *fakeMarket) {
	t.Helper()
	b := bus.New(nil, testLogger())
	market := &fakeMarket{}
	e := New(b, staticCreds{"u1": {"k", "s"}}, Endpoints{}, testLogger())
	e.newClient = func(_ *Engine, userID string, testnet bool) (RestAPI, marketStream, userStream, error) {
		return api, market, fakeUser{}, nil
	}
	t.Cleanup(e.Stop)
	return b, e, market
}

func loadAccount(b *bus.Bus) {
	b.Publish(bus.NewEvent(types.TopicAccountLoaded, map[string]any{
		"user_id": "u1", "strategy": "s", "testnet": false,
	}))
}

func TestAccountLoadedConnects(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.*")

	loadAccount(b)
	waitFor(t, func() bool { return c.count(types.TopicClientConnected) == 1 })

	evt, _ := c.first(types.TopicClientConnected)
	if evt.Str("user_id") != "u1" {
		t.Errorf("user_id = %q", evt.Str("user_id"))
	}
	filters, ok := evt.Data["filters"].(map[string]types.SymbolFilter)
	if !ok || filters["XRPUSDC"].TickSize != 0.0001 {
		t.Errorf("filters missing from de.client.connected: %+v", evt.Data)
	}
	if c.count(types.TopicClientConnFailed) != 0 {
		t.Error("unexpected connection_failed")
	}
}

func TestAccountLoadedConnectFailure(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{infoErr: fmt.Errorf("401 unauthorized")}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.*")

	loadAccount(b)
	waitFor(t, func() bool { return c.count(types.TopicClientConnFailed) == 1 })

	evt, _ := c.first(types.TopicClientConnFailed)
	if evt.Str("reason") == "" {
		t.Error("connection_failed must carry a reason")
	}
	if c.count(types.TopicClientConnected) != 0 {
		t.Error("unexpected client.connected after failure")
	}
}

func TestGetKlinesSuccessAndSubscribe(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{klines: []types.Kline{{Symbol: "XRPUSDC", Interval: "15m", Close: 0.5, Closed: true}}}
	b, _, market := newTestEngine(t, api)
	c := collect(t, b, "de.historical_klines.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicGetKlines, map[string]any{
		"user_id": "u1", "symbol": "XRPUSDC", "interval": "15m", "limit": 200,
	}))

	waitFor(t, func() bool { return c.count(types.TopicKlinesSuccess) == 1 })
	evt, _ := c.first(types.TopicKlinesSuccess)
	klines, ok := evt.Data["klines"].([]types.Kline)
	if !ok || len(klines) != 1 {
		t.Fatalf("klines payload = %+v", evt.Data["klines"])
	}

	market.mu.Lock()
	defer market.mu.Unlock()
	if len(market.subs) != 1 || market.subs[0] != [2]string{"XRPUSDC", "15m"} {
		t.Errorf("market subscriptions = %+v", market.subs)
	}
}

func TestGetKlinesFailure(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{klinesErr: fmt.Errorf("boom")}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.historical_klines.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicGetKlines, map[string]any{
		"user_id": "u1", "symbol": "XRPUSDC", "interval": "15m",
	}))

	waitFor(t, func() bool { return c.count(types.TopicKlinesFailed) == 1 })
}

func TestOrderCreateSubmitted(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{orderRetry: 2}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.order.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicOrderCreate, map[string]any{
		"user_id": "u1", "symbol": "XRPUSDC", "side": "BUY", "type": "MARKET",
		"quantity": 100.0, "task_id": "task-1",
	}))

	waitFor(t, func() bool { return c.count(types.TopicOrderSubmitted) == 1 })
	evt, _ := c.first(types.TopicOrderSubmitted)
	if evt.Int("retry_count") != 2 {
		t.Errorf("retry_count = %d, want 2", evt.Int("retry_count"))
	}
	if evt.Int("order_id") != 42 || evt.Str("task_id") != "task-1" {
		t.Errorf("payload = %+v", evt.Data)
	}
}

func TestOrderCreateTerminalFailure(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{orderErr: fmt.Errorf("down"), orderRetry: 3}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.order.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicOrderCreate, map[string]any{
		"user_id": "u1", "symbol": "XRPUSDC", "side": "BUY", "type": "MARKET", "quantity": 100.0,
	}))

	waitFor(t, func() bool { return c.count(types.TopicOrderFailed) == 1 })
	evt, _ := c.first(types.TopicOrderFailed)
	if evt.Int("retry_count") != 3 {
		t.Errorf("retry_count = %d, want 3", evt.Int("retry_count"))
	}
	if c.count(types.TopicOrderSubmitted) != 0 {
		t.Error("failed order must not also be submitted")
	}
}

func TestOrderCancel(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.order.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicOrderCancel, map[string]any{
		"user_id": "u1", "symbol": "XRPUSDC", "order_id": 42,
	}))

	waitFor(t, func() bool { return c.count(types.TopicOrderCancelled) == 1 })
	evt, _ := c.first(types.TopicOrderCancelled)
	if evt.Int("order_id") != 42 {
		t.Errorf("order_id = %d", evt.Int("order_id"))
	}
}

func TestBalanceRequest(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{balances: []types.Balance{{Asset: "USDC", Available: 900, Total: 1000}}}
	b, _, _ := newTestEngine(t, api)
	c := collect(t, b, "de.account.*")

	loadAccount(b)
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.NewEvent(types.TopicGetBalance, map[string]any{"user_id": "u1"}))

	waitFor(t, func() bool { return c.count(types.TopicAccountBalance) == 1 })
	evt, _ := c.first(types.TopicAccountBalance)
	balances, ok := evt.Data["balances"].([]types.Balance)
	if !ok || balances[0].Available != 900 {
		t.Errorf("balances payload = %+v", evt.Data["balances"])
	}
}

func TestUserStreamBridgeTranslation(t *testing.T) {
	t.Parallel()
	b := bus.New(nil, testLogger())
	e := New(b, staticCreds{}, Endpoints{}, testLogger())
	t.Cleanup(e.Stop)
	c := collect(t, b, "de.*")

	bridge := &userStreamBridge{engine: e, userID: "u1"}
	bridge.OnOrderUpdate(exchange.OrderUpdate{
		Symbol: "XRPUSDC", OrderID: 42, Side: types.BUY,
		Status: types.OrderStatusFilled, FilledQty: 100, AvgPrice: 0.55, Quantity: 100,
	})

	waitFor(t, func() bool {
		return c.count(types.TopicOrderUpdate) == 1 && c.count(types.TopicOrderFilled) == 1
	})

	bridge.OnOrderUpdate(exchange.OrderUpdate{
		Symbol: "XRPUSDC", OrderID: 43, Side: types.BUY,
		Status: types.OrderStatusPartiallyFilled, FilledQty: 50, Quantity: 100,
	})
	waitFor(t, func() bool { return c.count(types.TopicOrderUpdate) == 2 })
	if c.count(types.TopicOrderFilled) != 1 {
		t.Error("partial fill must not emit de.order.filled")
	}
}

func TestStreamStateSingleDisconnectPerDrop(t *testing.T) {
	t.Parallel()
	b := bus.New(nil, testLogger())
	e := New(b, staticCreds{}, Endpoints{}, testLogger())
	t.Cleanup(e.Stop)
	c := collect(t, b, "de.websocket.*")

	// One drop is one RECONNECTING transition and must surface exactly one
	// de.websocket.disconnected.
	e.publishStreamState("u1", "user", types.ConnReconnecting)
	waitFor(t, func() bool { return c.count(types.TopicWSDisconnected) == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := c.count(types.TopicWSDisconnected); got != 1 {
		t.Errorf("disconnected emitted %d times for one drop, want 1", got)
	}

	e.publishStreamState("u1", "user", types.ConnConnected)
	waitFor(t, func() bool { return c.count(types.TopicWSConnected) == 1 })
}
