// marketws.go implements the multiplexed market-data WebSocket stream.
//
// One MarketStream per account carries every (symbol, interval) kline
// subscription over a single combined-stream connection. The stream
// auto-reconnects with exponential backoff (1s → 30s max) and re-issues the
// whole subscription set on reconnection. Kline windows are seeded from REST
// on (re)subscribe and never survive a reconnect; only closed candles are
// surfaced to the consumer.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpgrid/pkg/types"
)

const (
	heartbeatTimeout = 60 * time.Second // read deadline; expiry forces reconnect
	wsWriteTimeout   = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	klineWindowSize  = 200
)

// KlineFunc receives the rolling window (≤200 candles, oldest first,
// newest = the just-closed candle) every time a candle closes.
type KlineFunc func(symbol, interval string, window []types.Kline)

// SeedFunc fetches the initial kline window for a subscription, normally the
// REST client's Klines method.
type SeedFunc func(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)

type subKey struct {
	symbol   string
	interval string
}

func (k subKey) stream() string {
	return strings.ToLower(k.symbol) + "@kline_" + k.interval
}

// MarketStream manages the market-data connection for one account.
type MarketStream struct {
	url     string
	seed    SeedFunc
	onKline KlineFunc
	tracker *connTracker
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[subKey]bool
	windows map[subKey][]types.Kline

	reqID int
}

// NewMarketStream creates a market stream. onState may be nil.
func NewMarketStream(wsBaseURL string, seed SeedFunc, onKline KlineFunc, onState StateFunc, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		url:     wsBaseURL + "/stream",
		seed:    seed,
		onKline: onKline,
		tracker: newConnTracker(onState),
		logger:  logger.With("component", "ws_market"),
		subs:    make(map[subKey]bool),
		windows: make(map[subKey][]types.Kline),
	}
}

// State returns the current connection state.
func (m *MarketStream) State() types.ConnState { return m.tracker.current() }

// Subscribe adds a (symbol, interval) pair, seeds its window from REST, and —
// if connected — issues the subscribe frame immediately.
func (m *MarketStream) Subscribe(ctx context.Context, symbol, interval string) error {
	key := subKey{symbol: symbol, interval: interval}

	m.subMu.Lock()
	already := m.subs[key]
	m.subs[key] = true
	m.subMu.Unlock()
	if already {
		return nil
	}

	if err := m.seedWindow(ctx, key); err != nil {
		m.logger.Warn("seeding kline window failed", "symbol", symbol, "interval", interval, "error", err)
	}

	if m.tracker.current() == types.ConnConnected {
		return m.sendSubscribe([]string{key.stream()})
	}
	return nil
}

// Subscriptions returns the current (symbol, interval) set.
func (m *MarketStream) Subscriptions() [][2]string {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	out := make([][2]string, 0, len(m.subs))
	for k := range m.subs {
		out = append(out, [2]string{k.symbol, k.interval})
	}
	return out
}

// Run connects and maintains the stream until ctx is cancelled or the
// reconnect budget is exhausted (five consecutive failures).
func (m *MarketStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		m.tracker.set(types.ConnConnecting)
		err := m.connectAndRead(ctx)
		if ctx.Err() != nil {
			m.tracker.set(types.ConnDisconnected)
			return ctx.Err()
		}

		m.tracker.set(types.ConnReconnecting)
		if m.tracker.fail() {
			return fmt.Errorf("market stream failed after %d reconnect attempts: %w", maxReconnectFailures, err)
		}

		m.logger.Warn("market stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			m.tracker.set(types.ConnDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (m *MarketStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		m.connMu.Lock()
		conn.Close()
		m.conn = nil
		m.connMu.Unlock()
	}()

	// Windows never survive a reconnect: drop and re-seed the whole set.
	m.subMu.Lock()
	keys := make([]subKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
		delete(m.windows, k)
	}
	m.subMu.Unlock()

	streams := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.seedWindow(ctx, k); err != nil {
			m.logger.Warn("re-seeding kline window failed", "symbol", k.symbol, "error", err)
		}
		streams = append(streams, k.stream())
	}
	if len(streams) > 0 {
		if err := m.sendSubscribe(streams); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	m.tracker.set(types.ConnConnected)
	m.logger.Info("market stream connected", "subscriptions", len(streams))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.handleFrame(msg)
	}
}

func (m *MarketStream) seedWindow(ctx context.Context, key subKey) error {
	if m.seed == nil {
		return nil
	}
	klines, err := m.seed(ctx, key.symbol, key.interval, klineWindowSize)
	if err != nil {
		return err
	}
	closed := make([]types.Kline, 0, len(klines))
	for _, k := range klines {
		if k.Closed {
			closed = append(closed, k)
		}
	}

	m.subMu.Lock()
	m.windows[key] = trimWindow(closed)
	m.subMu.Unlock()
	return nil
}

func (m *MarketStream) sendSubscribe(streams []string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("market stream not connected")
	}
	m.reqID++
	m.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return m.conn.WriteJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     m.reqID,
	})
}

// wsKlineFrame is one combined-stream kline message.
type wsKlineFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Kline     struct {
			StartTime int64  `json:"t"`
			EndTime   int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func (m *MarketStream) handleFrame(data []byte) {
	var frame wsKlineFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Debug("ignoring non-json market frame")
		return
	}
	if frame.Data.EventType != "kline" {
		return
	}
	// Only closed candles drive downstream recomputation.
	if !frame.Data.Kline.Closed {
		return
	}

	k, err := klineFromFrame(frame)
	if err != nil {
		m.logger.Error("parse kline frame", "error", err)
		return
	}
	key := subKey{symbol: k.Symbol, interval: k.Interval}

	m.subMu.Lock()
	if !m.subs[key] {
		m.subMu.Unlock()
		return
	}
	window := appendKline(m.windows[key], k)
	m.windows[key] = window
	out := make([]types.Kline, len(window))
	copy(out, window)
	m.subMu.Unlock()

	if m.onKline != nil {
		m.onKline(k.Symbol, k.Interval, out)
	}
}

func klineFromFrame(frame wsKlineFrame) (types.Kline, error) {
	raw := frame.Data.Kline
	k := types.Kline{
		Symbol:    frame.Data.Symbol,
		Interval:  raw.Interval,
		OpenTime:  raw.StartTime,
		CloseTime: raw.EndTime,
		Closed:    raw.Closed,
	}
	for _, p := range []struct {
		dst *float64
		src string
	}{
		{&k.Open, raw.Open}, {&k.High, raw.High}, {&k.Low, raw.Low},
		{&k.Close, raw.Close}, {&k.Volume, raw.Volume},
	} {
		if _, err := fmt.Sscanf(p.src, "%f", p.dst); err != nil {
			return types.Kline{}, fmt.Errorf("bad kline field %q: %w", p.src, err)
		}
	}
	return k, nil
}

// appendKline appends or replaces the candle with the same open time, keeping
// the window at ≤200 entries, oldest first.
func appendKline(window []types.Kline, k types.Kline) []types.Kline {
	if n := len(window); n > 0 && window[n-1].OpenTime == k.OpenTime {
		window[n-1] = k
		return window
	}
	window = append(window, k)
	return trimWindow(window)
}

func trimWindow(window []types.Kline) []types.Kline {
	if len(window) > klineWindowSize {
		window = window[len(window)-klineWindowSize:]
	}
	return window
}

// Close tears down the connection.
func (m *MarketStream) Close() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
