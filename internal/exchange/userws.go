// userws.go implements the user-data WebSocket stream.
//
// The stream is bound to a listen-key obtained over REST. A keepalive request
// refreshes the key every 30 minutes. When the socket drops, the stream
// reports the disconnect, requests a NEW listen-key, and reopens; five
// consecutive failures mark the connection FAILED. Inbound frames are
// translated into typed order/account/position updates for the data engine.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpgrid/pkg/types"
)

const listenKeyKeepAlive = 30 * time.Minute

// OrderUpdate is a translated ORDER_TRADE_UPDATE frame.
type OrderUpdate struct {
	Symbol      string
	OrderID     int64
	ClientOrdID string
	Side        types.Side
	Type        types.OrderType
	Status      types.OrderStatus
	Price       float64
	Quantity    float64
	FilledQty   float64
	LastFillQty float64
	AvgPrice    float64
	LastPrice   float64
	Timestamp   time.Time
}

// Filled reports whether this update completes the order.
func (u OrderUpdate) Filled() bool { return u.Status == types.OrderStatusFilled }

// AccountUpdate is a translated ACCOUNT_UPDATE frame.
type AccountUpdate struct {
	Balances  []types.Balance
	Positions []PositionUpdate
}

// PositionUpdate is one position row inside an ACCOUNT_UPDATE frame.
type PositionUpdate struct {
	Symbol     string
	Amount     float64 // signed: >0 long, <0 short
	EntryPrice float64
	UnrealPnL  float64
}

// UserStreamHandler receives translated user-data events. Connection drops
// are reported through the stream's StateFunc, not here.
type UserStreamHandler interface {
	OnOrderUpdate(OrderUpdate)
	OnAccountUpdate(AccountUpdate)
}

// listenKeyAPI is the REST surface the user stream needs.
type listenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStream manages the user-data connection for one account.
type UserStream struct {
	wsBaseURL string
	api       listenKeyAPI
	handler   UserStreamHandler
	tracker   *connTracker
	logger    *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
}

// NewUserStream creates a user-data stream. onState may be nil.
func NewUserStream(wsBaseURL string, api listenKeyAPI, handler UserStreamHandler, onState StateFunc, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsBaseURL: wsBaseURL,
		api:       api,
		handler:   handler,
		tracker:   newConnTracker(onState),
		logger:    logger.With("component", "ws_user"),
	}
}

// State returns the current connection state.
func (u *UserStream) State() types.ConnState { return u.tracker.current() }

// Run obtains a listen-key and maintains the stream until ctx is cancelled or
// the reconnect budget is exhausted.
func (u *UserStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		u.tracker.set(types.ConnConnecting)
		err := u.connectAndRead(ctx)
		if ctx.Err() != nil {
			u.tracker.set(types.ConnDisconnected)
			return ctx.Err()
		}

		// The RECONNECTING transition is the one disconnect report per drop;
		// the state callback publishes it.
		u.tracker.set(types.ConnReconnecting)
		if u.tracker.fail() {
			return fmt.Errorf("user stream failed after %d reconnect attempts: %w", maxReconnectFailures, err)
		}

		u.logger.Warn("user stream disconnected, reopening with new listen-key", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			u.tracker.set(types.ConnDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (u *UserStream) connectAndRead(ctx context.Context) error {
	// A NEW listen-key on every (re)connect: the old one dies with the socket.
	key, err := u.api.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	u.connMu.Lock()
	u.conn = conn
	u.connMu.Unlock()
	defer func() {
		u.connMu.Lock()
		conn.Close()
		u.conn = nil
		u.connMu.Unlock()
	}()

	u.tracker.set(types.ConnConnected)
	u.logger.Info("user stream connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go u.keepAliveLoop(keepCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		u.handleFrame(msg)
	}
}

func (u *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.api.KeepAliveListenKey(ctx); err != nil {
				u.logger.Warn("listen-key keepalive failed", "error", err)
				// Force a reconnect by closing the socket; Run handles it.
				u.Close()
				return
			}
			u.logger.Debug("listen-key refreshed")
		}
	}
}

func (u *UserStream) handleFrame(data []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		u.logger.Debug("ignoring non-json user frame")
		return
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		update, err := parseOrderUpdate(data)
		if err != nil {
			u.logger.Error("parse order update", "error", err)
			return
		}
		if u.handler != nil {
			u.handler.OnOrderUpdate(update)
		}

	case "ACCOUNT_UPDATE":
		update, err := parseAccountUpdate(data)
		if err != nil {
			u.logger.Error("parse account update", "error", err)
			return
		}
		if u.handler != nil {
			u.handler.OnAccountUpdate(update)
		}

	case "listenKeyExpired":
		u.logger.Warn("listen-key expired, forcing reconnect")
		u.Close()

	default:
		u.logger.Debug("ignoring user frame", "type", envelope.EventType)
	}
}

func parseOrderUpdate(data []byte) (OrderUpdate, error) {
	var frame struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Order     struct {
			Symbol      string `json:"s"`
			ClientOrdID string `json:"c"`
			Side        string `json:"S"`
			Type        string `json:"o"`
			Price       string `json:"p"`
			AvgPrice    string `json:"ap"`
			Quantity    string `json:"q"`
			Status      string `json:"X"`
			OrderID     int64  `json:"i"`
			FilledQty   string `json:"z"`
			LastFillQty string `json:"l"`
			LastPrice   string `json:"L"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return OrderUpdate{}, err
	}

	o := frame.Order
	pf := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return OrderUpdate{
		Symbol:      o.Symbol,
		OrderID:     o.OrderID,
		ClientOrdID: o.ClientOrdID,
		Side:        types.Side(o.Side),
		Type:        types.OrderType(o.Type),
		Status:      types.OrderStatus(o.Status),
		Price:       pf(o.Price),
		Quantity:    pf(o.Quantity),
		FilledQty:   pf(o.FilledQty),
		LastFillQty: pf(o.LastFillQty),
		AvgPrice:    pf(o.AvgPrice),
		LastPrice:   pf(o.LastPrice),
		Timestamp:   time.UnixMilli(frame.EventTime),
	}, nil
}

func parseAccountUpdate(data []byte) (AccountUpdate, error) {
	var frame struct {
		Data struct {
			Balances []struct {
				Asset   string `json:"a"`
				Balance string `json:"wb"`
			} `json:"B"`
			Positions []struct {
				Symbol     string `json:"s"`
				Amount     string `json:"pa"`
				EntryPrice string `json:"ep"`
				UnrealPnL  string `json:"up"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return AccountUpdate{}, err
	}

	pf := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	var out AccountUpdate
	for _, b := range frame.Data.Balances {
		out.Balances = append(out.Balances, types.Balance{Asset: b.Asset, Total: pf(b.Balance), Available: pf(b.Balance)})
	}
	for _, p := range frame.Data.Positions {
		out.Positions = append(out.Positions, PositionUpdate{
			Symbol:     p.Symbol,
			Amount:     pf(p.Amount),
			EntryPrice: pf(p.EntryPrice),
			UnrealPnL:  pf(p.UnrealPnL),
		})
	}
	return out, nil
}

// Close tears down the connection.
func (u *UserStream) Close() error {
	u.connMu.Lock()
	defer u.connMu.Unlock()
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}
