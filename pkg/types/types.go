// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — sides, position
// states, execution modes, klines, orders, grid pairs, and connection states.
// It has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the order types accepted by the exchange.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypePostOnly         OrderType = "POST_ONLY"
	OrderTypeStop             OrderType = "STOP"
	OrderTypeTakeProfit       OrderType = "TAKE_PROFIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus tracks an order through its exchange lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// PositionState is the per-symbol position of a trading task.
type PositionState string

const (
	PositionNone  PositionState = "NONE"
	PositionLong  PositionState = "LONG"
	PositionShort PositionState = "SHORT"
)

// TradeMode selects how an OPEN intent is executed.
type TradeMode string

const (
	ModeNoGrid       TradeMode = "NO_GRID"
	ModeNormalGrid   TradeMode = "NORMAL_GRID"
	ModeAbnormalGrid TradeMode = "ABNORMAL_GRID"
)

// Signal is the direction an indicator or a composite strategy suggests.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalNone  Signal = "NONE"
)

// SignalAction distinguishes opening from closing intents.
type SignalAction string

const (
	ActionOpen  SignalAction = "OPEN"
	ActionClose SignalAction = "CLOSE"
)

// ConnState is the lifecycle state of a single exchange connection.
type ConnState string

const (
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnConnecting   ConnState = "CONNECTING"
	ConnConnected    ConnState = "CONNECTED"
	ConnReconnecting ConnState = "RECONNECTING"
	ConnFailed       ConnState = "FAILED"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Kline is one candle of OHLCV data. Closed reports whether the candle's
// interval has ended; only closed candles drive indicator recomputation.
type Kline struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"open_time"`  // ms since epoch
	CloseTime int64   `json:"close_time"` // ms since epoch
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

// Closes extracts the close-price series from a kline window, oldest first.
func Closes(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// SymbolFilter carries the instrument constraints used for order sizing.
// TickSize / StepSize are the price and quantity increments; quantities
// and prices are truncated (never rounded) to these before submission.
type SymbolFilter struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`
}

// Balance is one asset's futures wallet balance.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and grids
// ————————————————————————————————————————————————————————————————————————

// Order is the platform's order representation. OrderID is assigned by the
// exchange once the order is acknowledged; TaskID ties it to the owning
// trading task.
type Order struct {
	OrderID     string      `json:"order_id"`
	TaskID      string      `json:"task_id"`
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price"`
	Quantity    float64     `json:"quantity"`
	FilledQty   float64     `json:"filled_quantity"`
	AvgPrice    float64     `json:"avg_price"`
	Status      OrderStatus `json:"status"`
	IsGridOrder bool        `json:"is_grid_order,omitempty"`
	GridPairID  string      `json:"grid_pair_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	FilledAt    time.Time   `json:"filled_at,omitempty"`
}

// Fill records a single execution against one of our orders.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// GridPair links one buy and one sell grid order. The pair's round trip
// (buy filled, paired sell filled) is the unit of grid profit accounting.
type GridPair struct {
	PairID     string  `json:"pair_id"`
	BuyPrice   float64 `json:"buy_price"`
	SellPrice  float64 `json:"sell_price"`
	Quantity   float64 `json:"quantity"`
	BuyOrderID string  `json:"buy_order_id"`
	SellOrdID  string  `json:"sell_order_id"`
	BuyFilled  bool    `json:"buy_filled"`
	SellFilled bool    `json:"sell_filled"`
}

// Complete reports whether both legs of the pair have filled.
func (p GridPair) Complete() bool { return p.BuyFilled && p.SellFilled }

// GridConfig is the grid portion of a strategy configuration, carried
// verbatim inside signals so the executor can select a trade mode.
type GridConfig struct {
	Enabled    bool    `json:"enabled" mapstructure:"enabled"`
	GridType   string  `json:"grid_type" mapstructure:"grid_type"` // "normal" or "abnormal"
	Ratio      float64 `json:"ratio" mapstructure:"ratio"`         // (0,1]; abnormal entry share, grid gets 1−ratio; mode comes from GridType
	GridLevels int     `json:"grid_levels" mapstructure:"grid_levels"`
	UpperPrice float64 `json:"upper_price" mapstructure:"upper_price"`
	LowerPrice float64 `json:"lower_price" mapstructure:"lower_price"`
	MoveUp     bool    `json:"move_up" mapstructure:"move_up"`
	MoveDown   bool    `json:"move_down" mapstructure:"move_down"`
}

// Mode maps a grid configuration to the execution mode it selects.
func (g GridConfig) Mode() TradeMode {
	if !g.Enabled {
		return ModeNoGrid
	}
	if g.GridType == "abnormal" {
		return ModeAbnormalGrid
	}
	return ModeNormalGrid
}
