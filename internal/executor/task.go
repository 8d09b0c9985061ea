// task.go implements the per-(user, symbol) trading task actor.
//
// Every mutation of a task — signals, fills, cancel acks, grid deployment,
// price ticks — arrives as an intent on the actor's queue and is applied by
// the single owning goroutine. That single-writer rule is what guarantees
// the position state machine's opened → closed → opened ordering: no state
// is touched from bus handler goroutines directly.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpgrid/internal/bus"
	"perpgrid/internal/store"
	"perpgrid/pkg/types"
)

type intentKind int

const (
	intentSignal intentKind = iota
	intentGridCreate
	intentSubmitted
	intentFilled
	intentCancelled
	intentFailed
	intentPrice
)

type intent struct {
	kind intentKind
	evt  bus.Event
}

// Task is the trading state machine for one (user, symbol).
type Task struct {
	id     string
	userID string
	symbol string

	bus     *bus.Bus
	logger  *slog.Logger
	capital *CapitalManager
	persist persister
	filter  types.SymbolFilter

	queue chan intent

	// Actor-owned state: only the Run goroutine touches anything below.
	state       types.PositionState
	mode        types.TradeMode
	side        types.Side // position direction while open
	entryPrice  float64
	positionQty float64
	realized    float64
	leverage    int
	pairCount   int
	makerFee    float64
	takerFee    float64
	gridCfg     types.GridConfig
	grid        *grid

	pendingEntry string // client id of the working entry order
	pendingClose string // client id of the working close order
	closing      bool
	exitPrice    float64

	orderIDs       map[string]int64 // client id → exchange order id
	clientIDs      map[int64]string // reverse mapping for cancel acks
	pendingCancels map[int64]bool   // cancels that must ack before closed
	createdAt      time.Time
}

// persister is the slice of the store the task writes through. Nil disables
// persistence (tests).
type persister interface {
	UpsertTask(store.TaskRecord) error
	UpsertOrder(types.Order) error
}

func newTask(userID, symbol string, b *bus.Bus, capital *CapitalManager, filter types.SymbolFilter, p persister, logger *slog.Logger) *Task {
	return &Task{
		id:             uuid.New().String()[:8],
		userID:         userID,
		symbol:         symbol,
		bus:            b,
		logger:         logger.With("component", "tr_task", "user_id", userID, "symbol", symbol),
		capital:        capital,
		persist:        p,
		filter:         filter,
		queue:          make(chan intent, 128),
		state:          types.PositionNone,
		orderIDs:       make(map[string]int64),
		clientIDs:      make(map[int64]string),
		pendingCancels: make(map[int64]bool),
		createdAt:      time.Now(),
	}
}

// submit enqueues one intent for the owning goroutine.
func (t *Task) submit(kind intentKind, evt bus.Event) {
	select {
	case t.queue <- intent{kind: kind, evt: evt}:
	default:
		t.logger.Error("task queue full, dropping intent", "kind", kind, "subject", evt.Subject)
	}
}

// Run is the actor loop. Blocks until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-t.queue:
			t.apply(in)
		}
	}
}

func (t *Task) apply(in intent) {
	switch in.kind {
	case intentSignal:
		t.onSignal(in.evt)
	case intentGridCreate:
		t.onGridCreate(in.evt)
	case intentSubmitted:
		t.onSubmitted(in.evt)
	case intentFilled:
		t.onFilled(in.evt)
	case intentCancelled:
		t.onCancelled(in.evt)
	case intentFailed:
		t.onFailed(in.evt)
	case intentPrice:
		t.onPrice(in.evt)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (t *Task) onSignal(evt bus.Event) {
	action := types.SignalAction(evt.Str("action"))
	switch action {
	case types.ActionOpen:
		t.open(evt)
	case types.ActionClose:
		t.close(evt)
	}
}

func (t *Task) open(evt bus.Event) {
	if t.state != types.PositionNone || t.closing || t.pendingEntry != "" {
		t.logger.Warn("open signal while not flat, ignoring", "state", t.state)
		return
	}

	t.side = types.Side(evt.Str("side"))
	t.leverage = evt.Int("leverage")
	t.pairCount = evt.Int("pair_count")
	t.makerFee = evt.F64("maker_fee")
	t.takerFee = evt.F64("taker_fee")
	t.gridCfg = gridConfigFrom(evt.Map("grid"))
	t.mode = t.gridCfg.Mode()
	price := evt.F64("price")

	switch t.mode {
	case types.ModeNoGrid:
		qty := truncateQuantity(t.capital.NoGridQuantity(t.pairCount, t.leverage, price), t.filter)
		if !meetsMinNotional(price, qty, t.filter) {
			t.logger.Warn("entry below min notional, rejecting", "qty", qty, "price", price)
			return
		}
		t.pendingEntry = t.id + "-entry"
		t.sendOrder(t.pendingEntry, t.side, types.OrderTypeMarket, qty, 0, false, "")

	case types.ModeAbnormalGrid:
		// Sized entry first; the grid portion waits for st.grid.create.
		capital := t.capital.AbnormalEntryCapital(t.pairCount, t.leverage, t.gridCfg.Ratio)
		qty := truncateQuantity(capital/price, t.filter)
		if !meetsMinNotional(price, qty, t.filter) {
			t.logger.Warn("abnormal entry below min notional, rejecting", "qty", qty, "price", price)
			return
		}
		t.pendingEntry = t.id + "-entry"
		t.sendOrder(t.pendingEntry, t.side, types.OrderTypeMarket, qty, 0, false, "")

	case types.ModeNormalGrid:
		// Full ladder up front; the position opens on the first grid fill.
		capital := t.capital.NormalGridCapital(t.pairCount, t.leverage)
		g, orders := newGrid(t.id, gridParams{
			side:     t.side,
			lower:    t.gridCfg.LowerPrice,
			upper:    t.gridCfg.UpperPrice,
			levels:   t.gridCfg.GridLevels,
			moveUp:   t.gridCfg.MoveUp,
			moveDown: t.gridCfg.MoveDown,
			capital:  capital,
			makerFee: t.makerFee,
			filter:   t.filter,
		}, price)
		if len(orders) == 0 {
			t.logger.Warn("grid produced no placeable orders, rejecting")
			return
		}
		t.grid = g
		t.entryPrice = price
		for _, o := range orders {
			t.sendOrder(o.ClientID, o.Side, types.OrderTypeLimit, o.Qty, o.Price, false, o.PairID)
		}
	}

	t.persistTask("OPENING")
}

func (t *Task) close(evt bus.Event) {
	if t.state == types.PositionNone || t.closing {
		t.logger.Warn("close signal while not open, ignoring", "state", t.state)
		return
	}

	qty := truncateQuantity(t.positionQty, t.filter)
	if qty <= 0 {
		// Nothing held (e.g. grid never filled): skip straight to cleanup.
		t.closing = true
		t.exitPrice = evt.F64("price")
		t.cancelGridOrders()
		t.maybeFinishClose()
		return
	}

	t.closing = true
	t.pendingClose = t.id + "-close"
	t.sendOrder(t.pendingClose, t.side.Opposite(), types.OrderTypeMarket, qty, 0, true, "")
}

// ————————————————————————————————————————————————————————————————————————
// Grid deployment (abnormal mode)
// ————————————————————————————————————————————————————————————————————————

func (t *Task) onGridCreate(evt bus.Event) {
	if t.grid != nil {
		return // normal-grid ladder already working: duplicate create is a no-op
	}
	if t.state == types.PositionNone || t.mode != types.ModeAbnormalGrid {
		return
	}

	capital := t.capital.AbnormalGridCapital(t.pairCount, t.leverage, t.gridCfg.Ratio)
	entry := evt.F64("entry_price")
	if entry <= 0 {
		entry = t.entryPrice
	}

	g, orders := newGrid(t.id, gridParams{
		side:        t.side,
		lower:       evt.F64("lower_price"),
		upper:       evt.F64("upper_price"),
		levels:      evt.Int("grid_levels"),
		moveUp:      evt.Bool("move_up"),
		moveDown:    evt.Bool("move_down"),
		capital:     capital,
		makerFee:    t.makerFee,
		filter:      t.filter,
		entryBacked: true, // the sized market entry already filled
	}, entry)
	if len(orders) == 0 {
		t.logger.Warn("abnormal grid produced no placeable orders")
		return
	}
	t.grid = g
	for _, o := range orders {
		t.sendOrder(o.ClientID, o.Side, types.OrderTypeLimit, o.Qty, o.Price, false, o.PairID)
	}
	t.logger.Info("abnormal grid deployed", "orders", len(orders))
}

// ————————————————————————————————————————————————————————————————————————
// Order lifecycle
// ————————————————————————————————————————————————————————————————————————

func (t *Task) onSubmitted(evt bus.Event) {
	clientID := evt.Str("client_order_id")
	if !strings.HasPrefix(clientID, t.id) {
		return
	}
	orderID := int64(evt.F64("order_id"))
	t.orderIDs[clientID] = orderID
	t.clientIDs[orderID] = clientID

	t.persistOrder(types.Order{
		OrderID:   fmt.Sprintf("%d", orderID),
		TaskID:    t.id,
		UserID:    t.userID,
		Symbol:    t.symbol,
		Side:      types.Side(evt.Str("side")),
		Type:      types.OrderType(evt.Str("type")),
		Price:     evt.F64("price"),
		Quantity:  evt.F64("quantity"),
		Status:    types.OrderStatusNew,
		CreatedAt: time.Now(),
	})
}

func (t *Task) onFilled(evt bus.Event) {
	clientID := evt.Str("client_order_id")
	if !strings.HasPrefix(clientID, t.id) {
		return
	}

	fillPrice := evt.F64("avg_price")
	if fillPrice == 0 {
		fillPrice = evt.F64("last_price")
	}
	fillQty := evt.F64("filled_qty")

	switch {
	case clientID == t.pendingEntry:
		t.entryFilled(fillPrice, fillQty)
	case clientID == t.pendingClose:
		t.closeFilled(fillPrice, fillQty)
	default:
		t.gridFilled(clientID, fillPrice)
	}

	t.markOrderFilled(evt, fillPrice, fillQty)
}

func (t *Task) entryFilled(price, qty float64) {
	t.pendingEntry = ""
	t.entryPrice = price
	t.positionQty = qty
	t.setOpened(price, qty)
}

func (t *Task) setOpened(price, qty float64) {
	t.state = types.PositionLong
	if t.side == types.SELL {
		t.state = types.PositionShort
	}
	t.logger.Info("position opened", "side", t.side, "entry", price, "qty", qty, "mode", t.mode)
	t.persistTask("OPEN")
	t.bus.Publish(bus.NewEvent(types.TopicPositionOpened, map[string]any{
		"user_id":     t.userID,
		"symbol":      t.symbol,
		"side":        string(t.side),
		"entry_price": price,
		"quantity":    qty,
		"mode":        string(t.mode),
	}).WithSource("tr"))
}

func (t *Task) closeFilled(price, qty float64) {
	t.pendingClose = ""
	t.exitPrice = price

	// Single-order profit: direction-signed price move minus both fees.
	sign := 1.0
	if t.side == types.SELL {
		sign = -1.0
	}
	entryFee := t.takerFee
	if t.mode == types.ModeNormalGrid {
		entryFee = t.makerFee
	}
	profit := (price-t.entryPrice)*qty*sign - (t.entryPrice*qty*entryFee + price*qty*t.takerFee)
	t.realized += profit
	t.positionQty -= qty

	t.logger.Info("close filled", "exit", price, "qty", qty, "profit", profit)

	// Surviving grid orders must be gone before the close is announced,
	// otherwise the strategy could reverse into a symbol that still has
	// working orders.
	t.cancelGridOrders()
	t.maybeFinishClose()
}

func (t *Task) gridFilled(clientID string, price float64) {
	if t.grid == nil {
		return
	}
	res := t.grid.onFill(clientID)
	if !res.Matched {
		return
	}

	firstFill := t.state == types.PositionNone
	t.positionQty += res.PosDelta
	if res.PairProfit != 0 {
		t.realized += res.PairProfit
		t.logger.Info("grid pair completed", "pair_id", res.PairID, "profit", res.PairProfit)
		t.persistTask("OPEN")
	}

	// A normal grid opens the position on its first accumulation fill. The
	// positive-delta guard keeps a stray profit-leg fill from announcing an
	// open with negative quantity.
	if firstFill && t.mode == types.ModeNormalGrid && res.PosDelta > 0 {
		t.setOpened(price, res.PosDelta)
	}

	if res.Next != nil && !t.closing {
		t.sendOrder(res.Next.ClientID, res.Next.Side, types.OrderTypeLimit, res.Next.Qty, res.Next.Price, false, res.Next.PairID)
	}
}

func (t *Task) onCancelled(evt bus.Event) {
	orderID := int64(evt.F64("order_id"))
	clientID, ok := t.clientIDs[orderID]
	if !ok {
		return
	}
	delete(t.pendingCancels, orderID)
	t.logger.Debug("cancel confirmed", "client_order_id", clientID)
	t.maybeFinishClose()
}

func (t *Task) onFailed(evt bus.Event) {
	if evt.Str("action") == "cancel" {
		// A failed cancel still resolves the pending ack; the order is
		// usually already gone (filled or expired) when the exchange
		// rejects the cancel.
		orderID := int64(evt.F64("order_id"))
		if _, ok := t.clientIDs[orderID]; ok {
			delete(t.pendingCancels, orderID)
			t.maybeFinishClose()
		}
		return
	}

	clientID := evt.Str("client_order_id")
	if !strings.HasPrefix(clientID, t.id) {
		return
	}

	switch clientID {
	case t.pendingEntry:
		t.logger.Error("entry order failed", "reason", evt.Str("reason"), "retry_count", evt.Int("retry_count"))
		t.pendingEntry = ""
		t.persistTask("FAILED")
	case t.pendingClose:
		t.logger.Error("close order failed", "reason", evt.Str("reason"))
		t.pendingClose = ""
		t.closing = false
	default:
		t.logger.Error("grid order failed", "client_order_id", clientID, "reason", evt.Str("reason"))
	}
}

func (t *Task) onPrice(evt bus.Event) {
	if t.grid == nil || t.closing {
		return
	}
	res := t.grid.onPrice(evt.F64("price"))
	if !res.Moved {
		return
	}

	t.logger.Info("grid band shifted", "price", evt.F64("price"))
	for _, clientID := range res.Cancel {
		t.cancelOrder(clientID, false)
	}
	for _, o := range res.Replace {
		t.sendOrder(o.ClientID, o.Side, types.OrderTypeLimit, o.Qty, o.Price, false, o.PairID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Close completion
// ————————————————————————————————————————————————————————————————————————

func (t *Task) cancelGridOrders() {
	if t.grid == nil {
		return
	}
	for _, clientID := range t.grid.openOrders() {
		t.cancelOrder(clientID, true)
	}
}

func (t *Task) cancelOrder(clientID string, track bool) {
	orderID, ok := t.orderIDs[clientID]
	if !ok {
		t.logger.Warn("no exchange id for order, cannot cancel", "client_order_id", clientID)
		return
	}
	if track {
		t.pendingCancels[orderID] = true
	}
	t.bus.Publish(bus.NewEvent(types.TopicOrderCancel, map[string]any{
		"user_id":  t.userID,
		"symbol":   t.symbol,
		"order_id": orderID,
	}).WithSource("tr"))
}

// maybeFinishClose announces tr.position.closed only once the close fill has
// landed AND every tracked cancellation has been confirmed.
func (t *Task) maybeFinishClose() {
	if !t.closing || t.pendingClose != "" || len(t.pendingCancels) > 0 {
		return
	}

	t.logger.Info("position closed", "exit", t.exitPrice, "realized", t.realized)
	t.persistTask("CLOSED")
	t.bus.Publish(bus.NewEvent(types.TopicPositionClosed, map[string]any{
		"user_id":    t.userID,
		"symbol":     t.symbol,
		"exit_price": t.exitPrice,
		"pnl":        t.realized,
	}).WithSource("tr"))

	t.state = types.PositionNone
	t.closing = false
	t.grid = nil
	t.positionQty = 0
	t.entryPrice = 0
	t.mode = ""
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (t *Task) sendOrder(clientID string, side types.Side, typ types.OrderType, qty, price float64, reduceOnly bool, pairID string) {
	data := map[string]any{
		"user_id":         t.userID,
		"symbol":          t.symbol,
		"side":            string(side),
		"type":            string(typ),
		"quantity":        qty,
		"client_order_id": clientID,
		"task_id":         t.id,
		"reduce_only":     reduceOnly,
	}
	if typ != types.OrderTypeMarket {
		data["price"] = price
	}
	if pairID != "" {
		data["grid_pair_id"] = pairID
	}
	t.bus.Publish(bus.NewEvent(types.TopicOrderCreate, data).WithSource("tr"))
}

func (t *Task) persistTask(status string) {
	if t.persist == nil {
		return
	}
	rec := store.TaskRecord{
		TaskID:     t.id,
		UserID:     t.userID,
		Symbol:     t.symbol,
		Side:       t.side,
		EntryPrice: t.entryPrice,
		ExitPrice:  t.exitPrice,
		Quantity:   t.positionQty,
		PnL:        t.realized,
		Status:     status,
		CreatedAt:  t.createdAt,
	}
	if status == "CLOSED" {
		rec.ClosedAt = time.Now()
	}
	if err := t.persist.UpsertTask(rec); err != nil {
		t.logger.Warn("task persist failed", "error", err)
	}
}

func (t *Task) persistOrder(o types.Order) {
	if t.persist == nil {
		return
	}
	if err := t.persist.UpsertOrder(o); err != nil {
		t.logger.Warn("order persist failed", "error", err)
	}
}

func (t *Task) markOrderFilled(evt bus.Event, price, qty float64) {
	orderID := int64(evt.F64("order_id"))
	t.persistOrder(types.Order{
		OrderID:   fmt.Sprintf("%d", orderID),
		TaskID:    t.id,
		UserID:    t.userID,
		Symbol:    t.symbol,
		Side:      types.Side(evt.Str("side")),
		Type:      types.OrderType(evt.Str("type")),
		Price:     price,
		Quantity:  evt.F64("quantity"),
		FilledQty: qty,
		Status:    types.OrderStatusFilled,
		CreatedAt: time.Now(),
		FilledAt:  time.Now(),
	})
}

// gridConfigFrom decodes the verbatim grid config carried in a signal.
func gridConfigFrom(m map[string]any) types.GridConfig {
	if m == nil {
		return types.GridConfig{}
	}
	b := func(k string) bool { v, _ := m[k].(bool); return v }
	f := func(k string) float64 {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
		return 0
	}
	s, _ := m["grid_type"].(string)
	return types.GridConfig{
		Enabled:    b("enabled"),
		GridType:   s,
		Ratio:      f("ratio"),
		GridLevels: int(f("grid_levels")),
		UpperPrice: f("upper_price"),
		LowerPrice: f("lower_price"),
		MoveUp:     b("move_up"),
		MoveDown:   b("move_down"),
	}
}
