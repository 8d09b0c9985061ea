// Package strategy implements the strategy engine (the "st" manager).
//
// On account load it reads the account's strategy file, subscribes the
// required indicators, and tracks one position state per configured symbol.
// Aggregated indicator results are combined into a composite signal; the
// composite plus the current position state decides whether an open or close
// intent is emitted. Position state changes ONLY on tr.position.opened and
// tr.position.closed — never on raw fills — which protects the state machine
// against partial fills and pending cancellations.
package strategy

import (
	"log/slog"
	"sync"

	"perpgrid/internal/bus"
	"perpgrid/internal/config"
	"perpgrid/pkg/types"
)

// Loader reads one strategy file. Swapped for a stub in tests.
type Loader func(strategyDir, userID, name string) (*config.StrategyConfig, error)

// state is one account's live strategy.
type state struct {
	userID string
	cfg    *config.StrategyConfig

	mu        sync.Mutex
	positions map[string]types.PositionState // symbol → NONE/LONG/SHORT
}

func (s *state) position(symbol string) (types.PositionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	return p, ok
}

func (s *state) setPosition(symbol string, p types.PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[symbol]; ok {
		s.positions[symbol] = p
	}
}

// Engine is the strategy engine.
type Engine struct {
	bus         *bus.Bus
	logger      *slog.Logger
	strategyDir string
	load        Loader

	mu         sync.RWMutex
	strategies map[string]*state // userID → strategy
}

// New creates the strategy engine and subscribes it to the bus.
func New(b *bus.Bus, strategyDir string, logger *slog.Logger) *Engine {
	e := &Engine{
		bus:         b,
		logger:      logger.With("component", "st"),
		strategyDir: strategyDir,
		load:        config.LoadStrategy,
		strategies:  make(map[string]*state),
	}
	e.bus.Subscribe(types.TopicAccountLoaded, e.onAccountLoaded)
	e.bus.Subscribe(types.TopicCalculationCompleted, e.onCalculation)
	e.bus.Subscribe(types.TopicPositionOpened, e.onPositionOpened)
	e.bus.Subscribe(types.TopicPositionClosed, e.onPositionClosed)
	return e
}

func (e *Engine) onAccountLoaded(evt bus.Event) {
	userID := evt.Str("user_id")
	name := evt.Str("strategy")

	cfg, err := e.load(e.strategyDir, userID, name)
	if err != nil {
		e.logger.Error("strategy load failed", "user_id", userID, "strategy", name, "error", err)
		e.bus.Publish(bus.NewEvent(types.TopicStrategyLoadFailed, map[string]any{
			"user_id":  userID,
			"strategy": name,
			"reason":   err.Error(),
		}).WithSource("st"))
		return
	}

	st := &state{
		userID:    userID,
		cfg:       cfg,
		positions: make(map[string]types.PositionState, len(cfg.TradingPairs)),
	}
	for _, pair := range cfg.TradingPairs {
		st.positions[pair.Symbol] = types.PositionNone
	}

	e.mu.Lock()
	e.strategies[userID] = st
	e.mu.Unlock()

	symbols := make([]string, 0, len(cfg.TradingPairs))
	for _, pair := range cfg.TradingPairs {
		symbols = append(symbols, pair.Symbol)
	}
	e.logger.Info("strategy loaded", "user_id", userID, "strategy", name, "pairs", symbols)
	e.bus.Publish(bus.NewEvent(types.TopicStrategyLoaded, map[string]any{
		"user_id":   userID,
		"strategy":  name,
		"timeframe": cfg.Timeframe,
		"symbols":   symbols,
	}).WithSource("st"))

	for _, pair := range cfg.TradingPairs {
		for indName, params := range pair.IndicatorParams {
			e.bus.Publish(bus.NewEvent(types.TopicIndicatorSubscribe, map[string]any{
				"user_id":          userID,
				"symbol":           pair.Symbol,
				"indicator_name":   indName,
				"indicator_params": params,
				"timeframe":        cfg.Timeframe,
			}).WithSource("st"))
		}
	}
}

func (e *Engine) strategyFor(userID string) *state {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategies[userID]
}

// composite applies the default combination rule: every indicator agreeing on
// the same non-NONE direction yields that direction, anything else is NONE.
func composite(results map[string]any) types.Signal {
	if len(results) == 0 {
		return types.SignalNone
	}
	out := types.SignalNone
	for _, raw := range results {
		r, ok := raw.(map[string]any)
		if !ok {
			return types.SignalNone
		}
		sig, _ := r["signal"].(string)
		switch types.Signal(sig) {
		case types.SignalLong, types.SignalShort:
			if out == types.SignalNone {
				out = types.Signal(sig)
			} else if out != types.Signal(sig) {
				return types.SignalNone
			}
		default:
			return types.SignalNone
		}
	}
	return out
}

func (e *Engine) onCalculation(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")

	st := e.strategyFor(userID)
	if st == nil {
		return
	}
	current, tracked := st.position(symbol)
	if !tracked {
		return
	}

	comp := composite(evt.Map("results"))
	if comp == types.SignalNone {
		return
	}

	var action types.SignalAction
	var side types.Side
	switch {
	case current == types.PositionNone && comp == types.SignalLong:
		action, side = types.ActionOpen, types.BUY
	case current == types.PositionNone && comp == types.SignalShort:
		action, side = types.ActionOpen, types.SELL
	case current == types.PositionLong && comp == types.SignalShort:
		action, side = types.ActionClose, types.SELL
	case current == types.PositionShort && comp == types.SignalLong:
		action, side = types.ActionClose, types.BUY
	default:
		return // same-direction signal while positioned: nothing to do
	}

	e.emitSignal(st, symbol, action, side, evt.F64("price"))
}

// emitSignal publishes one trade intent carrying the grid configuration
// verbatim plus the sizing inputs the executor needs.
func (e *Engine) emitSignal(st *state, symbol string, action types.SignalAction, side types.Side, price float64) {
	cfg := st.cfg
	e.logger.Info("signal generated", "user_id", st.userID, "symbol", symbol,
		"action", action, "side", side, "price", price)
	e.bus.Publish(bus.NewEvent(types.TopicSignalGenerated, map[string]any{
		"user_id":    st.userID,
		"symbol":     symbol,
		"action":     string(action),
		"side":       string(side),
		"price":      price,
		"leverage":   cfg.Leverage,
		"pair_count": len(cfg.TradingPairs),
		"maker_fee":  cfg.MakerFeeRate,
		"taker_fee":  cfg.TakerFeeRate,
		"grid": map[string]any{
			"enabled":     cfg.GridTrading.Enabled,
			"grid_type":   cfg.GridTrading.GridType,
			"ratio":       cfg.GridTrading.Ratio,
			"grid_levels": cfg.GridTrading.GridLevels,
			"upper_price": cfg.GridTrading.UpperPrice,
			"lower_price": cfg.GridTrading.LowerPrice,
			"move_up":     cfg.GridTrading.MoveUp,
			"move_down":   cfg.GridTrading.MoveDown,
		},
	}).WithSource("st"))
}

func (e *Engine) onPositionOpened(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")
	side := types.Side(evt.Str("side"))

	st := e.strategyFor(userID)
	if st == nil {
		return
	}

	pos := types.PositionLong
	if side == types.SELL {
		pos = types.PositionShort
	}
	st.setPosition(symbol, pos)
	e.logger.Info("position opened", "user_id", userID, "symbol", symbol, "position", pos)

	// Grid deployment is driven from the loaded strategy config rather than
	// re-reading files. For normal grids the executor already holds the
	// ladder; it treats a duplicate create as a no-op.
	g := st.cfg.GridTrading
	if g.Enabled {
		e.bus.Publish(bus.NewEvent(types.TopicGridCreate, map[string]any{
			"user_id":     userID,
			"symbol":      symbol,
			"side":        string(side),
			"entry_price": evt.F64("entry_price"),
			"grid_type":   g.GridType,
			"ratio":       g.Ratio,
			"grid_levels": g.GridLevels,
			"upper_price": g.UpperPrice,
			"lower_price": g.LowerPrice,
			"move_up":     g.MoveUp,
			"move_down":   g.MoveDown,
		}).WithSource("st"))
	}
}

func (e *Engine) onPositionClosed(evt bus.Event) {
	userID := evt.Str("user_id")
	symbol := evt.Str("symbol")

	st := e.strategyFor(userID)
	if st == nil {
		return
	}

	prev, tracked := st.position(symbol)
	if !tracked {
		return
	}
	st.setPosition(symbol, types.PositionNone)
	e.logger.Info("position closed", "user_id", userID, "symbol", symbol)

	if !st.cfg.Reverse || prev == types.PositionNone {
		return
	}

	// Reverse entry: immediately open in the opposite direction.
	side := types.SELL
	if prev == types.PositionShort {
		side = types.BUY
	}
	e.emitSignal(st, symbol, types.ActionOpen, side, evt.F64("exit_price"))
}

// Position exposes the tracked state for one (user, symbol); used by tests
// and the status surface.
func (e *Engine) Position(userID, symbol string) (types.PositionState, bool) {
	st := e.strategyFor(userID)
	if st == nil {
		return "", false
	}
	return st.position(symbol)
}
