package executor

import (
	"math"
	"testing"

	"perpgrid/pkg/types"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCapitalFormulas(t *testing.T) {
	t.Parallel()
	c := NewCapitalManager()
	c.SetBalance(1000)

	if got := c.Available(); !almostEqual(got, 950) {
		t.Errorf("Available = %v, want 950", got)
	}
	if got := c.PerSymbol(2); !almostEqual(got, 475) {
		t.Errorf("PerSymbol(2) = %v, want 475", got)
	}
	// position_size = per_symbol × leverage / entry_price
	if got := c.NoGridQuantity(2, 10, 0.5); !almostEqual(got, 9500) {
		t.Errorf("NoGridQuantity = %v, want 9500", got)
	}
	if got := c.NormalGridCapital(2, 10); !almostEqual(got, 4750) {
		t.Errorf("NormalGridCapital = %v, want 4750", got)
	}
	if got := c.AbnormalEntryCapital(2, 10, 0.4); !almostEqual(got, 1900) {
		t.Errorf("AbnormalEntryCapital = %v, want 1900", got)
	}
	if got := c.AbnormalGridCapital(2, 10, 0.4); !almostEqual(got, 2850) {
		t.Errorf("AbnormalGridCapital = %v, want 2850", got)
	}
}

func TestTruncateToStep(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value, step, want float64
	}{
		{0.12345, 0.0001, 0.1234}, // truncated, not rounded
		{0.9999, 0.001, 0.999},
		{123.456, 0.1, 123.4},
		{100, 1, 100},
		{5.7, 0, 5.7}, // no step: unchanged
	}
	for _, tc := range cases {
		if got := truncateToStep(tc.value, tc.step); !almostEqual(got, tc.want) {
			t.Errorf("truncateToStep(%v, %v) = %v, want %v", tc.value, tc.step, got, tc.want)
		}
	}
}

func TestMeetsMinNotional(t *testing.T) {
	t.Parallel()
	f := types.SymbolFilter{MinNotional: 5}
	if meetsMinNotional(0.5, 9, f) {
		t.Error("4.5 notional must fail a 5 minimum")
	}
	if !meetsMinNotional(0.5, 10, f) {
		t.Error("5.0 notional must pass")
	}
}

func TestLadderPrices(t *testing.T) {
	t.Parallel()
	prices := ladder(0.95, 1.05, 10)
	if len(prices) != 11 {
		t.Fatalf("ladder length = %d, want 11", len(prices))
	}
	if !almostEqual(prices[0], 0.95) || !almostEqual(prices[10], 1.05) {
		t.Errorf("band = [%v, %v]", prices[0], prices[10])
	}
	if !almostEqual(prices[1]-prices[0], 0.01) {
		t.Errorf("interval = %v, want 0.01", prices[1]-prices[0])
	}
}

// gridFixture builds a plain (not entry-backed) long grid, as a normal-grid
// open places it: no position exists yet.
func gridFixture(t *testing.T, entry float64) (*grid, []orderIntent) {
	t.Helper()
	g, orders := newGrid("task1", gridParams{
		side:     types.BUY,
		lower:    0.95,
		upper:    1.05,
		levels:   10,
		capital:  950, // rung 0 qty = 95/0.95 = 100
		makerFee: 0.0002,
		filter:   types.SymbolFilter{TickSize: 0.0001, StepSize: 0.1, MinNotional: 1},
	}, entry)
	return g, orders
}

// entryBackedFixture builds a long grid behind a filled entry (abnormal mode).
func entryBackedFixture(t *testing.T, entry float64) (*grid, []orderIntent) {
	t.Helper()
	g, orders := newGrid("task1", gridParams{
		side:        types.BUY,
		lower:       0.95,
		upper:       1.05,
		levels:      10,
		capital:     950,
		makerFee:    0.0002,
		filter:      types.SymbolFilter{TickSize: 0.0001, StepSize: 0.1, MinNotional: 1},
		entryBacked: true,
	}, entry)
	return g, orders
}

func TestEntryBackedGridInitialOrders(t *testing.T) {
	t.Parallel()
	_, orders := entryBackedFixture(t, 1.0)
	if len(orders) != 10 {
		t.Fatalf("orders = %d, want 10 (one per rung)", len(orders))
	}

	var buys, sells int
	for _, o := range orders {
		switch o.Side {
		case types.BUY:
			buys++
			if o.Price >= 1.0 {
				t.Errorf("buy at %v is at/above entry", o.Price)
			}
		case types.SELL:
			sells++
			if o.Price <= 1.0 {
				t.Errorf("sell at %v is at/below entry", o.Price)
			}
		}
	}
	if buys != 5 || sells != 5 {
		t.Errorf("buys=%d sells=%d, want 5/5 around entry 1.0", buys, sells)
	}
}

func TestNormalGridStartsAccumulationOnly(t *testing.T) {
	t.Parallel()
	// Without a filled entry there is no inventory: every initial order must
	// be an accumulation leg, never a naked profit leg.
	_, orders := gridFixture(t, 1.0)
	if len(orders) != 10 {
		t.Fatalf("orders = %d, want 10", len(orders))
	}
	for _, o := range orders {
		if o.Side != types.BUY {
			t.Errorf("initial %s at %v: long grid without entry must place buys only", o.Side, o.Price)
		}
	}
}

func TestGridNoProfitWithoutRoundTrip(t *testing.T) {
	t.Parallel()
	g, orders := gridFixture(t, 1.0)

	// The first fill on any rung is an accumulation leg: it must never book
	// pair profit, and the position delta must be positive.
	res := g.onFill(orders[7].ClientID)
	if !res.Matched {
		t.Fatal("fill did not match")
	}
	if res.PairProfit != 0 {
		t.Errorf("accumulation fill booked profit %v", res.PairProfit)
	}
	if res.PosDelta <= 0 {
		t.Errorf("accumulation fill delta = %v, want > 0", res.PosDelta)
	}
	if g.Profit() != 0 {
		t.Errorf("grid profit = %v before any round trip", g.Profit())
	}
}

func TestGridPairProfit(t *testing.T) {
	t.Parallel()
	g, orders := gridFixture(t, 1.0)

	// Find the rung-0 buy (0.95).
	var buy orderIntent
	for _, o := range orders {
		if o.Side == types.BUY && almostEqual(o.Price, 0.95) {
			buy = o
		}
	}
	if buy.ClientID == "" {
		t.Fatal("no buy at 0.95")
	}
	qty := buy.Qty
	if !almostEqual(qty, 100) {
		t.Fatalf("rung qty = %v, want 100", qty)
	}

	// Buy fills: position grows, the paired sell at 0.96 is armed.
	res := g.onFill(buy.ClientID)
	if !res.Matched || res.PairProfit != 0 {
		t.Fatalf("buy fill result = %+v", res)
	}
	if !almostEqual(res.PosDelta, qty) {
		t.Errorf("pos delta = %v, want +%v", res.PosDelta, qty)
	}
	if res.Next == nil || res.Next.Side != types.SELL || !almostEqual(res.Next.Price, 0.96) {
		t.Fatalf("paired sell = %+v", res.Next)
	}

	// Sell fills: pair completes with profit (0.96−0.95)×100 − fees.
	res2 := g.onFill(res.Next.ClientID)
	wantFees := (0.95 + 0.96) * qty * 0.0002
	wantProfit := (0.96-0.95)*qty - wantFees
	if !almostEqual(res2.PairProfit, wantProfit) {
		t.Errorf("pair profit = %v, want %v", res2.PairProfit, wantProfit)
	}
	if !almostEqual(g.Profit(), wantProfit) {
		t.Errorf("grid profit = %v, want %v", g.Profit(), wantProfit)
	}
	if !almostEqual(res2.PosDelta, -qty) {
		t.Errorf("pos delta = %v, want -%v", res2.PosDelta, qty)
	}
	// The rung re-arms with a fresh buy at 0.95.
	if res2.Next == nil || res2.Next.Side != types.BUY || !almostEqual(res2.Next.Price, 0.95) {
		t.Errorf("re-armed order = %+v", res2.Next)
	}
	if res2.Next.ClientID == buy.ClientID {
		t.Error("re-armed order must have a fresh client id")
	}
}

func TestGridMoveUp(t *testing.T) {
	t.Parallel()
	g, _ := newGrid("task1", gridParams{
		side:    types.BUY,
		lower:   0.95,
		upper:   1.05,
		levels:  10,
		moveUp:  true,
		capital: 950,
		filter:  types.SymbolFilter{TickSize: 0.0001, StepSize: 0.1, MinNotional: 1},
	}, 1.0)

	// In-band price: no move.
	if res := g.onPrice(1.02); res.Moved {
		t.Fatal("price inside band must not move the grid")
	}

	res := g.onPrice(1.06)
	if !res.Moved {
		t.Fatal("price above upper must shift the band up")
	}
	if len(res.Cancel) == 0 || len(res.Replace) == 0 {
		t.Fatalf("move must cancel and repost: cancel=%d replace=%d", len(res.Cancel), len(res.Replace))
	}
	if !almostEqual(g.params.lower, 0.96) || !almostEqual(g.params.upper, 1.06) {
		t.Errorf("band after move = [%v, %v], want [0.96, 1.06]", g.params.lower, g.params.upper)
	}
}

func TestGridMoveDownDisabled(t *testing.T) {
	t.Parallel()
	g, _ := newGrid("task1", gridParams{
		side:    types.BUY,
		lower:   0.95,
		upper:   1.05,
		levels:  10,
		capital: 950,
		filter:  types.SymbolFilter{TickSize: 0.0001, StepSize: 0.1, MinNotional: 1},
	}, 1.0)

	if res := g.onPrice(0.90); res.Moved {
		t.Error("move_down disabled: band must not shift")
	}
}

func TestShortGridMirrors(t *testing.T) {
	t.Parallel()
	g, orders := newGrid("task1", gridParams{
		side:        types.SELL,
		lower:       0.95,
		upper:       1.05,
		levels:      10,
		capital:     950,
		filter:      types.SymbolFilter{TickSize: 0.0001, StepSize: 0.1, MinNotional: 1},
		entryBacked: true,
	}, 1.0)

	// Entry-backed short grid accumulates with sells above entry, takes
	// profit below.
	var sellAbove, buyBelow int
	for _, o := range orders {
		if o.Side == types.SELL && o.Price > 1.0 {
			sellAbove++
		}
		if o.Side == types.BUY && o.Price < 1.0 {
			buyBelow++
		}
	}
	if sellAbove == 0 || buyBelow == 0 {
		t.Fatalf("short grid shape wrong: sells above=%d buys below=%d", sellAbove, buyBelow)
	}

	// Fill one sell then its paired buy: profit is still (sell − buy) × qty − fees.
	var sell orderIntent
	for _, o := range orders {
		if o.Side == types.SELL && almostEqual(o.Price, 1.01) {
			sell = o
		}
	}
	res := g.onFill(sell.ClientID)
	if res.Next == nil || res.Next.Side != types.BUY {
		t.Fatalf("paired buy = %+v", res.Next)
	}
	res2 := g.onFill(res.Next.ClientID)
	if res2.PairProfit <= 0 {
		t.Errorf("short pair profit = %v, want > 0", res2.PairProfit)
	}
}
