// grid.go holds the grid ladder state machine.
//
// A grid is a price ladder between lower and upper. Each rung pairs a buy at
// price[i] with a sell at price[i+1]; the completed round trip of one rung is
// the unit of grid profit: (sell − buy) × qty − fees. Every rung keeps exactly
// one working order at a time — the accumulation leg when flat, the
// profit-taking leg once the first leg fills. The ladder can shift one
// interval up or down when price escapes the band (move_up / move_down).
//
// The grid is a pure state machine: it decides which orders should exist and
// what each fill means, while the owning task actor performs the actual
// submissions and cancellations.
package executor

import (
	"fmt"

	"perpgrid/pkg/types"
)

// gridParams configures one grid deployment.
type gridParams struct {
	side     types.Side // position direction: BUY = long grid, SELL = short grid
	lower    float64
	upper    float64
	levels   int
	moveUp   bool
	moveDown bool
	capital  float64 // total notional the grid deploys (already leveraged)
	makerFee float64
	filter   types.SymbolFilter

	// entryBacked marks a grid deployed behind an already-filled position
	// entry (abnormal mode). Only then do the rungs on the entry's side hold
	// inventory and start with their profit leg working; a ladder placed
	// before any fill must open with accumulation legs only, or a profit leg
	// could fill naked and book a pair profit with no matching first leg.
	entryBacked bool
}

// orderIntent is an order the task must submit on the grid's behalf.
type orderIntent struct {
	ClientID string
	Side     types.Side
	Price    float64
	Qty      float64
	PairID   string
}

// gridLevel is one rung of the ladder.
type gridLevel struct {
	index     int
	buyPrice  float64
	sellPrice float64
	qty       float64
	holding   bool   // first leg filled, profit leg working
	openID    string // client id of the rung's working order
	pairID    string // current round-trip identifier
	trips     int    // completed round trips on this rung
}

// grid is the ladder state for one trading task.
type grid struct {
	params gridParams
	prefix string
	rungs  []*gridLevel
	profit float64 // realised profit from completed pairs
	seq    int     // client-id uniqueness across reposts
}

// ladder computes the grid prices lower, lower+interval, …, upper.
func ladder(lower, upper float64, levels int) []float64 {
	interval := (upper - lower) / float64(levels)
	prices := make([]float64, levels+1)
	for i := 0; i <= levels; i++ {
		prices[i] = lower + float64(i)*interval
	}
	prices[levels] = upper
	return prices
}

// newGrid builds the ladder around the entry price and returns the initial
// order set. Capital is split evenly across the rungs.
func newGrid(prefix string, p gridParams, entry float64) (*grid, []orderIntent) {
	g := &grid{params: p, prefix: prefix}
	g.build(entry)
	return g, g.initialOrders(entry)
}

func (g *grid) build(entry float64) {
	p := g.params
	prices := ladder(p.lower, p.upper, p.levels)
	perRung := p.capital / float64(p.levels)

	g.rungs = make([]*gridLevel, 0, p.levels)
	for i := 0; i < p.levels; i++ {
		buy := truncatePrice(prices[i], p.filter)
		sell := truncatePrice(prices[i+1], p.filter)
		qty := truncateQuantity(perRung/buy, p.filter)
		if !meetsMinNotional(buy, qty, p.filter) {
			continue // rung too small for the instrument; skip it
		}
		rung := &gridLevel{index: i, buyPrice: buy, sellPrice: sell, qty: qty}
		// Rungs on the entry's filled side start holding: the position entry
		// already supplied their inventory.
		if g.accumulated(rung, entry) {
			rung.holding = true
		}
		g.rungs = append(g.rungs, rung)
	}
}

// accumulated reports whether a rung's first leg is implicitly filled by the
// position entry. Only an entry-backed grid has such rungs: for a long grid
// that is every rung whose buy sits at or above the entry; mirrored for
// shorts.
func (g *grid) accumulated(r *gridLevel, entry float64) bool {
	if !g.params.entryBacked {
		return false
	}
	if g.params.side == types.BUY {
		return r.buyPrice >= entry
	}
	return r.sellPrice <= entry
}

func (g *grid) initialOrders(entry float64) []orderIntent {
	out := make([]orderIntent, 0, len(g.rungs))
	for _, r := range g.rungs {
		out = append(out, g.armRung(r))
	}
	return out
}

// armRung opens the rung's next working order and returns the intent.
func (g *grid) armRung(r *gridLevel) orderIntent {
	g.seq++
	r.pairID = fmt.Sprintf("%s-p%d-%d", g.prefix, r.index, r.trips)

	var side types.Side
	var price float64
	first := !r.holding
	if g.params.side == types.BUY {
		// Long grid: accumulate with buys, take profit with sells.
		if first {
			side, price = types.BUY, r.buyPrice
		} else {
			side, price = types.SELL, r.sellPrice
		}
	} else {
		// Short grid: accumulate with sells, buy back lower.
		if first {
			side, price = types.SELL, r.sellPrice
		} else {
			side, price = types.BUY, r.buyPrice
		}
	}

	r.openID = fmt.Sprintf("%s-g%d-%s-%d", g.prefix, r.index, sideTag(side), g.seq)
	return orderIntent{ClientID: r.openID, Side: side, Price: price, Qty: r.qty, PairID: r.pairID}
}

func sideTag(s types.Side) string {
	if s == types.BUY {
		return "b"
	}
	return "s"
}

// fillResult describes what one grid fill meant.
type fillResult struct {
	Matched    bool
	Next       *orderIntent // replacement order to submit
	PairProfit float64      // non-zero when a round trip completed
	PairID     string
	PosDelta   float64 // signed change of the position quantity
}

// onFill processes a fill of one of the grid's orders, identified by client
// id. It flips the rung, realises pair profit on completed round trips, and
// returns the replacement order.
func (g *grid) onFill(clientID string) fillResult {
	for _, r := range g.rungs {
		if r.openID != clientID {
			continue
		}

		res := fillResult{Matched: true, PairID: r.pairID}
		if !r.holding {
			// First leg filled: the position grew; arm the profit leg.
			r.holding = true
			res.PosDelta = r.qty
		} else {
			// Profit leg filled: round trip complete.
			fees := (r.buyPrice + r.sellPrice) * r.qty * g.params.makerFee
			trip := (r.sellPrice-r.buyPrice)*r.qty - fees
			g.profit += trip
			res.PairProfit = trip
			res.PosDelta = -r.qty
			r.holding = false
			r.trips++
		}
		next := g.armRung(r)
		res.Next = &next
		return res
	}
	return fillResult{}
}

// openOrders lists the client ids of every working grid order.
func (g *grid) openOrders() []string {
	out := make([]string, 0, len(g.rungs))
	for _, r := range g.rungs {
		if r.openID != "" {
			out = append(out, r.openID)
		}
	}
	return out
}

// Profit returns the accumulated completed-pair profit.
func (g *grid) Profit() float64 { return g.profit }

// moveResult carries a band shift: orders to cancel and the fresh ladder.
type moveResult struct {
	Moved   bool
	Cancel  []string
	Replace []orderIntent
}

// onPrice checks the move_up / move_down triggers. When the last price
// escapes the band, the outstanding grid orders are cancelled, the band
// shifts by one interval, and a fresh ladder is posted.
func (g *grid) onPrice(last float64) moveResult {
	p := g.params
	interval := (p.upper - p.lower) / float64(p.levels)

	switch {
	case p.moveUp && last > p.upper:
		g.params.lower += interval
		g.params.upper += interval
	case p.moveDown && last < p.lower:
		g.params.lower -= interval
		g.params.upper -= interval
	default:
		return moveResult{}
	}

	cancel := g.openOrders()
	g.build(last)
	return moveResult{Moved: true, Cancel: cancel, Replace: g.initialOrders(last)}
}
