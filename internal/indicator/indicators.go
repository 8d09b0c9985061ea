// indicators.go holds the built-in indicator set, all computed with go-talib
// over the full kline window supplied by the data engine. Indicators keep no
// candle history of their own; every Compute call receives the whole window.
package indicator

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"perpgrid/pkg/types"
)

// Result is one indicator's verdict for a single closed candle.
type Result struct {
	Signal types.Signal
	Data   map[string]any
}

// Indicator computes a directional signal from a kline window.
type Indicator interface {
	Name() string
	MinKlines() int
	Initialize(klines []types.Kline) error
	Compute(klines []types.Kline) (Result, error)
}

// Factory builds an indicator instance from its configured params.
type Factory func(params map[string]any) (Indicator, error)

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// base carries the shared name / warm-up bookkeeping.
type base struct {
	name string
	min  int
}

func (b *base) Name() string                      { return b.name }
func (b *base) MinKlines() int                    { return b.min }
func (b *base) Initialize(klines []types.Kline) error {
	if len(klines) < b.min {
		return fmt.Errorf("%s: need %d klines, got %d", b.name, b.min, len(klines))
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Moving averages
// ————————————————————————————————————————————————————————————————————————

type maIndicator struct {
	base
	period int
	ema    bool
}

func newMA(params map[string]any) (Indicator, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, fmt.Errorf("ma: period must be >= 2")
	}
	return &maIndicator{base: base{name: "ma", min: period + 1}, period: period}, nil
}

func newEMA(params map[string]any) (Indicator, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, fmt.Errorf("ema: period must be >= 2")
	}
	return &maIndicator{base: base{name: "ema", min: period + 1}, period: period, ema: true}, nil
}

func (m *maIndicator) Compute(klines []types.Kline) (Result, error) {
	closes := types.Closes(klines)
	if len(closes) < m.min {
		return Result{}, fmt.Errorf("%s: window too short", m.name)
	}
	var series []float64
	if m.ema {
		series = talib.Ema(closes, m.period)
	} else {
		series = talib.Sma(closes, m.period)
	}
	avg := series[len(series)-1]
	last := closes[len(closes)-1]

	signal := types.SignalNone
	switch {
	case last > avg:
		signal = types.SignalLong
	case last < avg:
		signal = types.SignalShort
	}
	return Result{Signal: signal, Data: map[string]any{"value": avg, "close": last}}, nil
}

// maStop is the trailing-stop moving average: it signals only on a cross of
// the average and reports the average as the protective stop level.
type maStop struct {
	base
	period int
}

func newMAStop(params map[string]any) (Indicator, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, fmt.Errorf("ma_stop_ta: period must be >= 2")
	}
	return &maStop{base: base{name: "ma_stop_ta", min: period + 2}, period: period}, nil
}

func (m *maStop) Compute(klines []types.Kline) (Result, error) {
	closes := types.Closes(klines)
	if len(closes) < m.min {
		return Result{}, fmt.Errorf("ma_stop_ta: window too short")
	}
	sma := talib.Sma(closes, m.period)
	curr, prev := len(closes)-1, len(closes)-2

	signal := types.SignalNone
	switch {
	case closes[prev] <= sma[prev] && closes[curr] > sma[curr]:
		signal = types.SignalLong
	case closes[prev] >= sma[prev] && closes[curr] < sma[curr]:
		signal = types.SignalShort
	}
	return Result{Signal: signal, Data: map[string]any{"stop": sma[curr], "close": closes[curr]}}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Oscillators
// ————————————————————————————————————————————————————————————————————————

type rsiIndicator struct {
	base
	period     int
	overbought float64
	oversold   float64
}

func newRSI(params map[string]any) (Indicator, error) {
	period := intParam(params, "period", 14)
	if period < 2 {
		return nil, fmt.Errorf("rsi: period must be >= 2")
	}
	return &rsiIndicator{
		base:       base{name: "rsi", min: period + 1},
		period:     period,
		overbought: floatParam(params, "overbought", 70),
		oversold:   floatParam(params, "oversold", 30),
	}, nil
}

func (r *rsiIndicator) Compute(klines []types.Kline) (Result, error) {
	closes := types.Closes(klines)
	if len(closes) < r.min {
		return Result{}, fmt.Errorf("rsi: window too short")
	}
	series := talib.Rsi(closes, r.period)
	value := series[len(series)-1]

	signal := types.SignalNone
	switch {
	case value < r.oversold:
		signal = types.SignalLong
	case value > r.overbought:
		signal = types.SignalShort
	}
	return Result{Signal: signal, Data: map[string]any{"value": value}}, nil
}

type macdIndicator struct {
	base
	fast, slow, signalPeriod int
}

func newMACD(params map[string]any) (Indicator, error) {
	fast := intParam(params, "fast_period", 12)
	slow := intParam(params, "slow_period", 26)
	sig := intParam(params, "signal_period", 9)
	if fast >= slow {
		return nil, fmt.Errorf("macd: fast_period must be < slow_period")
	}
	return &macdIndicator{
		base: base{name: "macd", min: slow + sig + 1},
		fast: fast, slow: slow, signalPeriod: sig,
	}, nil
}

func (m *macdIndicator) Compute(klines []types.Kline) (Result, error) {
	closes := types.Closes(klines)
	if len(closes) < m.min {
		return Result{}, fmt.Errorf("macd: window too short")
	}
	macd, sigLine, hist := talib.Macd(closes, m.fast, m.slow, m.signalPeriod)
	curr, prev := len(hist)-1, len(hist)-2

	signal := types.SignalNone
	switch {
	case hist[prev] <= 0 && hist[curr] > 0:
		signal = types.SignalLong
	case hist[prev] >= 0 && hist[curr] < 0:
		signal = types.SignalShort
	}
	return Result{Signal: signal, Data: map[string]any{
		"macd": macd[curr], "signal": sigLine[curr], "histogram": hist[curr],
	}}, nil
}

type bollIndicator struct {
	base
	period int
	stdDev float64
}

func newBoll(params map[string]any) (Indicator, error) {
	period := intParam(params, "period", 20)
	if period < 2 {
		return nil, fmt.Errorf("boll: period must be >= 2")
	}
	return &bollIndicator{
		base:   base{name: "boll", min: period + 1},
		period: period,
		stdDev: floatParam(params, "std_dev", 2),
	}, nil
}

func (b *bollIndicator) Compute(klines []types.Kline) (Result, error) {
	closes := types.Closes(klines)
	if len(closes) < b.min {
		return Result{}, fmt.Errorf("boll: window too short")
	}
	upper, middle, lower := talib.BBands(closes, b.period, b.stdDev, b.stdDev, 0)
	i := len(closes) - 1
	last := closes[i]

	signal := types.SignalNone
	switch {
	case last < lower[i]:
		signal = types.SignalLong
	case last > upper[i]:
		signal = types.SignalShort
	}
	return Result{Signal: signal, Data: map[string]any{
		"upper": upper[i], "middle": middle[i], "lower": lower[i],
	}}, nil
}

// defaultFactories returns the built-in indicator set. Registration happens
// before any subscription is honored.
func defaultFactories() map[string]Factory {
	return map[string]Factory{
		"ma":         newMA,
		"ema":        newEMA,
		"rsi":        newRSI,
		"macd":       newMACD,
		"boll":       newBoll,
		"ma_stop_ta": newMAStop,
	}
}
