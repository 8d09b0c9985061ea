package indicator

import (
	"sync"

	"perpgrid/pkg/types"
)

// aggKey identifies one aggregation bucket.
type aggKey struct {
	userID string
	symbol string
}

// tickResults collects per-indicator results for one candle tick.
type tickResults struct {
	tick    int64 // candle close time identifying the tick
	results map[string]Result
}

// aggregator buffers per-indicator results until every registered indicator
// for a (user, symbol) key has deposited for the current tick, then releases
// the complete map exactly once. Per-key locking keeps unrelated symbols from
// contending.
type aggregator struct {
	mu      sync.Mutex
	buckets map[aggKey]*tickResults
	locks   map[aggKey]*sync.Mutex
}

func newAggregator() *aggregator {
	return &aggregator{
		buckets: make(map[aggKey]*tickResults),
		locks:   make(map[aggKey]*sync.Mutex),
	}
}

func (a *aggregator) lockFor(key aggKey) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// deposit stores one result. When the deposit completes the expected set for
// the current tick, the full map is returned and the bucket cleared;
// otherwise nil. A deposit for a newer tick discards the stale bucket.
func (a *aggregator) deposit(key aggKey, tick int64, name string, r Result, expected int) map[string]Result {
	l := a.lockFor(key)
	l.Lock()
	defer l.Unlock()

	a.mu.Lock()
	bucket, ok := a.buckets[key]
	if !ok || bucket.tick != tick {
		bucket = &tickResults{tick: tick, results: make(map[string]Result)}
		a.buckets[key] = bucket
	}
	a.mu.Unlock()

	bucket.results[name] = r
	if len(bucket.results) < expected {
		return nil
	}

	a.mu.Lock()
	delete(a.buckets, key)
	a.mu.Unlock()
	return bucket.results
}

// resultsPayload renders a result map into an event payload:
// {indicator_name → {signal, data}}.
func resultsPayload(results map[string]Result) map[string]any {
	out := make(map[string]any, len(results))
	for name, r := range results {
		signal := r.Signal
		if signal == "" {
			signal = types.SignalNone
		}
		out[name] = map[string]any{
			"signal": string(signal),
			"data":   r.Data,
		}
	}
	return out
}
