package dataengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"perpgrid/internal/account"
	"perpgrid/internal/bus"
	"perpgrid/internal/config"
	"perpgrid/internal/executor"
	"perpgrid/internal/indicator"
	"perpgrid/internal/strategy"
	"perpgrid/pkg/types"
)

// TestAccountLoadToStrategyReady drives the whole pipeline from one account
// load: connections come up, the strategy loads, the indicator subscribes,
// history is requested, and the indicator instance is created — with no
// failure topic anywhere.
func TestAccountLoadToStrategyReady(t *testing.T) {
	t.Parallel()

	strategyDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(strategyDir, "u1"), 0o755); err != nil {
		t.Fatal(err)
	}
	strategyJSON := `{
		"timeframe": "15m",
		"leverage": 10,
		"position_side": "BOTH",
		"margin_mode": "cross",
		"margin_type": "USDC",
		"trading_pairs": [
			{"symbol": "XRPUSDC", "indicator_params": {"ma_stop_ta": {"period": 20}}}
		]
	}`
	if err := os.WriteFile(filepath.Join(strategyDir, "u1", "ma_stop_st.json"), []byte(strategyJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	journal := bus.NewMemoryJournal(bus.JournalCap)
	logger := testLogger()
	b := bus.New(journal, logger)

	registry := account.NewRegistry(b, logger)

	api := &fakeAPI{klines: makeClosedKlines(200)}
	de := New(b, registry, Endpoints{}, logger)
	de.newClient = func(_ *Engine, userID string, testnet bool) (RestAPI, marketStream, userStream, error) {
		return api, &fakeMarket{}, fakeUser{}, nil
	}
	t.Cleanup(de.Stop)

	indicator.New(b, logger)
	strategy.New(b, strategyDir, logger)
	exec := executor.New(b, nil, logger)
	t.Cleanup(exec.Stop)

	c := collect(t, b, "*.*")

	registry.LoadAccounts(map[string]config.UserConfig{
		"u1": {Name: "alice", APIKey: "k", APISecret: "s", Strategy: "ma_stop_st"},
	})

	required := []string{
		types.TopicAccountLoaded,
		types.TopicClientConnected,
		types.TopicStrategyLoaded,
		types.TopicIndicatorSubscribe,
		types.TopicGetKlines,
		types.TopicIndicatorCreated,
	}
	for _, topic := range required {
		topic := topic
		waitFor(t, func() bool { return c.count(topic) >= 1 })
	}

	recent, err := journal.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range recent {
		if strings.Contains(e.Subject, "failed") || strings.Contains(e.Subject, "fail") {
			t.Errorf("failure topic in journal: %s (%v)", e.Subject, e.Data)
		}
	}
}

func makeClosedKlines(n int) []types.Kline {
	out := make([]types.Kline, n)
	for i := range out {
		out[i] = types.Kline{
			Symbol: "XRPUSDC", Interval: "15m",
			OpenTime: int64(i) * 900_000, CloseTime: int64(i+1)*900_000 - 1,
			Open: 0.5, High: 0.51, Low: 0.49, Close: 0.5, Volume: 100,
			Closed: true,
		}
	}
	return out
}
