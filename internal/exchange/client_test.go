package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"perpgrid/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, NewSigner("test-key", "test-secret"), testLogger())
}

func TestKlinesParsing(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "XRPUSDC" {
			t.Errorf("symbol = %q", got)
		}
		// Two closed candles far in the past.
		fmt.Fprint(w, `[
			[1700000000000, "0.50", "0.55", "0.49", "0.54", "1000", 1700000899999],
			[1700000900000, "0.54", "0.56", "0.53", "0.55", "900", 1700001799999]
		]`)
	}))

	klines, err := c.Klines(context.Background(), "XRPUSDC", "15m", 200)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("klines = %d, want 2", len(klines))
	}
	k := klines[0]
	if k.Open != 0.50 || k.High != 0.55 || k.Low != 0.49 || k.Close != 0.54 || k.Volume != 1000 {
		t.Errorf("kline[0] = %+v", k)
	}
	if k.Symbol != "XRPUSDC" || k.Interval != "15m" || !k.Closed {
		t.Errorf("kline metadata = %+v", k)
	}
}

func TestCreateOrderRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	var signatures []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		signatures = append(signatures, r.URL.Query().Get("timestamp")+r.URL.Query().Get("signature"))
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"code":-1001,"msg":"internal error"}`)
			return
		}
		fmt.Fprint(w, `{"orderId": 42, "symbol": "XRPUSDC", "status": "NEW", "origQty": "100"}`)
	}))

	ack, retries, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol: "XRPUSDC", Side: types.BUY, Type: types.OrderTypeMarket, Quantity: 100,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if ack.OrderID != 42 {
		t.Errorf("orderId = %d, want 42", ack.OrderID)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
	if calls.Load() != 3 {
		t.Errorf("HTTP calls = %d, want 3", calls.Load())
	}
}

func TestCreateOrderAllRetriesFail(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"code":-1001,"msg":"down"}`)
	}))

	_, retries, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol: "XRPUSDC", Side: types.BUY, Type: types.OrderTypeMarket, Quantity: 100,
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if retries != orderRetryLimit {
		t.Errorf("retries = %d, want %d", retries, orderRetryLimit)
	}
	if calls.Load() != int64(orderRetryLimit)+1 {
		t.Errorf("HTTP calls = %d, want %d", calls.Load(), orderRetryLimit+1)
	}
}

func TestCreateOrderClientErrorFailsFast(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	}))

	_, retries, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol: "XRPUSDC", Side: types.BUY, Type: types.OrderTypeMarket, Quantity: 100,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Margin is insufficient") {
		t.Errorf("error should carry exchange message: %v", err)
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0 for 4xx", retries)
	}
	if calls.Load() != 1 {
		t.Errorf("HTTP calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestCreateOrderFreshSignaturePerAttempt(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	var dup atomic.Bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.URL.Query().Get("signature")
		if seen[sig] {
			dup.Store(true)
		}
		seen[sig] = true
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, _, _ = c.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDC", Side: types.SELL, Type: types.OrderTypeMarket, Quantity: 1,
	})
	if len(seen) < 2 {
		t.Fatalf("expected multiple attempts, saw %d signatures", len(seen))
	}
	if dup.Load() {
		t.Error("a signature was reused across retry attempts")
	}
}

func TestBalanceSigned(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("signature") == "" || q.Get("timestamp") == "" {
			t.Error("balance request must be signed")
		}
		if r.Header.Get("X-MBX-APIKEY") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}
		fmt.Fprint(w, `[{"asset":"USDC","balance":"1000.5","availableBalance":"900.25"}]`)
	}))

	balances, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if len(balances) != 1 || balances[0].Available != 900.25 || balances[0].Total != 1000.5 {
		t.Errorf("balances = %+v", balances)
	}
}

func TestExchangeInfoFilters(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[{"symbol":"XRPUSDC","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.0001"},
			{"filterType":"LOT_SIZE","stepSize":"0.1"},
			{"filterType":"MIN_NOTIONAL","notional":"5"}
		]}]}`)
	}))

	filters, err := c.ExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("ExchangeInfo: %v", err)
	}
	f, ok := filters["XRPUSDC"]
	if !ok {
		t.Fatal("XRPUSDC filter missing")
	}
	if f.TickSize != 0.0001 || f.StepSize != 0.1 || f.MinNotional != 5 {
		t.Errorf("filter = %+v", f)
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	t.Parallel()
	var keepalives atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			fmt.Fprint(w, `{"listenKey":"abc123"}`)
		case http.MethodPut:
			keepalives.Add(1)
			fmt.Fprint(w, `{}`)
		}
	}))

	key, err := c.CreateListenKey(context.Background())
	if err != nil {
		t.Fatalf("CreateListenKey: %v", err)
	}
	if key != "abc123" {
		t.Errorf("listen key = %q", key)
	}
	if err := c.KeepAliveListenKey(context.Background()); err != nil {
		t.Fatalf("KeepAliveListenKey: %v", err)
	}
	if keepalives.Load() != 1 {
		t.Errorf("keepalives = %d", keepalives.Load())
	}
}
