// Package exchange implements the per-account REST and WebSocket clients for
// the futures exchange.
//
// The REST client (Client) covers the endpoints the platform needs:
//   - Klines:             GET  /fapi/v1/klines       — historical candles
//   - Balance:            GET  /fapi/v2/balance      — futures wallet balances
//   - CreateOrder:        POST /fapi/v1/order        — submit one order
//   - CancelOrder:        DELETE /fapi/v1/order      — cancel by order id
//   - ExchangeInfo:       GET  /fapi/v1/exchangeInfo — symbol filters
//   - CreateListenKey:    POST /fapi/v1/listenKey    — open user-data stream
//   - KeepAliveListenKey: PUT  /fapi/v1/listenKey    — 30-minute refresh
//
// Every private request is signed with HMAC-SHA256 over the canonical query
// string; the timestamp and signature are recomputed on every attempt.
// CreateOrder retries transient (5xx / transport) failures up to 3 times and
// fails immediately on 4xx responses. All requests are rate-limited via
// per-category TokenBuckets.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"perpgrid/pkg/types"
)

const (
	requestTimeout  = 10 * time.Second
	orderRetryLimit = 3
	retryBackoff    = 500 * time.Millisecond
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status int    // HTTP status
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// Retryable reports whether the failure is worth retrying (5xx or rate-limit
// server busy). 4xx client errors fail immediately.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// OrderRequest is the platform's order submission shape.
type OrderRequest struct {
	Symbol      string
	Side        types.Side
	Type        types.OrderType
	Quantity    float64
	Price       float64 // ignored for market orders
	ReduceOnly  bool
	ClientOrdID string
}

// OrderAck is the exchange's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID     int64   `json:"orderId"`
	ClientOrdID string  `json:"clientOrderId"`
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	Price       string  `json:"price"`
	OrigQty     string  `json:"origQty"`
	ExecutedQty string  `json:"executedQty"`
	AvgPrice    string  `json:"avgPrice"`
}

// Client is the futures REST API client for one account.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client bound to one account's credentials.
func NewClient(baseURL string, signer *Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("X-MBX-APIKEY", signer.APIKey())

	return &Client{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest"),
	}
}

// apiError converts a non-2xx resty response into an *APIError.
func apiError(resp *resty.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = resp.String()
	}
	return apiErr
}

// Klines fetches up to limit historical candles for a symbol/interval,
// oldest first. The in-progress candle (if any) is flagged not-closed.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var raw [][]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	now := time.Now().UnixMilli()
	klines := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			return nil, fmt.Errorf("parse klines: %w", err)
		}
		k.Closed = k.CloseTime <= now
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow decodes one REST kline array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(symbol, interval string, row []any) (types.Kline, error) {
	if len(row) < 7 {
		return types.Kline{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	f := func(v any) (float64, error) {
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			return strconv.ParseFloat(t, 64)
		}
		return 0, fmt.Errorf("unexpected kline field %T", v)
	}

	var k types.Kline
	var err error
	k.Symbol, k.Interval = symbol, interval
	fields := []struct {
		dst *float64
		idx int
	}{
		{&k.Open, 1}, {&k.High, 2}, {&k.Low, 3}, {&k.Close, 4}, {&k.Volume, 5},
	}
	for _, fl := range fields {
		if *fl.dst, err = f(row[fl.idx]); err != nil {
			return types.Kline{}, err
		}
	}
	openTime, err := f(row[0])
	if err != nil {
		return types.Kline{}, err
	}
	closeTime, err := f(row[6])
	if err != nil {
		return types.Kline{}, err
	}
	k.OpenTime, k.CloseTime = int64(openTime), int64(closeTime)
	return k, nil
}

// Balance fetches the futures wallet balances.
func (c *Client) Balance(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.signer.Sign(nil)).
		Get("/fapi/v2/balance")
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}

	out := make([]types.Balance, 0, len(raw))
	for _, b := range raw {
		total, _ := strconv.ParseFloat(b.Balance, 64)
		avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		out = append(out, types.Balance{Asset: b.Asset, Total: total, Available: avail})
	}
	return out, nil
}

// CreateOrder submits one order. Transient failures (transport errors, 5xx)
// are retried up to 3 times with a fresh timestamp and signature per attempt;
// 4xx errors fail immediately. The returned retry count reflects how many
// retries were consumed, whether or not the order succeeded.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, int, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Type == types.OrderTypeLimit || req.Type == types.OrderTypePostOnly {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.Type == types.OrderTypePostOnly {
		params.Set("type", string(types.OrderTypeLimit))
		params.Set("timeInForce", "GTX") // post-only
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrdID != "" {
		params.Set("newClientOrderId", req.ClientOrdID)
	}

	var lastErr error
	for attempt := 0; attempt <= orderRetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, attempt - 1, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		if err := c.rl.Order.Wait(ctx); err != nil {
			return nil, attempt, err
		}

		// Re-sign every attempt: the exchange rejects stale timestamps.
		signed := c.signer.Sign(cloneValues(params))

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryString(signed).
			Post("/fapi/v1/order")
		if err != nil {
			lastErr = fmt.Errorf("post order: %w", err)
			c.logger.Warn("order submit transport error", "symbol", req.Symbol, "attempt", attempt, "error", err)
			continue
		}
		if resp.StatusCode() == http.StatusOK {
			var ack OrderAck
			if err := json.Unmarshal(resp.Body(), &ack); err != nil {
				return nil, attempt, fmt.Errorf("parse order ack: %w", err)
			}
			return &ack, attempt, nil
		}

		apiErr := apiError(resp)
		if !apiErr.Retryable() {
			return nil, attempt, apiErr
		}
		lastErr = apiErr
		c.logger.Warn("order submit retryable failure", "symbol", req.Symbol, "attempt", attempt, "status", apiErr.Status)
	}

	return nil, orderRetryLimit, fmt.Errorf("order submit after %d retries: %w", orderRetryLimit, lastErr)
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderAck, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(c.signer.Sign(params)).
		Delete("/fapi/v1/order")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var ack OrderAck
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return nil, fmt.Errorf("parse cancel ack: %w", err)
	}
	return &ack, nil
}

// ExchangeInfo fetches the symbol filters (tick size, lot step, min notional).
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]types.SymbolFilter, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("get exchange info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				Notional    string `json:"notional"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}

	out := make(map[string]types.SymbolFilter, len(raw.Symbols))
	for _, s := range raw.Symbols {
		f := types.SymbolFilter{Symbol: s.Symbol}
		for _, fl := range s.Filters {
			switch fl.FilterType {
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(fl.TickSize, 64)
			case "LOT_SIZE":
				f.StepSize, _ = strconv.ParseFloat(fl.StepSize, 64)
			case "MIN_NOTIONAL":
				n := fl.Notional
				if n == "" {
					n = fl.MinNotional
				}
				f.MinNotional, _ = strconv.ParseFloat(n, 64)
			}
		}
		out[s.Symbol] = f
	}
	return out, nil
}

// CreateListenKey opens a user-data stream and returns its listen-key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", apiError(resp)
	}

	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("parse listen key: %w", err)
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen-key's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
