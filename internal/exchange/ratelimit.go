// ratelimit.go implements token-bucket rate limiting for the futures REST API.
//
// The exchange enforces per-category weight limits measured in requests per
// minute. This file provides a smooth token-bucket implementation that refills
// continuously (rather than in one-minute bursts) to stay clear of hard bans.
//
// Three buckets are maintained:
//   - Order:  100 burst / 5 per sec  — order create and cancel
//   - Market:  40 burst / 4 per sec  — klines and exchange info reads
//   - Account: 30 burst / 2 per sec  — balance and listen-key calls
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by REST endpoint category. Each call must
// pass the appropriate bucket's Wait() before making the HTTP request.
type RateLimiter struct {
	Order   *TokenBucket // POST /fapi/v1/order, DELETE /fapi/v1/order
	Market  *TokenBucket // GET /fapi/v1/klines, /fapi/v1/exchangeInfo
	Account *TokenBucket // GET /fapi/v2/balance, listen-key endpoints
}

// NewRateLimiter creates rate limiters tuned to the exchange's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(100, 5),
		Market:  NewTokenBucket(40, 4),
		Account: NewTokenBucket(30, 2),
	}
}
