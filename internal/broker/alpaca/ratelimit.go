// ratelimit.go implements token-bucket throttling for the Alpaca APIs.
//
// Alpaca enforces 200 requests per minute on the trading API and a
// separate 200/min on the free market-data tier. The buckets refill
// continuously rather than in one-minute bursts so a busy cycle never
// slams into the hard limit and trips 429 responses.
package alpaca

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a rate limiter with continuous refill. Callers block in
// wait() until a token is available or the context is cancelled.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *tokenBucket) wait(ctx context.Context) error {
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

// limiter groups the buckets by Alpaca API family. Every SDK call waits
// on the matching bucket first.
type limiter struct {
	trading *tokenBucket // orders, account, positions, clock
	data    *tokenBucket // quotes, trades, bars
}

// newLimiter sizes the buckets for Alpaca's published 200/min limits,
// with a modest burst so a single cycle over many symbols is not smeared
// out needlessly.
func newLimiter() *limiter {
	return &limiter{
		trading: newTokenBucket(30, 200.0/60),
		data:    newTokenBucket(30, 200.0/60),
	}
}
