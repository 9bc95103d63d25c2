// Package ratelimit paces outbound requests. A token bucket enforces the
// configured requests-per-minute budget and an adaptive throttle honors the
// host's 429 and Retry-After signals.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/copima/copima/core"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
)

// Gate combines the local token bucket with the host-driven throttle. It
// satisfies core.RequestGate and observes every response through Observe.
type Gate struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	throttledUntil time.Time
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	// Now is swappable in tests.
	Now func() time.Time
	// Sleep is swappable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGate builds a gate budgeted at requestsPerMinute with burst capacity of
// one second's worth of requests (at least 1).
func NewGate(requestsPerMinute int) *Gate {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	burst := requestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limiter:        rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		Now:            func() time.Time { return time.Now().UTC() },
		Sleep:          core.WaitWithContext,
	}
}

// Acquire blocks until a request may be sent: first any host-imposed throttle
// window, then the token bucket.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	wait := g.throttledUntil.Sub(g.Now())
	g.mu.Unlock()
	if wait > 0 {
		if err := g.Sleep(ctx, wait); err != nil {
			return core.MapError(err)
		}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return core.MapError(err)
	}
	return nil
}

// Observe feeds a response back into the throttle. A 429 opens a throttle
// window sized by Retry-After, or exponential backoff when the header is
// absent. Any success closes the window.
func (g *Gate) Observe(status int, header http.Header) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if status != http.StatusTooManyRequests {
		if status < http.StatusInternalServerError {
			g.attempts = 0
			g.throttledUntil = time.Time{}
		}
		return
	}

	g.attempts++
	delay, ok := retryAfterDelay(header, g.Now())
	if !ok {
		delay = g.nextBackoff(g.attempts)
	}
	g.throttledUntil = g.Now().Add(delay)
}

func (g *Gate) nextBackoff(attempt int) time.Duration {
	initial := g.initialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maximum := g.maxBackoff
	if maximum <= 0 {
		maximum = defaultMaxBackoff
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return delay
}

func retryAfterDelay(header http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

var _ core.RequestGate = (*Gate)(nil)
