package arrow

import (
	"context"
	"math/rand"
	"time"
)

// DefaultReconnectFast is the delay before the first retry after a failed
// or ended connection attempt.
const DefaultReconnectFast = 1 * time.Second

// DefaultReconnectSteady is the ceiling the backoff grows to after repeated
// failures.
const DefaultReconnectSteady = 30 * time.Second

// reconnectJitter is the fraction of the current interval randomized on
// each Sleep. The Arrow Service hands out REDIRECT targets to potentially
// many clients at once; without jitter, every client redirected to the
// same address backs off in lockstep and hits it again at the same instant.
const reconnectJitter = 0.25

// ReconnectBackoff is the arrow-client reconnect loop's exponential
// back-off: a Connect attempt that fails, or ends without a redirect, waits
// longer each time (jittered, up to Steady) before the next dial; an
// attempt that ends in a redirect resets it back to Fast via Reset.
type ReconnectBackoff struct {
	Cur    time.Duration
	Fast   time.Duration
	Steady time.Duration

	// Metrics, if non-nil, is told about every attempt that backs off via
	// IncrementReconnects. NewReconnectBackoff defaults it to a no-op.
	Metrics Metrics

	skip bool
	rng  *rand.Rand
}

// NewReconnectBackoff builds a backoff initialized to the fast interval. A
// non-positive fast or steady falls back to the package defaults. metrics
// may be nil.
func NewReconnectBackoff(fast, steady time.Duration, metrics Metrics) *ReconnectBackoff {
	if fast <= 0 {
		fast = DefaultReconnectFast
	}
	if steady < fast {
		steady = DefaultReconnectSteady
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ReconnectBackoff{
		Cur:     fast,
		Fast:    fast,
		Steady:  steady,
		Metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sleep waits for the current interval, jittered by +/- reconnectJitter,
// then doubles the interval towards Steady, and records the attempt via
// Metrics.IncrementReconnects. It returns ctx.Err() early if ctx is
// cancelled mid-wait, so an operator's shutdown signal doesn't have to sit
// out a 30-second steady interval. The first Sleep after a Reset is skipped
// so a freshly-reset backoff retries immediately.
func (b *ReconnectBackoff) Sleep(ctx context.Context) error {
	if b.skip {
		b.skip = false
		return nil
	}

	b.Metrics.IncrementReconnects()

	timer := time.NewTimer(b.jittered(b.Cur))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.Cur < b.Steady {
		b.Cur *= 2
		if b.Cur > b.Steady {
			b.Cur = b.Steady
		}
	}
	return nil
}

// jittered returns d shifted by up to +/- reconnectJitter of its own value.
func (b *ReconnectBackoff) jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * reconnectJitter
	out := d + time.Duration(b.rng.Float64()*2*spread-spread)
	if out < 0 {
		return 0
	}
	return out
}

// Reset moves the current interval back to Fast, e.g. after a connection
// reaches the Established state.
func (b *ReconnectBackoff) Reset() {
	b.Cur = b.Fast
	b.skip = true
}
