package helpers

import (
	"math"
	"time"
)

// without Max delay is still bounded
const backoffCeiling = time.Hour

// Backoff grows retry delay from Min by Factor per consecutive failure, up to Max.
// Owned by one goroutine.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64 // default 2

	failures int
}

// Failed records failed attempt and returns delay before next one.
func (b *Backoff) Failed() time.Duration {
	b.failures++
	return b.Delay()
}

// Succeeded makes next delay zero.
func (b *Backoff) Succeeded() { b.failures = 0 }

// Record is Failed or Succeeded by attempt result.
func (b *Backoff) Record(err error) time.Duration {
	if err == nil {
		b.Succeeded()
		return 0
	}
	return b.Failed()
}

// Delay is zero until first failure.
func (b *Backoff) Delay() time.Duration {
	if b.failures == 0 {
		return 0
	}
	max := b.Max
	if max <= 0 || max > backoffCeiling {
		max = backoffCeiling
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}
	d := float64(b.Min) * math.Pow(factor, float64(b.failures-1))
	if d >= float64(max) {
		return max
	}
	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	return time.Duration(d).Truncate(time.Millisecond)
}
