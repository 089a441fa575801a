package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the exponential-with-jitter delay between
// fallback attempts, grounded on llm/retry's backoffRetryer but pinned to
// the spec's defaults (initial=100ms, max=30s, ±25% jitter) rather than
// the teacher's generic 1s/30s/2.0 policy.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoffPolicy returns the spec-pinned defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns min(max, initial * multiplier^attempt) with ±25% jitter
// applied when Jitter is set. attempt is zero-based (the delay before the
// first retry, i.e. after attempt 0 failed, uses attempt=0).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		p = DefaultBackoffPolicy()
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter {
		delta := d * 0.25
		d = d - delta + rand.Float64()*2*delta
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
