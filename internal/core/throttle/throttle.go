// Package throttle implements the adaptive multi-dimensional throttle (C3):
// an ordered set of token buckets plus a rate-adjustment factor driven by
// success/error feedback from the dispatcher. Grounded in the teacher's
// pkg/ratelimit/adaptive_limiter.go (token refill math) and
// pkg/throttling/adaptive_throttler.go (factor/floor/backoff shape), neither
// of which separately implements both halves the spec needs, so the two are
// combined here rather than reused wholesale.
package throttle

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Bucket is one token bucket: amounts are consumed in whatever unit the
// caller defines for that dimension (API calls, records, bytes, ...).
type Bucket struct {
	Name          string
	RatePerSecond float64
	Capacity      float64

	tokens     float64
	lastRefill time.Time
}

func newBucket(name string, ratePerSecond, capacity float64) *Bucket {
	if capacity <= 0 {
		capacity = ratePerSecond
	}
	return &Bucket{
		Name:          name,
		RatePerSecond: ratePerSecond,
		Capacity:      capacity,
		tokens:        capacity,
		lastRefill:    time.Now(),
	}
}

// consume refills the bucket for elapsed time, then reports how long the
// caller must wait before n tokens are available. A non-positive result
// means the request could be granted immediately (the dispatcher still
// debits the bucket via the returned delay contract below).
func (b *Bucket) consume(now time.Time, n float64) time.Duration {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if elapsed > 0 {
		b.tokens = math.Min(b.Capacity, b.tokens+elapsed*b.RatePerSecond)
	}

	if b.tokens >= n {
		b.tokens -= n
		return 0
	}

	deficit := n - b.tokens
	b.tokens = 0
	if b.RatePerSecond <= 0 {
		return 0
	}
	return time.Duration(deficit / b.RatePerSecond * float64(time.Second))
}

// Config configures an AdaptiveThrottle. Buckets defines the dimensions and
// their order; callers of Delay must pass amounts in the same order.
type Config struct {
	Buckets                 []BucketConfig
	BackoffFactor           float64 // e.g. 0.5
	RecoveryFactor          float64 // e.g. 0.5 (applied as divide, i.e. doubles the factor)
	MinRateAdjustmentFactor float64 // e.g. 1.0/8
	JittingFactor           float64 // e.g. 0.1
	// Rand is the source used for jitter. Injected rather than using the
	// package-level math/rand global so tests get deterministic delays —
	// the spec calls out global RNG singletons as state to eliminate.
	Rand *rand.Rand
}

// BucketConfig describes one token bucket dimension.
type BucketConfig struct {
	Name          string
	RatePerSecond float64
	Capacity      float64
}

// AdaptiveThrottle is the per-sink throttle described in spec §4.2: N token
// buckets plus a rate-adjustment factor in [floor, 1] that stretches the
// delay under sustained error pressure and relaxes it on success.
type AdaptiveThrottle struct {
	mu      sync.Mutex
	buckets []*Bucket
	cfg     Config
	logger  *logrus.Logger
	rnd     *rand.Rand

	factor            float64
	consecutiveErrors int
}

// New constructs an AdaptiveThrottle. Defaults mirror the values spec §8's
// worked example uses: backoff=0.5, recovery=0.5, floor=1/8.
func New(cfg Config, logger *logrus.Logger) *AdaptiveThrottle {
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.RecoveryFactor <= 0 {
		cfg.RecoveryFactor = 0.5
	}
	if cfg.MinRateAdjustmentFactor <= 0 {
		cfg.MinRateAdjustmentFactor = 1.0 / 8
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	buckets := make([]*Bucket, 0, len(cfg.Buckets))
	for _, bc := range cfg.Buckets {
		buckets = append(buckets, newBucket(bc.Name, bc.RatePerSecond, bc.Capacity))
	}

	return &AdaptiveThrottle{
		buckets: buckets,
		cfg:     cfg,
		logger:  logger,
		rnd:     rnd,
		factor:  1.0,
	}
}

// Delay consumes amounts[i] from buckets[i] (amounts must be the same length
// as the configured buckets) and returns the maximum per-bucket
// future-availability delay, divided by the current rate-adjustment factor
// and inflated by jitter. The caller sleeps for the returned duration
// (cancellably) before submitting.
func (t *AdaptiveThrottle) Delay(amounts []float64) time.Duration {
	now := time.Now()

	t.mu.Lock()
	var maxDelay time.Duration
	for i, b := range t.buckets {
		var n float64
		if i < len(amounts) {
			n = amounts[i]
		}
		if d := b.consume(now, n); d > maxDelay {
			maxDelay = d
		}
	}
	factor := t.factor
	jitter := t.cfg.JittingFactor
	t.mu.Unlock()

	if factor <= 0 {
		factor = t.cfg.MinRateAdjustmentFactor
	}
	stretched := time.Duration(float64(maxDelay) / factor)

	if jitter > 0 {
		stretched = time.Duration(float64(stretched) * (1 + t.rnd.Float64()*jitter))
	}
	return stretched
}

// SetSuccess relaxes the rate-adjustment factor toward 1.0 and resets the
// consecutive-error count. Callers invoke exactly one of SetSuccess/SetError
// per dispatch attempt.
func (t *AdaptiveThrottle) SetSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factor = math.Min(1.0, t.factor/t.cfg.RecoveryFactor)
	t.consecutiveErrors = 0
}

// SetError tightens the rate-adjustment factor and increments the
// consecutive-error count, which the failover controller watches.
func (t *AdaptiveThrottle) SetError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factor = math.Max(t.cfg.MinRateAdjustmentFactor, t.factor*t.cfg.BackoffFactor)
	t.consecutiveErrors++
}

// ConsecutiveErrors reports the current run length of SetError calls since
// the last SetSuccess. The failover controller compares this against its own
// threshold in maybeFailover.
func (t *AdaptiveThrottle) ConsecutiveErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveErrors
}

// Factor returns the current rate-adjustment factor, for metrics export.
func (t *AdaptiveThrottle) Factor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.factor
}
