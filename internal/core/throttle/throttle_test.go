package throttle

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// TestBackoffThenRecoverySpecExample is the literal spec §8 worked example:
// starting factor 1.0, backoff=1/2, floor=1/8. After 4 consecutive errors the
// factor bottoms out at 1/8; one success brings it to 1/4. A 1-token request
// against a 1-token/s bucket should then delay at least 8s after the errors
// and at least 4s after the recovery.
func TestBackoffThenRecoverySpecExample(t *testing.T) {
	th := New(Config{
		Buckets:                 []BucketConfig{{Name: "calls", RatePerSecond: 1, Capacity: 1}},
		BackoffFactor:           0.5,
		RecoveryFactor:          0.5,
		MinRateAdjustmentFactor: 1.0 / 8,
		Rand:                    rand.New(rand.NewSource(1)),
	}, testLogger())

	// Drain the bucket's initial token so the next consume reports a
	// nonzero bucket delay to divide by the factor.
	th.Delay([]float64{1})

	for i := 0; i < 4; i++ {
		th.SetError()
	}
	assert.InDelta(t, 1.0/8, th.Factor(), 1e-9)
	assert.Equal(t, 4, th.ConsecutiveErrors())

	d := th.Delay([]float64{1})
	assert.GreaterOrEqual(t, d, 8*time.Second)

	th.SetSuccess()
	assert.InDelta(t, 1.0/4, th.Factor(), 1e-9)
	assert.Equal(t, 0, th.ConsecutiveErrors())

	d = th.Delay([]float64{1})
	assert.GreaterOrEqual(t, d, 4*time.Second)
}

func TestFactorNeverExceedsOne(t *testing.T) {
	th := New(Config{Buckets: []BucketConfig{{Name: "calls", RatePerSecond: 10, Capacity: 10}}}, testLogger())
	th.SetSuccess()
	th.SetSuccess()
	th.SetSuccess()
	assert.Equal(t, 1.0, th.Factor())
}

func TestFactorNeverBelowFloor(t *testing.T) {
	th := New(Config{
		Buckets:                 []BucketConfig{{Name: "calls", RatePerSecond: 10, Capacity: 10}},
		MinRateAdjustmentFactor: 0.25,
	}, testLogger())
	for i := 0; i < 20; i++ {
		th.SetError()
	}
	assert.InDelta(t, 0.25, th.Factor(), 1e-9)
}

func TestDelayZeroWhenBucketHasCapacity(t *testing.T) {
	th := New(Config{Buckets: []BucketConfig{{Name: "calls", RatePerSecond: 100, Capacity: 100}}}, testLogger())
	d := th.Delay([]float64{1})
	assert.Equal(t, time.Duration(0), d)
}

func TestDelayUsesMaxAcrossBuckets(t *testing.T) {
	th := New(Config{Buckets: []BucketConfig{
		{Name: "calls", RatePerSecond: 1000, Capacity: 1},
		{Name: "bytes", RatePerSecond: 1, Capacity: 1},
	}}, testLogger())

	// Drain both buckets' single token first.
	th.Delay([]float64{1, 1})
	d := th.Delay([]float64{1, 1})
	// The bytes bucket (1/s) should dominate over the calls bucket (1000/s).
	assert.GreaterOrEqual(t, d, 900*time.Millisecond)
}

func TestJitterInflatesDelay(t *testing.T) {
	th := New(Config{
		Buckets:       []BucketConfig{{Name: "calls", RatePerSecond: 1, Capacity: 1}},
		JittingFactor: 0.5,
		Rand:          rand.New(rand.NewSource(42)),
	}, testLogger())
	th.Delay([]float64{1})
	d := th.Delay([]float64{1})
	require.Greater(t, d, time.Second)
}

func TestSetErrorIncrementsConsecutiveCount(t *testing.T) {
	th := New(Config{Buckets: []BucketConfig{{Name: "calls", RatePerSecond: 10, Capacity: 10}}}, testLogger())
	th.SetError()
	th.SetError()
	assert.Equal(t, 2, th.ConsecutiveErrors())
	th.SetSuccess()
	assert.Equal(t, 0, th.ConsecutiveErrors())
}
