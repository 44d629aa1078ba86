package failover

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
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

func TestMaybeFailoverSwapsAboveThreshold(t *testing.T) {
	probe := func(ctx context.Context, client string) error { return errors.New("still unreachable") }
	c := New[string]("primary-client", "secondary-client", true, Config{FailoverThreshold: 5, FailbackInterval: time.Hour}, probe, testLogger())
	defer c.Stop()

	assert.False(t, c.MaybeFailover(3))
	assert.Equal(t, ActivePrimary, c.ActiveName())
	assert.Equal(t, "primary-client", c.Active())

	assert.True(t, c.MaybeFailover(6))
	assert.Equal(t, ActiveSecondary, c.ActiveName())
	assert.Equal(t, "secondary-client", c.Active())

	// Already failed over: calling again is a no-op, not a second event.
	assert.False(t, c.MaybeFailover(10))
}

func TestMaybeFailoverNoopWithoutSecondary(t *testing.T) {
	probe := func(ctx context.Context, client string) error { return nil }
	c := New[string]("primary-client", "", false, Config{FailoverThreshold: 1}, probe, testLogger())
	defer c.Stop()

	assert.False(t, c.MaybeFailover(100))
	assert.Equal(t, ActivePrimary, c.ActiveName())
}

func TestFailbackProbeRevertsToPrimaryOnSuccess(t *testing.T) {
	var primaryHealthy int32
	probe := func(ctx context.Context, client string) error {
		if atomic.LoadInt32(&primaryHealthy) == 1 {
			return nil
		}
		return errors.New("unreachable")
	}

	c := New[string]("primary-client", "secondary-client", true,
		Config{FailoverThreshold: 1, FailbackInterval: 20 * time.Millisecond}, probe, testLogger())
	defer c.Stop()

	require.True(t, c.MaybeFailover(2))
	assert.Equal(t, ActiveSecondary, c.ActiveName())

	atomic.StoreInt32(&primaryHealthy, 1)

	assert.Eventually(t, func() bool {
		return c.ActiveName() == ActivePrimary
	}, time.Second, 5*time.Millisecond)
}

func TestFailbackProbeReschedulesOnContinuedFailure(t *testing.T) {
	probe := func(ctx context.Context, client string) error { return errors.New("still down") }
	c := New[string]("primary-client", "secondary-client", true,
		Config{FailoverThreshold: 1, FailbackInterval: 10 * time.Millisecond}, probe, testLogger())
	defer c.Stop()

	require.True(t, c.MaybeFailover(2))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ActiveSecondary, c.ActiveName(), "repeated probe failures must not revert to primary")
}

func TestOnStateChangeCallbackFires(t *testing.T) {
	probe := func(ctx context.Context, client string) error { return errors.New("down") }
	c := New[string]("p", "s", true, Config{FailoverThreshold: 1, FailbackInterval: time.Hour}, probe, testLogger())
	defer c.Stop()

	var from, to Active
	c.OnStateChange(func(f, t Active) { from, to = f, t })

	c.MaybeFailover(2)
	assert.Equal(t, ActivePrimary, from)
	assert.Equal(t, ActiveSecondary, to)
}
