// Package failover implements the failover controller (C6): a
// primary/secondary backend client pair with threshold-triggered failover
// and a timed fail-back reachability probe. Grounded in the teacher's
// pkg/circuit/breaker.go, whose failure-threshold/state-machine/
// onStateChange-callback shape is generalized here from "open the circuit"
// into "swap the active client", since the spec's failover decision is
// driven by the throttle's consecutiveErrors rather than the breaker's own
// counters.
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Active names which client is currently serving traffic.
type Active string

const (
	ActivePrimary   Active = "primary"
	ActiveSecondary Active = "secondary"
)

// ProbeFunc performs an inexpensive reachability check against a client
// (spec §4.5: "an inexpensive describe/ping call"). It must not panic; the
// controller treats a returned error as "still unreachable" and never lets
// a probe failure escape into the dispatch loop.
type ProbeFunc[C any] func(ctx context.Context, client C) error

// Config controls failover thresholds.
type Config struct {
	// FailoverThreshold is compared against the throttle's consecutive
	// error count in MaybeFailover.
	FailoverThreshold int
	// FailbackInterval is how often the fail-back probe runs against the
	// primary while the secondary is active (spec's
	// maxFailbackRetryIntervalMinutes).
	FailbackInterval time.Duration
}

// Controller owns one sink's primary/secondary client pair. It is owned
// exclusively by one sink instance, per spec §5 ownership rules — it is not
// shared across sinks the way the bookmark coordinator is.
type Controller[C any] struct {
	mu sync.RWMutex

	primary      C
	secondary    C
	hasSecondary bool
	active       Active
	lastFailover time.Time

	cfg    Config
	probe  ProbeFunc[C]
	logger *logrus.Logger

	onStateChange func(from, to Active)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Controller. If hasSecondary is false, MaybeFailover is
// always a no-op and Active always reports primary — a sink with no
// secondary region configured simply has nowhere to fail over to.
func New[C any](primary, secondary C, hasSecondary bool, cfg Config, probe ProbeFunc[C], logger *logrus.Logger) *Controller[C] {
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = 5
	}
	if cfg.FailbackInterval <= 0 {
		cfg.FailbackInterval = 10 * time.Minute
	}
	return &Controller[C]{
		primary:      primary,
		secondary:    secondary,
		hasSecondary: hasSecondary,
		active:       ActivePrimary,
		cfg:          cfg,
		probe:        probe,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked after every active-client
// swap, for metrics/logging at the call site.
func (c *Controller[C]) OnStateChange(fn func(from, to Active)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// Active returns the client that should be used for the next submission.
func (c *Controller[C]) Active() C {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == ActiveSecondary {
		return c.secondary
	}
	return c.primary
}

// ActiveName reports which client is currently active, for metrics export.
func (c *Controller[C]) ActiveName() Active {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// MaybeFailover is called by the dispatcher before each submit. If the
// primary is active, the secondary is configured, and consecutiveErrors
// exceeds the configured threshold, the active client is swapped to the
// secondary and the fail-back probe loop is started. Returns true if a
// failover happened on this call.
func (c *Controller[C]) MaybeFailover(consecutiveErrors int) bool {
	c.mu.Lock()
	if c.active != ActivePrimary || !c.hasSecondary || consecutiveErrors <= c.cfg.FailoverThreshold {
		c.mu.Unlock()
		return false
	}

	c.active = ActiveSecondary
	c.lastFailover = time.Now()
	cb := c.onStateChange
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"consecutive_errors": consecutiveErrors,
		"threshold":          c.cfg.FailoverThreshold,
	}).Warn("failover: swapped active client to secondary")
	if cb != nil {
		cb(ActivePrimary, ActiveSecondary)
	}

	c.startFailbackProbe()
	return true
}

// startFailbackProbe runs the periodic reachability probe against the
// primary while the secondary is active. It is idempotent: calling
// MaybeFailover again while a probe loop is already running does not start
// a second one, since the loop exits as soon as it observes active has
// reverted to primary (or Stop is called).
func (c *Controller[C]) startFailbackProbe() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.FailbackInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.mu.RLock()
				stillFailedOver := c.active == ActiveSecondary
				primary := c.primary
				c.mu.RUnlock()
				if !stillFailedOver {
					return
				}

				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FailbackInterval)
				err := c.probe(ctx, primary)
				cancel()
				if err != nil {
					c.logger.WithError(err).Debug("failover: fail-back probe against primary failed, will retry")
					continue
				}

				c.mu.Lock()
				c.active = ActivePrimary
				cb := c.onStateChange
				c.mu.Unlock()

				c.logger.Info("failover: fail-back probe succeeded, reverted to primary")
				if cb != nil {
					cb(ActiveSecondary, ActivePrimary)
				}
				return
			}
		}
	}()
}

// Stop halts any in-flight fail-back probe loop. Safe to call even if no
// failover has ever happened.
func (c *Controller[C]) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
