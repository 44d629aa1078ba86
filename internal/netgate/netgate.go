// Package netgate implements the network-availability gate spec §4.3 step 3
// consults before every submit: canUpload(priority). Grounded in the
// teacher's pkg/monitoring/resource_monitor.go sampling-loop shape (ticker,
// snapshot struct, alert channel), adapted from goroutine/memory sampling to
// network-interface throughput sampling via gopsutil/v3/net, since this
// spec's gate cares about network reachability, not process resource
// exhaustion (the concern pkg/monitoring's original target covered, which
// went to internal/core/dispatcher's own suspension points instead).
package netgate

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// Priority classes the gate arbitrates between. A Gate never blocks
// PriorityHigh: only lower-priority sinks back off while the network looks
// unhealthy, so urgent data still gets a chance to go out.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Config controls sampling cadence and the stall detection threshold.
type Config struct {
	CheckInterval time.Duration
	// StallThreshold is how long interface byte counters may stay flat
	// before the gate considers the network unavailable.
	StallThreshold time.Duration
	Interfaces     []string // empty means "sum all interfaces"
}

// Gate samples network interface counters on a ticker and reports whether
// uploads are currently allowed for a given priority. It implements
// dispatcher.NetworkGate.
type Gate struct {
	cfg    Config
	logger *logrus.Logger

	mu           sync.RWMutex
	lastBytes    uint64
	lastChange   time.Time
	healthy      bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Gate and starts its sampling loop. Call Stop to release
// it.
func New(cfg Config, logger *logrus.Logger) *Gate {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		cfg:        cfg,
		logger:     logger,
		healthy:    true,
		lastChange: time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go g.loop(ctx)
	return g
}

func (g *Gate) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Gate) sample() {
	counters, err := net.IOCounters(true)
	if err != nil {
		g.logger.WithError(err).Warn("netgate: failed to read interface counters")
		return
	}

	var total uint64
	for _, c := range counters {
		if len(g.cfg.Interfaces) > 0 && !contains(g.cfg.Interfaces, c.Name) {
			continue
		}
		total += c.BytesSent + c.BytesRecv
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if total != g.lastBytes {
		g.lastBytes = total
		g.lastChange = time.Now()
		g.healthy = true
		return
	}
	if time.Since(g.lastChange) > g.cfg.StallThreshold {
		g.healthy = false
	}
}

// CanUpload reports whether priority may upload right now. High priority is
// never gated; normal and low priority are blocked while the gate considers
// the interface stalled, with low priority additionally gated whenever
// normal is (it never gets ahead of normal-priority traffic).
func (g *Gate) CanUpload(priority string) bool {
	if priority == PriorityHigh {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.healthy
}

// Stop ends the sampling loop and waits for it to exit.
func (g *Gate) Stop() {
	g.cancel()
	<-g.done
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
