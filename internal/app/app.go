// Package app wires the configured sinks and sources into a running
// pipeline: per-sink queue/throttle/failover/dispatcher stacks (C2-C6),
// the shared bookmark coordinator (C5) and network gate, the admin HTTP
// server, and the file/container sources that feed them. Grounded in the
// teacher's internal/app/app.go (component construction order, signal-based
// graceful shutdown) and internal/app/initialization.go (per-component
// startup logging), rewired from the teacher's concrete Sink/Monitor/
// Dispatcher hierarchy onto the generic core.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"streamship/internal/admin"
	"streamship/internal/config"
	"streamship/internal/core/bookmark"
	"streamship/internal/core/dispatcher"
	"streamship/internal/core/envelope"
	"streamship/internal/core/failover"
	"streamship/internal/core/queue"
	"streamship/internal/core/throttle"
	"streamship/internal/metrics"
	"streamship/internal/netgate"
	"streamship/internal/source/dockersource"
	"streamship/internal/source/filesource"
	"streamship/internal/tracing"
	"streamship/pkg/types"

	"github.com/sirupsen/logrus"
)

type logEntryDispatcher = dispatcher.Dispatcher[*types.LogEntry]
type logEntryQueue = queue.Queue[*types.LogEntry]
type logEntryBackend = dispatcher.BackendClient[*types.LogEntry]
type logEntryFailover = failover.Controller[logEntryBackend]

// sinkRuntime bundles one configured sink's C2-C6 stack.
type sinkRuntime struct {
	name       string
	q          *logEntryQueue
	th         *throttle.AdaptiveThrottle
	fc         *logEntryFailover
	dispatcher *logEntryDispatcher
	client     logEntryBackend
}

// Application owns every component this process starts and is responsible
// for stopping them, in reverse dependency order, on shutdown.
type Application struct {
	cfg    *types.Config
	logger *logrus.Logger

	tracerProvider *tracing.Provider
	netGate        *netgate.Gate
	bookmarks      *bookmark.Coordinator
	adminServer    *admin.Server

	sinks   map[string]*sinkRuntime
	files   []*filesource.Source
	docker  *dockersource.Source
}

// New loads configuration from configFile and constructs every component,
// without starting any of them. Call Run to start and block.
func New(configFile string) (*Application, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	tracerProvider, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	bookmarks, err := bookmark.NewCoordinator(cfg.Bookmarks.Directory, cfg.Bookmarks.SyncInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("init bookmark coordinator: %w", err)
	}

	netGate := netgate.New(netgate.Config{}, logger)

	a := &Application{
		cfg:            cfg,
		logger:         logger,
		tracerProvider: tracerProvider,
		netGate:        netGate,
		bookmarks:      bookmarks,
		sinks:          make(map[string]*sinkRuntime),
	}

	for _, sinkCfg := range cfg.Sinks {
		sr, err := a.buildSink(sinkCfg)
		if err != nil {
			return nil, fmt.Errorf("build sink %s: %w", sinkCfg.Name, err)
		}
		a.sinks[sinkCfg.Name] = sr
	}

	if cfg.Admin.Enabled {
		a.adminServer = admin.New(cfg.Admin.Addr, a.sinkStatuses, logger)
	}

	if err := a.buildSources(); err != nil {
		return nil, fmt.Errorf("build sources: %w", err)
	}

	return a, nil
}

func newLogger(cfg types.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// buildSink assembles one sink's queue, throttle, failover controller and
// dispatcher, and wires the dispatcher's stats callback into
// internal/metrics.
func (a *Application) buildSink(sinkCfg types.SinkConfig) (*sinkRuntime, error) {
	p := sinkCfg.Pipeline

	primary, err := buildBackendClient(sinkCfg)
	if err != nil {
		return nil, fmt.Errorf("primary backend: %w", err)
	}

	secondary, hasSecondary, err := buildSecondaryBackendClient(sinkCfg)
	if err != nil {
		return nil, fmt.Errorf("secondary backend: %w", err)
	}

	var durable *queue.DurableQueue[*types.LogEntry]
	if p.SecondaryQueue == "file" {
		dir := p.QueueDir
		if dir == "" {
			dir = filepath.Join("/var/lib/streamship/queue", sinkCfg.Name)
		}
		durable, err = queue.OpenDurableQueue(dir, p.QueueMaxBatches, encodeLogBatch, decodeLogBatch, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open durable queue: %w", err)
		}
	}

	q := queue.New[*types.LogEntry](queue.Config{
		PrimaryCapacityItems: p.QueueSizeItems,
		MaxBatchBytes:        p.MaxBatchBytes,
	}, durable, a.logger)

	th := throttle.New(throttle.Config{
		Buckets: []throttle.BucketConfig{
			{Name: "batches", RatePerSecond: 0},
			{Name: "records", RatePerSecond: p.RecordsPerSecond},
			{Name: "bytes", RatePerSecond: p.BytesPerSecond},
		},
		BackoffFactor:           p.BackoffFactor,
		RecoveryFactor:          p.RecoveryFactor,
		MinRateAdjustmentFactor: p.MinRateAdjustment,
		JittingFactor:           p.JittingFactor,
	}, a.logger)

	fc := failover.New[logEntryBackend](primary, secondary, hasSecondary, failover.Config{
		FailbackInterval: p.MaxFailbackRetry,
	}, probeBackend, a.logger)

	sinkName := sinkCfg.Name
	fc.OnStateChange(func(from, to failover.Active) {
		metrics.RecordFailoverTransition(sinkName, string(from)+"->"+string(to))
		metrics.SetFailoverActive(sinkName, to == failover.ActiveSecondary)
	})

	sizeOf := func(e envelope.Envelope[*types.LogEntry]) int64 {
		return fc.Active().SizeOf(e)
	}

	d := dispatcher.New[*types.LogEntry](sinkName, dispatcher.Config{
		MaxBatchCount:        p.MaxBatchSize,
		MaxBatchBytes:        p.MaxBatchBytes,
		MaxWait:              p.BufferInterval,
		MaxAttempts:          p.MaxAttempts,
		SequenceTokenRetries: 2,
		GraceDeadline:        p.GraceDeadline,
		UploadPriority:       p.UploadPriority,
		JitterFactor:         p.JittingFactor,
	}, q, th, a.bookmarks, fc, a.netGate, sizeOf, a.logger)

	d.OnStats(func(s dispatcher.Stats) {
		metrics.RecordOutcome(sinkName, outcomeLabel(s.Outcome), s.Succeeded, s.FailedRecoverable, s.FailedNonRecoverable)
		metrics.SetThrottleState(sinkName, th.Factor(), th.ConsecutiveErrors())
	})

	return &sinkRuntime{name: sinkName, q: q, th: th, fc: fc, dispatcher: d, client: primary}, nil
}

func outcomeLabel(o dispatcher.Outcome) string {
	switch o {
	case dispatcher.AllAccepted:
		return "all_accepted"
	case dispatcher.PartialFailure:
		return "partial_failure"
	case dispatcher.RecoverableError:
		return "recoverable_error"
	default:
		return "non_recoverable_error"
	}
}

// probeBackend is the failover controller's ProbeFunc for
// dispatcher.BackendClient: every concrete backend client this package
// constructs additionally implements Ping(ctx) error.
func probeBackend(ctx context.Context, client logEntryBackend) error {
	type pinger interface{ Ping(context.Context) error }
	p, ok := client.(pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// buildSources wires the configured file and container sources to push into
// whichever sinks their SinkRefs name.
func (a *Application) buildSources() error {
	for _, fsCfg := range a.cfg.Sources.Files {
		push := a.fanOutPush(fsCfg.Name, fsCfg.SinkRefs)
		src, err := filesource.New(filesource.Config{
			Directories:     fsCfg.Directories,
			IncludePatterns: fsCfg.IncludePatterns,
		}, push, a.initialOffsetFor(fsCfg.SinkRefs), a.logger)
		if err != nil {
			return fmt.Errorf("build file source %s: %w", fsCfg.Name, err)
		}
		a.files = append(a.files, src)
	}

	if a.cfg.Sources.Container != nil {
		push := a.fanOutPush("container", a.cfg.Sources.Container.SinkRefs)
		src, err := dockersource.New(dockersource.Config{
			LabelFilters: a.cfg.Sources.Container.LabelFilters,
			PollInterval: a.cfg.Sources.Container.PollInterval,
		}, push, a.logger)
		if err != nil {
			return fmt.Errorf("build container source: %w", err)
		}
		a.docker = src
	}

	return nil
}

// initialOffsetFor resumes a file source from the highest bookmark position
// committed for that path across any of its referenced sinks, so a restart
// never re-reads data every referenced sink already acknowledged.
func (a *Application) initialOffsetFor(sinkRefs []string) func(path string) int64 {
	return func(path string) int64 {
		return a.bookmarks.InitialPosition(path)
	}
}

// fanOutPush returns a PushFunc that enqueues into every sink named in
// sinkRefs, logging (but not failing) if a referenced sink name is unknown
// or a queue push errors — one misconfigured sink must not stop a source
// from feeding the others.
func (a *Application) fanOutPush(sourceName string, sinkRefs []string) func(ctx context.Context, e envelope.Envelope[*types.LogEntry]) error {
	return func(ctx context.Context, e envelope.Envelope[*types.LogEntry]) error {
		for _, name := range sinkRefs {
			sr, ok := a.sinks[name]
			if !ok {
				a.logger.WithFields(logrus.Fields{"source": sourceName, "sink": name}).Warn("app: source references unknown sink")
				continue
			}
			size := sr.fc.Active().SizeOf(e)
			if _, err := sr.q.Push(ctx, e, size); err != nil {
				a.logger.WithError(err).WithFields(logrus.Fields{"source": sourceName, "sink": name}).Warn("app: queue push failed")
			}
		}
		return nil
	}
}

// sinkStatuses implements admin.StatusFunc.
func (a *Application) sinkStatuses() []admin.SinkStatus {
	out := make([]admin.SinkStatus, 0, len(a.sinks))
	for _, sr := range a.sinks {
		primary, secondary, _, _ := sr.q.Sizes()
		out = append(out, admin.SinkStatus{
			Name:           sr.name,
			State:          sr.dispatcher.State().String(),
			ActiveClient:   string(sr.fc.ActiveName()),
			PrimaryQueue:   primary,
			SecondaryQueue: secondary,
			ThrottleFactor: sr.th.Factor(),
		})
	}
	return out
}

// Run starts every component and blocks until SIGINT/SIGTERM, then performs
// an orderly shutdown.
func (a *Application) Run() error {
	a.logger.WithField("sinks", len(a.sinks)).Info("streamship: starting")

	a.bookmarks.Start()
	if a.adminServer != nil {
		a.adminServer.Start()
	}
	for _, sr := range a.sinks {
		sr.dispatcher.Start()
	}

	ctx := context.Background()
	for _, src := range a.files {
		if err := src.Start(ctx); err != nil {
			a.logger.WithError(err).Warn("app: file source failed to start")
		}
	}
	if a.docker != nil {
		if err := a.docker.Start(ctx); err != nil {
			a.logger.WithError(err).Warn("app: container source failed to start")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.WithField("signal", sig.String()).Info("streamship: shutdown signal received")

	return a.shutdown()
}

// shutdown stops sources first (so no new data enters the pipeline), then
// drives every dispatcher's Starting→Running→Draining→Stopped state machine
// to completion — Stop blocks until the run loop has actually exited, either
// because the queue drained or its grace deadline elapsed — before syncing
// bookmarks, so the last acked batch's commit can never race process exit.
func (a *Application) shutdown() error {
	for _, src := range a.files {
		_ = src.Stop()
	}
	if a.docker != nil {
		_ = a.docker.Stop()
	}

	var wg sync.WaitGroup
	for _, sr := range a.sinks {
		wg.Add(1)
		go func(sr *sinkRuntime) {
			defer wg.Done()
			sr.dispatcher.Stop()
		}(sr)
	}
	wg.Wait()

	a.bookmarks.SyncAll()
	a.bookmarks.Stop()
	a.netGate.Stop()

	if a.adminServer != nil {
		_ = a.adminServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("app: tracing shutdown error")
	}

	a.logger.Info("streamship: shutdown complete")
	return nil
}
