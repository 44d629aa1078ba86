// Package dispatcher implements the batch dispatcher (C4): the loop that
// pops a batch, waits on the throttle, checks the network gate, submits to
// the active backend client, interprets the response, and resolves the
// batch by committing bookmarks, requeuing, or dropping it. Grounded in the
// teacher's internal/dispatcher/dispatcher.go (state machine, config
// defaulting, graceful stop/drain) and internal/dispatcher/retry_manager.go
// (bounded-attempt retry before drop).
package dispatcher

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"streamship/internal/core/bookmark"
	"streamship/internal/core/envelope"
	"streamship/internal/core/failover"
	"streamship/internal/core/queue"
	"streamship/internal/core/throttle"
	applog "streamship/pkg/errors"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies a backend response, per spec §4.3 step 5.
type Outcome int

const (
	// AllAccepted means every record in the batch was accepted.
	AllAccepted Outcome = iota
	// PartialFailure means the response lists specific failed record
	// indices; the rest succeeded.
	PartialFailure
	// RecoverableError means the whole batch failed with a
	// recoverable-transport or recoverable-protocol error.
	RecoverableError
	// NonRecoverableError means the whole batch failed in a way that must
	// not be retried.
	NonRecoverableError
)

// Response is what BackendClient.Submit returns.
type Response struct {
	Outcome Outcome
	// FailedIndices is populated for PartialFailure: indices (into the
	// submitted batch) that the backend rejected.
	FailedIndices []int
	// Err carries the classifying *errors.AppError for RecoverableError and
	// NonRecoverableError outcomes (and, optionally, the root cause for
	// PartialFailure).
	Err error
}

// BackendClient is the capability set a concrete backend (Kafka, generic
// HTTP batch-put, ...) implements. The dispatcher is polymorphic only over
// this interface — replacing the class hierarchy of concrete sinks the
// teacher's internal/sinks package used with the spec's small capability
// set.
type BackendClient[T any] interface {
	// SizeOf computes the wire size of one envelope, including any
	// provider-side per-record overhead.
	SizeOf(e envelope.Envelope[T]) int64
	// MaxBatchBytes is the provider's per-request byte limit.
	MaxBatchBytes() int64
	// MaxSpan is the provider's max allowed timestamp span within one
	// batch, or 0 for no limit.
	MaxSpan() time.Duration
	// BuildRequest encodes a batch into a provider-specific wire request.
	BuildRequest(ctx context.Context, b envelope.Batch[T]) (any, error)
	// Submit sends req and interprets the provider's reply into a Response.
	Submit(ctx context.Context, req any) (Response, error)
	// Name identifies the backend for logging/metrics.
	Name() string
}

// RecordCombiner is an optional capability: a backend that wants to coalesce
// small records into ≤5000-byte concatenations before submission implements
// this in addition to BackendClient.
type RecordCombiner[T any] interface {
	CombineRecords(b envelope.Batch[T]) envelope.Batch[T]
}

// NetworkGate reports whether uploads are currently allowed for a given
// priority class. Implemented by internal/netgate; declared here as a small
// interface so the dispatcher does not depend on gopsutil directly.
type NetworkGate interface {
	CanUpload(priority string) bool
}

// StatsReceiver is an optional per-sink callback invoked after every
// resolved batch, for callers that want a push-based stats feed in addition
// to the Prometheus metrics the dispatcher updates directly.
type StatsReceiver func(Stats)

// Stats is a single batch resolution's outcome, handed to StatsReceiver.
type Stats struct {
	Attempted            int
	Succeeded            int
	FailedRecoverable    int
	FailedNonRecoverable int
	Outcome              Outcome
}

// State is the dispatcher's lifecycle state, per spec §4.3.
type State int32

const (
	Starting State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls one dispatcher's batching, retry and priority behavior.
type Config struct {
	MaxBatchCount int
	MaxBatchBytes int64
	MaxWait       time.Duration // bufferIntervalMs
	MaxAttempts   int
	// SequenceTokenRetries bounds the free, independent retry count for
	// recoverable-protocol "invalid sequence token" responses (spec §9 open
	// question, decided in DESIGN.md: free, capped at 2).
	SequenceTokenRetries int
	GraceDeadline        time.Duration
	UploadPriority       string
	JitterFactor         float64
}

// Dispatcher is one sink's batch dispatcher; each sink runs a single one.
// T is the payload type the sink's envelopes carry.
type Dispatcher[T any] struct {
	cfg    Config
	logger *logrus.Logger

	q         *queue.Queue[T]
	th        *throttle.AdaptiveThrottle
	bookmarks *bookmark.Coordinator
	fc        *failover.Controller[BackendClient[T]]
	netGate   NetworkGate
	gate      bookmark.Gate

	sizeOf envelope.SizeFunc[T]

	stats StatsReceiver
	rnd   *rand.Rand
	name  string

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	drainAt  time.Time
	tracer   trace.Tracer
	warnedAt atomic.Int64 // unix nanos of the last rate-limited network-gate warning
}

// New constructs a Dispatcher. It does not start the run loop; call Start.
func New[T any](
	name string,
	cfg Config,
	q *queue.Queue[T],
	th *throttle.AdaptiveThrottle,
	bookmarks *bookmark.Coordinator,
	fc *failover.Controller[BackendClient[T]],
	netGate NetworkGate,
	sizeOf envelope.SizeFunc[T],
	logger *logrus.Logger,
) *Dispatcher[T] {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SequenceTokenRetries <= 0 {
		cfg.SequenceTokenRetries = 2
	}
	if cfg.GraceDeadline <= 0 {
		cfg.GraceDeadline = 30 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 100 * time.Millisecond
	}

	d := &Dispatcher[T]{
		cfg:       cfg,
		logger:    logger,
		q:         q,
		th:        th,
		bookmarks: bookmarks,
		fc:        fc,
		netGate:   netGate,
		sizeOf:    sizeOf,
		name:      name,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		tracer:    otel.Tracer("streamship/dispatcher"),
	}
	d.state.Store(int32(Starting))
	return d
}

// OnStats registers a callback invoked after every resolved batch.
func (d *Dispatcher[T]) OnStats(fn StatsReceiver) { d.stats = fn }

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher[T]) State() State { return State(d.state.Load()) }

// Start runs the dispatch loop in the background until Stop is called and
// the grace deadline elapses or the queue drains, whichever comes first.
func (d *Dispatcher[T]) Start() {
	d.state.Store(int32(Running))
	go d.run()
}

// Stop requests an orderly drain: the dispatcher finishes its current batch,
// then keeps draining queued work until either the queue is empty or
// GraceDeadline elapses, then exits. Stop blocks until the loop has exited.
func (d *Dispatcher[T]) Stop() {
	d.state.Store(int32(Draining))
	d.drainAt = time.Now().Add(d.cfg.GraceDeadline)
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher[T]) run() {
	defer close(d.doneCh)
	defer d.state.Store(int32(Stopped))

	for {
		draining := d.State() == Draining
		if draining && time.Now().After(d.drainAt) {
			d.logger.WithField("sink", d.name).Warn("dispatcher: grace deadline elapsed with work remaining, exiting drain")
			return
		}

		waitFor := d.cfg.MaxWait
		if draining {
			if remaining := time.Until(d.drainAt); remaining < waitFor {
				waitFor = remaining
			}
		}

		ctx := context.Background()
		b, _ := d.q.PopBatch(ctx, d.cfg.MaxBatchCount, d.cfg.MaxBatchBytes, waitFor)
		if b.Empty() {
			if draining {
				primary, secondary, _, _ := d.q.Sizes()
				if primary == 0 && secondary == 0 {
					return
				}
				continue
			}
			select {
			case <-d.stopCh:
				continue
			default:
				continue
			}
		}

		d.resolve(b)

		select {
		case <-d.stopCh:
			if d.State() == Running {
				d.state.Store(int32(Draining))
				d.drainAt = time.Now().Add(d.cfg.GraceDeadline)
			}
		default:
		}
	}
}

// resolve submits a batch and fully resolves it (ack, requeue, or drop). The
// batch's own MaxAttempt (carried per-envelope so it survives a pop/push
// cycle through the queue) tells dispatchOne how many retries remain.
func (d *Dispatcher[T]) resolve(b envelope.Batch[T]) {
	if b.Empty() {
		return
	}

	attempt := b.MaxAttempt()
	for _, part := range envelope.SplitBySpan(b, d.maxSpan(), d.sizeOf) {
		d.dispatchOne(part, attempt, 0)
	}
}

func (d *Dispatcher[T]) maxSpan() time.Duration {
	client := d.fc.Active()
	return client.MaxSpan()
}

func (d *Dispatcher[T]) dispatchOne(b envelope.Batch[T], attempt int, seqRetry int) {
	if b.Empty() {
		return
	}

	ctx, span := d.tracer.Start(context.Background(), "dispatcher.submit",
		trace.WithAttributes(
			attribute.String("sink", d.name),
			attribute.Int("record_count", len(b.Items)),
			attribute.Int64("byte_size", b.ByteSize),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	d.fc.MaybeFailover(d.th.ConsecutiveErrors())
	client := d.fc.Active()

	if combiner, ok := client.(RecordCombiner[T]); ok {
		b = combiner.CombineRecords(b)
	}

	amounts := []float64{1, float64(len(b.Items)), float64(b.ByteSize)}
	delay := d.th.Delay(amounts)
	if delay > 0 {
		d.sleep(delay)
	}

	d.waitForNetworkGate()

	req, err := client.BuildRequest(ctx, b)
	if err != nil {
		span.RecordError(err)
		d.th.SetError()
		d.handleBatchFailure(b, attempt, applog.DispatchError(applog.KindNonRecoverableInput, client.Name(), "build_request", err.Error()))
		return
	}

	resp, err := client.Submit(ctx, req)
	if err != nil && resp.Err == nil {
		resp.Err = err
		if resp.Outcome == AllAccepted {
			resp.Outcome = RecoverableError
		}
	}

	switch resp.Outcome {
	case AllAccepted:
		span.SetStatus(codes.Ok, "")
		d.th.SetSuccess()
		bookmark.CommitBatchGated(d.bookmarks, &d.gate, b)
		d.emitStats(Stats{Attempted: len(b.Items), Succeeded: len(b.Items), Outcome: AllAccepted})

	case PartialFailure:
		span.SetStatus(codes.Error, "partial failure")
		d.th.SetError()
		d.handlePartialFailure(b, attempt, resp.FailedIndices)

	case RecoverableError:
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, "recoverable error")
		d.th.SetError()
		if d.isSequenceTokenError(resp.Err) && seqRetry < d.cfg.SequenceTokenRetries {
			// Free retry: does not consume a MaxAttempts slot (decided in
			// DESIGN.md's Open Question 1).
			d.dispatchOne(b, attempt, seqRetry+1)
			return
		}
		d.handleBatchFailure(b, attempt, resp.Err)

	default: // NonRecoverableError
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, "non-recoverable error")
		d.th.SetError()
		d.emitStats(Stats{Attempted: len(b.Items), FailedNonRecoverable: len(b.Items), Outcome: NonRecoverableError})
	}
}

func (d *Dispatcher[T]) isSequenceTokenError(err error) bool {
	appErr, ok := applog.AsAppError(err)
	return ok && appErr.Kind == applog.KindRecoverableProtocol
}

// handlePartialFailure commits bookmarks for whatever succeeded, then
// requeues (or drops) just the failed subset, per spec §4.3 step 5 and the
// Open Question decision to advance partial-success bookmarks immediately.
func (d *Dispatcher[T]) handlePartialFailure(b envelope.Batch[T], attempt int, failedIndices []int) {
	failedSet := make(map[int]struct{}, len(failedIndices))
	for _, i := range failedIndices {
		failedSet[i] = struct{}{}
	}

	succeeded := envelope.Batch[T]{}
	for i, e := range b.Items {
		if _, failed := failedSet[i]; !failed {
			succeeded.Items = append(succeeded.Items, e)
			succeeded.ByteSize += d.sizeOf(e)
		}
	}
	if !succeeded.Empty() {
		bookmark.CommitBatchGated(d.bookmarks, &d.gate, succeeded)
	}

	failed := b.Subset(failedIndices, d.sizeOf)
	d.emitStats(Stats{
		Attempted:         len(b.Items),
		Succeeded:         len(succeeded.Items),
		FailedRecoverable: len(failed.Items),
		Outcome:           PartialFailure,
	})

	if failed.Empty() {
		return
	}
	d.requeueOrDrop(failed, attempt)
}

// handleBatchFailure requeues the whole batch if attempts remain, otherwise
// drops it (to the secondary tier if available, else entirely) as
// non-recoverable.
func (d *Dispatcher[T]) handleBatchFailure(b envelope.Batch[T], attempt int, err error) {
	d.emitStats(Stats{Attempted: len(b.Items), FailedRecoverable: len(b.Items), Outcome: RecoverableError})
	d.logger.WithError(err).WithField("sink", d.name).Debug("dispatcher: batch failed recoverably")
	d.requeueOrDrop(b, attempt)
}

func (d *Dispatcher[T]) requeueOrDrop(b envelope.Batch[T], attempt int) {
	bumped := b.BumpAttempt()
	if attempt+1 >= d.cfg.MaxAttempts {
		// Exhausted attempts: break FIFO ordering deliberately and push to
		// the durable tier instead of head-of-primary (spec §4.1), or drop
		// if there's no durable tier.
		res := d.q.RequeueHead(bumped, true)
		if res == queue.RequeueDropped {
			d.emitStats(Stats{Attempted: len(b.Items), FailedNonRecoverable: len(b.Items), Outcome: NonRecoverableError})
		}
		return
	}
	d.q.RequeueHead(bumped, false)
}

func (d *Dispatcher[T]) sleep(delay time.Duration) {
	if d.cfg.JitterFactor > 0 {
		delay = time.Duration(float64(delay) * (1 + d.rnd.Float64()*d.cfg.JitterFactor))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-d.stopCh:
	}
}

// waitForNetworkGate blocks while uploads are disallowed for this sink's
// priority, polling every 10s and emitting a rate-limited warning at most
// once per 5 minutes, per spec §4.3 step 3.
func (d *Dispatcher[T]) waitForNetworkGate() {
	if d.netGate == nil {
		return
	}
	for !d.netGate.CanUpload(d.cfg.UploadPriority) {
		now := time.Now().UnixNano()
		last := d.warnedAt.Load()
		if now-last > int64(5*time.Minute) {
			if d.warnedAt.CompareAndSwap(last, now) {
				d.logger.WithField("sink", d.name).Warn("dispatcher: upload blocked by network-availability gate")
			}
		}
		t := time.NewTimer(10 * time.Second)
		select {
		case <-t.C:
		case <-d.stopCh:
			t.Stop()
			return
		}
		t.Stop()
	}
}

func (d *Dispatcher[T]) emitStats(s Stats) {
	if d.stats != nil {
		d.stats(s)
	}
}
