// Package queue implements the two-tier buffered queue (C2): a bounded
// in-memory primary tier with an optional durable on-disk secondary tier,
// grounded in the teacher's pkg/buffer/disk_buffer.go (durable framing) and
// pkg/dlq/dead_letter_queue.go (bounded-count overflow eviction).
package queue

import (
	"context"
	"sync"
	"time"

	"streamship/internal/core/envelope"
	applog "streamship/pkg/errors"

	"github.com/sirupsen/logrus"
)

// PushResult reports where a pushed envelope landed.
type PushResult int

const (
	// PushReady means the envelope was accepted into the primary tier.
	PushReady PushResult = iota
	// PushOverflowed means the primary tier was full and the envelope was
	// accepted into the secondary (durable) tier instead.
	PushOverflowed
	// PushRejected means the envelope exceeds the configured per-record
	// byte limit and was dropped without being enqueued.
	PushRejected
)

// RequeueResult reports the outcome of RequeueHead.
type RequeueResult int

const (
	// RequeueAccepted means the batch was placed back at the head of the
	// primary tier (or, with allowOverflow, pushed to the secondary tier).
	RequeueAccepted RequeueResult = iota
	// RequeueDropped means the batch was routed to the secondary tier
	// (allowOverflow true with a secondary present) and the write to it
	// failed, so the batch is no longer held anywhere.
	RequeueDropped
)

// Config controls queue capacities. MaxBatchBytes enforces the spec §8
// boundary behavior that a single oversize record is rejected at push time
// and never enqueued, independent of whatever caps an individual popBatch
// call asks for.
type Config struct {
	PrimaryCapacityItems int
	MaxBatchBytes        int64
}

// chunk is one contiguous run of envelopes that must stay together when
// popBatch assembles output batches: either a single pushed envelope, or a
// whole batch placed back via RequeueHead. Keeping requeued batches as a
// single chunk is what gives requeue-to-head its "retried before any newer
// work" guarantee without having to re-split a batch that was already sized
// correctly once.
type chunk[T any] struct {
	items []envelope.Envelope[T]
	size  int64
}

// Queue is the two-tier buffered queue described in spec §4.1. It is safe
// for concurrent use by many producers and one or more dispatchers; per spec
// §5, the queue never holds its lock across a suspension point — PopBatch's
// wait for maxWait or for new data is done via sync.Cond, which releases the
// lock while parked.
type Queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cfg     Config
	primary []chunk[T]
	count   int // total envelopes across all primary chunks
	drained bool

	secondary *DurableQueue[T]
	logger    *logrus.Logger

	droppedNonRecoverable int64
}

// New constructs a Queue. secondary may be nil, meaning the sink has no
// durable overflow tier and producers block when primary is full (spec §3
// QueueState invariant).
func New[T any](cfg Config, secondary *DurableQueue[T], logger *logrus.Logger) *Queue[T] {
	if cfg.PrimaryCapacityItems <= 0 {
		cfg.PrimaryCapacityItems = 10000
	}
	q := &Queue[T]{cfg: cfg, secondary: secondary, logger: logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one envelope of the given wire size. It blocks until space
// is available in the primary tier (or the secondary tier accepts an
// overflow write, or ctx is cancelled), per the spec §3 invariant that a
// full primary with no secondary blocks the producer.
func (q *Queue[T]) Push(ctx context.Context, e envelope.Envelope[T], size int64) (PushResult, error) {
	if q.cfg.MaxBatchBytes > 0 && size > q.cfg.MaxBatchBytes {
		q.mu.Lock()
		q.droppedNonRecoverable++
		q.mu.Unlock()
		return PushRejected, applog.DispatchError(applog.KindNonRecoverableInput, "queue", "push",
			"record exceeds MaxBatchBytes and was dropped")
	}

	q.mu.Lock()
	for !q.drained && q.count >= q.cfg.PrimaryCapacityItems && q.secondary == nil {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return PushRejected, err
		}
		q.waitWithTimeout(ctx, time.Second)
		q.mu.Lock()
	}
	defer q.mu.Unlock()

	if q.count >= q.cfg.PrimaryCapacityItems && q.secondary != nil {
		b := envelope.Batch[T]{Items: []envelope.Envelope[T]{e}, ByteSize: size}
		if err := q.secondary.Push(b); err != nil {
			q.logger.WithError(err).Warn("queue: secondary overflow write failed, dropping envelope")
			q.droppedNonRecoverable++
			return PushRejected, err
		}
		return PushOverflowed, nil
	}

	q.primary = append(q.primary, chunk[T]{items: []envelope.Envelope[T]{e}, size: size})
	q.count++
	q.cond.Broadcast()
	return PushReady, nil
}

// PopBatch returns as soon as the primary tier holds at least one envelope:
// it takes chunks from the head of primary until the next chunk would exceed
// maxCount/maxBytes (the first chunk is always taken) or maxWait has
// elapsed. It does not wait for a partial batch to fill up to the caps.
// While primary is empty it waits up to maxWait, or until Drain is called,
// and only then pulls one batch from the secondary tier, per spec §4.1.
func (q *Queue[T]) PopBatch(ctx context.Context, maxCount int, maxBytes int64, maxWait time.Duration) (envelope.Batch[T], bool) {
	deadline := time.Now().Add(maxWait)

	q.mu.Lock()
	for len(q.primary) == 0 && !q.drained {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.mu.Unlock()
			return q.popFromSecondary(), false
		}
		if !q.waitWithTimeout(ctx, remaining) {
			return q.popFromSecondary(), false
		}
		q.mu.Lock()
	}

	var out envelope.Batch[T]
	taken := 0
	for taken < len(q.primary) {
		c := q.primary[taken]
		if len(out.Items) > 0 {
			if maxCount > 0 && len(out.Items)+len(c.items) > maxCount {
				break
			}
			if maxBytes > 0 && out.ByteSize+c.size > maxBytes {
				break
			}
		}
		out.Items = append(out.Items, c.items...)
		out.ByteSize += c.size
		taken++

		if time.Now().After(deadline) {
			break
		}
	}
	q.primary = q.primary[taken:]
	q.count -= len(out.Items)
	q.cond.Broadcast()
	drained := q.drained
	q.mu.Unlock()

	if !out.Empty() {
		return out, false
	}
	if drained {
		return q.popFromSecondary(), true
	}
	return envelope.Batch[T]{}, false
}

// waitWithTimeout parks on cond until broadcast, ctx cancellation, or the
// remaining duration elapses, returning false if it timed out or was
// cancelled (caller re-checks conditions after re-acquiring the lock).
// Must be called with q.mu held; returns with q.mu unlocked.
func (q *Queue[T]) waitWithTimeout(ctx context.Context, remaining time.Duration) bool {
	woke := make(chan struct{})
	go func() {
		// The caller's hold on q.mu passes to this goroutine: cond.Wait
		// releases it only once registered for wake-up, so no Broadcast in
		// between is missed, and re-acquires it on wake-up.
		q.cond.Wait()
		q.mu.Unlock()
		close(woke)
	}()

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-woke:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue[T]) popFromSecondary() envelope.Batch[T] {
	if q.secondary == nil {
		return envelope.Batch[T]{}
	}
	b, ok, err := q.secondary.PopFront()
	if err != nil {
		q.logger.WithError(err).Warn("queue: secondary read failed")
		return envelope.Batch[T]{}
	}
	if !ok {
		return envelope.Batch[T]{}
	}
	return b
}

// RequeueHead places a previously-popped batch back for retry, per spec
// §4.1. With allowOverflow false (attempts remain), it always goes to the
// head of the primary tier — the capacity it needs was already freed when
// this same batch was popped, so this never blocks. With allowOverflow true
// (attempts exhausted), it is deliberately routed to the secondary tier
// instead, breaking FIFO ordering in exchange for not blocking newer work
// sitting behind it at the head of primary; if there is no secondary tier,
// it falls back to head-of-primary since there is nowhere else to put it.
func (q *Queue[T]) RequeueHead(b envelope.Batch[T], allowOverflow bool) RequeueResult {
	if b.Empty() {
		return RequeueAccepted
	}

	if allowOverflow && q.secondary != nil {
		if err := q.secondary.Push(b); err != nil {
			return RequeueDropped
		}
		return RequeueAccepted
	}

	q.mu.Lock()
	q.primary = append([]chunk[T]{{items: b.Items, size: b.ByteSize}}, q.primary...)
	q.count += len(b.Items)
	q.cond.Broadcast()
	q.mu.Unlock()
	return RequeueAccepted
}

// Sizes reports the current depth of each tier and whether each is at
// capacity, for the dispatcher's per-sink metrics snapshot (spec §4.3 step 6).
func (q *Queue[T]) Sizes() (primaryCount, secondaryCount int, primaryFull, secondaryFull bool) {
	q.mu.Lock()
	primaryCount = q.count
	primaryFull = q.count >= q.cfg.PrimaryCapacityItems
	q.mu.Unlock()

	if q.secondary != nil {
		secondaryCount, secondaryFull = q.secondary.Size()
	}
	return
}

// Drain raises the drain signal: PopBatch stops waiting for new envelopes
// once the primary tier is empty and immediately reports the secondary tier
// as exhausted too, so dispatchers can observe "nothing left" during
// shutdown instead of blocking for maxWait forever.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	q.drained = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// DroppedNonRecoverable returns the count of envelopes rejected at push time
// for exceeding MaxBatchBytes.
func (q *Queue[T]) DroppedNonRecoverable() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedNonRecoverable
}
