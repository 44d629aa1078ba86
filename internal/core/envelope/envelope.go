// Package envelope defines the unit of work that flows through the sink
// pipeline: one payload plus the metadata the core needs to batch, retry and
// acknowledge it without ever looking inside the payload itself.
package envelope

import "time"

// Envelope wraps one payload with the timestamp it was produced at, an
// opaque reference to the source's bookmark key, and the source-local
// position used for monotonic progress tracking.
//
// Invariant: within one source (one BookmarkKey), Position is monotonically
// non-decreasing across the Envelopes a source produces. The core never
// checks this itself — it trusts the source — but the bookmark coordinator's
// monotonicity check (internal/core/bookmark) will reject a commit that
// violates it.
type Envelope[T any] struct {
	Payload     T
	Timestamp   time.Time
	BookmarkKey string
	Position    int64

	// Attempt counts how many times this envelope (or the batch it was
	// split or subset from) has already been submitted and requeued. It
	// travels with the envelope rather than the batch because a partial
	// failure splits a batch into a failed subset that keeps being requeued
	// independently of whatever batch it's later recombined with.
	Attempt int
}

// HasBookmark reports whether this envelope carries a usable bookmark key.
// Sources that don't track positions (e.g. stdin) leave BookmarkKey empty;
// the bookmark coordinator's first-batch optimization uses this to decide
// whether a dispatcher is "bookmarkable" at all.
func (e Envelope[T]) HasBookmark() bool {
	return e.BookmarkKey != ""
}

// SizeFunc computes the wire size of one envelope's payload, including any
// provider-side per-record overhead the caller wants accounted for (spec
// §6's "fixed 26-byte overhead for log events" example). Returning a value
// larger than the caller's configured per-record limit signals that the
// record must be dropped rather than batched — SizeFunc itself doesn't
// enforce the limit, the caller does, so the same function can be reused for
// plain sizing and for the oversize check.
type SizeFunc[T any] func(Envelope[T]) int64

// Batch is an ordered, ephemeral group of envelopes assembled by the queue
// under simultaneous caps on count and total byte size. It exists from the
// moment the queue yields it until the dispatcher resolves it by ack,
// requeue, or drop — a Batch is never mutated in place once built: Subset,
// SplitBySpan and BumpAttempt return new Batches instead.
type Batch[T any] struct {
	Items    []Envelope[T]
	ByteSize int64
}

// Empty reports whether a Batch carries no envelopes. The queue returns the
// zero Batch (not a nil slice wrapped in a non-zero struct) to signal "no
// batch ready yet" from popBatch, so callers should check Empty rather than
// len(Items) == 0 directly for readability at call sites.
func (b Batch[T]) Empty() bool {
	return len(b.Items) == 0
}

// HighestPositions groups this batch's envelopes by BookmarkKey and returns
// the maximum Position seen per key. Envelopes with no bookmark key are
// skipped. This is the grouping step the bookmark coordinator (C5) applies
// to every acknowledged or partially-acknowledged batch before committing.
func (b Batch[T]) HighestPositions() map[string]int64 {
	highest := make(map[string]int64)
	for _, e := range b.Items {
		if !e.HasBookmark() {
			continue
		}
		if cur, ok := highest[e.BookmarkKey]; !ok || e.Position > cur {
			highest[e.BookmarkKey] = e.Position
		}
	}
	return highest
}

// Subset builds a new Batch containing only the envelopes at the given
// indices, recomputing ByteSize with sizeOf. Used by the dispatcher to carve
// out the failed-record subset of a partial-failure response (spec §4.3).
func (b Batch[T]) Subset(indices []int, sizeOf SizeFunc[T]) Batch[T] {
	out := Batch[T]{Items: make([]Envelope[T], 0, len(indices))}
	for _, i := range indices {
		if i < 0 || i >= len(b.Items) {
			continue
		}
		e := b.Items[i]
		out.Items = append(out.Items, e)
		out.ByteSize += sizeOf(e)
	}
	return out
}

// MaxAttempt returns the highest Attempt count among this batch's envelopes,
// used by the dispatcher to decide whether a batch it just popped has
// exhausted MaxAttempts.
func (b Batch[T]) MaxAttempt() int {
	max := 0
	for _, e := range b.Items {
		if e.Attempt > max {
			max = e.Attempt
		}
	}
	return max
}

// BumpAttempt returns a copy of b with every envelope's Attempt incremented,
// for requeuing after a failed submission.
func (b Batch[T]) BumpAttempt() Batch[T] {
	out := Batch[T]{Items: make([]Envelope[T], len(b.Items)), ByteSize: b.ByteSize}
	for i, e := range b.Items {
		e.Attempt++
		out.Items[i] = e
	}
	return out
}

// SplitBySpan splits b at the point where the timestamp span from the first
// envelope would exceed maxSpan, repeating until every returned batch's span
// fits. This implements the boundary behavior in spec §8: "A batch whose
// timestamp span exceeds the provider's max span is split at the boundary."
// A single envelope is never split further even if, paired with itself, its
// span is zero — span-splitting only ever acts on batch boundaries between
// distinct timestamps.
func SplitBySpan[T any](b Batch[T], maxSpan time.Duration, sizeOf SizeFunc[T]) []Batch[T] {
	if b.Empty() || maxSpan <= 0 {
		return []Batch[T]{b}
	}

	var out []Batch[T]
	start := 0
	for start < len(b.Items) {
		spanStart := b.Items[start].Timestamp
		end := start + 1
		for end < len(b.Items) && b.Items[end].Timestamp.Sub(spanStart) <= maxSpan {
			end++
		}
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		out = append(out, b.Subset(idx, sizeOf))
		start = end
	}
	return out
}
