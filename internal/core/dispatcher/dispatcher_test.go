package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"streamship/internal/core/bookmark"
	"streamship/internal/core/envelope"
	"streamship/internal/core/failover"
	"streamship/internal/core/queue"
	"streamship/internal/core/throttle"

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

func sizeOf(e envelope.Envelope[string]) int64 { return int64(len(e.Payload)) }

// fakeClient is a BackendClient[string] whose Submit behavior is fully
// caller-controlled, recording every submitted batch for assertions.
type fakeClient struct {
	mu       sync.Mutex
	submits  []envelope.Batch[string]
	submitFn func(b envelope.Batch[string]) Response
	maxBytes int64
	maxSpan  time.Duration
}

func (f *fakeClient) SizeOf(e envelope.Envelope[string]) int64 { return int64(len(e.Payload)) }
func (f *fakeClient) MaxBatchBytes() int64 {
	if f.maxBytes == 0 {
		return 1 << 20
	}
	return f.maxBytes
}
func (f *fakeClient) MaxSpan() time.Duration { return f.maxSpan }
func (f *fakeClient) BuildRequest(ctx context.Context, b envelope.Batch[string]) (any, error) {
	return b, nil
}
func (f *fakeClient) Name() string { return "fake" }
func (f *fakeClient) Submit(ctx context.Context, req any) (Response, error) {
	b := req.(envelope.Batch[string])
	f.mu.Lock()
	f.submits = append(f.submits, b)
	f.mu.Unlock()
	return f.submitFn(b), nil
}

func (f *fakeClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func noopProbe(ctx context.Context, c BackendClient[string]) error { return nil }

func newTestDispatcher(t *testing.T, client *fakeClient, cfg Config) (*Dispatcher[string], *queue.Queue[string], *bookmark.Coordinator) {
	t.Helper()
	logger := testLogger()
	q := queue.New[string](queue.Config{PrimaryCapacityItems: 1000}, nil, logger)
	th := throttle.New(throttle.Config{Buckets: []throttle.BucketConfig{{Name: "calls", RatePerSecond: 1000, Capacity: 1000}}}, logger)
	bm, err := bookmark.NewCoordinator(t.TempDir(), time.Hour, logger)
	require.NoError(t, err)
	fc := failover.New[BackendClient[string]](client, client, false, failover.Config{FailoverThreshold: 1000}, noopProbe, logger)

	d := New[string]("test-sink", cfg, q, th, bm, fc, nil, sizeOf, logger)
	return d, q, bm
}

func pushPositions(t *testing.T, q *queue.Queue[string], key string, positions []int64) {
	t.Helper()
	ctx := context.Background()
	for _, p := range positions {
		e := envelope.Envelope[string]{Payload: fmt.Sprintf("v%d", p), BookmarkKey: key, Position: p}
		_, err := q.Push(ctx, e, sizeOf(e))
		require.NoError(t, err)
	}
}

// TestHappyPath is spec §8 scenario 1: MaxBatchSize=3, push positions 1..5
// for key k1, backend accepts everything. Expect two batches
// ([1,2,3],[4,5]), final bookmark 5.
func TestHappyPath(t *testing.T) {
	client := &fakeClient{submitFn: func(b envelope.Batch[string]) Response {
		return Response{Outcome: AllAccepted}
	}}
	d, q, bm := newTestDispatcher(t, client, Config{MaxBatchCount: 3, MaxWait: 20 * time.Millisecond, MaxAttempts: 3})
	pushPositions(t, q, "k1", []int64{1, 2, 3, 4, 5})

	d.Start()
	require.Eventually(t, func() bool { return bm.InitialPosition("k1") == 5 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Equal(t, 2, client.submitCount())
	assert.Len(t, client.submits[0].Items, 3)
	assert.Len(t, client.submits[1].Items, 2)
}

// TestPartialFailure is spec §8 scenario 2: push positions 10..14, first
// submission reports indices 1 and 3 failed; those two are requeued and
// resubmitted successfully. Final bookmark should reach 14.
func TestPartialFailure(t *testing.T) {
	var first sync.Once
	client := &fakeClient{submitFn: func(b envelope.Batch[string]) Response {
		isFirst := false
		first.Do(func() { isFirst = true })
		if isFirst {
			return Response{Outcome: PartialFailure, FailedIndices: []int{1, 3}}
		}
		return Response{Outcome: AllAccepted}
	}}
	d, q, bm := newTestDispatcher(t, client, Config{MaxBatchCount: 5, MaxWait: 20 * time.Millisecond, MaxAttempts: 3})
	pushPositions(t, q, "k1", []int64{10, 11, 12, 13, 14})

	d.Start()
	require.Eventually(t, func() bool { return bm.InitialPosition("k1") == 14 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	require.GreaterOrEqual(t, client.submitCount(), 2)
	assert.Len(t, client.submits[0].Items, 5)
	// the retried submission carries exactly the two failed records
	assert.Len(t, client.submits[1].Items, 2)
}

// TestExhaustedAttemptsRoutesToSecondary is spec §8 scenario 3: a backend
// that always returns a recoverable error exhausts MaxAttempts and the
// batch is routed to the durable secondary tier instead of retried forever
// at head-of-primary.
func TestExhaustedAttemptsRoutesToSecondary(t *testing.T) {
	client := &fakeClient{submitFn: func(b envelope.Batch[string]) Response {
		return Response{Outcome: RecoverableError, Err: fmt.Errorf("boom")}
	}}

	logger := testLogger()
	dir := t.TempDir()
	encode := func(b envelope.Batch[string]) ([]byte, error) { return json.Marshal(b) }
	decode := func(data []byte) (envelope.Batch[string], error) {
		var b envelope.Batch[string]
		err := json.Unmarshal(data, &b)
		return b, err
	}
	sec, err := queue.OpenDurableQueue[string](dir, 10, encode, decode, logger)
	require.NoError(t, err)

	q := queue.New[string](queue.Config{PrimaryCapacityItems: 1000}, sec, logger)
	th := throttle.New(throttle.Config{Buckets: []throttle.BucketConfig{{Name: "calls", RatePerSecond: 1000, Capacity: 1000}}}, logger)
	bm, err := bookmark.NewCoordinator(t.TempDir(), time.Hour, logger)
	require.NoError(t, err)
	fc := failover.New[BackendClient[string]](client, client, false, failover.Config{FailoverThreshold: 1000}, noopProbe, logger)

	d := New[string]("test-sink", Config{MaxBatchCount: 5, MaxWait: 10 * time.Millisecond, MaxAttempts: 2}, q, th, bm, fc, nil, sizeOf, logger)
	pushPositions(t, q, "k1", []int64{1})

	d.Start()
	require.Eventually(t, func() bool {
		_, secondaryCount, _, _ := q.Sizes()
		return secondaryCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	assert.EqualValues(t, 0, bm.InitialPosition("k1"), "bookmark must not advance for a batch that never succeeded")
}

func TestStateMachineTransitions(t *testing.T) {
	client := &fakeClient{submitFn: func(b envelope.Batch[string]) Response {
		return Response{Outcome: AllAccepted}
	}}
	d, _, _ := newTestDispatcher(t, client, Config{MaxBatchCount: 3, MaxWait: 10 * time.Millisecond, MaxAttempts: 3})
	assert.Equal(t, Starting, d.State())
	d.Start()
	assert.Equal(t, Running, d.State())
	d.Stop()
	assert.Equal(t, Stopped, d.State())
}

func TestDrainStopsAcceptingButFlushesQueuedWork(t *testing.T) {
	client := &fakeClient{submitFn: func(b envelope.Batch[string]) Response {
		return Response{Outcome: AllAccepted}
	}}
	d, q, bm := newTestDispatcher(t, client, Config{MaxBatchCount: 10, MaxWait: 10 * time.Millisecond, MaxAttempts: 3, GraceDeadline: time.Second})
	pushPositions(t, q, "k1", []int64{1, 2, 3})

	d.Start()
	d.Stop()
	assert.EqualValues(t, 3, bm.InitialPosition("k1"))
}
