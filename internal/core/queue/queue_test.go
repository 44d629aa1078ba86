package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"streamship/internal/core/envelope"

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

func sizeOfStr(e envelope.Envelope[string]) int64 { return int64(len(e.Payload)) }

func encodeStringBatch(b envelope.Batch[string]) ([]byte, error) { return json.Marshal(b) }
func decodeStringBatch(data []byte) (envelope.Batch[string], error) {
	var b envelope.Batch[string]
	err := json.Unmarshal(data, &b)
	return b, err
}

func TestPushPopRoundTrip(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 10}, nil, testLogger())
	ctx := context.Background()

	res, err := q.Push(ctx, envelope.Envelope[string]{Payload: "a"}, 1)
	require.NoError(t, err)
	assert.Equal(t, PushReady, res)

	b, timedOut := q.PopBatch(ctx, 10, 1000, 50*time.Millisecond)
	assert.False(t, timedOut)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "a", b.Items[0].Payload)
}

func TestPopBatchRespectsMaxCount(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 100}, nil, testLogger())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Push(ctx, envelope.Envelope[string]{Payload: "x"}, 1)
		require.NoError(t, err)
	}

	b, _ := q.PopBatch(ctx, 3, 1000, 50*time.Millisecond)
	assert.Len(t, b.Items, 3)

	primary, _, _, _ := q.Sizes()
	assert.Equal(t, 2, primary)
}

func TestPopBatchTimesOutEmpty(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 10}, nil, testLogger())
	start := time.Now()
	b, _ := q.PopBatch(context.Background(), 10, 1000, 30*time.Millisecond)
	assert.True(t, b.Empty())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPushRejectsOversizeRecord(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 10, MaxBatchBytes: 5}, nil, testLogger())
	res, err := q.Push(context.Background(), envelope.Envelope[string]{Payload: "toolong"}, 7)
	require.Error(t, err)
	assert.Equal(t, PushRejected, res)
	assert.EqualValues(t, 1, q.DroppedNonRecoverable())

	primary, _, _, _ := q.Sizes()
	assert.Equal(t, 0, primary)
}

func TestRequeueHeadTakesPriorityOverNewPushes(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 10}, nil, testLogger())
	ctx := context.Background()

	_, err := q.Push(ctx, envelope.Envelope[string]{Payload: "new"}, 1)
	require.NoError(t, err)

	retried := envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: "retry"}}, ByteSize: 1}
	res := q.RequeueHead(retried, false)
	assert.Equal(t, RequeueAccepted, res)

	b, _ := q.PopBatch(ctx, 1, 1000, 50*time.Millisecond)
	require.Len(t, b.Items, 1)
	assert.Equal(t, "retry", b.Items[0].Payload, "requeued batch must be retried before newer pushes")
}

func TestRequeueHeadExhaustedAttemptsRoutesToSecondaryEvenWithPrimaryRoom(t *testing.T) {
	dir := t.TempDir()
	sec, err := OpenDurableQueue[string](dir, 100, encodeStringBatch, decodeStringBatch, testLogger())
	require.NoError(t, err)

	q := New[string](Config{PrimaryCapacityItems: 100}, sec, testLogger())
	exhausted := envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: "dead", Attempt: 3}}, ByteSize: 1}

	res := q.RequeueHead(exhausted, true)
	assert.Equal(t, RequeueAccepted, res)

	primary, secondaryCount, _, _ := q.Sizes()
	assert.Equal(t, 0, primary, "exhausted-attempt batch must not land in primary even though it has room")
	assert.Equal(t, 1, secondaryCount)
}

func TestRequeueHeadExhaustedAttemptsFallsBackToPrimaryWithoutSecondary(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 100}, nil, testLogger())
	exhausted := envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: "dead", Attempt: 3}}, ByteSize: 1}

	res := q.RequeueHead(exhausted, true)
	assert.Equal(t, RequeueAccepted, res)

	primary, _, _, _ := q.Sizes()
	assert.Equal(t, 1, primary, "with no secondary tier, an exhausted batch must still land in primary rather than being dropped")
}

func TestPrimaryOverflowsToSecondary(t *testing.T) {
	dir := t.TempDir()
	sec, err := OpenDurableQueue[string](dir, 100, encodeStringBatch, decodeStringBatch, testLogger())
	require.NoError(t, err)

	q := New[string](Config{PrimaryCapacityItems: 1}, sec, testLogger())
	ctx := context.Background()

	res, err := q.Push(ctx, envelope.Envelope[string]{Payload: "a"}, 1)
	require.NoError(t, err)
	assert.Equal(t, PushReady, res)

	res, err = q.Push(ctx, envelope.Envelope[string]{Payload: "b"}, 1)
	require.NoError(t, err)
	assert.Equal(t, PushOverflowed, res)

	_, secondaryCount, _, _ := q.Sizes()
	assert.Equal(t, 1, secondaryCount)

	first, _ := q.PopBatch(ctx, 10, 1000, 10*time.Millisecond)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "a", first.Items[0].Payload, "primary tier must drain before secondary")

	second, _ := q.PopBatch(ctx, 10, 1000, 10*time.Millisecond)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "b", second.Items[0].Payload)
}

func TestDurableQueueRecoversAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	first, err := OpenDurableQueue[string](dir, 100, encodeStringBatch, decodeStringBatch, testLogger())
	require.NoError(t, err)

	require.NoError(t, first.Push(envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: "one"}}, ByteSize: 1}))
	require.NoError(t, first.Push(envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: "two"}}, ByteSize: 1}))

	reopened, err := OpenDurableQueue[string](dir, 100, encodeStringBatch, decodeStringBatch, testLogger())
	require.NoError(t, err)

	count, _ := reopened.Size()
	assert.Equal(t, 2, count)

	b, ok, err := reopened.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", b.Items[0].Payload, "FIFO order must survive a restart")
}

func TestDurableQueueEvictsOldestOnOverflow(t *testing.T) {
	dir := t.TempDir()
	dq, err := OpenDurableQueue[string](dir, 2, encodeStringBatch, decodeStringBatch, testLogger())
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, dq.Push(envelope.Batch[string]{Items: []envelope.Envelope[string]{{Payload: p}}, ByteSize: 1}))
	}

	count, full := dq.Size()
	assert.Equal(t, 2, count)
	assert.True(t, full)
	assert.EqualValues(t, 1, dq.DroppedOverflow())

	b, ok, err := dq.PopFront()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", b.Items[0].Payload, "oldest batch (a) should have been evicted")
}

func TestDrainStopsWaitingForNewData(t *testing.T) {
	q := New[string](Config{PrimaryCapacityItems: 10}, nil, testLogger())
	done := make(chan struct{})
	go func() {
		q.PopBatch(context.Background(), 10, 1000, 5*time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Drain()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PopBatch did not return promptly after Drain")
	}
}
