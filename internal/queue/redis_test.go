package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/claimflow/internal/domain"
)

const testLeaseTTL = 10 * time.Second

// newTestQueue returns a queue that already holds the consumer lease.
func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := consumerOn(t, mr, "consumer-a", maxAttempts)
	require.NoError(t, q.Acquire(context.Background()))
	return q, mr
}

func consumerOn(t *testing.T, mr *miniredis.Miniredis, id string, maxAttempts int) *Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, Options{
		Name:         "test",
		MaxAttempts:  maxAttempts,
		BlockTimeout: time.Second,
		ConsumerID:   id,
		LeaseTTL:     testLeaseTTL,
	})
}

func mustTask(t *testing.T, docID string) *Task {
	t.Helper()
	task, err := NewTask(domain.KindAnalyzeDocument, domain.AnalyzeDocumentPayload{
		DocumentID: docID,
		FileName:   "invoice.pdf",
		FilePath:   docID + "/invoice.pdf",
		UserID:     "user-1",
	})
	require.NoError(t, err)
	return task
}

func TestQueue_FIFOAndAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 1)

	first := mustTask(t, "doc-1")
	second := mustTask(t, "doc-2")
	id, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first.ID, d.Task.ID)
	assert.Equal(t, domain.KindAnalyzeDocument, d.Task.Kind)

	var payload domain.AnalyzeDocumentPayload
	require.NoError(t, d.Task.Decode(&payload))
	assert.Equal(t, "doc-1", payload.DocumentID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Processing: 1}, stats)

	require.NoError(t, q.Ack(ctx, d))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, stats)

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, d.Task.ID)
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	d, err := q.Dequeue(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_FailPolicy(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		cause       error
		wantRetry   bool
	}{
		{"no retry by default", 1, domain.NewUpstreamError("503", nil), false},
		{"retryable with attempts left", 3, domain.NewUpstreamError("503", nil), true},
		{"input never retried", 3, domain.NewInputError("bad", domain.ErrUnsupportedFileType), false},
		{"conversion never retried", 3, domain.NewConversionError("", domain.ErrNoImages), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q, _ := newTestQueue(t, tt.maxAttempts)
			_, err := q.Enqueue(ctx, mustTask(t, "doc-1"))
			require.NoError(t, err)

			d, err := q.Dequeue(ctx)
			require.NoError(t, err)

			retried, err := q.Fail(ctx, d, tt.cause)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRetry, retried)

			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Processing)
			if tt.wantRetry {
				assert.Equal(t, int64(1), stats.Pending)
				again, err := q.Dequeue(ctx)
				require.NoError(t, err)
				assert.Equal(t, d.Task.ID, again.Task.ID)
				assert.Equal(t, 1, again.Task.Attempts)
				assert.Equal(t, tt.cause.Error(), again.Task.LastError)
				return
			}
			assert.Equal(t, int64(1), stats.Dead)
			dead, err := q.DeadLetters(ctx, 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, d.Task.ID, dead[0].ID)
		})
	}
}

func TestQueue_RetryStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, 2)
	_, err := q.Enqueue(ctx, mustTask(t, "doc-1"))
	require.NoError(t, err)

	cause := domain.NewUpstreamError("timeout", errors.New("deadline exceeded"))
	d, _ := q.Dequeue(ctx)
	retried, err := q.Fail(ctx, d, cause)
	require.NoError(t, err)
	assert.True(t, retried)

	d, _ = q.Dequeue(ctx)
	retried, err = q.Fail(ctx, d, cause)
	require.NoError(t, err)
	assert.False(t, retried)

	stats, _ := q.Stats(ctx)
	assert.Equal(t, Stats{Dead: 1}, stats)
}

func TestQueue_RecoverRestoresOrder(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)

	a, b, c := mustTask(t, "a"), mustTask(t, "b"), mustTask(t, "c")
	for _, task := range []*Task{a, b, c} {
		_, err := q.Enqueue(ctx, task)
		require.NoError(t, err)
	}
	// simulate a crash after two deliveries were taken: the lease runs out
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	mr.FastForward(testLeaseTTL + time.Second)

	next := consumerOn(t, mr, "consumer-b", 1)
	require.NoError(t, next.Acquire(ctx))
	moved, err := next.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	var order []string
	for i := 0; i < 3; i++ {
		d, err := next.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		order = append(order, d.Task.ID)
		require.NoError(t, next.Ack(ctx, d))
	}
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, order)
}

func TestQueue_SecondConsumerCannotTakeInFlightTask(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)

	_, err := q.Enqueue(ctx, mustTask(t, "doc-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, mustTask(t, "doc-2"))
	require.NoError(t, err)
	inFlight, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, inFlight)

	other := consumerOn(t, mr, "consumer-b", 1)

	err = other.Acquire(ctx)
	assert.ErrorIs(t, err, ErrConsumerActive)
	assert.Contains(t, err.Error(), "consumer-a")

	moved, err := other.Recover(ctx)
	assert.ErrorIs(t, err, ErrNotConsumer)
	assert.Zero(t, moved)

	d, err := other.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNotConsumer)
	assert.Nil(t, d)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Processing: 1}, stats)

	// the holder still finishes its own work
	require.NoError(t, q.Ack(ctx, inFlight))
	assert.NoError(t, q.Renew(ctx))
}

func TestQueue_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)
	other := consumerOn(t, mr, "consumer-b", 1)

	// acquiring again as the holder only extends the lease
	require.NoError(t, q.Acquire(ctx))
	holder, err := mr.Get("test:consumer")
	require.NoError(t, err)
	assert.Equal(t, "consumer-a", holder)
	assert.Greater(t, mr.TTL("test:consumer"), time.Duration(0))

	// release by a non-holder is a no-op
	require.NoError(t, other.Release(ctx))
	assert.ErrorIs(t, other.Acquire(ctx), ErrConsumerActive)

	require.NoError(t, q.Release(ctx))
	require.NoError(t, other.Acquire(ctx))
	assert.ErrorIs(t, q.Renew(ctx), ErrNotConsumer)

	d, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrNotConsumer)
	assert.Nil(t, d)
}

func TestQueue_ExpiredLeaseCannotBeRenewed(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)

	mr.FastForward(testLeaseTTL + time.Second)
	assert.ErrorIs(t, q.Renew(ctx), ErrNotConsumer)

	_, err := q.Recover(ctx)
	assert.ErrorIs(t, err, ErrNotConsumer)
}

func TestQueue_MalformedTaskIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, 1)

	_, err := mr.Lpush("test:pending", "{not json")
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	stats, _ := q.Stats(ctx)
	assert.Equal(t, Stats{Dead: 1}, stats)
}
