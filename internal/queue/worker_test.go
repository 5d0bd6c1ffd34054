package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callboard/internal/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*MemoryQueue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue()
	q.SetClock(clk.Now)
	return q, clk
}

func TestMemoryQueue_LeaseHidesClaimedTasks(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	first, err := q.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)

	again, err := q.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task must not be claimed twice")

	// A crashed worker never acks; the lease expires and the task returns.
	clk.Advance(time.Minute + time.Second)
	after, err := q.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 2, after[0].Attempts)
}

func TestMemoryQueue_RejectsEmptyPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestWorker_AcksOnSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, json.RawMessage(`{}`))

	var seen int
	w := NewWorker(q, func(ctx context.Context, t Task) error {
		seen++
		return nil
	}, nil, WorkerConfig{}, nil)

	n, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, seen)

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, json.RawMessage(`{"type":"call.completed"}`))

	baseDead := testutil.ToFloat64(observability.IngestDeadLetters)

	w := NewWorker(q, func(ctx context.Context, t Task) error {
		return errors.New("db unavailable")
	}, nil, WorkerConfig{MaxAttempts: 3, RetryBase: time.Second}, nil)

	for i := 0; i < 3; i++ {
		n, err := w.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i+1)
		clk.Advance(time.Hour)
	}

	depth, _ := q.Depth(ctx)
	assert.Zero(t, depth)

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "db unavailable", dead[0].LastError)
	assert.JSONEq(t, `{"type":"call.completed"}`, string(dead[0].Payload))
	assert.Equal(t, baseDead+1, testutil.ToFloat64(observability.IngestDeadLetters))
}

func TestWorker_RetryIsDelayed(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, json.RawMessage(`{}`))

	w := NewWorker(q, func(ctx context.Context, t Task) error {
		return errors.New("transient")
	}, nil, WorkerConfig{MaxAttempts: 5, RetryBase: 10 * time.Second}, nil)

	_, _ = w.ProcessBatch(ctx)

	n, _ := w.ProcessBatch(ctx)
	assert.Zero(t, n, "task must wait for its backoff")

	clk.Advance(11 * time.Second)
	n, _ = w.ProcessBatch(ctx)
	assert.Equal(t, 1, n)
}

func TestWorker_PermanentErrorDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, json.RawMessage(`{}`))

	w := NewWorker(q, func(ctx context.Context, t Task) error {
		return Permanent(errors.New("undecodable"))
	}, nil, WorkerConfig{MaxAttempts: 5}, nil)

	_, err := w.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, 1, q.DeadLetters()[0].Attempts)
}

func TestWorker_Backoff(t *testing.T) {
	w := NewWorker(NewMemoryQueue(), nil, nil, WorkerConfig{RetryBase: time.Second, MaxRetry: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, w.Backoff(1))
	assert.Equal(t, 2*time.Second, w.Backoff(2))
	assert.Equal(t, 4*time.Second, w.Backoff(3))
	assert.Equal(t, 5*time.Second, w.Backoff(4))
	assert.Equal(t, 5*time.Second, w.Backoff(10))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestWorker_RunWakesOnNotify(t *testing.T) {
	q := NewMemoryQueue()
	wake := NewLocalNotifier()

	done := make(chan struct{}, 1)
	w := NewWorker(q, func(ctx context.Context, t Task) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, wake, WorkerConfig{PollInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// The first loop iteration runs immediately on an empty queue; wait for
	// the worker to block, then enqueue and signal.
	require.Eventually(t, func() bool {
		_, _ = q.Enqueue(context.Background(), json.RawMessage(`{}`))
		_ = wake.Notify(context.Background())
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
