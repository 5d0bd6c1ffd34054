package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memTask struct {
	Task
	availableAt time.Time
	leasedUntil time.Time
}

// MemoryQueue is an in-process Queue for tests. It honors leases and
// available_at against its clock.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*memTask
	dead   []DeadLetter
	clock  func() time.Time
	enqErr error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: map[int64]*memTask{}, clock: time.Now}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

// FailEnqueue makes subsequent Enqueue calls return err.
func (q *MemoryQueue) FailEnqueue(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqErr = err
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqErr != nil {
		return 0, q.enqErr
	}
	q.nextID++
	now := q.clock().UTC()
	cp := append(json.RawMessage(nil), payload...)
	q.tasks[q.nextID] = &memTask{
		Task:        Task{ID: q.nextID, Payload: cp, CreatedAt: now},
		availableAt: now,
	}
	return q.nextID, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, n int, lease time.Duration) ([]Task, error) {
	if n <= 0 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()

	ids := make([]int64, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Task
	for _, id := range ids {
		if len(out) == n {
			break
		}
		t := q.tasks[id]
		if t.availableAt.After(now) || t.leasedUntil.After(now) {
			continue
		}
		t.Attempts++
		t.leasedUntil = now.Add(lease)
		out = append(out, t.Task)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id int64, delay time.Duration, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.availableAt = q.clock().UTC().Add(delay)
	t.leasedUntil = time.Time{}
	t.LastError = cause
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, t Task, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{
		ID:        int64(len(q.dead) + 1),
		TaskID:    t.ID,
		Payload:   t.Payload,
		Attempts:  t.Attempts,
		LastError: cause,
		FailedAt:  q.clock().UTC(),
	})
	delete(q.tasks, t.ID)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}

// DeadLetters returns a copy of the dead-letter table.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}
