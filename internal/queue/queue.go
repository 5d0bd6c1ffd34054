// Package queue is a durable at-least-once task queue backed by Postgres,
// with a worker pool that retries with exponential backoff and moves
// repeatedly failing tasks to a dead-letter table.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Task is one unit of queued work.
type Task struct {
	ID        int64           `json:"id" db:"id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Attempts  int             `json:"attempts" db:"attempts"`
	LastError string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// DeadLetter is a task that exhausted its attempts or failed permanently.
type DeadLetter struct {
	ID        int64           `json:"id" db:"id"`
	TaskID    int64           `json:"task_id" db:"task_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Attempts  int             `json:"attempts" db:"attempts"`
	LastError string          `json:"last_error" db:"last_error"`
	FailedAt  time.Time       `json:"failed_at" db:"failed_at"`
}

// Queue is the storage contract used by the receiver (Enqueue) and Worker.
//
// Claim leases up to n available tasks until now+lease and increments their
// attempt counter. A task whose lease expires without Ack, Retry or
// DeadLetter becomes claimable again.
type Queue interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (int64, error)
	Claim(ctx context.Context, n int, lease time.Duration) ([]Task, error)
	Ack(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, delay time.Duration, cause string) error
	DeadLetter(ctx context.Context, t Task, cause string) error
	Depth(ctx context.Context) (int, error)
}

var (
	ErrEmptyPayload = errors.New("queue: empty payload")
	ErrTaskNotFound = errors.New("queue: task not found")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable; the worker dead-letters the task at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
