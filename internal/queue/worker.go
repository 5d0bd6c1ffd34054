package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"callboard/internal/observability"
	"callboard/pkg/logger"
)

// Handler processes one task. A nil error acks it; Permanent errors
// dead-letter it; anything else is retried with backoff.
type Handler func(ctx context.Context, t Task) error

type WorkerConfig struct {
	Concurrency  int
	BatchSize    int
	MaxAttempts  int
	RetryBase    time.Duration
	MaxRetry     time.Duration
	PollInterval time.Duration
	Lease        time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 2 * time.Second
	}
	if out.MaxRetry <= 0 {
		out.MaxRetry = 5 * time.Minute
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.Lease <= 0 {
		out.Lease = time.Minute
	}
	return out
}

// Worker claims batches from a Queue and runs Handler over them with bounded
// concurrency.
type Worker struct {
	q    Queue
	h    Handler
	wake Notifier
	cfg  WorkerConfig
	log  *slog.Logger
}

func NewWorker(q Queue, h Handler, wake Notifier, cfg WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = logger.Discard()
	}
	return &Worker{q: q, h: h, wake: wake, cfg: cfg.withDefaults(), log: log.With("component", "ingest_worker")}
}

// Backoff returns the retry delay after the given attempt (1-based):
// base * 2^(attempt-1), capped at MaxRetry.
func (w *Worker) Backoff(attempt int) time.Duration {
	d := w.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxRetry {
			return w.cfg.MaxRetry
		}
	}
	return d
}

// Run processes tasks until ctx is cancelled. In-flight tasks finish with a
// context detached from cancellation so their outcome is recorded.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if w.wake != nil {
		wake = w.wake.Subscribe(ctx)
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker started",
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Int("batch_size", w.cfg.BatchSize),
	)
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("claim failed", slog.String("err", err.Error()))
		}
		if n == w.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-wake:
		}
	}
}

// ProcessBatch claims one batch and handles it. It returns the number of
// tasks claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tasks, err := w.q.Claim(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	// Finish claimed work even if ctx is cancelled mid-batch.
	workCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			w.handle(workCtx, t)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (w *Worker) handle(ctx context.Context, t Task) {
	log := w.log.With(slog.Int64("task_id", t.ID), slog.Int("attempt", t.Attempts))
	ctx = logger.With(ctx, log)

	err := w.h(ctx, t)
	if err == nil {
		if ackErr := w.q.Ack(ctx, t.ID); ackErr != nil {
			log.Error("ack failed", slog.String("err", ackErr.Error()))
		}
		observability.IngestTasks.WithLabelValues("ok").Inc()
		return
	}

	if IsPermanent(err) || t.Attempts >= w.cfg.MaxAttempts {
		if dlErr := w.q.DeadLetter(ctx, t, err.Error()); dlErr != nil {
			log.Error("dead letter failed", slog.String("err", dlErr.Error()))
			return
		}
		observability.IngestDeadLetters.Inc()
		observability.IngestTasks.WithLabelValues("dead_letter").Inc()
		log.Error("task dead-lettered",
			slog.Bool("permanent", IsPermanent(err)),
			slog.String("err", err.Error()),
		)
		return
	}

	delay := w.Backoff(t.Attempts)
	if rErr := w.q.Retry(ctx, t.ID, delay, err.Error()); rErr != nil {
		log.Error("retry schedule failed", slog.String("err", rErr.Error()))
		return
	}
	observability.IngestTasks.WithLabelValues("retry").Inc()
	log.Warn("task failed, will retry",
		slog.Duration("delay", delay),
		slog.String("err", err.Error()),
	)
}
