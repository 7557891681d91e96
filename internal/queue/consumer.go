package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one claimed job. Returning an error routes the job
// through the retry/backoff policy; returning nil completes it. Handlers run
// concurrently up to the consumer's concurrency and must be idempotent.
type Handler func(ctx context.Context, job *JobContext) error

// JobContext wraps a claimed job with the operations a handler may perform
// while it runs.
type JobContext struct {
	Job
	store *Store
}

// SetProgress reports 0-100 completion on the job record.
func (j *JobContext) SetProgress(ctx context.Context, progress int) error {
	return j.store.setProgress(ctx, j.ID, progress)
}

// Consumer drains one named queue with a fixed number of concurrency slots.
type Consumer struct {
	store       *Store
	queueName   string
	concurrency int
	handler     Handler
	poll        time.Duration
	logger      *slog.Logger

	wg sync.WaitGroup
}

// Consume starts claim loops for the named queue. Claiming stops when ctx is
// cancelled; in-flight handlers keep running until they return. Call Drain to
// bound the shutdown wait.
func (s *Store) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	c := &Consumer{
		store:       s,
		queueName:   queueName,
		concurrency: concurrency,
		handler:     handler,
		poll:        250 * time.Millisecond,
		logger:      s.logger.With("queue", queueName),
	}
	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go c.loop(ctx)
	}
	c.logger.Info("consumer started", "concurrency", concurrency)
	return c
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := c.store.claim(ctx, c.queueName)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("claim failed", "error", err)
			}
		} else if job != nil {
			c.run(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.poll):
		}
	}
}

func (c *Consumer) run(ctx context.Context, job *Job) {
	jc := &JobContext{Job: *job, store: c.store}
	err, panicked := c.invoke(ctx, jc)
	// Job state updates must survive consumer shutdown, so they do not use
	// the claim context.
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err == nil {
		if cerr := c.store.complete(finishCtx, job); cerr != nil {
			c.logger.Error("complete job failed", "job_id", job.ID, "error", cerr)
		}
		return
	}

	terminal := panicked
	if ferr := c.store.fail(finishCtx, job, err, terminal); ferr != nil {
		c.logger.Error("record job failure failed", "job_id", job.ID, "error", ferr)
	}
	c.logger.Warn("job attempt failed",
		"job_id", job.ID, "name", job.Name,
		"attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts,
		"terminal", terminal || job.AttemptsMade >= job.MaxAttempts,
		"error", err)
}

// invoke runs the handler with panic containment: a panicking job must never
// take down the worker process, it becomes a terminal failure instead.
func (c *Consumer) invoke(ctx context.Context, jc *JobContext) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
			c.logger.Error("job handler panicked", "job_id", jc.ID, "name", jc.Name, "panic", r)
		}
	}()
	return c.handler(ctx, jc), false
}

// Drain waits up to the grace period for in-flight handlers to finish.
// Returns false when the grace period expired first.
func (c *Consumer) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer drained")
		return true
	case <-time.After(grace):
		c.logger.Warn("consumer drain timed out", "grace", grace)
		return false
	}
}
