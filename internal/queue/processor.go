package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one job attempt. A nil return completes the job; an
// error fails the attempt and hands it to the retry policy, unless it wraps
// ErrAbandon.
type Handler func(ctx context.Context, job *Job) error

// Gate blocks a consumer before it claims work. It runs with the consumer's
// context, outside any lease.
type Gate func(ctx context.Context) error

// Option configures ProcessJobs.
type Option func(*consumeOptions)

type consumeOptions struct {
	gate Gate
}

// WithGate makes every consumer pass gate before leasing a job. Gates are
// only consulted when pending work exists.
func WithGate(gate Gate) Option {
	return func(o *consumeOptions) {
		o.gate = gate
	}
}

// ProcessJobs runs Concurrency consumers until ctx is cancelled and all
// in-flight attempts have returned.
func (q *Queue) ProcessJobs(ctx context.Context, handler Handler, opts ...Option) {
	var o consumeOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.logger.Info("queue consumers starting",
		zap.String("prefix", q.cfg.Prefix),
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Bool("gated", o.gate != nil),
	)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consume(ctx, worker, handler, o.gate)
		}(i)
	}
	wg.Wait()

	q.logger.Info("queue consumers stopped")
}

func (q *Queue) consume(ctx context.Context, worker int, handler Handler, gate Gate) {
	logger := q.logger.With(zap.Int("worker", worker))

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.claim(ctx, gate)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim job", zap.Error(err))
		}
		if job == nil {
			if !sleep(ctx, q.cfg.PollInterval) {
				return
			}
			continue
		}

		q.run(ctx, logger, job, handler)
	}
}

// claim performs housekeeping, passes the gate and then leases one job.
func (q *Queue) claim(ctx context.Context, gate Gate) (*Job, error) {
	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}
	if _, err := q.ReapExpired(ctx); err != nil {
		return nil, err
	}
	if gate != nil {
		n, err := q.rdb.ZCard(ctx, q.key("pending")).Result()
		if err != nil {
			return nil, fmt.Errorf("pending count failed: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		if err := gate(ctx); err != nil {
			return nil, err
		}
	}
	return q.Dequeue(ctx)
}

func (q *Queue) run(ctx context.Context, logger *zap.Logger, job *Job, handler Handler) {
	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.LeaseTimeout)
	herr := handler(jobCtx, job)
	cancel()

	// Shutdown mid-attempt: leave the lease to expire so the job is retried
	// by the next consumer instead of burning an attempt.
	if ctx.Err() != nil {
		logger.Info("attempt interrupted by shutdown",
			zap.String("notification_id", job.ID),
			zap.Int("attempt", job.Attempt),
		)
		return
	}
	if errors.Is(herr, ErrAbandon) {
		logger.Warn("attempt abandoned, lease left to expire",
			zap.String("notification_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("lease", q.cfg.LeaseTimeout),
			zap.Error(herr),
		)
		return
	}

	// Acks must land even if the handler ran out its lease.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()

	if herr == nil {
		err := q.Complete(ackCtx, job)
		if errors.Is(err, ErrLeaseLost) {
			logger.Warn("lease lost before completion, job left to its current owner",
				zap.String("notification_id", job.ID),
				zap.Int("attempt", job.Attempt),
			)
			return
		}
		if err != nil {
			logger.Error("failed to complete job",
				zap.String("notification_id", job.ID),
				zap.Error(err),
			)
		}
		return
	}

	retrying, err := q.Fail(ackCtx, job, herr)
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("lease lost before failure was recorded, job left to its current owner",
			zap.String("notification_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Error(herr),
		)
		return
	}
	if err != nil {
		logger.Error("failed to record job failure",
			zap.String("notification_id", job.ID),
			zap.Error(err),
		)
		return
	}

	if retrying {
		logger.Info("job scheduled for retry",
			zap.String("notification_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("backoff", q.Backoff(job.Attempt)),
			zap.Error(herr),
		)
	} else {
		logger.Warn("job failed permanently",
			zap.String("notification_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(herr),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
