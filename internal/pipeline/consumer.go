package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/queue"
)

// Run consumes the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportQueueDepth(ctx)
	}()

	var opts []queue.Option
	if p.limiter != nil {
		// Throttled before the lease, never inside it.
		opts = append(opts, queue.WithGate(p.limiter.Wait))
	}
	p.queue.ProcessJobs(ctx, p.Handle, opts...)
	wg.Wait()
}

// Handle runs one delivery attempt for job. It is the queue handler: a nil
// return completes the job, an error hands it back for retry. When the
// status store cannot record the outcome the attempt is abandoned, so the
// job is redelivered after its lease expires.
func (p *Pipeline) Handle(ctx context.Context, job *queue.Job) error {
	rec := job.Record

	logger := p.logger.With(
		zap.String("notification_id", rec.ID),
		zap.Int("attempt", job.Attempt),
	)

	sendErr := p.sender.Send(ctx, rec)
	if sendErr == nil {
		return p.markDelivered(ctx, logger, job)
	}
	return p.markFailed(ctx, logger, job, sendErr)
}

func (p *Pipeline) markDelivered(ctx context.Context, logger *zap.Logger, job *queue.Job) error {
	delivered := *job.Record
	delivered.Status = notification.StatusDelivered

	changed, err := p.status.Advance(ctx, &delivered)
	if errors.Is(err, notification.ErrInvalidTransition) {
		logger.Warn("record already finished, skipping status update", zap.Error(err))
		return nil
	}
	if err != nil {
		logger.Error("failed to record delivered status", zap.Error(err))
		return fmt.Errorf("record delivered status: %w: %w", queue.ErrAbandon, err)
	}

	metrics.RecordNotificationProcessed("delivered", delivered.Type)
	if !delivered.Timestamp.IsZero() {
		metrics.RecordNotificationLatency(delivered.Type, p.now().Sub(delivered.Timestamp))
	}

	if !changed {
		logger.Debug("duplicate delivery of finished record")
		return nil
	}

	logger.Info("notification delivered")
	p.bus.Publish(events.Event{
		Kind:    events.KindDelivered,
		Record:  &delivered,
		Attempt: job.Attempt,
	})
	return nil
}

// markFailed reports a failed attempt. Status stays pending while retries
// remain and becomes failed only on the last attempt.
func (p *Pipeline) markFailed(ctx context.Context, logger *zap.Logger, job *queue.Job, sendErr error) error {
	failed := *job.Record
	final := job.Final()

	changed := true
	if final {
		failed.Status = notification.StatusFailed
		var err error
		changed, err = p.status.Advance(ctx, &failed)
		switch {
		case errors.Is(err, notification.ErrInvalidTransition):
			// An earlier duplicate attempt already delivered it.
			logger.Warn("record already finished, dropping failed attempt", zap.Error(sendErr))
			return nil
		case err != nil:
			// The queue must not give up on a record whose status still
			// reads pending.
			logger.Error("failed to record failed status", zap.Error(err), zap.NamedError("send_error", sendErr))
			return fmt.Errorf("record failed status: %w: %w", queue.ErrAbandon, err)
		}
	}

	outcome := "retry"
	switch {
	case errors.Is(sendErr, circuitbreaker.ErrCircuitOpen):
		outcome = "rejected"
	case final:
		outcome = "failed"
	}
	metrics.RecordNotificationProcessed(outcome, failed.Type)

	if !changed {
		return sendErr
	}

	logger.Warn("delivery attempt failed",
		zap.Error(sendErr),
		zap.Bool("final", final),
	)
	p.bus.Publish(events.Event{
		Kind:    events.KindFailed,
		Record:  &failed,
		Err:     sendErr,
		Attempt: job.Attempt,
		Final:   final,
	})

	return sendErr
}

func (p *Pipeline) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped = p.reportDroppedEvents(dropped)
			if !p.client.IsConnected() {
				continue
			}
			stats, err := p.queue.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("pending", stats.Pending)
			metrics.SetQueueDepth("active", stats.Active)
			metrics.SetQueueDepth("delayed", stats.Delayed)
			metrics.SetQueueDepth("failed", stats.Failed)
		}
	}
}

// reportDroppedEvents adds the events dropped since last to the metric and
// returns the new total.
func (p *Pipeline) reportDroppedEvents(last uint64) uint64 {
	total := p.bus.Dropped()
	if total > last {
		metrics.RecordEventsDropped(total - last)
	}
	return total
}
