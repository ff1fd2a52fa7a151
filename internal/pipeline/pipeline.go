// Package pipeline accepts notification records, queues them by priority
// and delivers them through a circuit breaker with bounded retries.
//
// Delivery is at-least-once: an attempt interrupted by a crash is retried
// after its lease expires, so a sender may see the same record twice.
// Status only ever moves pending -> delivered or pending -> failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

// Config tunes the delivery loop.
type Config struct {
	// RateLimit caps sends per second across all consumers. Zero disables
	// throttling.
	RateLimit float64
	Burst     int
	// StatsInterval is how often queue depth gauges are refreshed.
	StatsInterval time.Duration
}

// Pipeline wires the queue, the breaker-guarded sender and the status store.
type Pipeline struct {
	client  *redis.Client
	status  *redis.StatusStore
	queue   *queue.Queue
	sender  *circuitbreaker.ProtectedSender
	bus     *events.Bus
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates a pipeline. Connectivity changes reported by client are
// republished on bus as connected/disconnected events.
func New(
	client *redis.Client,
	status *redis.StatusStore,
	q *queue.Queue,
	sender *circuitbreaker.ProtectedSender,
	bus *events.Bus,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}

	p := &Pipeline{
		client: client,
		status: status,
		queue:  q,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}

	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}

	metrics.SetRedisConnected(client.IsConnected())
	client.OnStateChange(func(connected bool, err error) {
		metrics.SetRedisConnected(connected)
		if connected {
			bus.Publish(events.Event{Kind: events.KindConnected})
		} else {
			bus.Publish(events.Event{Kind: events.KindDisconnected, Err: err})
		}
	})

	return p
}

// Submit validates rec, assigns defaults and queues it. The returned id is
// rec.ID or a generated UUID. Submitting an id that is already queued,
// in flight or finished is a no-op that returns the same id.
func (p *Pipeline) Submit(ctx context.Context, rec *notification.Record) (string, error) {
	if !p.client.IsConnected() {
		return "", notification.ErrNotConnected
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if !p.sender.Supports(rec.Type) {
		return "", fmt.Errorf("%w: no delivery driver accepts type %q", notification.ErrInvalidRecord, rec.Type)
	}

	r := *rec
	if r.ID == "" {
		r.ID = p.newID()
	}
	r.Priority = r.Priority.Normalize()
	r.Timestamp = p.now().UTC()
	r.Status = notification.StatusPending

	// Delivered jobs are removed from the queue, so the status snapshot is
	// what keeps a finished id from being delivered again.
	existing, err := p.status.Get(ctx, r.ID)
	switch {
	case err == nil && existing.Status.Terminal():
		p.logDuplicate(r.ID, existing.Status)
		return r.ID, nil
	case err != nil && !errors.Is(err, notification.ErrNotFound):
		return "", err
	}

	created, err := p.queue.Enqueue(ctx, &r)
	if err != nil {
		p.logger.Error("failed to enqueue notification",
			zap.String("notification_id", r.ID),
			zap.Error(err),
		)
		return "", err
	}
	if !created {
		p.logDuplicate(r.ID, notification.StatusPending)
		return r.ID, nil
	}

	if _, err := p.status.Create(ctx, &r); err != nil {
		return "", fmt.Errorf("record initial status: %w", err)
	}

	metrics.RecordNotificationEnqueued(string(r.Priority))
	p.logger.Info("notification queued",
		zap.String("notification_id", r.ID),
		zap.String("type", r.Type),
		zap.String("priority", string(r.Priority)),
	)
	p.bus.Publish(events.Event{Kind: events.KindQueued, Record: &r})

	return r.ID, nil
}

func (p *Pipeline) logDuplicate(id string, status notification.Status) {
	metrics.RecordDuplicateSubmission()
	p.logger.Info("duplicate submission ignored",
		zap.String("notification_id", id),
		zap.String("status", string(status)),
	)
}

// QueryStatus returns the current status of id.
func (p *Pipeline) QueryStatus(ctx context.Context, id string) (notification.Status, error) {
	rec, err := p.status.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Get returns the latest snapshot of id.
func (p *Pipeline) Get(ctx context.Context, id string) (*notification.Record, error) {
	return p.status.Get(ctx, id)
}

// Subscribe registers an observer for lifecycle events. See events.Bus.
func (p *Pipeline) Subscribe(buffer int, kinds ...events.Kind) (<-chan events.Event, func()) {
	return p.bus.Subscribe(buffer, kinds...)
}

// Health is a point-in-time view of the pipeline's dependencies.
type Health struct {
	Connected bool                 `json:"connected"`
	Breaker   circuitbreaker.Stats `json:"breaker"`
	Queue     *queue.Stats         `json:"queue,omitempty"`
	Events    EventStats           `json:"events"`
}

// EventStats describes the lifecycle event fanout.
type EventStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// HealthCheck reports connectivity, breaker state and queue depth. Queue
// stats are omitted while Redis is unreachable.
func (p *Pipeline) HealthCheck(ctx context.Context) Health {
	h := Health{
		Connected: p.client.IsConnected(),
		Breaker:   p.sender.Breaker().Stats(),
		Events: EventStats{
			Subscribers: p.bus.Subscribers(),
			Dropped:     p.bus.Dropped(),
		},
	}

	if h.Connected {
		stats, err := p.queue.Stats(ctx)
		if err != nil {
			p.logger.Warn("queue stats unavailable", zap.Error(err))
		} else {
			h.Queue = &stats
		}
	}

	return h
}
