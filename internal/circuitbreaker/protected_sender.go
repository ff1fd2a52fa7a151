package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// Sender is the fallible delivery call the breaker guards.
type Sender interface {
	Send(ctx context.Context, rec *notification.Record) error
}

// router is implemented by senders that only accept some record types.
type router interface {
	Supports(recordType string) bool
}

// ProtectedSender wraps a Sender with a CircuitBreaker. Rejections surface
// as ErrCircuitOpen; failures of the sender itself are wrapped in a
// notification.DeliveryError so callers can tell the two apart.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Supports reports whether the wrapped sender accepts recordType. Senders
// without routing accept everything.
func (p *ProtectedSender) Supports(recordType string) bool {
	if r, ok := p.sender.(router); ok {
		return r.Supports(recordType)
	}
	return true
}

// Send delivers rec through the breaker. A record no sender accepts fails
// with notification.ErrUnroutable and is not counted by the breaker.
func (p *ProtectedSender) Send(ctx context.Context, rec *notification.Record) error {
	if !p.Supports(rec.Type) {
		return &notification.DeliveryError{
			ID:  rec.ID,
			Err: fmt.Errorf("%w: %s", notification.ErrUnroutable, rec.Type),
		}
	}

	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, rec)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrCircuitOpen) {
		p.logger.Warn("circuit breaker rejected delivery - failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", rec.ID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return err
	}

	p.logger.Debug("circuit breaker recorded failure",
		zap.String("breaker", p.breaker.Name()),
		zap.String("notification_id", rec.ID),
		zap.Error(err),
	)
	return &notification.DeliveryError{ID: rec.ID, Err: err}
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
