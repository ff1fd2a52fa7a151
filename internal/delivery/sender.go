// Package delivery holds the senders that hand a record to the outside
// world. Senders treat the payload as opaque: they forward the record and
// report whether the hand-off succeeded.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// Sender is the unified interface for all delivery targets.
// Implementations: log, webhook, SNS topic, SQS queue.
type Sender interface {
	Send(ctx context.Context, rec *notification.Record) error
	Supports(recordType string) bool
}

// TypeFilter restricts a sender to a set of record types. The zero value
// accepts every type.
type TypeFilter map[string]bool

// ParseTypeFilter builds a filter from a comma separated list.
func ParseTypeFilter(list string) TypeFilter {
	f := TypeFilter{}
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = true
		}
	}
	return f
}

// Allows reports whether recordType passes the filter.
func (f TypeFilter) Allows(recordType string) bool {
	return len(f) == 0 || f[recordType]
}

// MultiSender routes each record to the first sender that supports its type.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over senders, tried in order.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the record to the appropriate sender based on its type.
func (m *MultiSender) Send(ctx context.Context, rec *notification.Record) error {
	for _, sender := range m.senders {
		if sender.Supports(rec.Type) {
			m.logger.Debug("routing notification to sender",
				zap.String("type", rec.Type),
				zap.String("notification_id", rec.ID),
			)
			return sender.Send(ctx, rec)
		}
	}

	return fmt.Errorf("%w: %s", notification.ErrUnroutable, rec.Type)
}

// Supports checks if any underlying sender accepts the type.
func (m *MultiSender) Supports(recordType string) bool {
	for _, sender := range m.senders {
		if sender.Supports(recordType) {
			return true
		}
	}
	return false
}

// LogSender logs records instead of delivering them (development/testing).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, rec *notification.Record) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", rec.ID),
		zap.String("type", rec.Type),
		zap.String("recipient", rec.Recipient),
		zap.String("priority", string(rec.Priority)),
		zap.ByteString("payload", rec.Payload),
	)
	return nil
}

func (s *LogSender) Supports(string) bool {
	return true
}
