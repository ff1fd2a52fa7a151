package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
)

// HistoryWriter persists archive entries.
type HistoryWriter interface {
	Append(ctx context.Context, e *Entry) error
}

// Archiver copies record lifecycle events from the bus into the history
// table. It is an ordinary observer: if it falls behind, the bus drops
// events for it and the pipeline is unaffected.
type Archiver struct {
	bus    *events.Bus
	writer HistoryWriter
	logger *zap.Logger
	buffer int
}

// NewArchiver creates an archiver reading from bus.
func NewArchiver(bus *events.Bus, writer HistoryWriter, logger *zap.Logger) *Archiver {
	return &Archiver{
		bus:    bus,
		writer: writer,
		logger: logger,
		buffer: 256,
	}
}

// Run archives events until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(a.buffer, events.KindQueued, events.KindDelivered, events.KindFailed)
	defer unsubscribe()

	a.logger.Info("history archiver started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("history archiver stopping")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a.archive(ctx, e)
		}
	}
}

func (a *Archiver) archive(ctx context.Context, e events.Event) {
	entry, err := EntryFromEvent(e)
	if err != nil {
		a.logger.Warn("skipping unarchivable event", zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = a.writer.Append(writeCtx, entry)
	metrics.RecordHistoryWrite(err == nil)
	if err != nil {
		a.logger.Error("failed to archive event",
			zap.Error(err),
			zap.String("notification_id", entry.NotificationID),
		)
	}
}

// EntryFromEvent converts a record lifecycle event into an archive entry.
func EntryFromEvent(e events.Event) (*Entry, error) {
	if e.Record == nil {
		return nil, fmt.Errorf("event %s carries no record", e.Kind)
	}

	snapshot, err := e.Record.Marshal()
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		NotificationID: e.Record.ID,
		Kind:           string(e.Kind),
		Status:         string(e.Record.Status),
		Attempt:        e.Attempt,
		Final:          e.Final,
		Record:         snapshot,
		OccurredAt:     e.Time,
	}
	if e.Err != nil {
		msg := e.Err.Error()
		entry.ErrorMessage = &msg
	}
	return entry, nil
}
