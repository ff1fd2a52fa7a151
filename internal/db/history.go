package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Entry is one archived lifecycle event.
type Entry struct {
	ID             int64           `json:"id"`
	NotificationID string          `json:"notification_id"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Attempt        int             `json:"attempt"`
	Final          bool            `json:"final"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Record         json.RawMessage `json:"record"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// HistoryRepository reads and writes the notification_events table.
type HistoryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *DB, logger *zap.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:     db,
		logger: logger,
	}
}

// Health checks that the archive database is reachable.
func (r *HistoryRepository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Append inserts e and fills in its id.
func (r *HistoryRepository) Append(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO notification_events (
			notification_id, kind, status, attempt, final,
			error_message, record, occurred_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING id
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		e.NotificationID,
		e.Kind,
		e.Status,
		e.Attempt,
		e.Final,
		e.ErrorMessage,
		e.Record,
		e.OccurredAt,
	).Scan(&e.ID)
	if err != nil {
		r.logger.Error("failed to archive event",
			zap.Error(err),
			zap.String("notification_id", e.NotificationID),
			zap.String("kind", e.Kind),
		)
		return fmt.Errorf("insert notification event: %w", err)
	}

	return nil
}

// List returns the events for one record, oldest first.
func (r *HistoryRepository) List(ctx context.Context, notificationID string) ([]*Entry, error) {
	query := `
		SELECT
			id, notification_id, kind, status, attempt, final,
			error_message, record, occurred_at
		FROM notification_events
		WHERE notification_id = $1
		ORDER BY occurred_at, id
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query notification events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.NotificationID,
			&e.Kind,
			&e.Status,
			&e.Attempt,
			&e.Final,
			&e.ErrorMessage,
			&e.Record,
			&e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification events: %w", err)
	}

	return entries, nil
}
