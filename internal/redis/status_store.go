package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

const (
	statusKeyPrefix = "notification:"

	// maxAdvanceRetries bounds optimistic-lock retries when concurrent
	// writers race on the same record.
	maxAdvanceRetries = 5
)

// StatusStore keeps the latest snapshot of every record, keyed by id.
// Entries are never deleted here.
type StatusStore struct {
	client *Client
	logger *zap.Logger
}

// NewStatusStore creates a status store on top of client.
func NewStatusStore(client *Client, logger *zap.Logger) *StatusStore {
	return &StatusStore{
		client: client,
		logger: logger,
	}
}

func (s *StatusStore) buildKey(id string) string {
	return statusKeyPrefix + id
}

// Set overwrites the snapshot for rec.ID.
func (s *StatusStore) Set(ctx context.Context, rec *notification.Record) error {
	if !s.client.IsConnected() {
		return notification.ErrNotConnected
	}

	data, err := rec.Marshal()
	if err != nil {
		return err
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(rec.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Create writes the snapshot only when no entry exists yet (SET NX).
// Returns false when the id is already known.
func (s *StatusStore) Create(ctx context.Context, rec *notification.Record) (bool, error) {
	if !s.client.IsConnected() {
		return false, notification.ErrNotConnected
	}

	data, err := rec.Marshal()
	if err != nil {
		return false, err
	}

	created, err := s.client.rdb.SetNX(ctx, s.buildKey(rec.ID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return created, nil
}

// Get returns the stored snapshot or notification.ErrNotFound.
func (s *StatusStore) Get(ctx context.Context, id string) (*notification.Record, error) {
	if !s.client.IsConnected() {
		return nil, notification.ErrNotConnected
	}

	val, err := s.client.rdb.Get(ctx, s.buildKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	return notification.Unmarshal(val)
}

// Advance moves the stored record to rec.Status under an optimistic lock.
// A missing entry counts as pending. Re-applying the current status is a
// no-op and reports changed=false; a regression or a jump between terminal
// states returns notification.ErrInvalidTransition.
func (s *StatusStore) Advance(ctx context.Context, rec *notification.Record) (bool, error) {
	if !s.client.IsConnected() {
		return false, notification.ErrNotConnected
	}

	data, err := rec.Marshal()
	if err != nil {
		return false, err
	}

	key := s.buildKey(rec.ID)
	changed := false

	txf := func(tx *redis.Tx) error {
		changed = false

		current := notification.StatusPending
		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get failed: %w", err)
		default:
			stored, err := notification.Unmarshal(val)
			if err != nil {
				return err
			}
			current = stored.Status
			if current == rec.Status {
				return nil
			}
		}

		if !notification.CanTransition(current, rec.Status) {
			return fmt.Errorf("%w: %s -> %s", notification.ErrInvalidTransition, current, rec.Status)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for i := 0; i < maxAdvanceRetries; i++ {
		err = s.client.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return changed, err
		}
		s.logger.Debug("status write raced, retrying",
			zap.String("notification_id", rec.ID),
			zap.Int("attempt", i+1),
		)
	}

	return false, fmt.Errorf("status update for %s kept conflicting: %w", rec.ID, err)
}
