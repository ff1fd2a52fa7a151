// Package redis owns the process-wide Redis connection and the stores built
// on it: record status snapshots and request rate limiting.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// ConnectAttempts bounds the startup dial loop.
	ConnectAttempts int
	// RetryBase and RetryMax shape the exponential reconnect backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
	// PingInterval is how often Monitor checks a healthy connection.
	PingInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
}

// StateObserver is told about every connectivity change. err is the cause
// of a disconnect and nil on connect.
type StateObserver func(connected bool, err error)

// Client wraps the go-redis client and tracks whether Redis is reachable.
// The connectivity flag is what lets callers fail fast instead of queuing
// work against a dead store.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	cfg    Config

	connected atomic.Bool

	mu        sync.RWMutex
	observers []StateObserver
}

// New creates a Redis client and blocks until it answers a ping, retrying
// with bounded exponential backoff. A returned error means Redis never
// became reachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.setDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	c := &Client{rdb: rdb, logger: logger, cfg: cfg}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		if lastErr = c.Check(ctx); lastErr == nil {
			logger.Info("redis connection established",
				zap.String("host", cfg.Host),
				zap.Int("port", cfg.Port),
				zap.Int("attempt", attempt),
			)
			return c, nil
		}

		if attempt == cfg.ConnectAttempts {
			break
		}

		wait := Backoff(attempt, cfg.RetryBase, cfg.RetryMax)
		logger.Warn("redis not reachable, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
		)

		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, fmt.Errorf("redis connect cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("redis ping failed after %d attempts: %w", cfg.ConnectAttempts, lastErr)
}

// Wrap adopts an already configured go-redis client and assumes it is
// connected. Used by tests and tools that manage their own client.
func Wrap(rdb *redis.Client, logger *zap.Logger) *Client {
	c := &Client{rdb: rdb, logger: logger}
	c.cfg.setDefaults()
	c.connected.Store(true)
	return c
}

// Backoff returns base*2^(attempt-1), capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Redis exposes the underlying client for packages that issue their own
// commands (the job queue).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// IsConnected reports the last observed connectivity.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// OnStateChange registers an observer for connect/disconnect transitions.
func (c *Client) OnStateChange(fn StateObserver) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Check pings Redis once and records the result.
func (c *Client) Check(ctx context.Context) error {
	err := c.rdb.Ping(ctx).Err()
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// Our own cancellation says nothing about Redis. A deadline does.
		return err
	}
	c.setConnected(err == nil, err)
	return err
}

// Monitor pings Redis until ctx is done. While Redis is down the checks
// back off exponentially up to RetryMax; once it answers again the normal
// ping interval resumes.
func (c *Client) Monitor(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(c.cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Check(pingCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		wait := c.cfg.PingInterval
		if err != nil {
			failures++
			wait = Backoff(failures, c.cfg.RetryBase, c.cfg.RetryMax)
			c.logger.Debug("redis health check failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", wait),
			)
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

func (c *Client) setConnected(connected bool, err error) {
	if c.connected.Swap(connected) == connected {
		return
	}

	if connected {
		c.logger.Info("redis connected")
	} else {
		c.logger.Error("redis disconnected", zap.Error(err))
	}

	c.mu.RLock()
	observers := make([]StateObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for _, fn := range observers {
		fn(connected, err)
	}
}

// Close gracefully closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
