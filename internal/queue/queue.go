// Package queue is a Redis-backed priority job queue with leases, delayed
// retries and keep-on-fail semantics. All job state lives in Redis, so a
// restarted process resumes where the previous one stopped.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// rankScale separates priority tiers in the pending score. It must exceed
// any millisecond timestamp the queue will see.
const rankScale int64 = 10_000_000_000_000

// requeueBatch bounds how many ids one promote or reap call moves.
const requeueBatch = 100

var (
	// ErrLeaseLost is returned by Complete and Fail when the job was reaped
	// or leased again after the caller claimed it. The ack is dropped.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrAbandon, wrapped in a Handler error, leaves the job leased. It is
	// retried once the lease expires and the attempt is not counted.
	ErrAbandon = errors.New("attempt abandoned")
)

// Config controls retry, lease and consumer behaviour.
type Config struct {
	Prefix       string
	MaxAttempts  int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	LeaseTimeout time.Duration
	Concurrency  int
}

// DefaultConfig returns the queue defaults: three attempts with 1s
// exponential backoff capped at 30s and a single consumer.
func DefaultConfig() Config {
	return Config{
		Prefix:       "courier",
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		MaxBackoff:   30 * time.Second,
		PollInterval: 100 * time.Millisecond,
		LeaseTimeout: 30 * time.Second,
		Concurrency:  1,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
}

// Job is one unit of queued work. ID equals the record id.
type Job struct {
	ID          string
	Rank        int
	Record      *notification.Record
	Attempt     int
	MaxAttempts int
	Lease       int
	EnqueuedAt  time.Time
	LastError   string
	State       string
}

// Final reports whether a failure of the current attempt exhausts the
// retry budget.
func (j *Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

// Stats holds the size of each queue set.
type Stats struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Queue is safe for concurrent use; every state change is a single script.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a queue on rdb.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	cfg.setDefaults()
	return &Queue{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

func (q *Queue) key(name string) string {
	return q.cfg.Prefix + ":" + name
}

func (q *Queue) jobKeyPrefix() string {
	return q.cfg.Prefix + ":job:"
}

func (q *Queue) jobKey(id string) string {
	return q.jobKeyPrefix() + id
}

// Backoff returns the wait before the retry that follows attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return min(d, q.cfg.MaxBackoff)
}

// Enqueue adds rec under its id. A second enqueue of a known id is a no-op
// and returns created=false, including after the job permanently failed.
func (q *Queue) Enqueue(ctx context.Context, rec *notification.Record) (bool, error) {
	data, err := rec.Marshal()
	if err != nil {
		return false, err
	}

	rank := rec.Priority.Rank()
	enqueuedAt := q.now().UnixMilli()
	score := int64(rank)*rankScale + enqueuedAt

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(rec.ID), q.key("pending")},
		rec.ID, rank, data, q.cfg.MaxAttempts, enqueuedAt, score,
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", notification.ErrQueueUnavailable, err)
	}

	created := res == 1
	if created {
		q.logger.Debug("job enqueued",
			zap.String("notification_id", rec.ID),
			zap.Int("rank", rank),
		)
	}
	return created, nil
}

// Dequeue claims the highest-priority pending job and leases it for
// LeaseTimeout. It returns nil, nil when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	deadline := q.now().Add(q.cfg.LeaseTimeout).UnixMilli()

	vals, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.key("pending"), q.key("active")},
		q.jobKeyPrefix(), deadline,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	return parseJob(vals)
}

// Complete acknowledges a finished job and removes it. It returns
// ErrLeaseLost when job no longer holds the lease.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	res, err := completeScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.jobKey(job.ID)},
		job.ID, job.Lease,
	).Int()
	if err != nil {
		return fmt.Errorf("complete %s failed: %w", job.ID, err)
	}
	if res < 0 {
		return fmt.Errorf("complete %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Fail records cause against the job. While attempts remain the job is
// delayed by Backoff(job.Attempt) and retrying is true; otherwise it is
// marked failed and kept. A caller that lost the lease gets ErrLeaseLost
// and the job is left untouched.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	final := job.Final()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	finalFlag := "0"
	if final {
		finalFlag = "1"
	}
	readyAt := now.Add(q.Backoff(job.Attempt)).UnixMilli()

	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(job.ID)},
		job.ID, msg, readyAt, now.UnixMilli(), finalFlag, job.Lease,
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail %s failed: %w", job.ID, err)
	}

	switch res {
	case 1:
		job.LastError = msg
		job.State = "delayed"
		return true, nil
	case 0:
		job.LastError = msg
		job.State = "failed"
		return false, nil
	default:
		return false, fmt.Errorf("fail %s: %w", job.ID, ErrLeaseLost)
	}
}

// PromoteDelayed moves retries whose backoff elapsed back to pending.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	return q.requeue(ctx, "delayed", false)
}

// ReapExpired returns jobs whose lease ran out to pending. The interrupted
// attempt is not counted against the retry budget.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	n, err := q.requeue(ctx, "active", true)
	if n > 0 {
		q.logger.Warn("recovered jobs with expired leases", zap.Int("count", n))
	}
	return n, err
}

func (q *Queue) requeue(ctx context.Context, from string, release bool) (int, error) {
	releaseFlag := "0"
	if release {
		releaseFlag = "1"
	}

	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.key(from), q.key("pending")},
		q.now().UnixMilli(), q.jobKeyPrefix(), rankScale, requeueBatch, releaseFlag,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue %s failed: %w", from, err)
	}
	return n, nil
}

// Lookup returns the stored job, including permanently failed ones.
func (q *Queue) Lookup(ctx context.Context, id string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup %s failed: %w", id, err)
	}
	if len(m) == 0 {
		return nil, notification.ErrNotFound
	}
	return jobFromMap(m)
}

// Stats returns the size of every set.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	active := pipe.ZCard(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	failed := pipe.ZCard(ctx, q.key("failed"))

	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats failed: %w", err)
	}

	return Stats{
		Pending: pending.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func parseJob(vals []string) (*Job, error) {
	if len(vals)%2 != 0 {
		return nil, fmt.Errorf("malformed job hash: %d fields", len(vals))
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		m[vals[i]] = vals[i+1]
	}
	return jobFromMap(m)
}

func jobFromMap(m map[string]string) (*Job, error) {
	rec, err := notification.Unmarshal([]byte(m["record"]))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", m["id"], err)
	}

	job := &Job{
		ID:        m["id"],
		Record:    rec,
		LastError: m["last_error"],
		State:     m["state"],
	}

	for field, dst := range map[string]*int{
		"rank":         &job.Rank,
		"attempt":      &job.Attempt,
		"max_attempts": &job.MaxAttempts,
	} {
		if *dst, err = strconv.Atoi(m[field]); err != nil {
			return nil, fmt.Errorf("job %s: bad %s: %w", job.ID, field, err)
		}
	}

	if v, ok := m["lease"]; ok {
		if job.Lease, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("job %s: bad lease: %w", job.ID, err)
		}
	}

	ms, err := strconv.ParseInt(m["enqueued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad enqueued_at: %w", job.ID, err)
	}
	job.EnqueuedAt = time.UnixMilli(ms)

	return job, nil
}
