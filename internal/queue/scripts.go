package queue

import "github.com/redis/go-redis/v9"

// Job hashes live at <prefix>:job:<id>. The sorted sets hold ids only:
//
//	<prefix>:pending  score = rank*rankScale + enqueued_at (ms)
//	<prefix>:active   score = lease deadline (ms)
//	<prefix>:delayed  score = ready time (ms)
//	<prefix>:failed   score = failure time (ms)

// KEYS: job, pending
// ARGV: id, rank, record, max_attempts, enqueued_at, score
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'rank', ARGV[2],
  'record', ARGV[3],
  'attempt', 0,
  'lease', 0,
  'max_attempts', ARGV[4],
  'enqueued_at', ARGV[5],
  'state', 'pending')
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
return 1
`)

// KEYS: pending, active
// ARGV: job key prefix, lease deadline
//
// Ids whose hash vanished (completed while re-queued) are dropped.
var dequeueScript = redis.NewScript(`
while true do
  local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HINCRBY', key, 'attempt', 1)
    redis.call('HINCRBY', key, 'lease', 1)
    redis.call('HSET', key, 'state', 'active')
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    return redis.call('HGETALL', key)
  end
end
`)

// Acks only apply while the caller still owns the lease: the job must be
// in active under the same lease token it was dequeued with. A reaped or
// re-leased job is left to its new owner.

// KEYS: active, job
// ARGV: id, lease
//
// Returns 1 when removed, -1 when the lease was lost.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, delayed, failed, job
// ARGV: id, error, ready_at, now, final, lease
//
// Returns 1 when scheduled for retry, 0 when marked failed, -1 when the
// lease was lost.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'lease') ~= ARGV[6] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[4], 'last_error', ARGV[2])
if ARGV[5] == '1' then
  redis.call('HSET', KEYS[4], 'state', 'failed', 'failed_at', ARGV[4])
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[4], 'state', 'delayed')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// requeueScript moves due ids from a timed set (delayed or active) back to
// pending at their original priority position.
//
// KEYS: source, pending
// ARGV: now, job key prefix, rank scale, batch, release ('1' gives back the
// attempt consumed by an interrupted lease)
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local fields = redis.call('HMGET', key, 'rank', 'enqueued_at')
  if fields[1] then
    local score = tonumber(fields[1]) * tonumber(ARGV[3]) + tonumber(fields[2])
    redis.call('ZADD', KEYS[2], score, id)
    redis.call('HSET', key, 'state', 'pending')
    if ARGV[5] == '1' then
      redis.call('HINCRBY', key, 'attempt', -1)
    end
    moved = moved + 1
  end
end
return moved
`)
