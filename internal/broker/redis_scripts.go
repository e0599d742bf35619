package broker

import "github.com/redis/go-redis/v9"

// Message hashes live at <prefix>:msg:<id> with fields body, queue, enq (unix
// ms), rc (receive count), fc (failure count) and dlq_at once dead-lettered.
// Each queue has a ready LIST (LPUSH in, RPOP out), an inflight ZSET scored
// by lease deadline in unix ms, a delayed ZSET of nacked ids scored by the
// time they become visible again, and a stats HASH. A DLQ is a queue named
// "<queue>.dlq" that only has a ready list.

// KEYS: ready, inflight, delayed
// ARGV: now_ms, visibility_ms, msg_prefix
// Due delayed ids are moved to the consuming end of ready first.
var consumeScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[1], id)
end
for _ = 1, 16 do
  local id = redis.call('RPOP', KEYS[1])
  if not id then return false end
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local rc = redis.call('HINCRBY', key, 'rc', 1)
    redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
    local f = redis.call('HMGET', key, 'body', 'enq', 'fc')
    return {id, f[1] or '', f[2] or '0', tostring(rc), f[3] or '0'}
  end
end
return false
`)

// KEYS: inflight, stats
// ARGV: id, rc, msg_prefix
var ackScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
local cur = redis.call('HGET', key, 'rc')
if (not cur) or cur ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', key)
redis.call('HINCRBY', KEYS[2], 'acked', 1)
return 1
`)

// KEYS: inflight, ready, dlq_ready, stats, delayed
// ARGV: id, rc, msg_prefix, threshold, now_ms, delay_ms
// Returns {failures, dead_lettered} or {-1, 0} for a stale receipt.
var nackScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
local cur = redis.call('HGET', key, 'rc')
if (not cur) or cur ~= ARGV[2] then return {-1, 0} end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return {-1, 0} end
local fc = redis.call('HINCRBY', key, 'fc', 1)
redis.call('HINCRBY', KEYS[4], 'nacked', 1)
local threshold = tonumber(ARGV[4])
if threshold > 0 and fc > threshold then
  redis.call('HSET', key, 'dlq_at', ARGV[5])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  redis.call('HINCRBY', KEYS[4], 'dead_lettered', 1)
  return {fc, 1}
end
local delay = tonumber(ARGV[6])
if delay > 0 then
  redis.call('ZADD', KEYS[5], tonumber(ARGV[5]) + delay, ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return {fc, 0}
`)

// KEYS: inflight, ready, dlq_ready, stats
// ARGV: now_ms, msg_prefix, threshold, limit
// Returns {requeued, {dead-lettered ids...}}.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local threshold = tonumber(ARGV[3])
local requeued = 0
local dead = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    local fc = redis.call('HINCRBY', key, 'fc', 1)
    if threshold > 0 and fc > threshold then
      redis.call('HSET', key, 'dlq_at', ARGV[1])
      redis.call('LPUSH', KEYS[3], id)
      redis.call('HINCRBY', KEYS[4], 'dead_lettered', 1)
      table.insert(dead, id)
    else
      redis.call('RPUSH', KEYS[2], id)
      requeued = requeued + 1
    end
  end
end
if requeued > 0 then redis.call('HINCRBY', KEYS[4], 'reclaimed', requeued) end
return {requeued, dead}
`)

// KEYS: ready, inflight, delayed
// ARGV: msg_prefix
var purgeScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  redis.call('DEL', ARGV[1] .. id)
  n = n + 1
end
for _, id in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  redis.call('DEL', ARGV[1] .. id)
  n = n + 1
end
for _, id in ipairs(redis.call('ZRANGE', KEYS[3], 0, -1)) do
  redis.call('DEL', ARGV[1] .. id)
  n = n + 1
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
return n
`)

// KEYS: dlq_ready, ready
// ARGV: msg_prefix
var replayScript = redis.NewScript(`
local n = 0
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'fc', 0)
    redis.call('HDEL', key, 'dlq_at')
    redis.call('LPUSH', KEYS[2], id)
    n = n + 1
  end
end
return n
`)
