package redis

import goredis "github.com/redis/go-redis/v9"

// claimScript promotes due scheduled ids, recovers expired leases and leases
// the oldest visible id.
//
// KEYS: ready, delayed, leased, dead-letter ready
// ARGV: now ms, lease expiry ms, token, max delivery count, message key prefix, dead-letter path
// Returns {id, delivery_count} or nil.
var claimScript = goredis.NewScript(`
local ready, delayed, leased, deadReady = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local now = tonumber(ARGV[1])
local lockedUntil = tonumber(ARGV[2])
local token = ARGV[3]
local maxDelivery = tonumber(ARGV[4])
local msgPrefix = ARGV[5]
local deadPath = ARGV[6]

local due = redis.call('ZRANGEBYSCORE', delayed, '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', delayed, id)
  redis.call('LPUSH', ready, id)
end

local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', leased, id)
  local key = msgPrefix .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'token', '')
    local count = tonumber(redis.call('HGET', key, 'delivery_count') or '0')
    if maxDelivery > 0 and count >= maxDelivery then
      redis.call('HSET', key, 'path', deadPath, 'delivery_count', 0, 'reason', 'MaxDeliveryCountExceeded')
      redis.call('PERSIST', key)
      redis.call('LPUSH', deadReady, id)
    else
      redis.call('RPUSH', ready, id)
    end
  end
end

while true do
  local id = redis.call('RPOP', ready)
  if not id then
    return nil
  end
  local key = msgPrefix .. id
  if redis.call('EXISTS', key) == 1 then
    local count = redis.call('HINCRBY', key, 'delivery_count', 1)
    redis.call('HSET', key, 'token', token)
    redis.call('ZADD', leased, lockedUntil, id)
    return {id, count}
  end
end
`)

// completeScript deletes a leased message if the token still matches.
//
// KEYS: leased, message
// ARGV: id, token
var completeScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// abandonScript releases a lease, dead-lettering the message once its
// delivery count reached the ceiling.
//
// KEYS: leased, message, ready, dead-letter ready
// ARGV: id, token, max delivery count, dead-letter path
// Returns 0 when the lease was lost, 1 when released, 2 when dead-lettered.
var abandonScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'token', '')
local count = tonumber(redis.call('HGET', KEYS[2], 'delivery_count') or '0')
local maxDelivery = tonumber(ARGV[3])
if maxDelivery > 0 and count >= maxDelivery then
  redis.call('HSET', KEYS[2], 'path', ARGV[4], 'delivery_count', 0, 'reason', 'MaxDeliveryCountExceeded')
  redis.call('PERSIST', KEYS[2])
  redis.call('LPUSH', KEYS[4], ARGV[1])
  return 2
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
