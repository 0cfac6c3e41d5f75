package store

import "github.com/redis/go-redis/v9"

// enqueueScript persists a batch of queued jobs and appends them to the FIFO
// list, refusing the whole batch if any id is already stored.
//
// KEYS[1] queued list, KEYS[2..n+1] job hashes
// ARGV[1] ttl ms, ARGV[2..n+1] JSON field lists, ARGV[n+2..2n+1] job ids
var enqueueScript = redis.NewScript(`
local n = #KEYS - 1
for i = 1, n do
  if redis.call('EXISTS', KEYS[i + 1]) == 1 then
    return redis.error_reply('DUPLICATE ' .. ARGV[n + 1 + i])
  end
end
for i = 1, n do
  local fields = cjson.decode(ARGV[i + 1])
  redis.call('HSET', KEYS[i + 1], unpack(fields))
  redis.call('PEXPIRE', KEYS[i + 1], ARGV[1])
  redis.call('RPUSH', KEYS[1], ARGV[n + 1 + i])
end
return n
`)

// claimScript pops up to ARGV[1] ids in FIFO order and marks each running.
// Ids whose record expired or is no longer queued are dropped.
//
// KEYS[1] queued, KEYS[2] running, KEYS[3] active
// ARGV[1] max, ARGV[2] claimant, ARGV[3] now, ARGV[4] job key prefix, ARGV[5] ttl ms
//
// Job keys come off the list, so they cannot be declared in KEYS up front.
// They are built from ARGV[4], which carries the same {kind} hash tag as
// KEYS, keeping every touched key in one cluster slot.
var claimScript = redis.NewScript(`
local claimed = {}
local max = tonumber(ARGV[1])
while #claimed < max do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    break
  end
  local key = ARGV[4] .. id
  if redis.call('HGET', key, 'status') == 'queued' then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'status', 'running', 'claimedBy', ARGV[2],
      'startedAt', ARGV[3], 'updatedAt', ARGV[3], 'progress', '0')
    redis.call('PEXPIRE', key, ARGV[5])
    redis.call('HSET', KEYS[2], id, ARGV[2])
    local traj = redis.call('HGET', key, 'trajectoryId')
    if traj and traj ~= '' then
      redis.call('HINCRBY', KEYS[3], traj, 1)
    end
    table.insert(claimed, id)
  end
end
return claimed
`)

// finishScript moves a running job to completed or failed. Returns 0 when
// the job is not running (or not held by the expected claimant) so a
// duplicate report cannot decrement counters twice.
//
// KEYS[1] job, KEYS[2] running, KEYS[3] active, KEYS[4] stats
// ARGV[1] id, ARGV[2] status, ARGV[3] error, ARGV[4] result,
// ARGV[5] processingTimeMs, ARGV[6] now, ARGV[7] claimant, ARGV[8] ttl ms
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
  return 0
end
if ARGV[7] ~= '' and redis.call('HGET', KEYS[1], 'claimedBy') ~= ARGV[7] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updatedAt', ARGV[6],
  'processingTimeMs', ARGV[5], 'claimedBy', '')
if ARGV[2] == 'completed' then
  redis.call('HSET', KEYS[1], 'progress', '1', 'result', ARGV[4])
  redis.call('HDEL', KEYS[1], 'error')
else
  redis.call('HSET', KEYS[1], 'error', ARGV[3])
  redis.call('HDEL', KEYS[1], 'result')
end
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('HDEL', KEYS[2], ARGV[1])
local traj = redis.call('HGET', KEYS[1], 'trajectoryId')
if traj and traj ~= '' then
  if redis.call('HINCRBY', KEYS[3], traj, -1) <= 0 then
    redis.call('HDEL', KEYS[3], traj)
  end
end
redis.call('HINCRBY', KEYS[4], ARGV[2], 1)
return 1
`)

// requeueScript returns an orphaned running job to the head of the queue,
// or fails it once it has used up its attempts.
// Returns 0 (nothing to do), 1 (requeued) or 2 (failed).
//
// KEYS[1] job, KEYS[2] running, KEYS[3] active, KEYS[4] queued, KEYS[5] stats
// ARGV[1] id, ARGV[2] claimant, ARGV[3] now, ARGV[4] max attempts (0 = no cap),
// ARGV[5] failure message, ARGV[6] '1' to refund the attempt
var requeueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'running' then
  if not status then
    redis.call('HDEL', KEYS[2], ARGV[1])
  end
  return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[1], 'claimedBy') ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
local traj = redis.call('HGET', KEYS[1], 'trajectoryId')
if traj and traj ~= '' then
  if redis.call('HINCRBY', KEYS[3], traj, -1) <= 0 then
    redis.call('HDEL', KEYS[3], traj)
  end
end
if ARGV[6] == '1' then
  redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
local max = tonumber(ARGV[4])
if max > 0 and attempts >= max then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[5],
    'updatedAt', ARGV[3], 'claimedBy', '')
  redis.call('HINCRBY', KEYS[5], 'failed', 1)
  return 2
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'progress', '0',
  'updatedAt', ARGV[3], 'claimedBy', '')
redis.call('HDEL', KEYS[1], 'startedAt')
redis.call('LPUSH', KEYS[4], ARGV[1])
return 1
`)

// progressScript records progress only while the job is running
//
// KEYS[1] job; ARGV[1] progress, ARGV[2] now
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updatedAt', ARGV[2])
return 1
`)

// releaseLockScript deletes a lock only if the caller still owns it
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
