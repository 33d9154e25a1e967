package redisq

import "github.com/redis/go-redis/v9"

// Lua scripts keep every multi-step state transition atomic on the broker.
// Key construction inside the scripts follows the same layout as the key
// helpers in queue.go; this rules out Redis Cluster, which is acceptable for
// the single-instance brokers this system targets.

// promoteScript moves due delayed jobs back to the waiting list.
// KEYS[1] = delayed zset, KEYS[2] = waiting list
// ARGV[1] = now (ms), ARGV[2] = max batch, ARGV[3] = key prefix
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HSET", ARGV[3] .. "job:" .. id, "state", "waiting")
  redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// reclaimScript re-queues active jobs whose lease expired: a worker that died
// between fetch and ack leaves its job in the active list, and the lease is
// the only signal that nobody is working on it anymore.
// KEYS[1] = lease zset, KEYS[2] = active list, KEYS[3] = waiting list
// ARGV[1] = now (ms), ARGV[2] = max batch, ARGV[3] = key prefix
var reclaimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LREM", KEYS[2], 1, id)
  redis.call("HSET", ARGV[3] .. "job:" .. id, "state", "waiting")
  redis.call("LPUSH", KEYS[3], id)
end
return #expired
`)

// completeScript acks a job, records completion, and promotes the parent when
// this was its last pending child.
// KEYS[1] = active list, KEYS[2] = completed zset, KEYS[3] = lease zset
// ARGV[1] = job id, ARGV[2] = now (ms), ARGV[3] = keep-completed,
// ARGV[4] = key prefix, ARGV[5] = result json
var completeScript = redis.NewScript(`
local prefix = ARGV[4]
local id = ARGV[1]
local jkey = prefix .. "job:" .. id

redis.call("LREM", KEYS[1], 1, id)
redis.call("ZREM", KEYS[3], id)
redis.call("HSET", jkey, "state", "completed", "progress", "100", "result", ARGV[5], "finishedAt", ARGV[2])
redis.call("ZADD", KEYS[2], tonumber(ARGV[2]), id)
redis.call("ZREMRANGEBYRANK", KEYS[2], 0, -(tonumber(ARGV[3]) + 1))

local parent = redis.call("HGET", jkey, "parent")
if parent and parent ~= "" then
  local pkey = prefix .. "job:" .. parent
  local pending = redis.call("HINCRBY", pkey, "pending", -1)
  local pstate = redis.call("HGET", pkey, "state")
  if pending <= 0 and pstate == "waiting-children" then
    redis.call("HSET", pkey, "state", "waiting")
    local pqueue = redis.call("HGET", pkey, "queue")
    redis.call("LPUSH", prefix .. pqueue .. ":waiting", parent)
    return {parent, 1}
  end
end
return {"", 0}
`)

// failScript acks a failed attempt. Below max attempts the job re-enters via
// the delayed zset with exponential backoff; otherwise it is terminal. A
// terminal failure walks the whole ancestor chain: every ancestor still in
// waiting-children fails with reason child-failed, and every not-yet-started
// job in the failed subtrees (waiting, delayed, or a waiting-children subtree
// root and its descendants) is cancelled with reason parent-cancelled.
// In-flight jobs finish best effort; their own ack sees the parent already
// failed and stops there.
// KEYS[1] = active list, KEYS[2] = delayed zset, KEYS[3] = failed zset,
// KEYS[4] = lease zset
// ARGV[1] = job id, ARGV[2] = now (ms), ARGV[3] = error message,
// ARGV[4] = keep-failed, ARGV[5] = key prefix, ARGV[6] = force-terminal flag
var failScript = redis.NewScript(`
local prefix = ARGV[5]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local jkey = prefix .. "job:" .. id

redis.call("LREM", KEYS[1], 1, id)
redis.call("ZREM", KEYS[4], id)

local attempt = tonumber(redis.call("HGET", jkey, "attempt") or "1")
local maxAttempts = tonumber(redis.call("HGET", jkey, "maxAttempts") or "1")
local backoff = tonumber(redis.call("HGET", jkey, "backoffMs") or "2000")

if ARGV[6] ~= "1" and attempt < maxAttempts then
  local delay = backoff * 2 ^ (attempt - 1)
  redis.call("HSET", jkey, "attempt", attempt + 1, "state", "delayed", "lastError", ARGV[3])
  redis.call("ZADD", KEYS[2], now + delay, id)
  return {1, delay}
end

redis.call("HSET", jkey, "state", "failed", "failReason", ARGV[3], "finishedAt", ARGV[2])
redis.call("ZADD", KEYS[3], now, id)
redis.call("ZREMRANGEBYRANK", KEYS[3], 0, -(tonumber(ARGV[4]) + 1))

local function cancelTree(rootId)
  local stack = {rootId}
  while #stack > 0 do
    local cid = table.remove(stack)
    local ckey = prefix .. "job:" .. cid
    local cstate = redis.call("HGET", ckey, "state")
    if cstate == "waiting" or cstate == "delayed" or cstate == "waiting-children" then
      local cqueue = redis.call("HGET", ckey, "queue")
      redis.call("LREM", prefix .. cqueue .. ":waiting", 1, cid)
      redis.call("ZREM", prefix .. cqueue .. ":delayed", cid)
      redis.call("HSET", ckey, "state", "failed", "failReason", "parent-cancelled", "finishedAt", ARGV[2])
      redis.call("ZADD", prefix .. cqueue .. ":failed", now, cid)
      local kids = redis.call("HGET", ckey, "children")
      if kids and kids ~= "" then
        for k in string.gmatch(kids, '"([^"]+)"') do
          stack[#stack + 1] = k
        end
      end
    end
  end
end

local child = id
local parent = redis.call("HGET", jkey, "parent")
while parent and parent ~= "" do
  local pkey = prefix .. "job:" .. parent
  if redis.call("HGET", pkey, "state") ~= "waiting-children" then
    break
  end
  redis.call("HSET", pkey, "state", "failed", "failReason", "child-failed", "finishedAt", ARGV[2])
  local pqueue = redis.call("HGET", pkey, "queue")
  redis.call("ZADD", prefix .. pqueue .. ":failed", now, parent)
  local children = redis.call("HGET", pkey, "children")
  if children and children ~= "" then
    for sib in string.gmatch(children, '"([^"]+)"') do
      if sib ~= child then
        cancelTree(sib)
      end
    end
  end
  child = parent
  parent = redis.call("HGET", pkey, "parent")
end
return {0, 0}
`)
