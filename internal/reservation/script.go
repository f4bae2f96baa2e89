package reservation

// reserveScript atomically checks and updates the stock counter and
// the per-user counter. Running server-side keeps the two keys
// consistent without a distributed lock.
//
// KEYS[1] stock counter
// KEYS[2] per-user counter
// ARGV[1] quantity
// ARGV[2] per-user limit
// ARGV[3] per-user counter TTL in milliseconds, 0 for none
//
// The user counter expires after the activity retention period so
// counters do not outlive the sale. The expiry is stamped when the
// counter is created.
//
// Returns {status, remaining_stock, user_purchased} where status is
// 0 ok, 1 insufficient stock, 2 user limit exceeded, 3 stock missing.
const reserveScript = `
local stock = redis.call('GET', KEYS[1])
if not stock then
  return {3, 0, 0}
end
stock = tonumber(stock)
local qty = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local purchased = tonumber(redis.call('GET', KEYS[2]) or '0')
if stock < qty then
  return {1, stock, purchased}
end
if purchased + qty > limit then
  return {2, stock, purchased}
end
stock = redis.call('DECRBY', KEYS[1], qty)
purchased = redis.call('INCRBY', KEYS[2], qty)
if purchased == qty and ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return {0, stock, purchased}
`

// rollbackScript compensates a reservation whose event could not be
// delivered. The restored values are clamped so a double rollback
// cannot push stock past the recorded total or the user counter below
// zero.
//
// KEYS[1] stock counter
// KEYS[2] per-user counter
// ARGV[1] quantity
// ARGV[2] total stock ceiling
//
// Returns {restored_stock, user_purchased}.
const rollbackScript = `
local qty = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local stock = tonumber(redis.call('GET', KEYS[1]) or '0')
local purchased = tonumber(redis.call('GET', KEYS[2]) or '0')
local restore = qty
if stock + restore > ceiling then
  restore = ceiling - stock
end
if restore < 0 then
  restore = 0
end
local refund = qty
if refund > purchased then
  refund = purchased
end
stock = redis.call('INCRBY', KEYS[1], restore)
purchased = redis.call('DECRBY', KEYS[2], refund)
return {stock, purchased}
`
