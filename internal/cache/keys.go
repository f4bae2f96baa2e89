package cache

import "fmt"

// Hot store key namespace. Every engine key lives under the "seckill:"
// prefix so operators can scan, expire, or flush the namespace as a unit.
const (
	activityKeyPrefix    = "seckill:activity:"
	stockKeyPrefix       = "seckill:stock:"
	userLimitKeyPrefix   = "seckill:user_limit:"
	idempotencyKeyPrefix = "seckill:idempotency:"
)

// ActivityKey addresses the JSON snapshot of one activity.
func ActivityKey(activityID string) string {
	return activityKeyPrefix + activityID
}

// StockKey addresses the integer stock counter of one activity.
func StockKey(activityID string) string {
	return stockKeyPrefix + activityID
}

// UserLimitKey addresses one user's purchase counter for one activity.
func UserLimitKey(userID, activityID string) string {
	return fmt.Sprintf("%s%s:%s", userLimitKeyPrefix, userID, activityID)
}

// IdempotencyKey addresses a short-TTL reservation decision record.
func IdempotencyKey(key string) string {
	return idempotencyKeyPrefix + key
}

// ParseActivityKey extracts the activity id from an activity key.
func ParseActivityKey(key string) (string, bool) {
	return cutPrefix(key, activityKeyPrefix)
}

// ParseStockKey extracts the activity id from a stock counter key.
func ParseStockKey(key string) (string, bool) {
	return cutPrefix(key, stockKeyPrefix)
}

func cutPrefix(key, prefix string) (string, bool) {
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):], true
	}
	return "", false
}
