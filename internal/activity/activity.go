// Package activity holds the flash-sale activity model and its admission
// validator. Activities are owned by the administrative service; the
// engine reads cached snapshots only.
package activity

import (
	"time"
)

// Status is the activity lifecycle state set by the administrative service.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Activity is one flash-sale event with fixed inventory and a time window.
// Prices are fixed-point cents. TotalStock is immutable after creation.
type Activity struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        Status    `json:"status"`
	TotalStock    int64     `json:"total_stock"`
	SeckillPrice  int64     `json:"seckill_price_cents"`
	OriginalPrice int64     `json:"original_price_cents"`
	PerUserLimit  int64     `json:"per_user_limit"`
}
