package redisx

import "time"

const (
	// Cache of a terminal order status: order_status:{order_id} -> {"status": "...", "paid": ..., "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup of provider webhooks: dedup:{service}:{payment_ref}:{status}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 24 * time.Hour
	TTLDedup       = 5 * time.Minute
)
