package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers keys for a while so redelivered messages can be skipped.
type Dedup struct {
	RDB     *redis.Client
	Service string
	TTL     time.Duration
}

// First marks key and reports whether this is the first time it was seen
// within the TTL.
func (d *Dedup) First(ctx context.Context, key string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyDedup, d.Service, key), 1, ttl).Result()
}

// Forget drops key so a failed delivery can be retried.
func (d *Dedup) Forget(ctx context.Context, key string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyDedup, d.Service, key)).Err()
}
