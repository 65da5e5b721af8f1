package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachedStatus struct {
	Status    string    `json:"status"`
	Paid      bool      `json:"paid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache holds order statuses that can no longer change.
type StatusCache struct {
	RDB *redis.Client
	TTL time.Duration
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	var s CachedStatus
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false, err
	}
	return s, true, nil
}

func (c *StatusCache) Put(ctx context.Context, orderID string, s CachedStatus) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = TTLStatusCache
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, ttl).Err()
}
