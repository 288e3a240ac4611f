package redisx

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/estatepay/internal/sales"
)

// Cache keeps the latest transaction status and the applied-callback marks.
// The database stays authoritative; a miss only costs a store read.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps rdb as a sales cache.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

var _ sales.Cache = (*Cache)(nil)

func (c *Cache) SetStatus(ctx context.Context, correlationID string, status sales.TransactionStatus) error {
	return c.rdb.Set(ctx, statusKey(correlationID), string(status), TTLStatusCache).Err()
}

func (c *Cache) Status(ctx context.Context, correlationID string) (sales.TransactionStatus, bool, error) {
	s, err := c.rdb.Get(ctx, statusKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sales.TransactionStatus(s), true, nil
}

func (c *Cache) MarkReconciled(ctx context.Context, correlationID string) error {
	return c.rdb.Set(ctx, dedupKey(correlationID), "1", TTLDedup).Err()
}

func (c *Cache) Reconciled(ctx context.Context, correlationID string) (bool, error) {
	return Exists(ctx, c.rdb, dedupKey(correlationID))
}
