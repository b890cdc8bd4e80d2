package idempotency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/order-saga/pkg/errs"
)

// RedisGuard claims event ids with SET NX EX; expiry is native.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisGuard(client redis.UniversalClient, prefix string) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) TryClaim(ctx context.Context, rec Record) (bool, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode claim for %s: %w", rec.EventID, err)
	}
	claimed, err := g.client.SetNX(ctx, g.key(rec.EventID), value, rec.TTL()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %v: %w", rec.EventID, err, errs.ErrStorage)
	}
	return claimed, nil
}

func (g *RedisGuard) Release(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, g.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event %s: %v: %w", eventID, err, errs.ErrStorage)
	}
	return nil
}

func (g *RedisGuard) key(eventID string) string {
	return g.prefix + eventID
}
