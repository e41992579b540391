package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"siterelay/internal/queue"
)

// RedisLedger keeps stamps as expiring keys, one per (tenant, command type).
// SET NX is the CAS; the key TTL is the window, so retry_after falls out of
// PTTL. Use this backend when several controller instances share one queue.
type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// DialRedis connects and pings so a bad address fails at startup, not on the
// first admission.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return rdb, nil
}

func cooldownKey(tenantID string, commandType queue.CommandType) string {
	return fmt.Sprintf("siterelay:cooldown:%s:%s", tenantID, commandType)
}

func (l *RedisLedger) Acquire(ctx context.Context, tenantID string, commandType queue.CommandType, period time.Duration) (bool, time.Duration, error) {
	if period <= 0 {
		return true, 0, nil
	}
	key := cooldownKey(tenantID, commandType)

	ok, err := l.rdb.SetNX(ctx, key, time.Now().Unix(), period).Result()
	if err != nil {
		return false, 0, fmt.Errorf("acquire cooldown: %w", err)
	}
	if ok {
		return true, 0, nil
	}

	ttl, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read cooldown ttl: %w", err)
	}
	if ttl <= 0 {
		// Key expired between SET and PTTL. Next attempt will win.
		return false, time.Second, nil
	}
	return false, clampRetryAfter(ttl, period), nil
}

func (l *RedisLedger) Clear(ctx context.Context, tenantID string) error {
	keys := make([]string, 0, len(queue.CommandTypes))
	for _, ct := range queue.CommandTypes {
		keys = append(keys, cooldownKey(tenantID, ct))
	}
	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear cooldowns: %w", err)
	}
	return nil
}
