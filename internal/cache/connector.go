package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

var (
	Redis       *redis.Client
	RateLimiter *redis_rate.Limiter
)

func Init(cred *config.DBCredential) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	Redis = redis.NewClient(&redis.Options{
		Addr: cred.GetRedisAddress(),
		DB:   int(db),
	})
	if _, err := Redis.Ping(context.TODO()).Result(); err != nil {
		log.Fatalf("ping to redis:%v", err)
	}
	RateLimiter = redis_rate.NewLimiter(Redis)
}

func Close() {
	if Redis != nil {
		Redis.Close()
		Redis = nil
	}
}

const (
	lastEventIDKey     = "dapp:stream:last_event_id"
	processedKeyPrefix = "dapp:stream:processed:"
)

// StreamCursor persists the remote stream replay position and remembers which
// inbound messages were already applied, so at-least-once relay delivery
// stays idempotent across restarts.
type StreamCursor struct{}

func (StreamCursor) LastEventID(ctx context.Context) (string, error) {
	id, err := Redis.Get(ctx, lastEventIDKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.WrapAndReport(err, "read stream cursor")
	}
	return id, nil
}

func (StreamCursor) SetLastEventID(ctx context.Context, eventID string) error {
	err := Redis.Set(ctx, lastEventIDKey, eventID, 0).Err()
	return errors.WrapAndReport(err, "save stream cursor")
}

// MarkProcessed records a correlation key, returning false when the key was
// already applied before.
func (StreamCursor) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first, err := Redis.SetNX(ctx, processedKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, errors.WrapAndReport(err, "mark stream message processed")
	}
	return first, nil
}

// AllowOrigin rate limits inbound bridge calls per dapp origin.
func AllowOrigin(ctx context.Context, origin string, perSecond int) bool {
	if RateLimiter == nil {
		return true
	}
	res, err := RateLimiter.Allow(ctx, "dapp:origin:"+origin, redis_rate.PerSecond(perSecond))
	if err != nil {
		log.Errorf("origin rate limit:%v", err)
		return true
	}
	return res.Allowed > 0
}
