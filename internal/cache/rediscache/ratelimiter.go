package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter ограничивает частоту check_in-бродкастов на устройство,
// чтобы канал группы не забивался.
type RateLimiter struct {
	c *redis.Client
}

// Окно check_in фиксированное: лимиты в конфиге задаются "в минуту".
const checkInWindow = time.Minute

// CheckInKey — ключ окна частоты check_in для устройства.
func CheckInKey(deviceID string) string { return "rl:checkin:" + deviceID }

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow делает INCR по ключу и ставит TTL, если ключ создаётся впервые.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// AllowCheckIn — доменная обёртка: окно и схема ключа зашиты, вызывающему
// остаётся только устройство и лимит.
func (rl *RateLimiter) AllowCheckIn(ctx context.Context, deviceID string, limit int64) (bool, int64, error) {
	return rl.Allow(ctx, CheckInKey(deviceID), limit, checkInWindow)
}
