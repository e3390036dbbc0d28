package ratelimit

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
	"github.com/StreetsDigital/thenexusengine/adx/pkg/redis"
)

const redisKeyPrefix = "adx:rl:"

// allowScript checks before incrementing so a rejected request never
// consumes quota. KEYS[1] = window key, ARGV[1] = limit, ARGV[2] = ttl ms.
var allowScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisLimiter shares fixed-window counters across exchange instances.
// Redis errors fail open: the request is admitted and the error logged.
type RedisLimiter struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisLimiter creates a limiter backed by client
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, clock: time.Now}
}

// Allow implements Limiter
func (l *RedisLimiter) Allow(ctx context.Context, id string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	if window <= 0 {
		window = time.Second
	}

	start := l.clock().Truncate(window)
	key := redisKeyPrefix + id + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	res, err := allowScript.Run(ctx, l.client, []string{key}, limit, window.Milliseconds()).Int()
	if err != nil {
		logger.Log.Warn().Err(err).Str("key", id).Msg("rate limit check failed, allowing request")
		return true
	}
	return res == 1
}
