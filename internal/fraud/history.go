package fraud

import (
	"context"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/redis"
)

const (
	historyKeyPrefix = "adx:hist:"
	// historyRetention bounds the longest window any check asks about
	historyRetention = time.Hour
)

// RedisHistory keeps a per-IP sorted set of request timestamps, shared by
// all exchange instances
type RedisHistory struct {
	client *redis.Client
	now    func() time.Time
}

var (
	_ History  = (*RedisHistory)(nil)
	_ Observer = (*RedisHistory)(nil)
)

// NewRedisHistory creates a history over client
func NewRedisHistory(client *redis.Client) *RedisHistory {
	return &RedisHistory{client: client, now: time.Now}
}

// Observe records one request from ip and trims entries past retention
func (h *RedisHistory) Observe(ctx context.Context, ip string) error {
	now := h.now()
	key := historyKeyPrefix + ip

	member, err := uuid.NewV4()
	if err != nil {
		return err
	}

	_, err = h.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: member.String()})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.Add(-historyRetention).UnixMilli(), 10))
		pipe.Expire(ctx, key, historyRetention)
		return nil
	})
	return err
}

// CountRecentEvents counts requests from ip within the trailing window
func (h *RedisHistory) CountRecentEvents(ctx context.Context, ip string, window time.Duration) (int, error) {
	from := strconv.FormatInt(h.now().Add(-window).UnixMilli(), 10)
	n, err := h.client.ZCount(ctx, historyKeyPrefix+ip, "("+from, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
