package registry

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/logger"
)

// RedisEndpointsHash maps endpoint id to its JSON configuration
const RedisEndpointsHash = "adx:endpoints"

// RedisClient is the subset of go-redis used by RedisLoader
type RedisClient interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

// RedisLoader reads endpoint configuration from a Redis hash, for
// deployments where the admin side publishes endpoints to Redis instead of
// the database.
type RedisLoader struct {
	client RedisClient
	key    string
}

// NewRedisLoader creates a loader over the default endpoints hash
func NewRedisLoader(client RedisClient) *RedisLoader {
	return &RedisLoader{client: client, key: RedisEndpointsHash}
}

// FetchActiveEndpoints implements Loader
func (l *RedisLoader) FetchActiveEndpoints(ctx context.Context, direction Direction) ([]Endpoint, error) {
	configs, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints from Redis: %w", err)
	}

	result := make([]Endpoint, 0, len(configs))
	for id, raw := range configs {
		var ep Endpoint
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			log := logger.Endpoint(id)
			log.Warn().Err(err).Msg("Failed to parse endpoint config")
			continue
		}
		if ep.ID == "" {
			ep.ID = id
		}
		if ep.Direction != direction || ep.Status == StatusInactive {
			continue
		}
		result = append(result, ep)
	}
	return result, nil
}
