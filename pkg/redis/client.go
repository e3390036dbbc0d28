// Package redis provides the shared Redis client used for cross-instance
// counters (rate limiting, per-IP request history).
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Nil is returned by commands when a key does not exist
const Nil = goredis.Nil

// Client wraps a go-redis client with the connection settings the exchange uses
type Client struct {
	*goredis.Client
	address string
}

// New creates a new Redis client from a URL such as redis://:pass@host:6379/0
func New(redisURL string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Counters sit on the auction hot path; fail fast rather than queue.
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 50 * time.Millisecond
	opts.WriteTimeout = 50 * time.Millisecond
	opts.PoolSize = 50
	opts.MinIdleConns = 5

	client := &Client{
		Client:  goredis.NewClient(opts),
		address: opts.Addr,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("address", opts.Addr).Msg("Redis connection test failed")
		// Don't fail - commands fail open and retry on each request
	} else {
		log.Info().Str("address", opts.Addr).Msg("Redis connected")
	}

	return client, nil
}

// Address returns the host:port the client connects to
func (c *Client) Address() string {
	return c.address
}
