package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adx/pkg/redis"
)

func newTestHistory(t *testing.T) (*RedisHistory, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewRedisHistory(client)
	h.now = func() time.Time { return now }
	return h, mr, &now
}

func TestRedisHistory_WindowBoundaries(t *testing.T) {
	h, mr, now := newTestHistory(t)
	ctx := context.Background()
	t0 := *now

	observeAt := func(at time.Time) {
		*now = at
		require.NoError(t, h.Observe(ctx, "203.0.113.7"))
	}
	observeAt(t0.Add(-61 * time.Minute)) // trimmed by the last observe
	observeAt(t0.Add(-59 * time.Minute))
	observeAt(t0.Add(-time.Minute)) // exactly on the minute boundary
	observeAt(t0.Add(-30 * time.Second))
	observeAt(t0.Add(-30 * time.Second))
	observeAt(t0)

	minute, err := h.CountRecentEvents(ctx, "203.0.113.7", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, minute, "the minute window excludes its start")

	hour, err := h.CountRecentEvents(ctx, "203.0.113.7", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, hour)

	members, err := mr.ZMembers(historyKeyPrefix + "203.0.113.7")
	require.NoError(t, err)
	assert.Len(t, members, 5, "entries past retention are removed")
	assert.Equal(t, historyRetention, mr.TTL(historyKeyPrefix+"203.0.113.7"))

	other, err := h.CountRecentEvents(ctx, "198.51.100.1", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestRedisHistory_MinuteLimitTriggersScorer(t *testing.T) {
	h, _, _ := newTestHistory(t)
	s := NewScorer(DefaultConfig(), h, nil, nil)
	sample := Sample{IP: "203.0.113.7", UserAgent: chromeUA}

	for i := 0; i < 100; i++ {
		res := s.Score(context.Background(), sample)
		require.False(t, res.IsFraud, "request %d within the minute limit", i+1)
	}

	res := s.Score(context.Background(), sample)
	assert.True(t, res.IsFraud)
	assert.Contains(t, res.Types, TypeSuspicious)
	assert.Equal(t, 0.9, res.Confidence)
}

func TestRedisHistory_HourLimitTriggersScorer(t *testing.T) {
	h, _, now := newTestHistory(t)
	ctx := context.Background()
	t0 := *now

	// 1000 requests spread over the hour, under 100 in any minute
	for i := 0; i < 1000; i++ {
		*now = t0.Add(-59*time.Minute + time.Duration(i)*3*time.Second)
		require.NoError(t, h.Observe(ctx, "203.0.113.7"))
	}
	*now = t0

	s := NewScorer(DefaultConfig(), h, nil, nil)
	res := s.Score(ctx, Sample{IP: "203.0.113.7", UserAgent: chromeUA})
	assert.True(t, res.IsFraud)
	assert.Equal(t, []string{TypeFrequency}, res.Types)
	assert.Equal(t, 0.8, res.Confidence)
}
