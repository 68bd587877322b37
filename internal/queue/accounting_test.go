package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsForKeyEmpty(t *testing.T) {
	q, err := NewInMemory(Config{})
	require.NoError(t, err)

	stats, err := StatsForKey(context.Background(), q, "recipient")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.TotalSize)
	assert.True(t, stats.Oldest.IsZero())
	assert.True(t, stats.Newest.IsZero())
}

func TestStatsForKeyAggregates(t *testing.T) {
	q, err := NewInMemory(Config{})
	require.NoError(t, err)
	clock := newFakeClock()
	q.now = clock.Now
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "recipient", []byte("12345")))
	oldest := clock.Now()
	clock.Advance(time.Minute)
	require.NoError(t, q.AddMessage(ctx, "recipient", []byte("1234567890")))
	newest := clock.Now()

	stats, err := StatsForKey(ctx, q, "recipient")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 15, stats.TotalSize)
	assert.Equal(t, oldest, stats.Oldest)
	assert.Equal(t, newest, stats.Newest)
}

func TestStatsForKeySkipsExpired(t *testing.T) {
	ttl := time.Minute
	q, err := NewInMemory(Config{TTL: ttl})
	require.NoError(t, err)
	clock := newFakeClock()
	q.now = clock.Now
	ctx := context.Background()

	require.NoError(t, q.AddMessage(ctx, "recipient", []byte("expired soon")))
	clock.Advance(ttl + time.Second)

	stats, err := StatsForKey(ctx, q, "recipient")
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
}
