package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWindow(t *testing.T) {
	l := NewLocalWindow(3, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "login:a@example.test")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, _ := l.Allow(ctx, "login:a@example.test")
	assert.False(t, ok, "fourth attempt inside window")

	ok, _ = l.Allow(ctx, "login:b@example.test")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "login:a@example.test")
	assert.True(t, ok, "bucket refills over the window")
}

func TestLocalEvictsIdleBuckets(t *testing.T) {
	l := NewLocal(1, 1)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	_, _ = l.Allow(ctx, "b")
	assert.Equal(t, 2, l.size())

	now = now.Add(10 * time.Minute)
	_, _ = l.Allow(ctx, "c")
	assert.Equal(t, 1, l.size())
}

func TestRedisUnavailable(t *testing.T) {
	client := NewRedisClient("127.0.0.1:1", "", 0)
	defer client.Close()
	r := NewRedis(client, "", 5, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := r.Allow(ctx, "login:x")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, r.Ping(ctx))
}
