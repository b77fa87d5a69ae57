package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitsPerHost(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		delays = map[string]time.Duration{}
	)
	l := New(Config{RPS: 10, OnDelay: func(host string, waited time.Duration) {
		mu.Lock()
		delays[host] += waited
		mu.Unlock()
	}})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://probuilds.net/"))
	require.NoError(t, l.Wait(ctx, "https://example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "first token per host is immediate")

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://ProBuilds.net/champions"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, delays, "probuilds.net")
	require.NotContains(t, delays, "example.com")
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1})
	require.NoError(t, l.Wait(context.Background(), "https://probuilds.net/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorContains(t, l.Wait(ctx, "https://probuilds.net/"), "rate limit wait")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://probuilds.net/"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://probuilds.net/"))
}
