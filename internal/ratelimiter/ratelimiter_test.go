package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "registration %d is within burst", i)
	}
	assert.False(t, limiter.Allow())

	// 10/s refills one token per 100ms.
	time.Sleep(110 * time.Millisecond)
	assert.True(t, limiter.Allow())
}

func TestZeroBurstAdmitsOne(t *testing.T) {
	limiter := New(1, 0)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}

func TestWait(t *testing.T) {
	limiter := New(10, 1)
	require.True(t, limiter.Allow())

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx))
}

func TestUnlimited(t *testing.T) {
	limiter := New(0, 0)
	assert.True(t, limiter.Unlimited())
	for i := 0; i < 10000; i++ {
		require.True(t, limiter.Allow())
	}
	require.NoError(t, limiter.Wait(context.Background()))
}

func BenchmarkAllow(b *testing.B) {
	limiter := New(0, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow()
	}
}
