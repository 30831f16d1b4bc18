package internal

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	limiter := NewRateLimiter(clock, 3, time.Minute)

	for range 3 {
		require.True(t, limiter.Allow("1.2.3.4"))
	}
	require.False(t, limiter.Allow("1.2.3.4"))
	require.True(t, limiter.Allow("5.6.7.8"), "keys are limited independently")

	clock.Advance(30 * time.Second)
	require.False(t, limiter.Allow("1.2.3.4"))
	clock.Advance(30 * time.Second)
	require.True(t, limiter.Allow("1.2.3.4"))
}

func TestRateLimiter_Forget(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(quartz.NewMock(t), 1, time.Hour)

	require.True(t, limiter.Allow("conn"))
	require.False(t, limiter.Allow("conn"))
	limiter.Forget("conn")
	require.True(t, limiter.Allow("conn"))
}
