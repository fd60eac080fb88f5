package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	t.Run("ConsumesBurst", func(t *testing.T) {
		rl := New(1, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow(), "burst token %d", i)
		}
		assert.False(t, rl.Allow(), "burst exhausted")
	})

	t.Run("ZeroRateIsUnlimited", func(t *testing.T) {
		rl := New(0, 0)

		for i := 0; i < 1000; i++ {
			require.True(t, rl.Allow())
		}
	})
}

func TestWait(t *testing.T) {
	t.Run("ReturnsImmediatelyWithTokens", func(t *testing.T) {
		rl := New(1, 1)

		start := time.Now()
		require.NoError(t, rl.Wait(context.Background()))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("HonorsContextCancellation", func(t *testing.T) {
		rl := New(1, 1)
		require.NoError(t, rl.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := rl.Wait(ctx)
		require.Error(t, err)
	})
}

func TestTokens(t *testing.T) {
	rl := New(10, 5)
	assert.InDelta(t, 5, rl.Tokens(), 0.5)

	require.True(t, rl.Allow())
	assert.Less(t, rl.Tokens(), 5.0)
}
