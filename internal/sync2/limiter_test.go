// Copyright (C) 2025 Updraft Labs.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"updraft.dev/updraft/internal/sync2"
)

func TestLimiterLimiting(t *testing.T) {
	const n, limit = 1000, 10

	ctx := context.Background()
	limiter := sync2.NewLimiter(limit)

	var concurrent int32
	var maxConcurrent int32

	for i := 0; i < n; i++ {
		started := limiter.Go(ctx, func() {
			current := atomic.AddInt32(&concurrent, 1)
			for {
				max := atomic.LoadInt32(&maxConcurrent)
				if current <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
		})
		require.True(t, started)
	}
	limiter.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(limit))
	require.Equal(t, int32(0), atomic.LoadInt32(&concurrent))
}

func TestLimiterCanceledContext(t *testing.T) {
	limiter := sync2.NewLimiter(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := limiter.Go(ctx, func() {
		t.Error("should not start")
	})
	require.False(t, started)
	limiter.Wait()
}

func TestLimiterAfterWait(t *testing.T) {
	limiter := sync2.NewLimiter(1)
	limiter.Wait()

	started := limiter.Go(context.Background(), func() {
		t.Error("should not start after Wait")
	})
	require.False(t, started)
}
