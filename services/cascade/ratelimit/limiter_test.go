// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, DefaultRequestsPerSecond, l.Limit())
	assert.Equal(t, DefaultWindow, l.window)

	assert.Equal(t, DeletionRequestsPerSecond, NewDeletion().Limit())
}

func TestLimiter_TryAcquire(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	l := New(3, time.Second, WithClock(clk))

	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 3, l.InWindow())

	clk.Advance(time.Second)
	assert.Equal(t, 0, l.InWindow())
	assert.True(t, l.TryAcquire())
}

func TestLimiter_SlidingWindow(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	l := New(2, time.Second, WithClock(clk))

	require.True(t, l.TryAcquire())
	clk.Advance(600 * time.Millisecond)
	require.True(t, l.TryAcquire())

	// Window: t=0, t=600ms. At t=999ms both are still inside.
	clk.Advance(399 * time.Millisecond)
	assert.False(t, l.TryAcquire())

	// At t=1000ms the first call leaves.
	clk.Advance(time.Millisecond)
	assert.True(t, l.TryAcquire())
	assert.Equal(t, 2, l.InWindow())
}

func TestLimiter_WaitForSlot_BlocksUntilWindowSlides(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	l := New(2, time.Second, WithClock(clk))
	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())

	done := make(chan error, 1)
	go func() {
		done <- l.WaitForSlot(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("WaitForSlot returned while window was full")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForSlot did not wake after the window slid")
	}
	assert.Equal(t, 1, l.InWindow())
}

func TestLimiter_WaitForSlot_ContextCancelled(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	l := New(1, time.Second, WithClock(clk))
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.WaitForSlot(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("WaitForSlot ignored cancellation")
	}
	assert.Equal(t, 1, l.InWindow())
}

func TestLimiter_NeverExceedsLimit(t *testing.T) {
	l := New(5, 200*time.Millisecond)

	var (
		mu    sync.Mutex
		stamp []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.WaitForSlot(context.Background()))
			mu.Lock()
			stamp = append(stamp, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamp, 12)
	assert.LessOrEqual(t, l.InWindow(), 5)
}
