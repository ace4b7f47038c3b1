// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/memory"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func fastOptions() Options {
	return Options{
		ChunkSize:     50,
		Concurrency:   3,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		ProgressEvery: 10,
	}
}

func double(_ context.Context, n int) (int, error) { return n * 2, nil }

func TestProcess_ScenarioA_120Items(t *testing.T) {
	var (
		mu       sync.Mutex
		progress []Progress
	)
	res := Process(context.Background(), nil, intItems(120), double, fastOptions(), func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	assert.Equal(t, 3, res.Summary.TotalChunks)
	assert.Equal(t, 120, res.Summary.TotalProcessed)
	assert.Equal(t, 120, res.Summary.SuccessCount)
	assert.Equal(t, 0, res.Summary.Skipped)
	assert.False(t, res.Cancelled)
	assert.Len(t, res.Success, 120)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, 3, last.CompletedChunks)
}

func TestProcess_TotalsInvariant(t *testing.T) {
	fn := func(_ context.Context, n int) (int, error) {
		if n%7 == 0 {
			return 0, types.NewError(types.KindValidation, "delete", errors.New("not eligible"))
		}
		return n, nil
	}

	for _, size := range []int{0, 1, 13, 99, 250} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			res := Process(context.Background(), nil, intItems(size), fn, fastOptions(), nil)
			assert.Equal(t, res.Summary.TotalProcessed, len(res.Success)+len(res.Errors))
			assert.LessOrEqual(t, len(res.Errors), size)
			assert.Equal(t, size, res.Summary.TotalProcessed)
			assert.Equal(t, (size+6)/7, len(res.Errors))
			for _, be := range res.Errors {
				assert.Equal(t, 0, be.RetryCount, "validation errors are not retried")
				assert.Equal(t, be.ItemIndex, be.Item)
			}
		})
	}
}

func TestProcess_RetryBound(t *testing.T) {
	var attempts atomic.Int32
	fn := func(_ context.Context, n int) (int, error) {
		attempts.Add(1)
		return 0, types.NewError(types.KindNetwork, "delete", errors.New("connection reset"))
	}

	opts := fastOptions()
	opts.MaxRetries = 2
	res := Process(context.Background(), nil, []int{42}, fn, opts, nil)

	assert.Equal(t, int32(3), attempts.Load())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].RetryCount)
	assert.Equal(t, 42, res.Errors[0].Item)
	assert.ErrorIs(t, res.Errors[0].Err, types.ErrNetwork)
	assert.Equal(t, 2, res.Summary.Retries)
}

func TestProcess_RetryBackoffIsLinear(t *testing.T) {
	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	fn := func(_ context.Context, n int) (int, error) {
		mu.Lock()
		stamp = append(stamp, time.Now())
		mu.Unlock()
		return 0, context.DeadlineExceeded
	}

	opts := fastOptions()
	opts.MaxRetries = 2
	opts.RetryDelay = 40 * time.Millisecond
	Process(context.Background(), nil, []int{1}, fn, opts, nil)

	require.Len(t, stamp, 3)
	assert.GreaterOrEqual(t, stamp[1].Sub(stamp[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, stamp[2].Sub(stamp[1]), 80*time.Millisecond)
}

func TestProcess_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	fn := func(_ context.Context, n int) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}

	res := Process(context.Background(), nil, []int{1}, fn, fastOptions(), nil)
	assert.Equal(t, []string{"ok"}, res.Success)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Summary.Retries)
}

func TestProcess_ConcurrencyNeverExceeded(t *testing.T) {
	pairs := []struct{ chunkSize, concurrency int }{
		{1, 1}, {2, 3}, {5, 2}, {3, 5}, {10, 4},
	}

	for _, pair := range pairs {
		t.Run(fmt.Sprintf("chunk%d_conc%d", pair.chunkSize, pair.concurrency), func(t *testing.T) {
			var active, peak atomic.Int32
			fn := func(_ context.Context, n int) (int, error) {
				cur := active.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return n, nil
			}

			opts := fastOptions()
			opts.ChunkSize = pair.chunkSize
			opts.Concurrency = pair.concurrency
			res := Process(context.Background(), nil, intItems(37), fn, opts, nil)

			assert.Equal(t, 37, res.Summary.SuccessCount)
			assert.LessOrEqual(t, int(peak.Load()), pair.concurrency)
		})
	}
}

func TestProcess_OrderWithinChunkPreserved(t *testing.T) {
	var (
		mu    sync.Mutex
		order = map[int][]int{}
	)
	fn := func(_ context.Context, n int) (int, error) {
		mu.Lock()
		order[n/10] = append(order[n/10], n)
		mu.Unlock()
		return n, nil
	}

	opts := fastOptions()
	opts.ChunkSize = 10
	opts.Concurrency = 4
	Process(context.Background(), nil, intItems(40), fn, opts, nil)

	for c := 0; c < 4; c++ {
		want := []int{c * 10, c*10 + 1, c*10 + 2, c*10 + 3, c*10 + 4, c*10 + 5, c*10 + 6, c*10 + 7, c*10 + 8, c*10 + 9}
		assert.Equal(t, want, order[c])
	}
}

func TestProcess_CancellationLetsInFlightItemFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var itemCtxErr error
	var processedAfterCancel atomic.Int32
	var cancelled atomic.Bool
	fn := func(itemCtx context.Context, n int) (int, error) {
		if cancelled.Load() {
			processedAfterCancel.Add(1)
		}
		if n == 7 {
			cancel()
			cancelled.Store(true)
			time.Sleep(10 * time.Millisecond)
			itemCtxErr = itemCtx.Err()
		}
		return n, nil
	}

	opts := fastOptions()
	opts.ChunkSize = 5
	opts.Concurrency = 1
	res := Process(ctx, nil, intItems(20), fn, opts, nil)

	assert.True(t, res.Cancelled)
	assert.NoError(t, itemCtxErr, "in-flight item must not observe cancellation")
	assert.Equal(t, int32(0), processedAfterCancel.Load())
	assert.Equal(t, 8, res.Summary.TotalProcessed)
	assert.Equal(t, 12, res.Summary.Skipped)
	assert.Contains(t, res.Success, 7)
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	res := Process(ctx, nil, intItems(10), func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	}, fastOptions(), nil)

	assert.True(t, res.Cancelled)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 10, res.Summary.Skipped)
}

func TestProcess_CancelDuringBackoffSkipsItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(_ context.Context, n int) (int, error) {
		cancel()
		return 0, errors.New("transient")
	}

	opts := fastOptions()
	opts.RetryDelay = time.Second
	start := time.Now()
	res := Process(ctx, nil, []int{1}, fn, opts, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Summary.Skipped)
}

func TestProcess_ScenarioC_MemoryPause(t *testing.T) {
	var samples atomic.Int32
	sampler := func() uint64 {
		// First wave under the ceiling, second wave at 110% of 100MB.
		if samples.Add(1) == 2 {
			return 110 * 1024 * 1024
		}
		return 50 * 1024 * 1024
	}
	var gcCalls atomic.Int32
	mon := memory.NewMonitor(memory.Config{LimitMB: 100, Cooldown: 500 * time.Millisecond},
		memory.WithSampler(sampler),
		memory.WithGC(func() { gcCalls.Add(1) }),
	)

	var (
		mu    sync.Mutex
		start = map[int]time.Time{}
		end   = map[int]time.Time{}
	)
	fn := func(_ context.Context, n int) (int, error) {
		mu.Lock()
		start[n] = time.Now()
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		end[n] = time.Now()
		mu.Unlock()
		return n, nil
	}

	opts := fastOptions()
	opts.ChunkSize = 1
	opts.Concurrency = 2
	res := Process(context.Background(), NewProcessor(WithMemoryGuard(mon)), intItems(6), fn, opts, nil)

	require.Equal(t, 6, res.Summary.SuccessCount)
	assert.Equal(t, 1, res.Summary.MemoryPauses)
	assert.Equal(t, int32(1), gcCalls.Load())

	// Items 0,1 form wave one; 2,3 wave two.
	waveOneEnd := end[0]
	if end[1].After(waveOneEnd) {
		waveOneEnd = end[1]
	}
	waveTwoStart := start[2]
	if start[3].Before(waveTwoStart) {
		waveTwoStart = start[3]
	}
	assert.GreaterOrEqual(t, waveTwoStart.Sub(waveOneEnd), 500*time.Millisecond)

	// No pause before wave three.
	assert.Less(t, start[4].Sub(end[3]), 400*time.Millisecond)
}

type countingWaiter struct {
	calls atomic.Int32
}

func (w *countingWaiter) WaitForSlot(ctx context.Context) error {
	w.calls.Add(1)
	return ctx.Err()
}

func TestProcess_EveryAttemptWaitsOnLimiter(t *testing.T) {
	w := &countingWaiter{}
	fn := func(_ context.Context, n int) (int, error) {
		if n == 0 {
			return 0, errors.New("always")
		}
		return n, nil
	}

	opts := fastOptions()
	opts.MaxRetries = 2
	Process(context.Background(), NewProcessor(WithRateLimiter(w)), intItems(5), fn, opts, nil)

	// Item 0 makes three attempts, the other four make one each.
	assert.Equal(t, int32(7), w.calls.Load())
}

func TestProcess_ProgressCadenceAndMonotonic(t *testing.T) {
	var progress []Progress
	opts := fastOptions()
	opts.Concurrency = 1
	opts.ChunkSize = 25
	Process(context.Background(), nil, intItems(25), double, opts, func(p Progress) {
		progress = append(progress, p)
	})

	processed := make([]int, len(progress))
	for i, p := range progress {
		processed[i] = p.ProcessedItems
	}
	assert.Equal(t, []int{10, 20, 25, 25}, processed)
	assert.True(t, progress[len(progress)-1].Done)

	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].ProcessedItems, progress[i-1].ProcessedItems)
	}
}

func TestProcess_CancelDuringLastAttemptStillFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	fn := func(_ context.Context, n int) (int, error) {
		if attempts.Add(1) == 2 {
			cancel()
		}
		return 0, types.NewError(types.KindNetwork, "delete", errors.New("connection reset"))
	}

	opts := fastOptions()
	opts.MaxRetries = 1
	res := Process(ctx, nil, []int{7}, fn, opts, nil)

	assert.Equal(t, int32(2), attempts.Load())
	require.Len(t, res.Errors, 1, "an exhausted item is a failure, not a skip")
	assert.Equal(t, 7, res.Errors[0].Item)
	assert.Equal(t, 1, res.Errors[0].RetryCount)
	assert.ErrorIs(t, res.Errors[0].Err, types.ErrNetwork)
	assert.Equal(t, 0, res.Summary.Skipped)
}

func waitResult[T, R any](t *testing.T, ch <-chan *Result[T, R]) *Result[T, R] {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
		return nil
	}
}

func TestProcess_DelayBetweenWavesFollowsClock(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewProcessor(WithClock(clk))

	opts := fastOptions()
	opts.ChunkSize = 1
	opts.Concurrency = 1
	opts.DelayBetweenChunks = time.Minute

	done := make(chan *Result[int, int], 1)
	go func() { done <- Process(context.Background(), p, intItems(2), double, opts, nil) }()

	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	res := waitResult(t, done)
	assert.Equal(t, 2, res.Summary.SuccessCount)
	assert.Equal(t, time.Minute, res.Summary.Duration)
}

func TestProcess_RetryBackoffFollowsClock(t *testing.T) {
	clk := testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := NewProcessor(WithClock(clk))

	var attempts atomic.Int32
	fn := func(_ context.Context, n int) (int, error) {
		if attempts.Add(1) == 1 {
			return 0, types.NewError(types.KindNetwork, "delete", errors.New("connection reset"))
		}
		return n, nil
	}
	opts := fastOptions()
	opts.RetryDelay = time.Hour

	done := make(chan *Result[int, int], 1)
	go func() { done <- Process(context.Background(), p, []int{3}, fn, opts, nil) }()

	require.NoError(t, clk.WaitAdvance(time.Hour, 5*time.Second, 1))
	res := waitResult(t, done)
	assert.Equal(t, []int{3}, res.Success)
	assert.Equal(t, 1, res.Summary.Retries)
	assert.Equal(t, time.Hour, res.Summary.Duration)
}

func TestProcess_DelayBetweenWaves(t *testing.T) {
	opts := fastOptions()
	opts.ChunkSize = 1
	opts.Concurrency = 1
	opts.DelayBetweenChunks = 30 * time.Millisecond

	start := time.Now()
	Process(context.Background(), nil, intItems(4), double, opts, nil)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestProcess_ItemTimeout(t *testing.T) {
	fn := func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	opts := fastOptions()
	opts.ItemTimeout = 10 * time.Millisecond
	opts.MaxRetries = 1

	res := Process(context.Background(), nil, []int{1}, fn, opts, nil)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, types.KindTimeout, types.KindOf(res.Errors[0].Err))
	assert.Equal(t, 1, res.Errors[0].RetryCount)
}

func TestOptions(t *testing.T) {
	del := DeletionOptions()
	assert.Equal(t, 20, del.ChunkSize)
	assert.Equal(t, 2, del.Concurrency)
	require.NoError(t, del.Validate())

	var zero Options
	zero.applyDefaults()
	assert.Equal(t, 50, zero.ChunkSize)
	assert.Equal(t, 3, zero.Concurrency)
	assert.Equal(t, 0, zero.MaxRetries)

	assert.Error(t, Options{ChunkSize: -1}.Validate())
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: time.Second}
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
