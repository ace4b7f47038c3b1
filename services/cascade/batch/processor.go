// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch executes large item lists in rate-limited, memory-aware,
// retrying chunks with partial-failure semantics.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Waiter admits one outbound call. *ratelimit.Limiter satisfies it.
type Waiter interface {
	WaitForSlot(ctx context.Context) error
}

// MemoryGuard applies backpressure before a wave. *memory.Monitor satisfies it.
type MemoryGuard interface {
	Relieve(ctx context.Context) (paused bool, err error)
}

// ProcessFunc handles one item.
type ProcessFunc[T, R any] func(ctx context.Context, item T) (R, error)

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Progress is a snapshot emitted while a batch runs. ProcessedItems never
// decreases between consecutive snapshots of one batch.
type Progress struct {
	ProcessedItems         int
	TotalItems             int
	SuccessCount           int
	ErrorCount             int
	CompletedChunks        int
	TotalChunks            int
	Percentage             float64
	Elapsed                time.Duration
	EstimatedTimeRemaining time.Duration
	Done                   bool
}

// Summary aggregates a finished batch.
//
// TotalProcessed == SuccessCount + ErrorCount. Skipped counts items never
// completed because the batch was cancelled.
type Summary struct {
	TotalProcessed int
	SuccessCount   int
	ErrorCount     int
	Skipped        int
	TotalChunks    int
	Retries        int
	MemoryPauses   int
	Duration       time.Duration
}

// Result is always complete, even when some items failed or the batch was
// cancelled. Success is in completion order; chunks may finish out of order.
type Result[T, R any] struct {
	Success   []R
	Errors    []types.BatchError[T]
	Summary   Summary
	Cancelled bool
}

// -----------------------------------------------------------------------------
// Processor
// -----------------------------------------------------------------------------

// Processor holds the collaborators shared by batches: the rate limiter,
// the memory guard and the logger. Per-batch settings live in Options.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent batches share the limiter and guard.
type Processor struct {
	limiter Waiter
	guard   MemoryGuard
	logger  *slog.Logger
	clock   clock.Clock

	// retryLog samples per-retry debug lines.
	retryLog rate.Sometimes
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRateLimiter gates every attempt on w.
func WithRateLimiter(w Waiter) ProcessorOption {
	return func(p *Processor) { p.limiter = w }
}

// WithMemoryGuard consults g before every wave.
func WithMemoryGuard(g MemoryGuard) ProcessorOption {
	return func(p *Processor) { p.guard = g }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock drives inter-wave delays, retry backoff and timings from c.
func WithClock(c clock.Clock) ProcessorOption {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// NewProcessor creates a Processor. Without options it neither rate limits
// nor applies memory backpressure.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{
		logger:   slog.Default(),
		clock:    clock.WallClock,
		retryLog: rate.Sometimes{First: 3, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "batch_processor"))
	return p
}

// Process runs fn over items.
//
// # Description
//
// Items are split into chunks of ChunkSize. Chunks run in waves of at most
// Concurrency; the next wave starts after the current one finishes, the
// inter-wave delay elapses, and the memory guard releases. Items inside a
// chunk run in order. Each attempt first waits on the rate limiter. Failed
// attempts are retried with linear backoff unless the error is permanent;
// an item that exhausts its retries becomes one BatchError and the batch
// continues.
//
// Cancellation of ctx stops new waves and new items. An item already
// executing runs to completion on a context detached from ctx, and its
// outcome is recorded.
//
// # Inputs
//
//   - ctx: Cancellation token for the batch.
//   - p: Shared collaborators. Nil uses NewProcessor().
//   - items: Work items. Order within a chunk is preserved.
//   - fn: Per-item work.
//   - opts: Zero structural fields take DefaultOptions values.
//   - onProgress: Optional. Called synchronously and serially; keep it fast.
//
// # Outputs
//
//   - *Result: Never nil.
func Process[T, R any](
	ctx context.Context,
	p *Processor,
	items []T,
	fn ProcessFunc[T, R],
	opts Options,
	onProgress func(Progress),
) *Result[T, R] {
	if p == nil {
		p = NewProcessor()
	}
	opts.applyDefaults()

	r := &run[T, R]{
		p:          p,
		fn:         fn,
		opts:       opts,
		start:      p.clock.Now(),
		total:      len(items),
		onProgress: onProgress,
		result:     &Result[T, R]{Success: make([]R, 0, len(items))},
	}

	chunks := split(items, opts.ChunkSize)
	r.totalChunks = len(chunks)
	r.result.Summary.TotalChunks = len(chunks)

	p.logger.Debug("batch started",
		slog.Int("items", len(items)),
		slog.Int("chunks", len(chunks)),
		slog.Int("concurrency", opts.Concurrency),
	)

	for waveStart := 0; waveStart < len(chunks); waveStart += opts.Concurrency {
		if ctx.Err() != nil {
			r.cancelled = true
			break
		}
		if waveStart > 0 && opts.DelayBetweenChunks > 0 {
			if !sleep(ctx, p.clock, opts.DelayBetweenChunks) {
				r.cancelled = true
				break
			}
		}
		if p.guard != nil {
			paused, err := p.guard.Relieve(ctx)
			if paused {
				r.memoryPauses++
				memoryPausesTotal.Inc()
			}
			if err != nil {
				r.cancelled = true
				break
			}
		}

		waveEnd := min(waveStart+opts.Concurrency, len(chunks))
		var wg sync.WaitGroup
		for ci := waveStart; ci < waveEnd; ci++ {
			wg.Add(1)
			go func(ci int) {
				defer wg.Done()
				r.runChunk(ctx, ci, chunks[ci])
			}(ci)
		}
		wg.Wait()
	}

	return r.finish()
}

type chunk[T any] struct {
	offset int
	items  []T
}

func split[T any](items []T, size int) []chunk[T] {
	chunks := make([]chunk[T], 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, chunk[T]{offset: start, items: items[start:end]})
	}
	return chunks
}

// sleep waits for d unless ctx ends first. Returns false on cancellation.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clk.After(d):
		return true
	}
}

// -----------------------------------------------------------------------------
// Run state
// -----------------------------------------------------------------------------

type run[T, R any] struct {
	p          *Processor
	fn         ProcessFunc[T, R]
	opts       Options
	start      time.Time
	total      int
	onProgress func(Progress)

	mu              sync.Mutex
	result          *Result[T, R]
	processed       int
	completedChunks int
	totalChunks     int
	sinceEmit       int
	retries         int
	memoryPauses    int
	cancelled       bool
}

func (r *run[T, R]) runChunk(ctx context.Context, ci int, c chunk[T]) {
	activeChunks.Inc()
	start := r.p.clock.Now()
	defer func() {
		activeChunks.Dec()
		chunkDuration.Observe(r.p.clock.Now().Sub(start).Seconds())
		r.chunkDone()
	}()

	for i, item := range c.items {
		if ctx.Err() != nil {
			r.markCancelled()
			return
		}

		out, attempts, err := r.attempt(ctx, item)
		if errors.Is(err, errSkipped) {
			r.markCancelled()
			return
		}
		if err != nil {
			r.recordFailure(types.BatchError[T]{
				ChunkIndex: ci,
				ItemIndex:  c.offset + i,
				Item:       item,
				Err:        err,
				RetryCount: attempts - 1,
			})
			continue
		}
		r.recordSuccess(out, attempts-1)
	}
}

// errSkipped marks an item that never completed because the batch ended.
var errSkipped = errors.New("item skipped")

// attempt runs one item with rate limiting and retries.
func (r *run[T, R]) attempt(ctx context.Context, item T) (R, int, error) {
	var (
		out      R
		attempts int
		started  bool
		lastErr  error
	)

	op := func() error {
		if r.p.limiter != nil {
			if err := r.p.limiter.WaitForSlot(ctx); err != nil {
				return backoff.Permanent(errSkipped)
			}
		}
		attempts++
		started = true

		itemCtx := context.WithoutCancel(ctx)
		if r.opts.ItemTimeout > 0 {
			var cancel context.CancelFunc
			itemCtx, cancel = context.WithTimeout(itemCtx, r.opts.ItemTimeout)
			defer cancel()
		}

		res, err := r.fn(itemCtx, item)
		if err == nil {
			out = res
			return nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		retriesTotal.WithLabelValues(types.KindOf(err).String()).Inc()
		r.p.retryLog.Do(func() {
			r.p.logger.Debug("retrying item",
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		})
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.opts.RetryDelay}, uint64(r.opts.MaxRetries)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(op, policy, notify, &clockTimer{clock: r.p.clock})

	switch {
	case err == nil:
		return out, attempts, nil
	case errors.Is(err, errSkipped):
		return out, attempts, errSkipped
	case lastErr != nil && attempts > r.opts.MaxRetries:
		// Every attempt was spent; a cancellation racing the last one does
		// not hide the failure.
		return out, attempts, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
	case ctx.Err() != nil && (errors.Is(err, ctx.Err()) || types.IsRetryable(err)):
		// Cancelled between attempts; the item never succeeded.
		return out, attempts, errSkipped
	case !started:
		return out, attempts, errSkipped
	}
	return out, attempts, fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (r *run[T, R]) recordSuccess(out R, retries int) {
	itemsTotal.WithLabelValues("success").Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Success = append(r.result.Success, out)
	r.retries += retries
	r.advanceLocked()
}

func (r *run[T, R]) recordFailure(be types.BatchError[T]) {
	itemsTotal.WithLabelValues("error").Inc()
	r.p.logger.Warn("item failed permanently",
		slog.Int("chunk", be.ChunkIndex),
		slog.Int("item", be.ItemIndex),
		slog.Int("retries", be.RetryCount),
		slog.String("kind", types.KindOf(be.Err).String()),
		slog.String("error", be.Err.Error()),
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, be)
	r.retries += be.RetryCount
	r.advanceLocked()
}

// advanceLocked counts one processed item and emits progress on cadence.
// Caller holds r.mu; emission under the lock keeps snapshots ordered.
func (r *run[T, R]) advanceLocked() {
	r.processed++
	r.sinceEmit++
	if r.sinceEmit >= r.opts.ProgressEvery {
		r.sinceEmit = 0
		r.emitLocked(false)
	}
}

func (r *run[T, R]) chunkDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedChunks++
	r.sinceEmit = 0
	r.emitLocked(false)
}

func (r *run[T, R]) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *run[T, R]) snapshotLocked(done bool) Progress {
	elapsed := r.p.clock.Now().Sub(r.start)
	p := Progress{
		ProcessedItems:  r.processed,
		TotalItems:      r.total,
		SuccessCount:    len(r.result.Success),
		ErrorCount:      len(r.result.Errors),
		CompletedChunks: r.completedChunks,
		TotalChunks:     r.totalChunks,
		Percentage:      types.Percent(r.processed, r.total),
		Elapsed:         elapsed,
		Done:            done,
	}
	if remaining := r.total - r.processed; remaining > 0 && r.processed > 0 && !done {
		perItem := elapsed / time.Duration(r.processed)
		p.EstimatedTimeRemaining = perItem * time.Duration(remaining)
	}
	return p
}

func (r *run[T, R]) emitLocked(done bool) {
	if r.onProgress == nil {
		return
	}
	r.onProgress(r.snapshotLocked(done))
}

func (r *run[T, R]) finish() *Result[T, R] {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.result
	res.Cancelled = r.cancelled
	res.Summary.TotalProcessed = len(res.Success) + len(res.Errors)
	res.Summary.SuccessCount = len(res.Success)
	res.Summary.ErrorCount = len(res.Errors)
	res.Summary.Skipped = r.total - res.Summary.TotalProcessed
	res.Summary.Retries = r.retries
	res.Summary.MemoryPauses = r.memoryPauses
	res.Summary.Duration = r.p.clock.Now().Sub(r.start)

	if res.Summary.Skipped > 0 {
		itemsTotal.WithLabelValues("skipped").Add(float64(res.Summary.Skipped))
	}
	outcome := "completed"
	if res.Cancelled {
		outcome = "cancelled"
	}
	batchesTotal.WithLabelValues(outcome).Inc()

	r.emitLocked(true)
	r.p.logger.Info("batch finished",
		slog.Int("processed", res.Summary.TotalProcessed),
		slog.Int("errors", res.Summary.ErrorCount),
		slog.Int("skipped", res.Summary.Skipped),
		slog.Bool("cancelled", res.Cancelled),
		slog.Duration("duration", res.Summary.Duration),
	)
	return res
}

// -----------------------------------------------------------------------------
// Backoff
// -----------------------------------------------------------------------------

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// clockTimer adapts a clock.Clock timer to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
