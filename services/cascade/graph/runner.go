// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
)

// Runner decides where a calculation executes. Every implementation calls
// Calculator.Calculate, so results do not depend on the runner chosen.
type Runner interface {
	Run(ctx context.Context, calc *Calculator, root types.EntityRef, opts Options) (*Result, error)
}

// -----------------------------------------------------------------------------
// Inline
// -----------------------------------------------------------------------------

// InlineRunner runs the calculation on the caller's goroutine.
type InlineRunner struct{}

// Run calls calc.Calculate directly.
func (InlineRunner) Run(ctx context.Context, calc *Calculator, root types.EntityRef, opts Options) (*Result, error) {
	return calc.Calculate(ctx, root, opts)
}

// -----------------------------------------------------------------------------
// Pool
// -----------------------------------------------------------------------------

type job struct {
	ctx  context.Context
	calc *Calculator
	root types.EntityRef
	opts Options
	done chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// PoolRunner runs calculations on a fixed set of background workers.
//
// # Description
//
// Submission never blocks: when every worker is busy and the queue is full,
// or the pool is closed, Run returns types.ErrPoolUnavailable at once. Pair
// it with FallbackRunner to run inline in that case.
//
// # Thread Safety
//
// Safe for concurrent use.
type PoolRunner struct {
	jobs   chan job
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPoolRunner starts workers goroutines with a queue of queueSize jobs.
func NewPoolRunner(workers, queueSize int, logger *slog.Logger) *PoolRunner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &PoolRunner{
		jobs:   make(chan job, queueSize),
		logger: logger.With(slog.String("component", "graph_pool")),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *PoolRunner) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.done <- p.execute(j)
	}
}

func (p *PoolRunner) execute(j job) (out jobResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dependency calculation panicked",
				slog.String("root", j.root.Key()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out = jobResult{err: fmt.Errorf("dependency calculation panicked: %v", r)}
		}
	}()
	res, err := j.calc.Calculate(j.ctx, j.root, j.opts)
	return jobResult{res: res, err: err}
}

// Run submits the calculation and waits for it.
func (p *PoolRunner) Run(ctx context.Context, calc *Calculator, root types.EntityRef, opts Options) (*Result, error) {
	j := job{ctx: ctx, calc: calc, root: root, opts: opts, done: make(chan jobResult, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: closed", types.ErrPoolUnavailable)
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		return nil, fmt.Errorf("%w: saturated", types.ErrPoolUnavailable)
	}

	select {
	case <-ctx.Done():
		return nil, types.NewError(types.KindOf(ctx.Err()), "calculate dependencies", ctx.Err()).WithEntity(root.Key())
	case out := <-j.done:
		return out.res, out.err
	}
}

// Close stops accepting work and waits for running calculations.
func (p *PoolRunner) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// -----------------------------------------------------------------------------
// Fallback
// -----------------------------------------------------------------------------

// FallbackRunner uses Primary and switches to Fallback when Primary reports
// types.ErrPoolUnavailable. Any other error is returned unchanged.
type FallbackRunner struct {
	Primary  Runner
	Fallback Runner
	Logger   *slog.Logger
}

// NewFallbackRunner returns a runner that prefers primary and falls back to
// inline execution.
func NewFallbackRunner(primary Runner, logger *slog.Logger) *FallbackRunner {
	return &FallbackRunner{Primary: primary, Fallback: InlineRunner{}, Logger: logger}
}

// Run implements Runner.
func (f *FallbackRunner) Run(ctx context.Context, calc *Calculator, root types.EntityRef, opts Options) (*Result, error) {
	if f.Primary != nil {
		res, err := f.Primary.Run(ctx, calc, root, opts)
		if !errors.Is(err, types.ErrPoolUnavailable) {
			return res, err
		}
		if f.Logger != nil {
			f.Logger.Debug("worker pool unavailable, calculating inline",
				slog.String("root", root.Key()),
				slog.String("reason", err.Error()),
			)
		}
		recordFallback(ctx)
	}

	fallback := f.Fallback
	if fallback == nil {
		fallback = InlineRunner{}
	}
	return fallback.Run(ctx, calc, root, opts)
}
