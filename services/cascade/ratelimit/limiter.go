// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit bounds outbound deletion-backend calls with a sliding
// window of call timestamps.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	// DefaultRequestsPerSecond is the limit for generic batch work.
	DefaultRequestsPerSecond = 10

	// DeletionRequestsPerSecond is the limit for deletion-backend calls.
	DeletionRequestsPerSecond = 5

	// DefaultWindow is the trailing window the limit applies to.
	DefaultWindow = time.Second
)

// Limiter admits at most Limit calls in any trailing Window.
//
// # Description
//
// Every admitted call records its timestamp. Before admitting another call,
// timestamps older than Window are pruned; if Limit remain, the caller
// sleeps until the oldest one leaves the window. Sleeping goes through the
// injected clock, so waits never spin and tests can drive time.
//
// # Thread Safety
//
// Safe for concurrent use. The timestamp window is shared by every caller
// of the same Limiter.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu    sync.Mutex
	stamp []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates a limiter admitting limit calls per window.
//
// Non-positive values fall back to DefaultRequestsPerSecond and DefaultWindow.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultRequestsPerSecond
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		clock:  clock.WallClock,
		stamp:  make([]time.Time, 0, limit),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewDeletion returns a limiter with the deletion-backend default of 5/s.
func NewDeletion(opts ...Option) *Limiter {
	return New(DeletionRequestsPerSecond, DefaultWindow, opts...)
}

// WaitForSlot blocks until the call may proceed, then records it.
//
// # Outputs
//
//   - error: ctx.Err() if ctx ends before a slot frees up. The call is not
//     recorded in that case.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wait for rate limit slot: %w", err)
		}

		wait, ok := l.reserve()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for rate limit slot: %w", ctx.Err())
		case <-l.clock.After(wait):
		}
	}
}

// TryAcquire records a call if a slot is free right now.
func (l *Limiter) TryAcquire() bool {
	_, ok := l.reserve()
	return ok
}

// InWindow returns the number of calls recorded in the trailing window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.stamp)
}

// Limit returns the configured calls-per-window.
func (l *Limiter) Limit() int {
	return l.limit
}

// reserve records a call if possible; otherwise it returns how long until
// the oldest recorded call leaves the window.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.stamp) < l.limit {
		l.stamp = append(l.stamp, now)
		return 0, true
	}
	wait := l.stamp[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// prune drops timestamps that are at least one window old. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.stamp) && now.Sub(l.stamp[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.stamp = append(l.stamp[:0], l.stamp[i:]...)
	}
}
