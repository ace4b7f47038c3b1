// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup collapses concurrent identical requests into one shared
// computation, with an optional short-lived result cache.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"
)

// Group deduplicates calls by key.
//
// # Description
//
// Concurrent Do calls with the same key share one execution of fn through
// singleflight. The shared execution runs on a context detached from any
// single caller, so one caller giving up does not fail the others; it can
// still be stopped explicitly with Cancel. Successful results are cached
// for TTL when TTL > 0. Invalidate drops both the cached value and any
// in-flight execution's right to populate the cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type Group[V any] struct {
	flight singleflight.Group
	ttl    time.Duration
	clock  clock.Clock

	mu       sync.Mutex
	cache    map[string]entry[V]
	gen      map[string]uint64
	inflight map[string]*flightToken

	hits   atomic.Int64
	misses atomic.Int64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type flightToken struct {
	cancel context.CancelFunc
}

// Option configures a Group.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock replaces the wall clock used for TTL expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// New creates a Group. ttl <= 0 disables result caching.
func New[V any](ttl time.Duration, opts ...Option) *Group[V] {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[V]{
		ttl:      ttl,
		clock:    o.clock,
		cache:    make(map[string]entry[V]),
		gen:      make(map[string]uint64),
		inflight: make(map[string]*flightToken),
	}
}

// Do returns the result for key, computing it with fn at most once across
// concurrent callers.
//
// # Outputs
//
//   - V: The result.
//   - bool: true if the value came from the cache or another caller's call.
//   - error: fn's error, or ctx.Err() if this caller stopped waiting.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, bool, error) {
	if v, ok := g.cached(key); ok {
		g.hits.Add(1)
		return v, true, nil
	}
	g.misses.Add(1)

	ch := g.flight.DoChan(key, func() (any, error) {
		return g.run(ctx, key, fn)
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, fmt.Errorf("dedup %s: %w", key, ctx.Err())
	case r := <-ch:
		v, _ := r.Val.(V)
		return v, r.Shared, r.Err
	}
}

func (g *Group[V]) run(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tok := &flightToken{cancel: cancel}

	g.mu.Lock()
	gen := g.gen[key]
	g.inflight[key] = tok
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		if g.inflight[key] == tok {
			delete(g.inflight, key)
		}
		g.mu.Unlock()
	}()

	v, err := fn(runCtx)
	if err == nil && g.ttl > 0 {
		g.mu.Lock()
		if g.gen[key] == gen {
			g.cache[key] = entry[V]{value: v, expiresAt: g.clock.Now().Add(g.ttl)}
		}
		g.mu.Unlock()
	}
	return v, err
}

func (g *Group[V]) cached(key string) (V, bool) {
	var zero V
	if g.ttl <= 0 {
		return zero, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.cache[key]
	if !ok {
		return zero, false
	}
	if !g.clock.Now().Before(e.expiresAt) {
		delete(g.cache, key)
		return zero, false
	}
	return e.value, true
}

// Invalidate drops the cached result for key. A computation already in
// flight for key still returns to its callers but is not cached, and new
// callers start a fresh computation.
func (g *Group[V]) Invalidate(key string) {
	g.mu.Lock()
	delete(g.cache, key)
	g.gen[key]++
	g.mu.Unlock()
	g.flight.Forget(key)
}

// Cancel stops the in-flight computation for key, if any. Callers waiting on
// it receive the error fn returns for a cancelled context.
func (g *Group[V]) Cancel(key string) bool {
	g.mu.Lock()
	tok, ok := g.inflight[key]
	if ok {
		delete(g.inflight, key)
		g.gen[key]++
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	tok.cancel()
	g.flight.Forget(key)
	return true
}

// Len returns the number of cached entries, expired ones included.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

// InFlight reports whether a computation for key is running.
func (g *Group[V]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// Stats returns cache hits and misses.
func (g *Group[V]) Stats() (hits, misses int64) {
	return g.hits.Load(), g.misses.Load()
}
