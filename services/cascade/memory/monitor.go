// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory samples process heap usage against a ceiling and provides
// the pause-and-collect backpressure used by the batch processor.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/juju/clock"
)

const bytesPerMB = 1024 * 1024

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Monitor.
type Config struct {
	// LimitMB is the heap ceiling. Zero disables backpressure.
	LimitMB float64 `yaml:"limit_mb" mapstructure:"limit_mb" validate:"gte=0"`

	// Cooldown is the pause inserted when the ceiling is exceeded.
	// Default: 500ms.
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown"`

	// HistorySize is the number of samples kept for History. Default: 64.
	HistorySize int `yaml:"history_size" mapstructure:"history_size" validate:"gte=0"`
}

// DefaultConfig returns a 512MB ceiling with a 500ms cooldown.
func DefaultConfig() Config {
	return Config{
		LimitMB:     512,
		Cooldown:    500 * time.Millisecond,
		HistorySize: 64,
	}
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 500 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 64
	}
}

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// Monitor tracks heap usage and applies cooldown pauses.
//
// # Description
//
// Each Sample reads the heap allocation (runtime.MemStats.Alloc by default),
// converts it to MB and appends it to a fixed-size history. Relieve is the
// backpressure hook: when the latest sample is over the ceiling it requests
// a collection and then waits out the cooldown.
//
// # Thread Safety
//
// Safe for concurrent use. The sample history is shared by every operation
// using this Monitor.
type Monitor struct {
	config  Config
	sampler func() uint64
	gc      func()
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	history  *sampleRing
	peak     types.MemoryStats
	cleanups int64
	pauses   int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the heap reader. fn returns bytes in use.
func WithSampler(fn func() uint64) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.sampler = fn
		}
	}
}

// WithGC replaces runtime.GC as the cleanup hint.
func WithGC(fn func()) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.gc = fn
		}
	}
}

// WithClock replaces the wall clock used for cooldown pauses.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a Monitor.
//
// # Inputs
//
//   - config: Ceiling and cooldown. Zero fields take defaults except LimitMB.
//   - opts: Sampler, GC hook, clock and logger overrides.
//
// # Outputs
//
//   - *Monitor: Ready monitor. Never nil.
func NewMonitor(config Config, opts ...Option) *Monitor {
	config.applyDefaults()
	m := &Monitor{
		config:  config,
		sampler: readHeapAlloc,
		gc:      runtime.GC,
		clock:   clock.WallClock,
		logger:  slog.Default(),
		history: newSampleRing(config.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "memory_monitor"))
	return m
}

func readHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc
}

// Sample reads current usage and records it in the history.
func (m *Monitor) Sample() types.MemoryStats {
	used := float64(m.sampler()) / bytesPerMB
	stats := types.MemoryStats{
		UsedMB:    used,
		LimitMB:   m.config.LimitMB,
		SampledAt: m.clock.Now(),
	}
	if m.config.LimitMB > 0 {
		stats.Percentage = used * 100 / m.config.LimitMB
	}

	m.mu.Lock()
	m.history.push(stats)
	if stats.UsedMB > m.peak.UsedMB {
		m.peak = stats
	}
	m.mu.Unlock()

	return stats
}

// Exceeded samples and reports whether usage is over the ceiling.
func (m *Monitor) Exceeded() (types.MemoryStats, bool) {
	stats := m.Sample()
	return stats, stats.Exceeded()
}

// RequestCleanup asks the runtime for a collection.
func (m *Monitor) RequestCleanup() {
	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()
	m.gc()
}

// Relieve applies backpressure if the ceiling is exceeded.
//
// # Description
//
// Samples usage. Over the ceiling, it requests a cleanup and blocks for the
// configured cooldown. Under the ceiling it returns immediately.
//
// # Outputs
//
//   - bool: true if a pause was taken.
//   - error: Non-nil if ctx ended during the pause.
func (m *Monitor) Relieve(ctx context.Context) (bool, error) {
	stats, over := m.Exceeded()
	if !over {
		return false, nil
	}

	m.logger.Warn("memory ceiling exceeded, pausing",
		slog.Float64("used_mb", stats.UsedMB),
		slog.Float64("limit_mb", stats.LimitMB),
		slog.Duration("cooldown", m.config.Cooldown),
	)
	m.RequestCleanup()
	recordPause(ctx, stats)

	m.mu.Lock()
	m.pauses++
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return true, fmt.Errorf("memory cooldown: %w", ctx.Err())
	case <-m.clock.After(m.config.Cooldown):
		return true, nil
	}
}

// History returns recorded samples, oldest first.
func (m *Monitor) History() []types.MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.items()
}

// Peak returns the highest sample seen.
func (m *Monitor) Peak() types.MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Stats returns how many cleanups and pauses have been issued.
func (m *Monitor) Stats() (cleanups, pauses int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanups, m.pauses
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.config
}

// -----------------------------------------------------------------------------
// Sample history
// -----------------------------------------------------------------------------

// sampleRing is a fixed-capacity ring that drops the oldest sample when full.
// Callers hold Monitor.mu.
type sampleRing struct {
	buf  []types.MemoryStats
	head int
	size int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]types.MemoryStats, capacity)}
}

func (r *sampleRing) push(s types.MemoryStats) {
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = s
	if r.size == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.size++
}

func (r *sampleRing) items() []types.MemoryStats {
	out := make([]types.MemoryStats, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
