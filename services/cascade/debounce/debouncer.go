// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce delays a user-triggered action until input settles.
package debounce

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultDelay is the settle time used when none is configured.
const DefaultDelay = 300 * time.Millisecond

// Debouncer runs only the last function triggered within a quiet period.
//
// # Description
//
// Each Trigger replaces the pending function and restarts the delay. When
// the delay elapses with no further Trigger, the pending function runs once
// on the clock's timer goroutine.
//
// # Thread Safety
//
// Safe for concurrent use.
type Debouncer struct {
	delay time.Duration
	clock clock.Clock

	mu      sync.Mutex
	timer   clock.Timer
	pending func()
	seq     uint64
	fired   int64
}

// New creates a Debouncer. Non-positive delays use DefaultDelay.
func New(delay time.Duration, clk clock.Clock) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Debouncer{delay: delay, clock: clk}
}

// Trigger schedules fn, replacing anything still pending.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.pending = fn
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.fire(seq)
	})
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.fired++
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending function. Returns true if one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropLocked() != nil
}

// Flush runs the pending function now, on the caller's goroutine.
// Returns false if nothing was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	fn := d.dropLocked()
	if fn != nil {
		d.fired++
	}
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

func (d *Debouncer) dropLocked() func() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	fn := d.pending
	d.pending = nil
	return fn
}

// Pending reports whether a function is waiting to run.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Fired returns how many functions have run.
func (d *Debouncer) Fired() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
