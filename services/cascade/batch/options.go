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
	"fmt"
	"time"
)

// Options controls chunking, concurrency, pacing and retries.
type Options struct {
	// ChunkSize is the number of items per chunk. Default: 50.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size" validate:"gte=0"`

	// Concurrency is the maximum number of chunks running at once. Default: 3.
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`

	// DelayBetweenChunks is the pause between waves of chunks. Default: 100ms.
	DelayBetweenChunks time.Duration `yaml:"delay_between_chunks" mapstructure:"delay_between_chunks"`

	// MaxRetries is the number of retries after the first attempt. Default: 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelay is the backoff step. Retry n waits n*RetryDelay. Default: 1s.
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`

	// ProgressEvery emits progress after this many processed items, in
	// addition to every chunk completion. Default: 10.
	ProgressEvery int `yaml:"progress_every" mapstructure:"progress_every" validate:"gte=0"`

	// ItemTimeout bounds a single attempt. Zero means no per-item timeout.
	ItemTimeout time.Duration `yaml:"item_timeout" mapstructure:"item_timeout"`
}

// DefaultOptions returns the generic batch profile: 50/3/100ms, 2 retries.
func DefaultOptions() Options {
	return Options{
		ChunkSize:          50,
		Concurrency:        3,
		DelayBetweenChunks: 100 * time.Millisecond,
		MaxRetries:         2,
		RetryDelay:         time.Second,
		ProgressEvery:      10,
	}
}

// DeletionOptions returns the heavier deletion profile: smaller chunks and
// lower concurrency than generic work.
func DeletionOptions() Options {
	opts := DefaultOptions()
	opts.ChunkSize = 20
	opts.Concurrency = 2
	opts.DelayBetweenChunks = 200 * time.Millisecond
	return opts
}

// applyDefaults fills structural fields that cannot be zero. Zero delays
// and zero retries are legal and kept.
func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = def.ProgressEvery
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.DelayBetweenChunks < 0 {
		o.DelayBetweenChunks = 0
	}
}

// Validate rejects negative values.
func (o Options) Validate() error {
	if o.ChunkSize < 0 || o.Concurrency < 0 || o.MaxRetries < 0 || o.ProgressEvery < 0 {
		return fmt.Errorf("batch options must be non-negative: %+v", o)
	}
	if o.DelayBetweenChunks < 0 || o.RetryDelay < 0 || o.ItemTimeout < 0 {
		return fmt.Errorf("batch durations must be non-negative: %+v", o)
	}
	return nil
}
