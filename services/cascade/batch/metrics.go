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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_batch_items_total",
		Help: "Batch items by outcome (success, error, skipped)",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_batch_retries_total",
		Help: "Item retries by error kind",
	}, []string{"kind"})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cascade_batch_chunk_duration_seconds",
		Help:    "Time to process one chunk",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	activeChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cascade_batch_active_chunks",
		Help: "Chunks currently executing across all batches",
	})

	memoryPausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascade_batch_memory_pauses_total",
		Help: "Waves delayed by memory backpressure",
	})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_batch_runs_total",
		Help: "Completed batch runs by result (completed, cancelled)",
	}, []string{"result"})
)
