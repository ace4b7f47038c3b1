// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.cascade.memory")

var (
	pauseTotal  metric.Int64Counter
	pauseUsedMB metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		pauseTotal, err = meter.Int64Counter(
			"cascade_memory_pauses_total",
			metric.WithDescription("Backpressure pauses taken because the heap ceiling was exceeded"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pauseUsedMB, err = meter.Float64Histogram(
			"cascade_memory_pause_used_mb",
			metric.WithDescription("Heap usage observed when a pause was taken"),
			metric.WithUnit("MBy"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPause(ctx context.Context, stats types.MemoryStats) {
	if err := initMetrics(); err != nil {
		return
	}
	pauseTotal.Add(ctx, 1)
	pauseUsedMB.Record(ctx, stats.UsedMB)
}
