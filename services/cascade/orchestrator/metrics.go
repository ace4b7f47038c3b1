// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.cascade.orchestrator")

var (
	previewTotal      metric.Int64Counter
	executionTotal    metric.Int64Counter
	executionDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		previewTotal, err = meter.Int64Counter(
			"cascade_previews_total",
			metric.WithDescription("Preview requests by outcome (computed, shared, error)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executionTotal, err = meter.Int64Counter(
			"cascade_executions_total",
			metric.WithDescription("Finished cascade deletions by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executionDuration, err = meter.Float64Histogram(
			"cascade_execution_duration_seconds",
			metric.WithDescription("Cascade deletion wall time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordPreview(ctx context.Context, shared bool, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "computed"
	switch {
	case err != nil:
		outcome = "error"
	case shared:
		outcome = "shared"
	}
	previewTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordExecution(ctx context.Context, status types.OperationStatus, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	executionTotal.Add(ctx, 1, attrs)
	executionDuration.Record(ctx, d.Seconds(), attrs)
}
