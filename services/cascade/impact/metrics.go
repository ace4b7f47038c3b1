// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for impact analysis.
var (
	tracer = otel.Tracer("aleutian.cascade.impact")
	meter  = otel.Meter("aleutian.cascade.impact")
)

var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	criticalCounts  metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"cascade_impact_analysis_duration_seconds",
			metric.WithDescription("Duration of impact analysis"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"cascade_impact_analysis_total",
			metric.WithDescription("Impact analyses by decision"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		criticalCounts, err = meter.Int64Histogram(
			"cascade_impact_critical_dependents",
			metric.WithDescription("Critical dependents per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAnalysis(ctx context.Context, d time.Duration, impact *types.DeletionImpact) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("can_delete", impact.CanDelete),
		attribute.Bool("forced", impact.Forced),
	)
	analysisLatency.Record(ctx, d.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	criticalCounts.Record(ctx, int64(impact.SeverityCounts.Critical))
}

func startAnalyzeSpan(ctx context.Context, root types.EntityRef) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ImpactAnalyzer.Analyze",
		trace.WithAttributes(attribute.String("impact.root", root.Key())),
	)
}
