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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.cascade.graph")
	meter  = otel.Meter("aleutian.cascade.graph")
)

var (
	lookupTotal     metric.Int64Counter
	calcLatency     metric.Float64Histogram
	calcDependents  metric.Int64Histogram
	fallbackTotal   metric.Int64Counter
	calcErrorsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		lookupTotal, err = meter.Int64Counter(
			"cascade_graph_lookups_total",
			metric.WithDescription("Relation lookups issued below the root"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		calcLatency, err = meter.Float64Histogram(
			"cascade_graph_calculate_duration_seconds",
			metric.WithDescription("Duration of dependency calculations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		calcDependents, err = meter.Int64Histogram(
			"cascade_graph_dependents",
			metric.WithDescription("Dependents discovered per calculation"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fallbackTotal, err = meter.Int64Counter(
			"cascade_graph_inline_fallback_total",
			metric.WithDescription("Calculations run inline because the worker pool was unavailable"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		calcErrorsTotal, err = meter.Int64Counter(
			"cascade_graph_calculate_errors_total",
			metric.WithDescription("Calculations that failed, by error kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLookup(ctx context.Context, err error) {
	if initMetrics() != nil {
		return
	}
	lookupTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
}

func recordCalculation(ctx context.Context, d time.Duration, res *Result, err error) {
	if initMetrics() != nil {
		return
	}
	calcLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		calcErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", types.KindOf(err).String())))
		return
	}
	if res != nil {
		calcDependents.Record(ctx, int64(len(res.Dependents)))
	}
}

func recordFallback(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	fallbackTotal.Add(ctx, 1)
}

func startCalculateSpan(ctx context.Context, root types.EntityRef, opts Options) (context.Context, trace.Span) {
	return tracer.Start(ctx, "DependencyCalculator.Calculate",
		trace.WithAttributes(
			attribute.String("graph.root", root.Key()),
			attribute.Int("graph.max_depth", opts.MaxDepth),
			attribute.Bool("graph.include_indirect", opts.IncludeIndirect),
		),
	)
}
