// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracker

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.cascade.tracker")

var (
	opsCreated  metric.Int64Counter
	opsFinished metric.Int64Counter
	opsRejected metric.Int64Counter
	opsActive   metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		opsCreated, err = meter.Int64Counter(
			"cascade_operations_created_total",
			metric.WithDescription("Deletion operations created"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opsFinished, err = meter.Int64Counter(
			"cascade_operations_finished_total",
			metric.WithDescription("Deletion operations finalized, by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opsRejected, err = meter.Int64Counter(
			"cascade_operations_rejected_total",
			metric.WithDescription("Operations rejected by admission control"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opsActive, err = meter.Int64UpDownCounter(
			"cascade_operations_active",
			metric.WithDescription("Operations currently in progress"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCreated(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	opsCreated.Add(ctx, 1)
}

func recordFinished(ctx context.Context, status types.OperationStatus) {
	if initMetrics() != nil {
		return
	}
	opsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func recordRejected(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	opsRejected.Add(ctx, 1)
}

func recordActive(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	opsActive.Add(ctx, delta)
}
