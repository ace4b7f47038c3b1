// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package impact classifies discovered dependents by severity and decides
// whether a deletion may proceed.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
)

// Input is everything the analyzer needs from a dependency calculation.
type Input struct {
	Root       types.EntityRef
	Dependents []types.DependentEntity
	Truncated  bool
	Partial    bool
	MaxDepth   int
}

// Options controls one analysis.
type Options struct {
	Thresholds Thresholds

	// Force turns a blocked result into an allowed one. Callers are
	// responsible for authorizing it.
	Force bool
}

// Analyzer builds DeletionImpact values.
//
// # Thread Safety
//
// Safe for concurrent use. The classification may be swapped underneath
// (hot reload); each Analyze call reads it once per dependent type.
type Analyzer struct {
	classification Classification
	logger         *slog.Logger
}

// NewAnalyzer creates an Analyzer. A nil classification uses DefaultTable.
func NewAnalyzer(classification Classification, logger *slog.Logger) *Analyzer {
	if classification == nil {
		classification = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		classification: classification,
		logger:         logger.With(slog.String("component", "impact_analyzer")),
	}
}

// Analyze classifies every dependent and decides CanDelete.
//
// # Description
//
// Base severity comes from the classification table. Dependents of a type
// that may escalate are raised to the severity of the highest threshold
// their same-type count reaches. Deletion is blocked by any critical
// dependent or by a failed branch lookup, unless opts.Force is set.
// Truncation never blocks; it marks the impact Incomplete.
//
// # Outputs
//
//   - *types.DeletionImpact: Always complete, including the full dependent
//     list and every reason, whether or not deletion is allowed.
func (a *Analyzer) Analyze(ctx context.Context, in Input, opts Options) *types.DeletionImpact {
	start := time.Now()
	ctx, span := startAnalyzeSpan(ctx, in.Root)
	defer span.End()

	perType := make(map[string]int)
	for _, d := range in.Dependents {
		perType[d.EntityType]++
	}

	typeNames := make([]string, 0, len(perType))
	for name := range perType {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	final := make(map[string]types.Severity, len(perType))
	var reasons []string
	for _, name := range typeNames {
		sev := a.classification.SeverityFor(name)
		if a.classification.EscalatesByCount(name) {
			if esc, threshold := opts.Thresholds.escalation(perType[name]); esc.Rank() > sev.Rank() {
				reasons = append(reasons, fmt.Sprintf(
					"%d %s dependents reach the %s threshold (%d)", perType[name], name, esc, threshold))
				sev = esc
			}
		}
		final[name] = sev
	}

	impact := &types.DeletionImpact{
		EntityType: in.Root.Type,
		EntityID:   in.Root.ID,
		Dependents: in.Dependents,
		Severities: make(map[string]types.Severity, len(in.Dependents)),
		Incomplete: in.Truncated || in.Partial,
	}
	if impact.Dependents == nil {
		impact.Dependents = []types.DependentEntity{}
	}
	for _, d := range in.Dependents {
		sev := final[d.EntityType]
		impact.Severities[d.Key()] = sev
		impact.SeverityCounts.Add(sev)
	}

	blocked := false
	if n := impact.SeverityCounts.Critical; n > 0 {
		blocked = true
		reasons = append(reasons, fmt.Sprintf("%d critical dependents block deletion", n))
	}
	if in.Partial {
		blocked = true
		failed := 0
		for _, d := range in.Dependents {
			if d.Partial {
				failed++
			}
		}
		reasons = append(reasons, fmt.Sprintf(
			"relation lookup failed for %d dependents; impact is incomplete", failed))
	}
	if in.Truncated {
		reasons = append(reasons, fmt.Sprintf(
			"dependency graph truncated at depth %d; deeper dependents were not analyzed", in.MaxDepth))
	}

	impact.CanDelete = !blocked
	if blocked && opts.Force {
		impact.CanDelete = true
		impact.Forced = true
		reasons = append(reasons, "force override applied")
	}
	if reasons == nil {
		reasons = []string{}
	}
	impact.Reasons = reasons

	recordAnalysis(ctx, time.Since(start), impact)
	a.logger.Debug("impact analyzed",
		slog.String("root", in.Root.Key()),
		slog.Int("dependents", len(in.Dependents)),
		slog.Int("critical", impact.SeverityCounts.Critical),
		slog.Bool("can_delete", impact.CanDelete),
		slog.Bool("forced", impact.Forced),
	)
	return impact
}
