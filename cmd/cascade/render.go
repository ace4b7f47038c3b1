// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCascade/pkg/ux"
	"github.com/AleutianAI/AleutianCascade/services/cascade/batch"
	"github.com/AleutianAI/AleutianCascade/services/cascade/orchestrator"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var styles = ux.Styles

func severityStyle(sev types.Severity) lipgloss.Style {
	switch sev {
	case types.SeverityCritical:
		return ux.Styles.Error.Bold(true)
	case types.SeverityHigh:
		return lipgloss.NewStyle().Foreground(ux.ColorOrange)
	case types.SeverityMedium:
		return ux.Styles.Warning
	default:
		return ux.Styles.Muted
	}
}

// =============================================================================
// IMPACT
// =============================================================================

// renderImpact prints a preview. At most limit dependents are listed;
// limit <= 0 lists all of them.
func renderImpact(p *ux.Printer, imp *types.DeletionImpact, limit int) {
	root := imp.Root().Key()
	c := imp.SeverityCounts

	summary := fmt.Sprintf("%d dependents: %d critical, %d high, %d medium, %d low",
		len(imp.Dependents), c.Critical, c.High, c.Medium, c.Low)

	switch {
	case !imp.CanDelete:
		p.Box(ux.Styles.ErrorBox, "Deletion of "+root+" is blocked", summary)
	case imp.Forced:
		p.Box(ux.Styles.WarningBox, "Deletion of "+root+" is forced", summary)
	case imp.Incomplete:
		p.Box(ux.Styles.WarningBox, "Deletion of "+root+" is allowed (incomplete walk)", summary)
	default:
		p.Box(ux.Styles.Box, "Deletion of "+root+" is allowed", summary)
	}

	shown := imp.Dependents
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	if len(shown) > 0 {
		renderDependents(p, imp, shown)
	}
	if hidden := len(imp.Dependents) - len(shown); hidden > 0 {
		p.Info(fmt.Sprintf("... %d more (use --limit 0 to list all)", hidden))
	}

	for _, reason := range imp.Reasons {
		if imp.CanDelete {
			p.Warning(reason)
		} else {
			p.Error(reason)
		}
	}
}

func renderDependents(p *ux.Printer, imp *types.DeletionImpact, deps []types.DependentEntity) {
	if p.Mode() == ux.ModePlain {
		for _, d := range deps {
			fmt.Fprintf(p.Writer(), "%s\t%s\tdepth=%d\t%s\n",
				imp.Severities[d.Key()], d.Key(), d.Depth, strings.Join(d.RelationPath, " <- "))
		}
		return
	}

	rows := make([][]string, 0, len(deps))
	sevs := make([]types.Severity, 0, len(deps))
	for _, d := range deps {
		sev := imp.Severities[d.Key()]
		sevs = append(sevs, sev)
		name := d.Name
		if d.Partial {
			name += " (partial)"
		}
		rows = append(rows, []string{string(sev), d.Key(), name, fmt.Sprint(d.Depth)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(ux.Styles.Muted).
		Headers("SEVERITY", "ENTITY", "NAME", "DEPTH").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return ux.Styles.Bold.Padding(0, 1)
			}
			if col == 0 && row >= 0 && row < len(sevs) {
				return severityStyle(sevs[row]).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(p.Writer(), t.Render())
}

// =============================================================================
// PROGRESS
// =============================================================================

// progressReporter draws DeletionProgress snapshots. Rich mode redraws one
// line in place; plain mode prints a line per change.
type progressReporter struct {
	p         *ux.Printer
	lastPhase types.Phase
	lastCount int
	drawn     bool
}

func newProgressReporter(p *ux.Printer) *progressReporter {
	return &progressReporter{p: p, lastCount: -1}
}

func (r *progressReporter) report(pr types.DeletionProgress) {
	if r.p.Mode() == ux.ModePlain {
		if pr.Phase == r.lastPhase && pr.ProcessedCount == r.lastCount && !pr.Done {
			return
		}
		r.lastPhase, r.lastCount = pr.Phase, pr.ProcessedCount
		fmt.Fprintf(r.p.Writer(), "phase=%s processed=%d/%d errors=%d pct=%.1f\n",
			pr.Phase, pr.ProcessedCount, pr.TotalCount, pr.ErrorCount, pr.Percentage)
		return
	}

	line := fmt.Sprintf("%-10s %s %d/%d", pr.Phase,
		ux.ProgressBar(ux.ModeRich, pr.ProcessedCount, pr.TotalCount, 30),
		pr.ProcessedCount, pr.TotalCount)
	if pr.ErrorCount > 0 {
		line += " " + ux.Styles.Error.Render(fmt.Sprintf("%d errors", pr.ErrorCount))
	}
	if pr.EstimatedTimeRemaining > 0 {
		line += " " + ux.Styles.Muted.Render("eta "+pr.EstimatedTimeRemaining.Round(time.Second).String())
	}
	fmt.Fprintf(r.p.Writer(), "\r\033[K%s", line)
	r.drawn = true
}

// batchProgress adapts a batch.Progress to the reporter.
func (r *progressReporter) batch(pr batch.Progress) {
	r.report(types.DeletionProgress{
		Phase:                  types.PhaseExecution,
		ProcessedCount:         pr.ProcessedItems,
		TotalCount:             pr.TotalItems,
		Percentage:             pr.Percentage,
		ErrorCount:             pr.ErrorCount,
		EstimatedTimeRemaining: pr.EstimatedTimeRemaining,
		Done:                   pr.Done,
	})
}

func (r *progressReporter) finish() {
	if r.drawn {
		fmt.Fprintln(r.p.Writer())
		r.drawn = false
	}
}

// =============================================================================
// RESULTS
// =============================================================================

func renderOperation(p *ux.Printer, op types.DeletionOperation, pr types.DeletionProgress) {
	counts := fmt.Sprintf("%d/%d processed, %d errors", pr.ProcessedCount, pr.TotalCount, pr.ErrorCount)
	switch op.Status {
	case types.StatusCompleted:
		p.Success(fmt.Sprintf("operation %s completed: %s", op.ID, counts))
	case types.StatusCancelled:
		p.Warning(fmt.Sprintf("operation %s cancelled: %s", op.ID, counts))
	default:
		p.Error(fmt.Sprintf("operation %s %s: %s", op.ID, op.Status, counts))
		if op.Error != "" {
			p.Info(op.Error)
		}
	}
}

func renderBatchResult(p *ux.Printer, res *orchestrator.BatchDeletionResult) {
	for _, rej := range res.Rejected {
		p.Error(fmt.Sprintf("rejected %s: %v", rej.Entity.Key(), rej.Err))
	}
	if res.Result == nil {
		return
	}
	for _, be := range res.Result.Errors {
		p.Error(fmt.Sprintf("%s: %v", be.Item.Key(), be.Err))
	}

	s := res.Result.Summary
	line := fmt.Sprintf("%d deleted, %d failed, %d skipped, %d retries in %s",
		s.SuccessCount, s.ErrorCount, s.Skipped, s.Retries, s.Duration.Round(time.Millisecond))
	switch {
	case res.Result.Cancelled:
		p.Warning("cancelled: " + line)
	case s.ErrorCount > 0 || len(res.Rejected) > 0:
		p.Warning(line)
	default:
		p.Success(line)
	}
}
