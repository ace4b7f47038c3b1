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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCascade/pkg/ux"
	"github.com/AleutianAI/AleutianCascade/pkg/validation"
	"github.com/AleutianAI/AleutianCascade/services/cascade/archive"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		user    string
		status  string
		limit   int
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "history [OPERATION_ID]",
		Short: "List archived deletion operations",
		Long: `List finished operations from the archive, newest first, or show one
operation in full. Requires archive.dir (or archive.in_memory) in the config.

Examples:
  cascade history --config cascade.yaml
  cascade history --config cascade.yaml --user alice --status failed
  cascade history --config cascade.yaml 3f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := opts.app.archive
			if store == nil {
				return errors.New("no archive configured; set archive.dir")
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				if err := validation.ValidateOperationID(args[0]); err != nil {
					return err
				}
				rec, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			filter := archive.Filter{UserID: user, Limit: limit}
			if status != "" {
				filter.Status = types.OperationStatus(status)
			}
			records, err := store.List(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			renderHistory(ux.NewPrinter(cmd.OutOrStdout()), records)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "only operations by this user")
	cmd.Flags().StringVar(&status, "status", "", "only this status (completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum operations to list (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print records as JSON")
	return cmd
}

func renderHistory(p *ux.Printer, records []types.OperationRecord) {
	if len(records) == 0 {
		p.Info("no archived operations")
		return
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		op := rec.Operation
		rows = append(rows, []string{
			op.ID,
			types.EntityKey(op.EntityType, op.EntityID),
			op.UserID,
			string(op.Status),
			fmt.Sprintf("%d/%d", rec.Progress.ProcessedCount, rec.Progress.TotalCount),
			fmt.Sprint(rec.Progress.ErrorCount),
			op.CompletedAt.Format(time.RFC3339),
		})
	}

	if p.Mode() == ux.ModePlain {
		for _, r := range rows {
			fmt.Fprintf(p.Writer(), "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r[0], r[1], r[2], r[3], r[4], r[5], r[6])
		}
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(ux.Styles.Muted).
		Headers("OPERATION", "ENTITY", "USER", "STATUS", "PROCESSED", "ERRORS", "FINISHED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Bold(true)
			}
			if col == 3 && row >= 0 && row < len(records) {
				switch records[row].Operation.Status {
				case types.StatusCompleted:
					return base.Foreground(ux.ColorSuccess)
				case types.StatusFailed:
					return base.Foreground(ux.ColorError)
				case types.StatusCancelled:
					return base.Foreground(ux.ColorWarning)
				}
			}
			return base
		})
	fmt.Fprintln(p.Writer(), t.Render())
}
