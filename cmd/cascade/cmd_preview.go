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

	"github.com/AleutianAI/AleutianCascade/pkg/ux"
	"github.com/spf13/cobra"
)

func newPreviewCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "preview TYPE ID",
		Short: "Show what deleting an entity would remove",
		Long: `Walk everything that references the entity, classify each dependent
and report whether the deletion is allowed. Nothing is deleted.

Examples:
  cascade preview teacher t1 --fixture school.yaml
  cascade preview teacher t1 --fixture school.yaml --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			imp, err := opts.app.engine.PreviewDeletion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(imp)
			}
			renderImpact(ux.NewPrinter(cmd.OutOrStdout()), imp, limit)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the impact as JSON")
	cmd.Flags().IntVar(&limit, "limit", 25, "dependents to list (0 for all)")
	return cmd
}
