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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianCascade/pkg/ux"
	"github.com/AleutianAI/AleutianCascade/services/cascade/orchestrator"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

// deleteFlags are shared by delete and batch-delete.
type deleteFlags struct {
	yes   bool
	force bool
	user  string
	limit int
}

func (f *deleteFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&f.force, "force", false, "delete despite critical dependents (needs impact.allow_force)")
	cmd.Flags().StringVar(&f.user, "user", defaultUser(), "user the operation runs as")
	cmd.Flags().IntVar(&f.limit, "limit", 25, "dependents to list (0 for all)")
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// errDeclined is returned when the confirmation prompt is answered no.
var errDeclined = errors.New("deletion declined")

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	flags := &deleteFlags{}

	cmd := &cobra.Command{
		Use:   "delete TYPE ID",
		Short: "Delete an entity and everything that depends on it",
		Long: `Preview the deletion, ask for confirmation, then delete dependents
deepest first and the entity last. Progress is shown until the operation
finishes. Ctrl-C cancels the operation; items already in flight finish.

Examples:
  cascade delete student s1 --fixture school.yaml
  cascade delete teacher t1 --fixture school.yaml --yes --user alice`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, opts.app, flags, args[0], args[1])
		},
	}
	flags.register(cmd)
	return cmd
}

func newBatchDeleteCmd(opts *rootOptions) *cobra.Command {
	flags := &deleteFlags{}

	cmd := &cobra.Command{
		Use:   "batch-delete TYPE:ID...",
		Short: "Delete several entities in one batch",
		Long: `Delete several root entities and their dependents as one batch.
Roots whose deletion is blocked are rejected and reported; the rest are
deleted together, deepest first.

Examples:
  cascade batch-delete student:s1 student:s2 --fixture school.yaml --yes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchDelete(cmd, opts.app, flags, args)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runDelete(cmd *cobra.Command, a *app, flags *deleteFlags, entityType, entityID string) error {
	ctx := cmd.Context()
	p := ux.NewPrinter(cmd.OutOrStdout())

	imp, err := a.engine.PreviewDeletion(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	renderImpact(p, imp, flags.limit)
	if !imp.CanDelete && !flags.force {
		return fmt.Errorf("deletion of %s is blocked; resolve the critical dependents or use --force", imp.Root().Key())
	}

	prompt := fmt.Sprintf("Delete %s and %d dependents?", imp.Root().Key(), len(imp.Dependents))
	if err := confirm(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), flags.yes, prompt); err != nil {
		return err
	}

	op, err := a.engine.ExecuteDeletion(ctx, orchestrator.ExecuteRequest{
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     flags.user,
		Force:      flags.force,
	})
	if err != nil {
		return err
	}
	p.Info(fmt.Sprintf("operation %s started", op.ID))

	rep := newProgressReporter(p)
	watchErr := a.engine.Watch(ctx, op.ID, rep.report)
	rep.finish()
	if ctx.Err() != nil {
		p.Warning("interrupted, cancelling " + op.ID)
		if _, err := a.engine.Cancel(op.ID); err != nil {
			return err
		}
	} else if watchErr != nil {
		return watchErr
	}

	final, err := a.engine.Wait(context.WithoutCancel(ctx), op.ID)
	if err != nil {
		return err
	}
	progress, err := a.engine.GetProgress(op.ID)
	if err != nil {
		return err
	}
	renderOperation(p, final, progress)

	if final.Status != types.StatusCompleted {
		return fmt.Errorf("operation %s %s", final.ID, final.Status)
	}
	return nil
}

func runBatchDelete(cmd *cobra.Command, a *app, flags *deleteFlags, args []string) error {
	ctx := cmd.Context()
	p := ux.NewPrinter(cmd.OutOrStdout())

	entities := make([]types.EntityRef, 0, len(args))
	for _, arg := range args {
		ref, err := types.ParseEntityKey(arg)
		if err != nil {
			return err
		}
		entities = append(entities, ref)
	}

	total := 0
	for _, ref := range entities {
		imp, err := a.engine.PreviewDeletion(ctx, ref.Type, ref.ID)
		if err != nil {
			return err
		}
		renderImpact(p, imp, flags.limit)
		total += len(imp.Dependents) + 1
	}

	prompt := fmt.Sprintf("Delete %d roots (%d entities before overlap)?", len(entities), total)
	if err := confirm(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), flags.yes, prompt); err != nil {
		return err
	}

	rep := newProgressReporter(p)
	res, err := a.engine.ExecuteBatchDeletion(ctx, orchestrator.BatchRequest{
		Entities: entities,
		UserID:   flags.user,
		Force:    flags.force,
	}, rep.batch)
	rep.finish()
	if err != nil {
		return err
	}
	renderBatchResult(p, res)

	switch {
	case res.Result != nil && res.Result.Cancelled:
		return errors.New("batch deletion cancelled")
	case res.Result != nil && res.Result.Summary.ErrorCount > 0:
		return fmt.Errorf("%d deletions failed", res.Result.Summary.ErrorCount)
	case len(res.Rejected) == len(entities):
		return errors.New("every root was rejected")
	}
	return nil
}

// confirm asks prompt on a terminal. Without a terminal, yes must be set.
func confirm(ctx context.Context, in io.Reader, out io.Writer, yes bool, prompt string) error {
	if yes {
		return nil
	}
	f, ok := in.(*os.File)
	if !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return errors.New("stdin is not a terminal; pass --yes to confirm")
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Description("This cannot be undone.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithInput(in).WithOutput(out)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errDeclined
		}
		return fmt.Errorf("confirm: %w", err)
	}
	if !confirmed {
		return errDeclined
	}
	return nil
}
