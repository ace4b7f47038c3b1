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
	"io"

	"github.com/spf13/cobra"
)

// =============================================================================
// ROOT FLAGS
// =============================================================================

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configPath  string
	fixturePath string
	logLevel    string
	jsonLogs    bool
	showMetrics bool

	// app is built in PersistentPreRunE for commands that need the engine.
	app *app
}

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// run executes the CLI with args and releases the engine afterwards, also
// when the command fails.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		if opts.app != nil {
			opts.app.close()
			opts.app = nil
		}
	}()
	return root.ExecuteContext(ctx)
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "cascade",
		Short: "Preview and execute cascade deletions",
		Long: `Preview and execute cascade deletions.

Entities and their references are read from a YAML fixture:

  entities:
    - {type: teacher, id: t1, name: Ada}
    - {type: student, id: s1}
  links:
    - {from: student:s1, to: teacher:t1}

A link means "from" references "to"; deleting "to" cascades to "from".

Examples:
  cascade preview teacher t1 --fixture school.yaml
  cascade delete teacher t1 --fixture school.yaml --yes
  cascade batch-delete teacher:t1 teacher:t2 --fixture school.yaml
  cascade history --config cascade.yaml --user alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[annotationNoEngine] == "true" {
				return nil
			}
			a, err := buildApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.app == nil || !opts.showMetrics {
				return nil
			}
			return printMetrics(cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to cascade.yaml (env CASCADE_* overrides)")
	flags.StringVarP(&opts.fixturePath, "fixture", "f", "", "entity fixture YAML")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "write logs as JSON")
	flags.BoolVar(&opts.showMetrics, "show-metrics", false, "print cascade metrics after the command")

	root.AddCommand(
		newPreviewCmd(opts),
		newDeleteCmd(opts),
		newBatchDeleteCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(),
	)
	return root
}

// annotationNoEngine marks commands that run without building the engine.
const annotationNoEngine = "cascade/no-engine"
