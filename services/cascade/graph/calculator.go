// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph discovers every entity that transitively references a root
// entity, breadth-first and depth-bounded.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// RelationLookup lists the entities that reference a given entity.
//
// Implementations are supplied by the surrounding application's storage
// layer. They must be safe for concurrent use.
type RelationLookup interface {
	ListReferencingEntities(ctx context.Context, entityType, entityID string) ([]types.EntityRef, error)
}

// LookupFunc adapts a function to RelationLookup.
type LookupFunc func(ctx context.Context, entityType, entityID string) ([]types.EntityRef, error)

// ListReferencingEntities calls f.
func (f LookupFunc) ListReferencingEntities(ctx context.Context, entityType, entityID string) ([]types.EntityRef, error) {
	return f(ctx, entityType, entityID)
}

// -----------------------------------------------------------------------------
// Options and Results
// -----------------------------------------------------------------------------

const (
	// DefaultMaxDepth bounds traversal depth.
	DefaultMaxDepth = 5

	// DefaultBatchSize is how many frontier nodes are looked up per batch.
	DefaultBatchSize = 50

	// DefaultLookupConcurrency bounds concurrent lookups within a batch.
	DefaultLookupConcurrency = 4
)

// Options controls a calculation.
type Options struct {
	// MaxDepth bounds traversal. Nodes at MaxDepth are not expanded; they are
	// probed once and tagged Truncated if they have further dependents.
	MaxDepth int

	// IncludeIndirect=false restricts the result to direct references.
	IncludeIndirect bool

	// BatchSize is the number of frontier nodes looked up per batch.
	BatchSize int

	// LookupConcurrency bounds concurrent lookups inside one batch.
	LookupConcurrency int

	// Timeout bounds the whole calculation. Zero means no timeout.
	Timeout time.Duration

	// OnProgress is called after every batch. Optional.
	OnProgress func(Progress)
}

// DefaultOptions returns depth 5, indirect traversal, batches of 50.
func DefaultOptions() Options {
	return Options{
		MaxDepth:          DefaultMaxDepth,
		IncludeIndirect:   true,
		BatchSize:         DefaultBatchSize,
		LookupConcurrency: DefaultLookupConcurrency,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LookupConcurrency <= 0 {
		o.LookupConcurrency = DefaultLookupConcurrency
	}
}

// Progress is reported after each frontier batch.
type Progress struct {
	Depth      int
	Batch      int
	Looked     int
	Discovered int
}

// BranchError records a relation lookup that failed below the root.
type BranchError struct {
	Entity string
	Depth  int
	Err    error
}

// Edge records that From references To. Both are entity keys.
type Edge struct {
	From string
	To   string
}

// Result is the outcome of a calculation.
type Result struct {
	Root     types.EntityRef
	MaxDepth int

	// Dependents excludes the root. Each entity appears once, in discovery
	// order (breadth-first, then lookup order).
	Dependents []types.DependentEntity

	// Edges holds every reference observed between the root and its
	// dependents, including the ones that did not discover a new entity.
	// References made by the root itself are left out.
	Edges []Edge

	// Truncated is set when some node at MaxDepth had unexpanded dependents.
	Truncated bool

	// Partial is set when any branch lookup failed.
	Partial bool

	BranchErrors []BranchError
	Lookups      int
	Duration     time.Duration
}

// -----------------------------------------------------------------------------
// Calculator
// -----------------------------------------------------------------------------

// Calculator walks the relation graph.
//
// Calculate is a pure function of the RelationLookup's answers and the
// options, so every Runner produces the same output for the same graph.
//
// Thread Safety: Safe for concurrent use.
type Calculator struct {
	lookup RelationLookup
	logger *slog.Logger
}

// NewCalculator creates a Calculator. A nil logger uses slog.Default().
func NewCalculator(lookup RelationLookup, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		lookup: lookup,
		logger: logger.With(slog.String("component", "dependency_calculator")),
	}
}

// Calculate discovers every dependent of root.
//
// # Description
//
// Breadth-first from root. The frontier of each depth is looked up in
// batches of BatchSize; lookups in a batch run concurrently and are merged
// in frontier order. A visited set keeps each entity once and breaks cycles.
//
// # Inputs
//
//   - ctx: Cancellation and deadline. Options.Timeout is applied on top.
//   - root: The entity being deleted. Excluded from the result.
//   - opts: Traversal options. Zero numeric fields take defaults.
//
// # Outputs
//
//   - *Result: Dependents plus truncation and partial-failure markers.
//   - error: Wraps types.ErrRootLookup if the root's own lookup fails;
//     a Timeout or Cancelled *types.Error if ctx ends mid-walk.
func (c *Calculator) Calculate(ctx context.Context, root types.EntityRef, opts Options) (*Result, error) {
	opts.applyDefaults()
	start := time.Now()

	ctx, span := startCalculateSpan(ctx, root, opts)
	defer span.End()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	res, err := c.walk(ctx, root, opts)
	duration := time.Since(start)
	recordCalculation(ctx, duration, res, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("dependency calculation failed",
			slog.String("root", root.Key()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	res.Duration = duration
	span.SetAttributes(
		attribute.Int("graph.dependents", len(res.Dependents)),
		attribute.Bool("graph.truncated", res.Truncated),
		attribute.Bool("graph.partial", res.Partial),
	)
	c.logger.Debug("dependency calculation complete",
		slog.String("root", root.Key()),
		slog.Int("dependents", len(res.Dependents)),
		slog.Int("lookups", res.Lookups),
		slog.Bool("truncated", res.Truncated),
		slog.Bool("partial", res.Partial),
		slog.Duration("duration", duration),
	)
	return res, nil
}

type lookupOutcome struct {
	refs []types.EntityRef
	err  error
}

func (c *Calculator) walk(ctx context.Context, root types.EntityRef, opts Options) (*Result, error) {
	rootKey := root.Key()
	res := &Result{Root: root, MaxDepth: opts.MaxDepth}
	visited := map[string]struct{}{rootKey: {}}

	children, err := c.lookup.ListReferencingEntities(ctx, root.Type, root.ID)
	res.Lookups++
	if err != nil {
		kind := types.KindOf(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = types.KindOf(ctxErr)
		}
		return nil, types.NewError(kind, "calculate dependencies",
			fmt.Errorf("%w: %w", types.ErrRootLookup, err)).WithEntity(rootKey)
	}

	maxDepth := opts.MaxDepth
	if !opts.IncludeIndirect {
		maxDepth = 1
	}

	edges := make(map[Edge]struct{})
	link := func(from, to string) {
		if from == to || from == rootKey {
			return
		}
		e := Edge{From: from, To: to}
		if _, dup := edges[e]; dup {
			return
		}
		edges[e] = struct{}{}
		res.Edges = append(res.Edges, e)
	}

	var frontier []int
	for _, ref := range children {
		if idx, ok := res.discover(visited, ref, []string{rootKey}, 1); ok {
			frontier = append(frontier, idx)
		}
		link(ref.Key(), rootKey)
	}

	for depth := 1; len(frontier) > 0; depth++ {
		expand := depth < maxDepth
		if !expand && !opts.IncludeIndirect {
			break
		}

		var next []int
		for batchNo, startIdx := 0, 0; startIdx < len(frontier); batchNo, startIdx = batchNo+1, startIdx+opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, types.NewError(types.KindOf(err), "calculate dependencies", err).WithEntity(rootKey)
			}

			end := min(startIdx+opts.BatchSize, len(frontier))
			batch := frontier[startIdx:end]
			outcomes := c.lookupBatch(ctx, res, batch, opts.LookupConcurrency)
			res.Lookups += len(batch)

			if err := ctx.Err(); err != nil {
				return nil, types.NewError(types.KindOf(err), "calculate dependencies", err).WithEntity(rootKey)
			}

			for i, idx := range batch {
				out := outcomes[i]
				if out.err != nil {
					res.Dependents[idx].Partial = true
					res.Partial = true
					res.BranchErrors = append(res.BranchErrors, BranchError{
						Entity: res.Dependents[idx].Key(),
						Depth:  depth,
						Err:    out.err,
					})
					continue
				}

				nodeKey := res.Dependents[idx].Key()
				if !expand {
					for _, ref := range out.refs {
						if _, seen := visited[ref.Key()]; !seen {
							res.Dependents[idx].Truncated = true
							res.Truncated = true
							continue
						}
						link(ref.Key(), nodeKey)
					}
					continue
				}

				parentPath := res.Dependents[idx].RelationPath
				for _, ref := range out.refs {
					if childIdx, ok := res.discover(visited, ref, parentPath, depth+1); ok {
						next = append(next, childIdx)
					}
					link(ref.Key(), nodeKey)
				}
			}

			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					Depth:      depth,
					Batch:      batchNo,
					Looked:     res.Lookups,
					Discovered: len(res.Dependents),
				})
			}
		}

		if !expand {
			break
		}
		frontier = next
	}

	return res, nil
}

// discover appends ref as a dependent unless already visited.
func (r *Result) discover(visited map[string]struct{}, ref types.EntityRef, parentPath []string, depth int) (int, bool) {
	key := ref.Key()
	if _, seen := visited[key]; seen {
		return 0, false
	}
	visited[key] = struct{}{}

	path := make([]string, 0, len(parentPath)+1)
	path = append(path, parentPath...)
	path = append(path, key)

	r.Dependents = append(r.Dependents, types.DependentEntity{
		EntityType:   ref.Type,
		EntityID:     ref.ID,
		Name:         ref.Name,
		RelationPath: path,
		Depth:        depth,
	})
	return len(r.Dependents) - 1, true
}

// lookupBatch looks up every node in batch with bounded concurrency.
// Outcomes are indexed like batch.
func (c *Calculator) lookupBatch(ctx context.Context, res *Result, batch []int, limit int) []lookupOutcome {
	outcomes := make([]lookupOutcome, len(batch))
	refs := make([]types.EntityRef, len(batch))
	for i, idx := range batch {
		refs[i] = res.Dependents[idx].Ref()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, ref := range refs {
		g.Go(func() error {
			found, err := c.lookup.ListReferencingEntities(ctx, ref.Type, ref.ID)
			recordLookup(ctx, err)
			outcomes[i] = lookupOutcome{refs: slices.Clone(found), err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// IsRootFailure reports whether err came from the root entity's lookup.
func IsRootFailure(err error) bool {
	return errors.Is(err, types.ErrRootLookup)
}
