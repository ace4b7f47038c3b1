// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/batch"
	"github.com/AleutianAI/AleutianCascade/services/cascade/graph"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
)

// deletionPlan is the order in which a cascade is deleted.
type deletionPlan struct {
	// levels run one after another. No entity in a level references
	// another entity in the same or a later level, except inside a cycle.
	levels [][]types.DependentEntity

	// references maps an entity key to the planned entities it references.
	references map[string][]string
}

// planDeletion merges dependency walks into a deletion plan.
//
// # Description
//
// Every reference edge the walks observed is honored: an entity is only
// placed once all entities referencing it are placed in earlier levels
// (Kahn's algorithm, one level per round). Roots therefore come last.
// When only referenced entities remain, the references form a cycle; the
// deepest remaining entities are placed next to break it. An entity
// reached from several walks keeps its greatest depth. Entities within a
// level keep discovery order.
func planDeletion(results []*graph.Result) deletionPlan {
	type placed struct {
		entity types.DependentEntity
		order  int
	}
	byKey := make(map[string]*placed)
	order := 0
	put := func(d types.DependentEntity) {
		if p, ok := byKey[d.Key()]; ok {
			if d.Depth > p.entity.Depth {
				p.entity = d
			}
			return
		}
		byKey[d.Key()] = &placed{entity: d, order: order}
		order++
	}

	var edges []graph.Edge
	for _, res := range results {
		put(types.DependentEntity{
			EntityType:   res.Root.Type,
			EntityID:     res.Root.ID,
			Name:         res.Root.Name,
			RelationPath: []string{res.Root.Key()},
		})
		for _, d := range res.Dependents {
			put(d)
			for i := 1; i < len(d.RelationPath); i++ {
				edges = append(edges, graph.Edge{From: d.RelationPath[i], To: d.RelationPath[i-1]})
			}
		}
		edges = append(edges, res.Edges...)
	}

	plan := deletionPlan{references: make(map[string][]string)}
	referrers := make(map[string]int, len(byKey))
	seen := make(map[graph.Edge]struct{}, len(edges))
	for _, e := range edges {
		if e.From == e.To {
			continue
		}
		if _, ok := byKey[e.From]; !ok {
			continue
		}
		if _, ok := byKey[e.To]; !ok {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		plan.references[e.From] = append(plan.references[e.From], e.To)
		referrers[e.To]++
	}

	remaining := make([]*placed, 0, len(byKey))
	for _, p := range byKey {
		remaining = append(remaining, p)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].order < remaining[j].order })

	for len(remaining) > 0 {
		var level, rest []*placed
		for _, p := range remaining {
			if referrers[p.entity.Key()] == 0 {
				level = append(level, p)
			} else {
				rest = append(rest, p)
			}
		}

		if len(level) == 0 {
			deepest := -1
			for _, p := range remaining {
				deepest = max(deepest, p.entity.Depth)
			}
			rest = nil
			for _, p := range remaining {
				if p.entity.Depth == deepest {
					level = append(level, p)
				} else {
					rest = append(rest, p)
				}
			}
		}

		entities := make([]types.DependentEntity, 0, len(level))
		for _, p := range level {
			entities = append(entities, p.entity)
			for _, to := range plan.references[p.entity.Key()] {
				referrers[to]--
			}
		}
		plan.levels = append(plan.levels, entities)
		remaining = rest
	}
	return plan
}

// ancestors returns every planned entity that key references, directly or
// through other planned entities.
func (p deletionPlan) ancestors(key string) []string {
	var out []string
	visited := map[string]struct{}{key: {}}
	queue := []string{key}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, to := range p.references[cur] {
			if _, ok := visited[to]; ok {
				continue
			}
			visited[to] = struct{}{}
			out = append(out, to)
			queue = append(queue, to)
		}
	}
	return out
}

func (p deletionPlan) total() int {
	return countItems(p.levels)
}

func countItems(levels [][]types.DependentEntity) int {
	n := 0
	for _, l := range levels {
		n += len(l)
	}
	return n
}

// deleteLevels deletes levels in order through the batch processor.
//
// # Description
//
// Levels run one after another. When an entity fails, every entity it
// references, directly or transitively, is marked blocked; blocked entities
// are not attempted and are reported as Integrity errors, so nothing is
// deleted while an entity referencing it survives. Progress snapshots are
// aggregated across levels. Cancellation of ctx stops at the current level
// and counts the remaining levels as skipped.
func (o *Orchestrator) deleteLevels(
	ctx context.Context,
	plan deletionPlan,
	onProgress func(batch.Progress),
) *batch.Result[types.DependentEntity, string] {
	start := o.clock.Now()
	total := plan.total()
	agg := &batch.Result[types.DependentEntity, string]{}
	var base batch.Progress
	blocked := make(map[string]string)

	block := func(d types.DependentEntity) {
		for _, k := range plan.ancestors(d.Key()) {
			if _, ok := blocked[k]; !ok {
				blocked[k] = d.Key()
			}
		}
	}

	emit := func(p batch.Progress, done bool) {
		if onProgress == nil {
			return
		}
		out := p
		out.ProcessedItems = base.ProcessedItems + p.ProcessedItems
		out.SuccessCount = base.SuccessCount + p.SuccessCount
		out.ErrorCount = base.ErrorCount + p.ErrorCount
		out.CompletedChunks = base.CompletedChunks + p.CompletedChunks
		out.TotalChunks = base.TotalChunks + p.TotalChunks
		out.TotalItems = total
		out.Percentage = types.Percent(out.ProcessedItems, total)
		out.Elapsed = o.clock.Now().Sub(start)
		out.EstimatedTimeRemaining = 0
		if out.ProcessedItems > 0 && out.ProcessedItems < total {
			perItem := out.Elapsed / time.Duration(out.ProcessedItems)
			out.EstimatedTimeRemaining = perItem * time.Duration(total-out.ProcessedItems)
		}
		out.Done = done
		onProgress(out)
	}

	deleteOne := func(ctx context.Context, d types.DependentEntity) (string, error) {
		if err := o.deps.Backend.DeleteEntity(ctx, d.EntityType, d.EntityID); err != nil {
			return "", err
		}
		return d.Key(), nil
	}

	remaining := total
	for _, level := range plan.levels {
		if ctx.Err() != nil {
			agg.Cancelled = true
			break
		}

		items := make([]types.DependentEntity, 0, len(level))
		for _, d := range level {
			cause, ok := blocked[d.Key()]
			if !ok {
				items = append(items, d)
				continue
			}
			agg.Errors = append(agg.Errors, types.BatchError[types.DependentEntity]{
				ChunkIndex: -1,
				ItemIndex:  -1,
				Item:       d,
				Err: types.Errorf(types.KindIntegrity, "delete entity",
					"dependent %s was not deleted", cause).WithEntity(d.Key()),
			})
			block(d)
			base.ProcessedItems++
			base.ErrorCount++
		}
		agg.Summary.TotalProcessed += len(level) - len(items)
		agg.Summary.ErrorCount += len(level) - len(items)
		remaining -= len(level)

		if len(items) == 0 {
			emit(batch.Progress{}, false)
			continue
		}

		res := batch.Process(ctx, o.processor, items, deleteOne, o.config.Deletion, func(p batch.Progress) {
			emit(p, false)
		})

		agg.Success = append(agg.Success, res.Success...)
		for _, be := range res.Errors {
			agg.Errors = append(agg.Errors, be)
			block(be.Item)
		}
		agg.Summary.TotalProcessed += res.Summary.TotalProcessed
		agg.Summary.SuccessCount += res.Summary.SuccessCount
		agg.Summary.ErrorCount += res.Summary.ErrorCount
		agg.Summary.Skipped += res.Summary.Skipped
		agg.Summary.TotalChunks += res.Summary.TotalChunks
		agg.Summary.Retries += res.Summary.Retries
		agg.Summary.MemoryPauses += res.Summary.MemoryPauses

		base.ProcessedItems += res.Summary.TotalProcessed
		base.SuccessCount += res.Summary.SuccessCount
		base.ErrorCount += res.Summary.ErrorCount
		base.CompletedChunks += res.Summary.TotalChunks
		base.TotalChunks += res.Summary.TotalChunks

		if res.Cancelled {
			agg.Cancelled = true
			break
		}
	}

	if agg.Cancelled {
		agg.Summary.Skipped += remaining
	}
	agg.Summary.Duration = o.clock.Now().Sub(start)
	emit(batch.Progress{}, true)
	return agg
}
