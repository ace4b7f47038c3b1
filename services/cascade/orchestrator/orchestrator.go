// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator composes the cascade engine into its public
// operations: preview, execute, batch execute and cancel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCascade/pkg/validation"
	"github.com/AleutianAI/AleutianCascade/services/cascade/batch"
	"github.com/AleutianAI/AleutianCascade/services/cascade/config"
	"github.com/AleutianAI/AleutianCascade/services/cascade/debounce"
	"github.com/AleutianAI/AleutianCascade/services/cascade/dedup"
	"github.com/AleutianAI/AleutianCascade/services/cascade/graph"
	"github.com/AleutianAI/AleutianCascade/services/cascade/impact"
	"github.com/AleutianAI/AleutianCascade/services/cascade/memory"
	"github.com/AleutianAI/AleutianCascade/services/cascade/ratelimit"
	"github.com/AleutianAI/AleutianCascade/services/cascade/tracker"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/juju/clock"
)

// DeletionBackend performs the mutating delete of one record.
type DeletionBackend interface {
	DeleteEntity(ctx context.Context, entityType, entityID string) error
}

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("orchestrator closed")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the engine policy.
type Config struct {
	Graph      graph.Options
	Thresholds impact.Thresholds

	// AllowForce authorizes force deletion of blocked entities.
	AllowForce bool

	// CacheEnabled keeps successful previews for CacheTTL. In-flight
	// previews are shared either way.
	CacheEnabled  bool
	CacheTTL      time.Duration
	DebounceDelay time.Duration

	// Deletion is the batch profile for deletion calls.
	Deletion batch.Options

	// DeletionRate caps backend calls per RateWindow.
	DeletionRate int
	RateWindow   time.Duration

	// Workers and QueueSize size the preview pool. Zero Workers runs every
	// calculation inline.
	Workers   int
	QueueSize int

	Tracker tracker.Config
	Memory  memory.Config
}

// DefaultConfig mirrors config.Default.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom maps a loaded configuration to engine policy.
func ConfigFrom(c config.Config) Config {
	return Config{
		Graph:         c.Graph.Options(),
		Thresholds:    c.Impact.Thresholds,
		AllowForce:    c.Impact.AllowForce,
		CacheEnabled:  c.Preview.CacheEnabled,
		CacheTTL:      c.Preview.CacheTTL,
		DebounceDelay: c.Preview.DebounceDelay,
		Deletion:      c.Deletion,
		DeletionRate:  c.RateLimit.DeletionRequestsPerSecond,
		RateWindow:    c.RateLimit.Window,
		Workers:       c.Graph.Workers,
		QueueSize:     c.Graph.QueueSize,
		Tracker:       c.Tracker,
		Memory:        c.Memory,
	}
}

// Dependencies are the collaborators injected into an Orchestrator.
type Dependencies struct {
	// Lookup answers "who references this entity". Required.
	Lookup graph.RelationLookup

	// Backend deletes records. Required.
	Backend DeletionBackend

	// Classification maps entity types to severity. Nil uses
	// impact.DefaultTable.
	Classification impact.Classification

	// Archive receives every finished operation. Optional.
	Archive tracker.Archiver

	// Memory overrides the heap monitor built from Config.Memory.
	Memory batch.MemoryGuard

	// Clock drives TTLs, debouncing, rate limiting and polling.
	Clock clock.Clock

	Logger *slog.Logger
}

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// Orchestrator is the cascade deletion engine.
//
// # Description
//
// Previews are computed by the dependency calculator through a worker pool
// with inline fallback, shared between concurrent callers, and optionally
// cached. Executions run asynchronously as tracked operations through the
// phases validation, execution and cleanup.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	clock  clock.Clock

	calc      *graph.Calculator
	runner    graph.Runner
	pool      *graph.PoolRunner
	analyzer  *impact.Analyzer
	previews  *dedup.Group[*types.DeletionImpact]
	limiter   *ratelimit.Limiter
	processor *batch.Processor
	tracker   *tracker.Tracker

	debounceMu sync.Mutex
	debouncers map[string]*debounce.Debouncer

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Call Close when done.
//   - error: Non-nil if a required collaborator is missing or config is
//     invalid.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Lookup == nil {
		return nil, errors.New("orchestrator: relation lookup is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("orchestrator: deletion backend is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if err := cfg.Deletion.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if deps.Classification == nil {
		deps.Classification = impact.DefaultTable()
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DeletionRate <= 0 {
		cfg.DeletionRate = ratelimit.DeletionRequestsPerSecond
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = ratelimit.DefaultWindow
	}

	logger := deps.Logger.With(slog.String("component", "cascade_orchestrator"))
	o := &Orchestrator{
		config:     cfg,
		deps:       deps,
		logger:     logger,
		clock:      deps.Clock,
		calc:       graph.NewCalculator(deps.Lookup, deps.Logger),
		analyzer:   impact.NewAnalyzer(deps.Classification, deps.Logger),
		debouncers: make(map[string]*debounce.Debouncer),
	}

	if cfg.Workers > 0 {
		o.pool = graph.NewPoolRunner(cfg.Workers, cfg.QueueSize, deps.Logger)
		o.runner = graph.NewFallbackRunner(o.pool, deps.Logger)
	} else {
		o.runner = graph.InlineRunner{}
	}

	var ttl time.Duration
	if cfg.CacheEnabled {
		ttl = cfg.CacheTTL
	}
	o.previews = dedup.New[*types.DeletionImpact](ttl, dedup.WithClock(deps.Clock))

	o.limiter = ratelimit.New(cfg.DeletionRate, cfg.RateWindow, ratelimit.WithClock(deps.Clock))
	guard := deps.Memory
	if guard == nil {
		guard = memory.NewMonitor(cfg.Memory, memory.WithClock(deps.Clock), memory.WithLogger(deps.Logger))
	}
	o.processor = batch.NewProcessor(
		batch.WithRateLimiter(o.limiter),
		batch.WithMemoryGuard(guard),
		batch.WithLogger(deps.Logger),
		batch.WithClock(deps.Clock),
	)

	trackerOpts := []tracker.Option{tracker.WithClock(deps.Clock), tracker.WithLogger(deps.Logger)}
	if deps.Archive != nil {
		trackerOpts = append(trackerOpts, tracker.WithArchiver(deps.Archive))
	}
	o.tracker = tracker.New(cfg.Tracker, trackerOpts...)

	return o, nil
}

// -----------------------------------------------------------------------------
// Preview
// -----------------------------------------------------------------------------

// PreviewDeletion returns the impact of deleting (entityType, entityID).
//
// # Description
//
// Concurrent callers for the same entity share one calculation. With the
// cache enabled a successful result is reused until its TTL expires or an
// execution touches the entity. The returned impact is shared and must not
// be modified.
//
// # Outputs
//
//   - *types.DeletionImpact: Full report, including when deletion is blocked.
//   - error: Root lookup failure, timeout, or ctx cancellation.
func (o *Orchestrator) PreviewDeletion(ctx context.Context, entityType, entityID string) (*types.DeletionImpact, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if err := validation.ValidateEntity(entityType, entityID); err != nil {
		return nil, types.NewError(types.KindValidation, "preview deletion", err)
	}
	root := types.EntityRef{Type: entityType, ID: entityID}
	key := root.Key()

	imp, shared, err := o.previews.Do(ctx, key, func(ctx context.Context) (*types.DeletionImpact, error) {
		return o.computeImpact(ctx, root, false)
	})
	recordPreview(ctx, shared, err)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("preview ready",
		slog.String("entity", key),
		slog.Bool("shared", shared),
		slog.Bool("can_delete", imp.CanDelete),
		slog.Int("dependents", len(imp.Dependents)),
	)
	return imp, nil
}

func (o *Orchestrator) computeImpact(ctx context.Context, root types.EntityRef, force bool) (*types.DeletionImpact, error) {
	_, imp, err := o.calculate(ctx, root, force)
	return imp, err
}

// calculate runs a fresh dependency walk and analysis, bypassing the
// preview cache.
func (o *Orchestrator) calculate(ctx context.Context, root types.EntityRef, force bool) (*graph.Result, *types.DeletionImpact, error) {
	res, err := o.runner.Run(ctx, o.calc, root, o.config.Graph)
	if err != nil {
		return nil, nil, err
	}
	imp := o.analyzer.Analyze(ctx, impact.Input{
		Root:       res.Root,
		Dependents: res.Dependents,
		Truncated:  res.Truncated,
		Partial:    res.Partial,
		MaxDepth:   res.MaxDepth,
	}, impact.Options{Thresholds: o.config.Thresholds, Force: force})
	return res, imp, nil
}

// SchedulePreview debounces previews per scope, typically one scope per
// user selection box. Only the last request in a burst runs; cb receives
// its result on a background goroutine.
func (o *Orchestrator) SchedulePreview(scope, entityType, entityID string, cb func(*types.DeletionImpact, error)) {
	if o.closed.Load() {
		cb(nil, ErrClosed)
		return
	}
	o.debounceMu.Lock()
	d, ok := o.debouncers[scope]
	if !ok {
		d = debounce.New(o.config.DebounceDelay, o.clock)
		o.debouncers[scope] = d
	}
	o.debounceMu.Unlock()

	d.Trigger(func() {
		ctx := context.Background()
		if t := o.config.Graph.Timeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		cb(o.PreviewDeletion(ctx, entityType, entityID))
	})
}

// CancelScheduledPreview drops a pending debounced preview. Returns true
// if one was pending.
func (o *Orchestrator) CancelScheduledPreview(scope string) bool {
	o.debounceMu.Lock()
	d, ok := o.debouncers[scope]
	o.debounceMu.Unlock()
	return ok && d.Cancel()
}

// InvalidatePreview drops any cached or shared preview of the entity.
func (o *Orchestrator) InvalidatePreview(entityType, entityID string) {
	o.previews.Invalidate(types.EntityKey(entityType, entityID))
}

// -----------------------------------------------------------------------------
// Execute
// -----------------------------------------------------------------------------

// ExecuteRequest asks for one cascade deletion.
type ExecuteRequest struct {
	EntityType string
	EntityID   string
	UserID     string

	// Force deletes even when the impact blocks it. Requires
	// Config.AllowForce.
	Force bool
}

// ExecuteDeletion starts a tracked cascade deletion and returns at once.
//
// # Description
//
// The current preview must allow deletion unless Force is set. The
// operation is admitted against the user's concurrency limit, then runs
// in the background:
//
//   - validation: dependencies are recomputed and re-analyzed.
//   - execution: an entity is deleted only after every entity referencing
//     it, so the root goes last. An entity referenced by a failed
//     deletion is not attempted.
//   - cleanup: previews of every touched entity are invalidated.
//
// Poll with GetProgress, block with Wait, stop with Cancel.
//
// # Outputs
//
//   - types.DeletionOperation: Snapshot right after admission.
//   - error: Validation error if blocked, ErrForceNotAllowed,
//     ErrAdmissionRejected, or the preview error.
func (o *Orchestrator) ExecuteDeletion(ctx context.Context, req ExecuteRequest) (types.DeletionOperation, error) {
	if o.closed.Load() {
		return types.DeletionOperation{}, ErrClosed
	}
	if req.Force && !o.config.AllowForce {
		return types.DeletionOperation{}, types.NewError(types.KindPermission, "execute deletion", types.ErrForceNotAllowed).
			WithEntity(types.EntityKey(req.EntityType, req.EntityID))
	}

	imp, err := o.PreviewDeletion(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return types.DeletionOperation{}, err
	}
	if !imp.CanDelete && !req.Force {
		return types.DeletionOperation{}, blockedError("execute deletion", imp)
	}

	op := o.tracker.Create(req.EntityType, req.EntityID, req.UserID, req.Force)
	opCtx, err := o.tracker.Begin(ctx, op.ID)
	if err != nil {
		_ = o.tracker.Discard(op.ID)
		return types.DeletionOperation{}, err
	}

	o.wg.Add(1)
	go o.run(opCtx, op.ID, req)

	return o.tracker.Operation(op.ID)
}

func blockedError(op string, imp *types.DeletionImpact) error {
	reasons := strings.Join(imp.Reasons, "; ")
	if reasons == "" {
		reasons = "deletion blocked"
	}
	return types.Errorf(types.KindValidation, op, "%s", reasons).
		WithEntity(types.EntityKey(imp.EntityType, imp.EntityID))
}

// run drives one admitted operation to completion.
func (o *Orchestrator) run(ctx context.Context, id string, req ExecuteRequest) {
	defer o.wg.Done()
	root := types.EntityRef{Type: req.EntityType, ID: req.EntityID}
	start := o.clock.Now()

	err := o.runPhases(ctx, id, root, req.Force)
	if err == nil && ctx.Err() != nil {
		err = types.NewError(types.KindCancelled, "execute deletion", ctx.Err())
	}

	op, cerr := o.tracker.Complete(id, err)
	if cerr != nil {
		o.logger.Error("complete operation failed", slog.String("operation_id", id), slog.String("error", cerr.Error()))
		return
	}
	recordExecution(context.Background(), op.Status, o.clock.Now().Sub(start))
}

func (o *Orchestrator) runPhases(ctx context.Context, id string, root types.EntityRef, force bool) error {
	logger := o.logger.With(slog.String("operation_id", id), slog.String("entity", root.Key()))

	// Validation.
	o.advance(id, types.PhaseValidation)
	o.previews.Invalidate(root.Key())
	res, imp, err := o.calculate(ctx, root, force)
	if err != nil {
		return err
	}
	if !imp.CanDelete {
		return blockedError("validate deletion", imp)
	}
	if err := ctx.Err(); err != nil {
		return types.NewError(types.KindCancelled, "validate deletion", err)
	}

	// Execution.
	o.advance(id, types.PhaseExecution)
	plan := planDeletion([]*graph.Result{res})
	total := plan.total()
	_ = o.tracker.ReportProgress(id, 0, total, 0, 0)

	out := o.deleteLevels(ctx, plan, func(p batch.Progress) {
		_ = o.tracker.ReportProgress(id, p.ProcessedItems, total, p.ErrorCount, p.EstimatedTimeRemaining)
	})
	if len(out.Errors) > 0 {
		failures := make([]string, 0, len(out.Errors))
		for _, be := range out.Errors {
			failures = append(failures, fmt.Sprintf("%s: %v", be.Item.Key(), be.Err))
		}
		_ = o.tracker.RecordFailures(id, failures...)
	}

	// Cleanup runs even after a failed or cancelled execution; some
	// entities may already be gone.
	o.advance(id, types.PhaseCleanup)
	o.invalidatePlan(plan)

	logger.Info("cascade deletion finished",
		slog.Int("deleted", out.Summary.SuccessCount),
		slog.Int("failed", out.Summary.ErrorCount),
		slog.Int("skipped", out.Summary.Skipped),
		slog.Bool("cancelled", out.Cancelled),
	)

	switch {
	case out.Cancelled:
		return types.NewError(types.KindCancelled, "execute deletion", context.Canceled)
	case len(out.Errors) > 0:
		return fmt.Errorf("%d of %d deletions failed; first: %w", len(out.Errors), total, out.Errors[0].Err)
	}
	return nil
}

// advance moves the operation forward. A cancelled operation is no
// longer in progress, so the error is expected then.
func (o *Orchestrator) advance(id string, phase types.Phase) {
	if err := o.tracker.AdvancePhase(id, phase); err != nil {
		o.logger.Debug("phase not advanced",
			slog.String("operation_id", id),
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) invalidatePlan(plan deletionPlan) {
	for _, level := range plan.levels {
		for _, d := range level {
			o.previews.Invalidate(d.Key())
		}
	}
}

// -----------------------------------------------------------------------------
// Batch execute
// -----------------------------------------------------------------------------

// BatchRequest asks for several cascade deletions in one batch.
type BatchRequest struct {
	Entities []types.EntityRef
	UserID   string
	Force    bool
}

// Rejection explains why an entity was left out of a batch.
type Rejection struct {
	Entity types.EntityRef
	Impact *types.DeletionImpact
	Err    error
}

// BatchDeletionResult is the outcome of ExecuteBatchDeletion.
type BatchDeletionResult struct {
	// Result covers every attempted deletion, dependents included.
	Result *batch.Result[types.DependentEntity, string]

	// Rejected entities were never attempted.
	Rejected []Rejection
}

// ExecuteBatchDeletion previews every entity, rejects those that may not
// be deleted, and deletes the rest with their dependents through the batch
// processor using the deletion profile. It runs on the caller's goroutine;
// cancel ctx to stop it.
//
// # Outputs
//
//   - *BatchDeletionResult: Complete even when items failed or ctx was
//     cancelled.
//   - error: ErrForceNotAllowed, or ErrClosed.
func (o *Orchestrator) ExecuteBatchDeletion(ctx context.Context, req BatchRequest, onProgress func(batch.Progress)) (*BatchDeletionResult, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if req.Force && !o.config.AllowForce {
		return nil, types.NewError(types.KindPermission, "execute batch deletion", types.ErrForceNotAllowed)
	}

	out := &BatchDeletionResult{}
	var graphs []*graph.Result
	seen := make(map[string]struct{}, len(req.Entities))
	for _, ent := range req.Entities {
		if _, dup := seen[ent.Key()]; dup {
			continue
		}
		seen[ent.Key()] = struct{}{}

		imp, err := o.PreviewDeletion(ctx, ent.Type, ent.ID)
		if err != nil {
			out.Rejected = append(out.Rejected, Rejection{Entity: ent, Err: err})
			continue
		}
		if !imp.CanDelete && !req.Force {
			out.Rejected = append(out.Rejected, Rejection{Entity: ent, Impact: imp, Err: blockedError("execute batch deletion", imp)})
			continue
		}
		// The preview may come from the cache; delete against a fresh walk.
		res, fresh, err := o.calculate(ctx, ent, req.Force)
		if err != nil {
			out.Rejected = append(out.Rejected, Rejection{Entity: ent, Impact: imp, Err: err})
			continue
		}
		if !fresh.CanDelete {
			out.Rejected = append(out.Rejected, Rejection{Entity: ent, Impact: fresh, Err: blockedError("execute batch deletion", fresh)})
			continue
		}
		graphs = append(graphs, res)
	}

	plan := planDeletion(graphs)
	out.Result = o.deleteLevels(ctx, plan, onProgress)
	o.invalidatePlan(plan)

	o.logger.Info("batch deletion finished",
		slog.String("user_id", req.UserID),
		slog.Int("requested", len(req.Entities)),
		slog.Int("rejected", len(out.Rejected)),
		slog.Int("deleted", out.Result.Summary.SuccessCount),
		slog.Int("failed", out.Result.Summary.ErrorCount),
	)
	return out, nil
}

// -----------------------------------------------------------------------------
// Operation access
// -----------------------------------------------------------------------------

// Cancel cancels an operation. Cancelling a finished operation is a no-op.
func (o *Orchestrator) Cancel(id string) (types.DeletionOperation, error) {
	return o.tracker.Cancel(id)
}

// GetProgress returns the current progress of an operation.
func (o *Orchestrator) GetProgress(id string) (types.DeletionProgress, error) {
	return o.tracker.GetProgress(id)
}

// Operation returns the current state of an operation.
func (o *Orchestrator) Operation(id string) (types.DeletionOperation, error) {
	return o.tracker.Operation(id)
}

// Wait blocks until the operation finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (types.DeletionOperation, error) {
	return o.tracker.Wait(ctx, id)
}

// Watch polls an operation's progress until it finishes.
func (o *Orchestrator) Watch(ctx context.Context, id string, fn func(types.DeletionProgress)) error {
	return o.tracker.Watch(ctx, id, fn)
}

// Tracker exposes the operation tracker for listeners and pruning.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// PreviewStats returns preview cache hits and misses.
func (o *Orchestrator) PreviewStats() (hits, misses int64) {
	return o.previews.Stats()
}

// Close cancels running operations, waits for them to finish, and stops
// the preview pool. Safe to call more than once.
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	for _, op := range o.tracker.List() {
		if !op.Status.IsTerminal() {
			_, _ = o.tracker.Cancel(op.ID)
		}
	}

	o.debounceMu.Lock()
	for _, d := range o.debouncers {
		d.Cancel()
	}
	o.debounceMu.Unlock()

	o.wg.Wait()
	if o.pool != nil {
		o.pool.Close()
	}
	o.logger.Info("orchestrator closed")
}
