// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker owns the lifecycle of long-running deletion operations:
// admission, phases, progress, cancellation and completion.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Tracker.
type Config struct {
	// MaxConcurrentOperations is the per-user ceiling of in-progress
	// operations. Begin rejects beyond it. Default: 3.
	MaxConcurrentOperations int `yaml:"max_concurrent_operations" mapstructure:"max_concurrent_operations" validate:"gte=0"`

	// PollInterval is the Watch polling period. Default: 2s.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// DefaultConfig returns 3 operations per user and a 2s poll interval.
func DefaultConfig() Config {
	return Config{MaxConcurrentOperations: 3, PollInterval: 2 * time.Second}
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Archiver receives every finalized operation. *archive.Store satisfies it.
type Archiver interface {
	Save(ctx context.Context, rec types.OperationRecord) error
}

// -----------------------------------------------------------------------------
// Tracker
// -----------------------------------------------------------------------------

type entry struct {
	op        types.DeletionOperation
	progress  types.DeletionProgress
	failures  []string
	cancel    context.CancelFunc
	done      chan struct{}
	finalized bool

	// running is set by Begin and cleared when the record is finalized,
	// so a cancelled operation still counts while its runner drains.
	running bool
}

// Tracker is the registry and state machine for DeletionOperations.
//
// # Description
//
// Status moves Pending -> InProgress -> {Completed, Failed, Cancelled}, or
// Pending -> Cancelled; phases move forward only. Each operation has its
// own cancellable context handed out by Begin. Cancelling an in-progress
// operation marks it Cancelled at once; the runner still calls Complete
// when its in-flight work has drained, which finalizes the record.
//
// # Thread Safety
//
// Safe for concurrent use. State is keyed per operation.
type Tracker struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	archiver Archiver

	mu        sync.RWMutex
	ops       map[string]*entry
	listeners []func(types.DeletionOperation, types.DeletionProgress)

	polls atomic.Int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithArchiver hands finalized operations to a.
func WithArchiver(a Archiver) Option {
	return func(t *Tracker) { t.archiver = a }
}

// New creates a Tracker.
func New(config Config, opts ...Option) *Tracker {
	config.ApplyDefaults()
	t := &Tracker{
		config: config,
		clock:  clock.WallClock,
		logger: slog.Default(),
		ops:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "operation_tracker"))
	return t
}

// Create registers a Pending operation.
func (t *Tracker) Create(entityType, entityID, userID string, force bool) types.DeletionOperation {
	now := t.clock.Now()
	op := types.DeletionOperation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Status:     types.StatusPending,
		Phase:      types.PhasePreview,
		UserID:     userID,
		Force:      force,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.mu.Lock()
	t.ops[op.ID] = &entry{
		op:       op,
		progress: types.DeletionProgress{OperationID: op.ID, Phase: op.Phase},
		done:     make(chan struct{}),
	}
	t.mu.Unlock()

	recordCreated(context.Background())
	return op
}

// Begin admits a Pending operation and moves it to InProgress.
//
// # Description
//
// Admission control, not a queue: if the operation's user already has
// MaxConcurrentOperations in progress, Begin returns ErrAdmissionRejected
// and the operation stays Pending so the caller may retry later.
//
// # Inputs
//
//   - ctx: Parent for the operation context. Its values are kept but its
//     cancellation is not, so the operation outlives the request that
//     started it. Cancel the operation through Cancel.
//   - id: Operation ID from Create.
//
// # Outputs
//
//   - context.Context: Cancelled when the operation is cancelled or completes.
//   - error: ErrOperationNotFound, ErrAdmissionRejected, or a Validation
//     error if the operation is not Pending.
func (t *Tracker) Begin(ctx context.Context, id string) (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if !e.op.Status.CanTransitionTo(types.StatusInProgress) {
		return nil, types.Errorf(types.KindValidation, "begin operation",
			"operation %s is %s", id, e.op.Status)
	}

	active := t.activeLocked(e.op.UserID)
	if active >= t.config.MaxConcurrentOperations {
		recordRejected(ctx)
		return nil, fmt.Errorf("%w: user %q has %d in progress (max %d)",
			types.ErrAdmissionRejected, e.op.UserID, active, t.config.MaxConcurrentOperations)
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.running = true
	e.op.Status = types.StatusInProgress
	e.op.UpdatedAt = t.clock.Now()
	recordActive(ctx, 1)

	t.logger.Info("operation started",
		slog.String("operation_id", id),
		slog.String("entity", types.EntityKey(e.op.EntityType, e.op.EntityID)),
		slog.String("user_id", e.op.UserID),
	)
	return opCtx, nil
}

// Discard removes a Pending operation that will never run.
func (t *Tracker) Discard(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if e.op.Status != types.StatusPending {
		return types.Errorf(types.KindValidation, "discard operation", "operation %s is %s", id, e.op.Status)
	}
	delete(t.ops, id)
	return nil
}

// AdvancePhase moves an in-progress operation to a later phase. Moving to
// the current phase is a no-op; moving backwards is an error.
func (t *Tracker) AdvancePhase(id string, phase types.Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if e.op.Status != types.StatusInProgress {
		return types.Errorf(types.KindValidation, "advance phase", "operation %s is %s", id, e.op.Status)
	}
	switch {
	case phase.Index() < 0:
		return types.Errorf(types.KindValidation, "advance phase", "unknown phase %q", phase)
	case phase.Index() < e.op.Phase.Index():
		return types.Errorf(types.KindValidation, "advance phase",
			"phase %s cannot follow %s", phase, e.op.Phase)
	case phase == e.op.Phase:
		return nil
	}

	e.op.Phase = phase
	e.op.UpdatedAt = t.clock.Now()
	e.progress.Phase = phase
	t.logger.Debug("operation phase advanced",
		slog.String("operation_id", id),
		slog.String("phase", string(phase)),
	)
	return nil
}

// ReportProgress updates counts for an operation. ProcessedCount never
// decreases and progress is ignored once the operation is finalized.
func (t *Tracker) ReportProgress(id string, processed, total, errorCount int, eta time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if e.finalized {
		return nil
	}

	p := &e.progress
	p.ProcessedCount = max(p.ProcessedCount, processed)
	if total > 0 {
		p.TotalCount = total
	}
	p.ErrorCount = max(p.ErrorCount, errorCount)
	p.EstimatedTimeRemaining = eta
	p.Percentage = types.Percent(p.ProcessedCount, p.TotalCount)
	e.op.UpdatedAt = t.clock.Now()
	return nil
}

// RecordFailures appends failure descriptions kept for the archive record.
func (t *Tracker) RecordFailures(id string, failures ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if !e.finalized {
		e.failures = append(e.failures, failures...)
	}
	return nil
}

// Complete finishes an operation. A nil err completes it, a cancellation
// error cancels it, anything else fails it. An operation already marked
// Cancelled stays Cancelled. Completing a finalized operation is a no-op.
func (t *Tracker) Complete(id string, err error) (types.DeletionOperation, error) {
	t.mu.Lock()
	e, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return types.DeletionOperation{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if e.finalized {
		op := e.op
		t.mu.Unlock()
		return op, nil
	}

	if !e.op.Status.IsTerminal() {
		switch {
		case err == nil:
			e.op.Status = types.StatusCompleted
		case types.KindOf(err) == types.KindCancelled:
			e.op.Status = types.StatusCancelled
		default:
			e.op.Status = types.StatusFailed
			e.op.Error = err.Error()
		}
		e.op.CompletedAt = t.clock.Now()
	}
	op, progress, failures := t.finalizeLocked(e)
	t.mu.Unlock()

	t.afterFinalize(op, progress, failures)
	return op, nil
}

// Cancel marks an operation Cancelled and signals its context.
//
// Idempotent: cancelling a terminal operation returns it unchanged with a
// nil error. A Pending operation is finalized at once; an in-progress one
// is finalized when its runner calls Complete.
func (t *Tracker) Cancel(id string) (types.DeletionOperation, error) {
	t.mu.Lock()
	e, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return types.DeletionOperation{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if e.op.Status.IsTerminal() {
		op := e.op
		t.mu.Unlock()
		return op, nil
	}

	wasPending := e.op.Status == types.StatusPending
	e.op.Status = types.StatusCancelled
	now := t.clock.Now()
	e.op.UpdatedAt = now
	e.op.CompletedAt = now
	if e.cancel != nil {
		e.cancel()
	}

	t.logger.Info("operation cancelled",
		slog.String("operation_id", id),
		slog.String("phase", string(e.op.Phase)),
	)

	if !wasPending {
		op := e.op
		t.mu.Unlock()
		return op, nil
	}

	op, progress, failures := t.finalizeLocked(e)
	t.mu.Unlock()
	t.afterFinalize(op, progress, failures)
	return op, nil
}

// finalizeLocked freezes progress and releases waiters. Caller holds mu.
func (t *Tracker) finalizeLocked(e *entry) (types.DeletionOperation, types.DeletionProgress, []string) {
	e.finalized = true
	if e.running {
		e.running = false
		recordActive(context.Background(), -1)
	}
	e.op.UpdatedAt = t.clock.Now()
	e.progress.Done = true
	e.progress.EstimatedTimeRemaining = 0
	if e.op.Status == types.StatusCompleted {
		e.progress.Percentage = 100
	}
	if e.cancel != nil {
		e.cancel()
	}
	close(e.done)
	return e.op, e.progress, append([]string(nil), e.failures...)
}

func (t *Tracker) afterFinalize(op types.DeletionOperation, progress types.DeletionProgress, failures []string) {
	recordFinished(context.Background(), op.Status)
	t.logger.Info("operation finished",
		slog.String("operation_id", op.ID),
		slog.String("status", string(op.Status)),
		slog.Int("processed", progress.ProcessedCount),
		slog.Int("errors", progress.ErrorCount),
	)

	t.mu.RLock()
	listeners := append([]func(types.DeletionOperation, types.DeletionProgress){}, t.listeners...)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(op, progress)
	}

	if t.archiver != nil {
		rec := types.OperationRecord{
			Operation:  op,
			Progress:   progress,
			Failures:   failures,
			ArchivedAt: t.clock.Now(),
		}
		if err := t.archiver.Save(context.Background(), rec); err != nil {
			t.logger.Warn("archive operation failed",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OnComplete registers fn to run after every operation is finalized.
func (t *Tracker) OnComplete(fn func(types.DeletionOperation, types.DeletionProgress)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Operation returns a snapshot of an operation.
func (t *Tracker) Operation(id string) (types.DeletionOperation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.ops[id]
	if !ok {
		return types.DeletionOperation{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	return e.op, nil
}

// GetProgress returns a snapshot of an operation's progress.
func (t *Tracker) GetProgress(id string) (types.DeletionProgress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.ops[id]
	if !ok {
		return types.DeletionProgress{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	return e.progress, nil
}

// Wait blocks until the operation is finalized or ctx ends.
func (t *Tracker) Wait(ctx context.Context, id string) (types.DeletionOperation, error) {
	t.mu.RLock()
	e, ok := t.ops[id]
	t.mu.RUnlock()
	if !ok {
		return types.DeletionOperation{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}

	select {
	case <-ctx.Done():
		return types.DeletionOperation{}, fmt.Errorf("wait for operation %s: %w", id, ctx.Err())
	case <-e.done:
	}
	return t.Operation(id)
}

// Watch polls progress every PollInterval and passes each snapshot to fn.
// It returns after delivering the first Done snapshot; no poll happens
// after that.
func (t *Tracker) Watch(ctx context.Context, id string, fn func(types.DeletionProgress)) error {
	for {
		p, err := t.GetProgress(id)
		if err != nil {
			return err
		}
		t.polls.Add(1)
		fn(p)
		if p.Done {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("watch operation %s: %w", id, ctx.Err())
		case <-t.clock.After(t.config.PollInterval):
		}
	}
}

// Polls returns the number of Watch polls performed.
func (t *Tracker) Polls() int64 {
	return t.polls.Load()
}

// Active returns the number of admitted operations for userID whose
// runners have not finished. A cancelled operation counts until its
// runner calls Complete.
func (t *Tracker) Active(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activeLocked(userID)
}

func (t *Tracker) activeLocked(userID string) int {
	n := 0
	for _, e := range t.ops {
		if e.op.UserID == userID && e.running {
			n++
		}
	}
	return n
}

// List returns snapshots of every tracked operation.
func (t *Tracker) List() []types.DeletionOperation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.DeletionOperation, 0, len(t.ops))
	for _, e := range t.ops {
		out = append(out, e.op)
	}
	return out
}

// Prune drops finalized operations that finished more than olderThan ago.
// Returns the number removed.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.clock.Now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.ops {
		if e.finalized && !e.op.CompletedAt.After(cutoff) {
			delete(t.ops, id)
			n++
		}
	}
	return n
}

// IsNotFound reports whether err is ErrOperationNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrOperationNotFound)
}
