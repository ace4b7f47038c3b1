// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types holds the data model shared by every cascade package:
// dependents, impacts, operations, progress, batch errors and memory samples.
package types

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// EntityRef identifies a record as returned by a relation lookup.
type EntityRef struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns "type:id", the identity used for dedup, visited sets and paths.
func (r EntityRef) Key() string {
	return EntityKey(r.Type, r.ID)
}

// EntityKey builds the "type:id" key without constructing an EntityRef.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// ParseEntityKey splits a "type:id" key. The ID may itself contain colons.
func ParseEntityKey(key string) (EntityRef, error) {
	entityType, entityID, ok := strings.Cut(key, ":")
	if !ok || entityType == "" || entityID == "" {
		return EntityRef{}, fmt.Errorf("malformed entity key %q: want type:id", key)
	}
	return EntityRef{Type: entityType, ID: entityID}, nil
}

// DependentEntity is one node discovered while walking the relation graph.
//
// Values are produced by a single calculation and never mutated afterwards.
type DependentEntity struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Name       string `json:"name,omitempty"`

	// RelationPath lists entity keys from the root to this node, inclusive.
	RelationPath []string `json:"relation_path"`

	// Depth is 1 for direct references.
	Depth int `json:"depth"`

	// Truncated is set when this node has dependents of its own that were
	// not expanded because the depth bound was reached.
	Truncated bool `json:"truncated,omitempty"`

	// Partial is set when the relation lookup for this node failed.
	Partial bool `json:"partial,omitempty"`
}

// Key returns the "type:id" key of the dependent.
func (d DependentEntity) Key() string {
	return EntityKey(d.EntityType, d.EntityID)
}

// Ref converts the dependent back to an EntityRef.
func (d DependentEntity) Ref() EntityRef {
	return EntityRef{Type: d.EntityType, ID: d.EntityID, Name: d.Name}
}

// -----------------------------------------------------------------------------
// Severity
// -----------------------------------------------------------------------------

// Severity classifies how damaging the loss of a dependent would be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: low=1 through critical=4. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// SeverityCounts counts dependents per final severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Add increments the bucket for sev.
func (c *SeverityCounts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	default:
		c.Low++
	}
}

// Total returns the sum of all buckets.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// -----------------------------------------------------------------------------
// Impact
// -----------------------------------------------------------------------------

// DeletionImpact is the result of a preview. A fresh value is built per
// preview and never mutated afterwards.
//
// CanDelete is false whenever a dependent is critical and Forced is false.
type DeletionImpact struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	CanDelete  bool   `json:"can_delete"`

	// Forced reports that an authorized override turned a block into an allow.
	Forced bool `json:"forced,omitempty"`

	Dependents []DependentEntity `json:"dependents"`

	// Severities maps dependent keys to their final severity.
	Severities     map[string]Severity `json:"severities"`
	SeverityCounts SeverityCounts      `json:"severity_counts"`
	Reasons        []string            `json:"reasons"`

	// Incomplete is set when traversal was truncated or partially failed.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Root returns the impact's root entity.
func (i *DeletionImpact) Root() EntityRef {
	return EntityRef{Type: i.EntityType, ID: i.EntityID}
}

// -----------------------------------------------------------------------------
// Operation Lifecycle
// -----------------------------------------------------------------------------

// OperationStatus is the lifecycle state of a DeletionOperation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether s -> next is a legal, forward transition.
func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// Phase is a step inside an in-progress operation.
type Phase string

const (
	PhasePreview    Phase = "preview"
	PhaseValidation Phase = "validation"
	PhaseExecution  Phase = "execution"
	PhaseCleanup    Phase = "cleanup"
)

// Index orders phases; phase transitions may only increase it.
func (p Phase) Index() int {
	switch p {
	case PhasePreview:
		return 0
	case PhaseValidation:
		return 1
	case PhaseExecution:
		return 2
	case PhaseCleanup:
		return 3
	default:
		return -1
	}
}

// DeletionOperation is one root deletion request, created when execution starts.
type DeletionOperation struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Status      OperationStatus `json:"status"`
	Phase       Phase           `json:"phase"`
	UserID      string          `json:"user_id"`
	Force       bool            `json:"force,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Error       string          `json:"error,omitempty"`
}

// DeletionProgress is the pollable progress of an operation. It is frozen
// once Done is set.
type DeletionProgress struct {
	OperationID            string        `json:"operation_id"`
	Phase                  Phase         `json:"phase"`
	ProcessedCount         int           `json:"processed_count"`
	TotalCount             int           `json:"total_count"`
	Percentage             float64       `json:"percentage"`
	ErrorCount             int           `json:"error_count"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	Done                   bool          `json:"done"`
}

// Percent computes processed/total as 0..100. An empty total is 100%.
func Percent(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	p := float64(processed) * 100 / float64(total)
	if p > 100 {
		return 100
	}
	return p
}

// -----------------------------------------------------------------------------
// Batch
// -----------------------------------------------------------------------------

// BatchError records one item that failed permanently inside a batch.
type BatchError[T any] struct {
	ChunkIndex int   `json:"chunk_index"`
	ItemIndex  int   `json:"item_index"`
	Item       T     `json:"item"`
	Err        error `json:"-"`
	RetryCount int   `json:"retry_count"`
}

// Error implements error so a BatchError can be logged or joined directly.
func (e BatchError[T]) Error() string {
	return fmt.Sprintf("chunk %d item %d (retries %d): %v", e.ChunkIndex, e.ItemIndex, e.RetryCount, e.Err)
}

// Unwrap returns the item's final error.
func (e BatchError[T]) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// MemoryStats is one sample of process memory against the configured ceiling.
type MemoryStats struct {
	UsedMB     float64   `json:"used_mb"`
	LimitMB    float64   `json:"limit_mb"`
	Percentage float64   `json:"percentage"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Exceeded reports whether usage is above the ceiling. A zero limit never trips.
func (m MemoryStats) Exceeded() bool {
	return m.LimitMB > 0 && m.UsedMB > m.LimitMB
}

// -----------------------------------------------------------------------------
// Archive
// -----------------------------------------------------------------------------

// OperationRecord is the archived form of a terminal operation.
type OperationRecord struct {
	Operation  DeletionOperation `json:"operation"`
	Progress   DeletionProgress  `json:"progress"`
	Failures   []string          `json:"failures,omitempty"`
	ArchivedAt time.Time         `json:"archived_at"`
}
