// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/debounce"
	"github.com/AleutianAI/AleutianCascade/services/cascade/impact"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"gopkg.in/yaml.v3"
)

// DefaultReloadDelay coalesces bursts of file events into one reload.
const DefaultReloadDelay = 250 * time.Millisecond

// LoadClassification parses a YAML severity table.
//
// Example:
//
//	default_severity: low
//	entity_types:
//	  teacher: {severity: high, escalate: false}
//	  lesson:  {severity: low,  escalate: true}
func LoadClassification(path string) (*impact.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classification %s: %w", path, err)
	}
	return ParseClassification(data)
}

// ParseClassification parses and validates a YAML severity table.
func ParseClassification(data []byte) (*impact.Table, error) {
	var table impact.Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, types.NewError(types.KindValidation, "parse classification", err)
	}
	if table.EntityTypes == nil {
		table.EntityTypes = map[string]impact.TypeRule{}
	}
	if err := table.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, "parse classification", err)
	}
	return &table, nil
}

// ClassificationStore is an impact.Classification whose table can be swapped
// while previews are running.
//
// # Thread Safety
//
// Safe for concurrent use. Readers never block; a reload replaces the
// whole table atomically.
type ClassificationStore struct {
	path    string
	current atomic.Pointer[impact.Table]
	reloads atomic.Int64
	logger  *slog.Logger
	delay   time.Duration
	clock   clock.Clock
}

var _ impact.Classification = (*ClassificationStore)(nil)

// StoreOption configures a ClassificationStore.
type StoreOption func(*ClassificationStore)

// WithReloadDelay overrides DefaultReloadDelay.
func WithReloadDelay(d time.Duration) StoreOption {
	return func(s *ClassificationStore) { s.delay = d }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *ClassificationStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewClassificationStore loads path. An empty path serves
// impact.DefaultTable and cannot be watched.
func NewClassificationStore(path string, opts ...StoreOption) (*ClassificationStore, error) {
	s := &ClassificationStore{
		path:   path,
		logger: slog.Default(),
		delay:  DefaultReloadDelay,
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "classification_store"))

	if path == "" {
		s.current.Store(impact.DefaultTable())
		return s, nil
	}
	table, err := LoadClassification(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(table)
	return s, nil
}

// SeverityFor implements impact.Classification.
func (s *ClassificationStore) SeverityFor(entityType string) types.Severity {
	return s.current.Load().SeverityFor(entityType)
}

// EscalatesByCount implements impact.Classification.
func (s *ClassificationStore) EscalatesByCount(entityType string) bool {
	return s.current.Load().EscalatesByCount(entityType)
}

// Table returns the table currently in use.
func (s *ClassificationStore) Table() *impact.Table {
	return s.current.Load()
}

// Reloads returns the number of successful reloads.
func (s *ClassificationStore) Reloads() int64 {
	return s.reloads.Load()
}

// Reload re-reads the file. A table that fails to parse is rejected and
// the previous one stays in use.
func (s *ClassificationStore) Reload() error {
	if s.path == "" {
		return nil
	}
	table, err := LoadClassification(s.path)
	if err != nil {
		s.logger.Warn("classification reload rejected",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.current.Store(table)
	s.reloads.Add(1)
	s.logger.Info("classification reloaded",
		slog.String("path", s.path),
		slog.Int("entity_types", len(table.EntityTypes)),
	)
	return nil
}

// Watch reloads the table whenever the file changes, until ctx ends.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// which replace the file by rename are still seen. Events are debounced
// by the reload delay.
//
// # Outputs
//
//   - error: nil when ctx ends, or the watcher setup error.
func (s *ClassificationStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create classification watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	reload := debounce.New(s.delay, s.clock)
	defer reload.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			reload.Trigger(func() { _ = s.Reload() })

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("classification watcher error", slog.String("error", err.Error()))
		}
	}
}
