// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore is an in-memory relation store that enforces referential
// integrity on delete. It serves both as the relation lookup and as the
// deletion backend for the CLI and for tests.
package memstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCascade/pkg/validation"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/juju/clock"
	"gopkg.in/yaml.v3"
)

type fault struct {
	err       error
	remaining int // negative: forever
}

// Store holds entities and "references" edges between them.
//
// An edge from A to B means A references B, so A is returned by
// ListReferencingEntities(B) and B cannot be deleted while A exists.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	entities map[string]types.EntityRef
	// referrers[target] is the set of keys referencing target.
	referrers map[string]map[string]struct{}
	// targets[source] is the set of keys source references.
	targets map[string]map[string]struct{}

	lookupFaults map[string]*fault
	deleteFaults map[string]*fault
	lookupDelay  time.Duration
	clock        clock.Clock

	lookups atomic.Int64
	deletes atomic.Int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entities:     make(map[string]types.EntityRef),
		referrers:    make(map[string]map[string]struct{}),
		targets:      make(map[string]map[string]struct{}),
		lookupFaults: make(map[string]*fault),
		deleteFaults: make(map[string]*fault),
		clock:        clock.WallClock,
	}
}

// Add inserts or replaces entities.
func (s *Store) Add(refs ...types.EntityRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		s.entities[ref.Key()] = ref
	}
}

// Link records that from references to. Both must exist.
func (s *Store) Link(from, to types.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fk, tk := from.Key(), to.Key()
	if _, ok := s.entities[fk]; !ok {
		return fmt.Errorf("link source %s: not found", fk)
	}
	if _, ok := s.entities[tk]; !ok {
		return fmt.Errorf("link target %s: not found", tk)
	}
	addEdge(s.referrers, tk, fk)
	addEdge(s.targets, fk, tk)
	return nil
}

func addEdge(m map[string]map[string]struct{}, a, b string) {
	set, ok := m[a]
	if !ok {
		set = make(map[string]struct{})
		m[a] = set
	}
	set[b] = struct{}{}
}

// ListReferencingEntities returns the entities that reference
// (entityType, entityID), sorted by key. It satisfies graph.RelationLookup.
func (s *Store) ListReferencingEntities(ctx context.Context, entityType, entityID string) ([]types.EntityRef, error) {
	s.lookups.Add(1)
	key := types.EntityKey(entityType, entityID)

	s.mu.Lock()
	delay, clk := s.lookupDelay, s.clock
	err := takeFault(s.lookupFaults, key)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entities[key]; !ok {
		return nil, types.Errorf(types.KindValidation, "list referencing entities", "%s not found", key)
	}
	out := make([]types.EntityRef, 0, len(s.referrers[key]))
	for k := range s.referrers[key] {
		out = append(out, s.entities[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// DeleteEntity removes an entity and the edges it owns. It fails with an
// Integrity error while any other entity still references it.
func (s *Store) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.deletes.Add(1)
	key := types.EntityKey(entityType, entityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := takeFault(s.deleteFaults, key); err != nil {
		return err
	}
	if _, ok := s.entities[key]; !ok {
		return types.Errorf(types.KindValidation, "delete entity", "%s not found", key)
	}
	if n := len(s.referrers[key]); n > 0 {
		return types.Errorf(types.KindIntegrity, "delete entity",
			"%s is still referenced by %d entities", key, n)
	}

	for target := range s.targets[key] {
		delete(s.referrers[target], key)
		if len(s.referrers[target]) == 0 {
			delete(s.referrers, target)
		}
	}
	delete(s.targets, key)
	delete(s.referrers, key)
	delete(s.entities, key)
	return nil
}

// takeFault consumes one injected failure for key. Caller holds mu.
func takeFault(faults map[string]*fault, key string) error {
	f, ok := faults[key]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(faults, key)
		}
	}
	return f.err
}

// FailLookups makes the next times lookups of key fail with err.
// A negative times fails forever.
func (s *Store) FailLookups(key string, err error, times int) {
	s.mu.Lock()
	s.lookupFaults[key] = &fault{err: err, remaining: times}
	s.mu.Unlock()
}

// FailDeletes makes the next times deletes of key fail with err.
// A negative times fails forever.
func (s *Store) FailDeletes(key string, err error, times int) {
	s.mu.Lock()
	s.deleteFaults[key] = &fault{err: err, remaining: times}
	s.mu.Unlock()
}

// SetClock replaces the wall clock used for lookup delays.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// SetLookupDelay slows every lookup by d.
func (s *Store) SetLookupDelay(d time.Duration) {
	s.mu.Lock()
	s.lookupDelay = d
	s.mu.Unlock()
}

// Has reports whether the entity exists.
func (s *Store) Has(entityType, entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[types.EntityKey(entityType, entityID)]
	return ok
}

// Get returns an entity by key.
func (s *Store) Get(key string) (types.EntityRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.entities[key]
	return ref, ok
}

// Len returns the number of entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Lookups returns the number of ListReferencingEntities calls.
func (s *Store) Lookups() int64 { return s.lookups.Load() }

// Deletes returns the number of DeleteEntity calls.
func (s *Store) Deletes() int64 { return s.deletes.Load() }

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

// Fixture is the YAML shape accepted by LoadYAML.
//
//	entities:
//	  - {type: teacher, id: t1, name: Ada}
//	  - {type: student, id: s1}
//	links:
//	  - {from: "student:s1", to: "teacher:t1"}
type Fixture struct {
	Entities []FixtureEntity `yaml:"entities"`
	Links    []FixtureLink   `yaml:"links"`
}

// FixtureEntity is one entity in a Fixture.
type FixtureEntity struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// FixtureLink is one reference edge in a Fixture, as entity keys.
type FixtureLink struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadYAML adds the entities and links described by data.
func (s *Store) LoadYAML(data []byte) error {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	for i, e := range fx.Entities {
		if err := validation.ValidateEntity(e.Type, e.ID); err != nil {
			return fmt.Errorf("fixture entity %d: %w", i, err)
		}
		s.Add(types.EntityRef{Type: e.Type, ID: e.ID, Name: e.Name})
	}
	for i, l := range fx.Links {
		from, err := types.ParseEntityKey(l.From)
		if err != nil {
			return fmt.Errorf("fixture link %d: %w", i, err)
		}
		to, err := types.ParseEntityKey(l.To)
		if err != nil {
			return fmt.Errorf("fixture link %d: %w", i, err)
		}
		if err := s.Link(from, to); err != nil {
			return fmt.Errorf("fixture link %d: %w", i, err)
		}
	}
	return nil
}

// LoadFile reads a YAML fixture from path into a new Store.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	s := New()
	if err := s.LoadYAML(data); err != nil {
		return nil, err
	}
	return s, nil
}
