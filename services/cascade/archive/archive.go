// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive keeps an audit trail of finished deletion operations.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/storage/badger"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
)

const keyPrefix = "op/"

// Store persists OperationRecords as JSON in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db        *badger.DB
	retention time.Duration
	logger    *slog.Logger
}

// Open opens an archive. cfg follows badger.Config; retention > 0 expires
// records after that long.
func Open(cfg badger.Config, retention time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Store{
		db:        db,
		retention: retention,
		logger:    logger.With(slog.String("component", "operation_archive")),
	}, nil
}

// Save writes rec, replacing any earlier record for the same operation.
func (s *Store) Save(ctx context.Context, rec types.OperationRecord) error {
	if rec.Operation.ID == "" {
		return types.Errorf(types.KindValidation, "archive operation", "operation id is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive operation %s: %w", rec.Operation.ID, err)
	}
	if err := s.db.Put(ctx, key(rec.Operation.ID), data, s.retention); err != nil {
		return fmt.Errorf("archive operation %s: %w", rec.Operation.ID, err)
	}
	s.logger.Debug("operation archived",
		slog.String("operation_id", rec.Operation.ID),
		slog.String("status", string(rec.Operation.Status)),
	)
	return nil
}

// Get returns the record for an operation ID.
func (s *Store) Get(ctx context.Context, id string) (types.OperationRecord, error) {
	data, err := s.db.Get(ctx, key(id))
	if errors.Is(err, badger.ErrNotFound) {
		return types.OperationRecord{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	if err != nil {
		return types.OperationRecord{}, fmt.Errorf("read archived operation %s: %w", id, err)
	}
	var rec types.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.OperationRecord{}, fmt.Errorf("decode archived operation %s: %w", id, err)
	}
	return rec, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID string
	Status types.OperationStatus
	Limit  int
}

func (f Filter) match(rec types.OperationRecord) bool {
	if f.UserID != "" && rec.Operation.UserID != f.UserID {
		return false
	}
	if f.Status != "" && rec.Operation.Status != f.Status {
		return false
	}
	return true
}

// List returns matching records, most recently archived first.
func (s *Store) List(ctx context.Context, f Filter) ([]types.OperationRecord, error) {
	var out []types.OperationRecord
	err := s.db.Scan(ctx, []byte(keyPrefix), func(k, v []byte) error {
		var rec types.OperationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			s.logger.Warn("skipping undecodable archive record",
				slog.String("key", string(k)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if f.match(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archived operations: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ArchivedAt.Equal(out[j].ArchivedAt) {
			return out[i].ArchivedAt.After(out[j].ArchivedAt)
		}
		return out[i].Operation.ID < out[j].Operation.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
