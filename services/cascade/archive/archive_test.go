// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/storage/badger"
	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(badger.InMemoryConfig(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, user string, status types.OperationStatus, at time.Duration) types.OperationRecord {
	return types.OperationRecord{
		Operation: types.DeletionOperation{
			ID:          id,
			EntityType:  "teacher",
			EntityID:    "t-" + id,
			Status:      status,
			Phase:       types.PhaseCleanup,
			UserID:      user,
			CreatedAt:   base,
			CompletedAt: base.Add(at),
		},
		Progress:   types.DeletionProgress{OperationID: id, ProcessedCount: 4, TotalCount: 4, Percentage: 100, Done: true},
		ArchivedAt: base.Add(at),
	}
}

func TestSaveGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := record("op-1", "alice", types.StatusFailed, time.Minute)
	rec.Failures = []string{"lesson:l1: integrity"}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Operation.ID, got.Operation.ID)
	assert.Equal(t, types.StatusFailed, got.Operation.Status)
	assert.Equal(t, rec.Failures, got.Failures)
	assert.True(t, rec.ArchivedAt.Equal(got.ArchivedAt))
	assert.Equal(t, 4, got.Progress.ProcessedCount)
}

func TestGet_NotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrOperationNotFound)
}

func TestSave_RequiresID(t *testing.T) {
	s := openStore(t)
	err := s.Save(context.Background(), types.OperationRecord{})
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestList_FilterAndOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, record("a", "alice", types.StatusCompleted, 1*time.Minute)))
	require.NoError(t, s.Save(ctx, record("b", "bob", types.StatusCompleted, 2*time.Minute)))
	require.NoError(t, s.Save(ctx, record("c", "alice", types.StatusCancelled, 3*time.Minute)))
	require.NoError(t, s.Save(ctx, record("d", "alice", types.StatusCompleted, 4*time.Minute)))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].Operation.ID, "newest first")
	assert.Equal(t, "a", all[3].Operation.ID)

	alice, err := s.List(ctx, Filter{UserID: "alice", Status: types.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "d", alice[0].Operation.ID)
	assert.Equal(t, "a", alice[1].Operation.ID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSave_Replaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, record("a", "alice", types.StatusCancelled, time.Minute)))
	require.NoError(t, s.Save(ctx, record("a", "alice", types.StatusCompleted, time.Minute)))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.StatusCompleted, all[0].Operation.Status)
}
