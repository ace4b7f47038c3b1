// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schoolFixture = `
entities:
  - {type: teacher, id: t1, name: Ada}
  - {type: student, id: s2}
  - {type: student, id: s1}
  - {type: lesson, id: l1}
links:
  - {from: "student:s1", to: "teacher:t1"}
  - {from: "student:s2", to: "teacher:t1"}
  - {from: "lesson:l1", to: "student:s1"}
`

func school(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.LoadYAML([]byte(schoolFixture)))
	return s
}

func TestListReferencingEntities_Sorted(t *testing.T) {
	s := school(t)

	refs, err := s.ListReferencingEntities(context.Background(), "teacher", "t1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "student:s1", refs[0].Key())
	assert.Equal(t, "student:s2", refs[1].Key())

	leaf, err := s.ListReferencingEntities(context.Background(), "lesson", "l1")
	require.NoError(t, err)
	assert.Empty(t, leaf)
	assert.Equal(t, int64(2), s.Lookups())
}

func TestListReferencingEntities_Missing(t *testing.T) {
	s := New()
	_, err := s.ListReferencingEntities(context.Background(), "teacher", "nope")
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestDeleteEntity_EnforcesIntegrity(t *testing.T) {
	s := school(t)
	ctx := context.Background()

	err := s.DeleteEntity(ctx, "student", "s1")
	require.Error(t, err)
	assert.Equal(t, types.KindIntegrity, types.KindOf(err))

	require.NoError(t, s.DeleteEntity(ctx, "lesson", "l1"))
	require.NoError(t, s.DeleteEntity(ctx, "student", "s1"))
	assert.Error(t, s.DeleteEntity(ctx, "teacher", "t1"), "s2 still references t1")
	require.NoError(t, s.DeleteEntity(ctx, "student", "s2"))
	require.NoError(t, s.DeleteEntity(ctx, "teacher", "t1"))

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(6), s.Deletes())
}

func TestDeleteEntity_Missing(t *testing.T) {
	s := New()
	err := s.DeleteEntity(context.Background(), "teacher", "t1")
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestDeleteEntity_CancelledContext(t *testing.T) {
	s := school(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.DeleteEntity(ctx, "lesson", "l1"), context.Canceled)
	assert.True(t, s.Has("lesson", "l1"))
}

func TestFaultInjection(t *testing.T) {
	s := school(t)
	ctx := context.Background()
	boom := types.NewError(types.KindNetwork, "delete", errors.New("connection reset"))

	s.FailDeletes("lesson:l1", boom, 2)
	assert.ErrorIs(t, s.DeleteEntity(ctx, "lesson", "l1"), boom)
	assert.ErrorIs(t, s.DeleteEntity(ctx, "lesson", "l1"), boom)
	assert.NoError(t, s.DeleteEntity(ctx, "lesson", "l1"))

	s.FailLookups("teacher:t1", boom, -1)
	for range 3 {
		_, err := s.ListReferencingEntities(ctx, "teacher", "t1")
		assert.ErrorIs(t, err, boom)
	}
}

func TestLookupDelay_RespectsContext(t *testing.T) {
	s := school(t)
	s.SetLookupDelay(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.ListReferencingEntities(ctx, "teacher", "t1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLookupDelay_FollowsClock(t *testing.T) {
	s := school(t)
	clk := testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.SetClock(clk)
	s.SetLookupDelay(time.Minute)

	done := make(chan int, 1)
	go func() {
		refs, err := s.ListReferencingEntities(context.Background(), "teacher", "t1")
		assert.NoError(t, err)
		done <- len(refs)
	}()

	require.NoError(t, clk.WaitAdvance(time.Minute, 5*time.Second, 1))
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not return")
	}
}

func TestLink_RequiresEntities(t *testing.T) {
	s := New()
	a := types.EntityRef{Type: "student", ID: "s1"}
	b := types.EntityRef{Type: "teacher", ID: "t1"}
	assert.Error(t, s.Link(a, b))
	s.Add(a)
	assert.Error(t, s.Link(a, b))
	s.Add(b)
	assert.NoError(t, s.Link(a, b))
}

func TestLoadYAML_Errors(t *testing.T) {
	tests := map[string]string{
		"missing id":   "entities:\n  - {type: teacher}\n",
		"bad key":      "entities:\n  - {type: teacher, id: t1}\nlinks:\n  - {from: nope, to: teacher:t1}\n",
		"dangling":     "entities:\n  - {type: teacher, id: t1}\nlinks:\n  - {from: student:s9, to: teacher:t1}\n",
		"invalid yaml": "entities: [",
		"bad type":     "entities:\n  - {type: 'teacher:x', id: t1}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, New().LoadYAML([]byte(content)))
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "school.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schoolFixture), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	ref, ok := s.Get("teacher:t1")
	require.True(t, ok)
	assert.Equal(t, "Ada", ref.Name)
}
