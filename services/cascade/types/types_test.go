// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKey_RoundTrip(t *testing.T) {
	ref := EntityRef{Type: "teacher", ID: "t-1"}
	assert.Equal(t, "teacher:t-1", ref.Key())

	parsed, err := ParseEntityKey("lesson:2024:05")
	require.NoError(t, err)
	assert.Equal(t, "lesson", parsed.Type)
	assert.Equal(t, "2024:05", parsed.ID)

	for _, bad := range []string{"", "teacher", ":x", "teacher:"} {
		_, err := ParseEntityKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSeverity_RankAndMax(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())

	assert.Equal(t, SeverityHigh, SeverityLow.Max(SeverityHigh))
	assert.Equal(t, SeverityCritical, SeverityCritical.Max(SeverityMedium))
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)
}

func TestSeverityCounts_Add(t *testing.T) {
	var c SeverityCounts
	c.Add(SeverityCritical)
	c.Add(SeverityHigh)
	c.Add(SeverityHigh)
	c.Add(SeverityMedium)
	c.Add(SeverityLow)
	c.Add(Severity(""))

	assert.Equal(t, SeverityCounts{Critical: 1, High: 2, Medium: 1, Low: 2}, c)
	assert.Equal(t, 6, c.Total())
}

func TestOperationStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to OperationStatus
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestPhase_Index(t *testing.T) {
	order := []Phase{PhasePreview, PhaseValidation, PhaseExecution, PhaseCleanup}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Index(), order[i-1].Index())
	}
	assert.Equal(t, -1, Phase("other").Index())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, Percent(0, 0))
	assert.Equal(t, 50.0, Percent(60, 120))
	assert.Equal(t, 100.0, Percent(130, 120))
}

func TestMemoryStats_Exceeded(t *testing.T) {
	assert.True(t, MemoryStats{UsedMB: 110, LimitMB: 100}.Exceeded())
	assert.False(t, MemoryStats{UsedMB: 100, LimitMB: 100}.Exceeded())
	assert.False(t, MemoryStats{UsedMB: 500}.Exceeded())
}

func TestBatchError_Unwrap(t *testing.T) {
	cause := NewError(KindNetwork, "delete", errors.New("reset"))
	be := BatchError[string]{ChunkIndex: 1, ItemIndex: 3, Item: "x", Err: cause, RetryCount: 2}

	assert.ErrorIs(t, be, ErrNetwork)
	assert.Contains(t, be.Error(), "chunk 1 item 3")
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(KindNetwork, "delete", cause).WithEntity("student:1")

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, "delete: network [student:1]: connection refused", err.Error())

	wrapped := fmt.Errorf("chunk 2: %w", err)
	assert.ErrorIs(t, wrapped, ErrNetwork)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorKind
		retryable bool
	}{
		{"typed integrity", NewError(KindIntegrity, "delete", nil), KindIntegrity, false},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"wrapped deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), KindTimeout, true},
		{"canceled", context.Canceled, KindCancelled, false},
		{"sentinel permission", fmt.Errorf("denied: %w", ErrPermission), KindPermission, false},
		{"sentinel validation", ErrValidation, KindValidation, false},
		{"plain", errors.New("boom"), KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}

	assert.False(t, IsRetryable(nil))
}
