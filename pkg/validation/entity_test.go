// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateEntityType(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		wantErr    bool
	}{
		{"simple", "teacher", false},
		{"underscore", "orchestra_roster", false},
		{"dotted", "school.class", false},
		{"mixed case", "LessonPlan", false},
		{"max length", "a" + strings.Repeat("b", 63), false},

		{"empty", "", true},
		{"colon", "teacher:t1", true},
		{"leading digit", "1teacher", true},
		{"space", "lesson plan", true},
		{"newline", "teacher\nadmin", true},
		{"too long", "a" + strings.Repeat("b", 64), true},
		{"slash", "op/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityType(tt.entityType)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "t1", false},
		{"uuid", uuid.NewString(), false},
		{"with colon", "region:eu:42", false},
		{"inner space", "room 101", false},
		{"hebrew", "מורה-7", false},
		{"max length", strings.Repeat("x", MaxEntityIDLength), false},

		{"empty", "", true},
		{"too long", strings.Repeat("x", MaxEntityIDLength+1), true},
		{"leading space", " t1", true},
		{"control char", "t1\x00", true},
		{"newline", "t1\nt2", true},
		{"invalid utf8", "t\xff1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEntity_ReportsBoth(t *testing.T) {
	err := ValidateEntity("", "")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "entity type cannot be empty")
		assert.Contains(t, err.Error(), "entity id cannot be empty")
	}
	assert.NoError(t, ValidateEntity("teacher", "t1"))
}

func TestValidateOperationID(t *testing.T) {
	assert.NoError(t, ValidateOperationID(uuid.NewString()))
	assert.Error(t, ValidateOperationID(""))
	assert.Error(t, ValidateOperationID("op-1"))
}

func TestSanitizeEntityType(t *testing.T) {
	got, err := SanitizeEntityType("  teacher \n")
	assert.NoError(t, err)
	assert.Equal(t, "teacher", got)

	_, err = SanitizeEntityType("   ")
	assert.Error(t, err)
}
