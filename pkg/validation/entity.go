// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied identifiers before they reach
// relation lookups, storage keys or log lines.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxEntityIDLength bounds entity IDs in bytes.
const MaxEntityIDLength = 256

// entityTypePattern matches entity type names such as "teacher" or
// "orchestra_roster". The colon is excluded because it separates type and
// ID in entity keys.
var entityTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.\-]{0,63}$`)

// ValidateEntityType validates an entity type name.
//
// Valid types:
//   - 1-64 characters
//   - Start with a letter
//   - Letters, digits, underscore, dot, hyphen
func ValidateEntityType(entityType string) error {
	if entityType == "" {
		return errors.New("entity type cannot be empty")
	}
	if !entityTypePattern.MatchString(entityType) {
		return fmt.Errorf("invalid entity type %q (must start with a letter; letters, digits, '_', '.', '-' only; max 64)", entityType)
	}
	return nil
}

// ValidateEntityID validates an entity ID. IDs are opaque to the engine, so
// only empty, oversized, non-UTF-8 and control-character IDs are rejected.
// Colons are allowed.
func ValidateEntityID(entityID string) error {
	switch {
	case entityID == "":
		return errors.New("entity id cannot be empty")
	case len(entityID) > MaxEntityIDLength:
		return fmt.Errorf("entity id is %d bytes (max %d)", len(entityID), MaxEntityIDLength)
	case !utf8.ValidString(entityID):
		return fmt.Errorf("entity id %q is not valid UTF-8", entityID)
	case strings.TrimSpace(entityID) != entityID:
		return fmt.Errorf("entity id %q has surrounding whitespace", entityID)
	}
	for _, r := range entityID {
		if unicode.IsControl(r) {
			return fmt.Errorf("entity id %q contains a control character", entityID)
		}
	}
	return nil
}

// ValidateEntity validates both halves of an entity reference and reports
// every problem.
//
// Example:
//
//	if err := validation.ValidateEntity(entityType, entityID); err != nil {
//	    return types.NewError(types.KindValidation, "preview deletion", err)
//	}
func ValidateEntity(entityType, entityID string) error {
	return errors.Join(ValidateEntityType(entityType), ValidateEntityID(entityID))
}

// ValidateOperationID checks that id is a UUID as issued by the tracker.
func ValidateOperationID(id string) error {
	if id == "" {
		return errors.New("operation id cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid operation id %q: %w", id, err)
	}
	return nil
}

// SanitizeEntityType trims whitespace and validates.
func SanitizeEntityType(entityType string) (string, error) {
	normalized := strings.TrimSpace(entityType)
	if err := ValidateEntityType(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
