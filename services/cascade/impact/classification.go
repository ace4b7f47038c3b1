// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianCascade/services/cascade/types"
)

// Classification maps entity types to business severity. It is external
// configuration; the analyzer hard-codes no entity types.
type Classification interface {
	// SeverityFor returns the base severity of one dependent of entityType.
	SeverityFor(entityType string) types.Severity

	// EscalatesByCount reports whether large numbers of entityType
	// dependents may raise their severity through Thresholds.
	EscalatesByCount(entityType string) bool
}

// TypeRule is the classification of one entity type.
type TypeRule struct {
	Severity types.Severity `yaml:"severity" json:"severity"`
	Escalate bool           `yaml:"escalate" json:"escalate"`
}

// Table is a static Classification.
//
// Types missing from EntityTypes get DefaultSeverity and escalate by count.
type Table struct {
	DefaultSeverity types.Severity      `yaml:"default_severity" json:"default_severity"`
	EntityTypes     map[string]TypeRule `yaml:"entity_types" json:"entity_types"`
}

var _ Classification = (*Table)(nil)

// SeverityFor implements Classification.
func (t *Table) SeverityFor(entityType string) types.Severity {
	if t == nil {
		return types.SeverityLow
	}
	if rule, ok := t.EntityTypes[entityType]; ok && rule.Severity.Rank() > 0 {
		return rule.Severity
	}
	if t.DefaultSeverity.Rank() > 0 {
		return t.DefaultSeverity
	}
	return types.SeverityLow
}

// EscalatesByCount implements Classification.
func (t *Table) EscalatesByCount(entityType string) bool {
	if t == nil {
		return true
	}
	if rule, ok := t.EntityTypes[entityType]; ok {
		return rule.Escalate
	}
	return true
}

// Validate rejects unknown severity names.
func (t *Table) Validate() error {
	var errs []error
	if t.DefaultSeverity != "" && t.DefaultSeverity.Rank() == 0 {
		errs = append(errs, fmt.Errorf("default_severity: unknown severity %q", t.DefaultSeverity))
	}
	for name, rule := range t.EntityTypes {
		if name == "" {
			errs = append(errs, errors.New("entity_types: empty type name"))
		}
		if rule.Severity.Rank() == 0 {
			errs = append(errs, fmt.Errorf("entity_types.%s: unknown severity %q", name, rule.Severity))
		}
	}
	return errors.Join(errs...)
}

// DefaultTable is the classification used when no table is configured.
// Every type is low severity and escalates by count.
func DefaultTable() *Table {
	return &Table{DefaultSeverity: types.SeverityLow, EntityTypes: map[string]TypeRule{}}
}

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

// Thresholds are same-type dependent counts that escalate severity.
// A count reaching a threshold (>=) raises that type's dependents to at
// least the matching severity. Zero disables a level.
type Thresholds struct {
	Critical int `yaml:"critical" mapstructure:"critical" json:"critical" validate:"gte=0"`
	High     int `yaml:"high" mapstructure:"high" json:"high" validate:"gte=0"`
	Medium   int `yaml:"medium" mapstructure:"medium" json:"medium" validate:"gte=0"`
}

// DefaultThresholds returns 100/50/20.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 100, High: 50, Medium: 20}
}

// Validate rejects negative thresholds and inverted ordering.
func (t Thresholds) Validate() error {
	if t.Critical < 0 || t.High < 0 || t.Medium < 0 {
		return fmt.Errorf("thresholds must be non-negative: %+v", t)
	}
	if t.Critical > 0 && t.High > 0 && t.High > t.Critical {
		return fmt.Errorf("high threshold %d exceeds critical threshold %d", t.High, t.Critical)
	}
	if t.High > 0 && t.Medium > 0 && t.Medium > t.High {
		return fmt.Errorf("medium threshold %d exceeds high threshold %d", t.Medium, t.High)
	}
	return nil
}

// escalation returns the severity a type reaches with count dependents, and
// the threshold that was met. Returns "" when no threshold is met.
func (t Thresholds) escalation(count int) (types.Severity, int) {
	switch {
	case t.Critical > 0 && count >= t.Critical:
		return types.SeverityCritical, t.Critical
	case t.High > 0 && count >= t.High:
		return types.SeverityHigh, t.High
	case t.Medium > 0 && count >= t.Medium:
		return types.SeverityMedium, t.Medium
	default:
		return "", 0
	}
}
