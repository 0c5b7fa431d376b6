// Copyright 2025 Dataforge Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package etl is the pipeline core: the state machine that sequences
// extract, analyze, plan, transform, validate, load and verify over a
// dataset, with oracle-guided recovery under a bounded retry budget.
package etl

import (
	"fmt"

	"github.com/dataforge/etlagent/dataset"
)

// ActionKind is one entry of the fixed transformation vocabulary. Plans
// referencing any other kind are rejected before execution.
type ActionKind string

const (
	ActionConvertDatetime  ActionKind = "convert_datetime"
	ActionFillNull         ActionKind = "fill_null"
	ActionRemoveNegative   ActionKind = "remove_negative"
	ActionRemoveInvalid    ActionKind = "remove_invalid"
	ActionConvertNumeric   ActionKind = "convert_numeric"
	ActionRenameColumn     ActionKind = "rename_column"
	ActionDropColumn       ActionKind = "drop_column"
	ActionStandardizeText  ActionKind = "standardize_text"
	ActionRemoveDuplicates ActionKind = "remove_duplicates"
	ActionAddDerivedColumn ActionKind = "add_derived_column"
	ActionFilterRows       ActionKind = "filter_rows"
)

// AllowedActions is the plan allow-list. Checked on every plan the oracle
// returns, including recovery plans.
var AllowedActions = map[ActionKind]bool{
	ActionConvertDatetime:  true,
	ActionFillNull:         true,
	ActionRemoveNegative:   true,
	ActionRemoveInvalid:    true,
	ActionConvertNumeric:   true,
	ActionRenameColumn:     true,
	ActionDropColumn:       true,
	ActionStandardizeText:  true,
	ActionRemoveDuplicates: true,
	ActionAddDerivedColumn: true,
	ActionFilterRows:       true,
}

// Action is a single allow-listed transformation instruction. Only the
// fields relevant to Kind are set; the rest stay zero.
type Action struct {
	Kind   ActionKind `json:"action"`
	Column string     `json:"column,omitempty"`

	Strategy    string          `json:"strategy,omitempty"`     // fill_null
	Value       dataset.Value   `json:"value,omitempty"`        // fill_null value strategy
	Format      string          `json:"format,omitempty"`       // convert_datetime layout
	NewName     string          `json:"new_name,omitempty"`     // rename_column
	ValidValues []dataset.Value `json:"valid_values,omitempty"` // remove_invalid
	Case        string          `json:"case,omitempty"`         // standardize_text
	Subset      []string        `json:"subset,omitempty"`       // remove_duplicates
	NewColumn   string          `json:"new_column,omitempty"`   // add_derived_column
	Expression  string          `json:"expression,omitempty"`   // add_derived_column
	Condition   string          `json:"condition,omitempty"`    // filter_rows
}

func (a Action) String() string {
	if a.Column != "" {
		return fmt.Sprintf("%s(%s)", a.Kind, a.Column)
	}
	return string(a.Kind)
}

// ValidatePlan checks every action against the allow-list and per-kind
// required parameters. It must hold for any plan regardless of origin.
func ValidatePlan(plan []Action) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan has no actions")
	}
	for i, a := range plan {
		if !AllowedActions[a.Kind] {
			return fmt.Errorf("action %d: kind %q is not in the allowed vocabulary", i+1, a.Kind)
		}
		if err := validateActionParams(a); err != nil {
			return fmt.Errorf("action %d (%s): %w", i+1, a.Kind, err)
		}
	}
	return nil
}

func validateActionParams(a Action) error {
	needsColumn := map[ActionKind]bool{
		ActionConvertDatetime: true,
		ActionFillNull:        true,
		ActionRemoveNegative:  true,
		ActionRemoveInvalid:   true,
		ActionConvertNumeric:  true,
		ActionRenameColumn:    true,
		ActionDropColumn:      true,
		ActionStandardizeText: true,
	}
	if needsColumn[a.Kind] && a.Column == "" {
		return fmt.Errorf("missing target column")
	}
	switch a.Kind {
	case ActionFillNull:
		switch a.Strategy {
		case dataset.FillValue:
			if a.Value == nil {
				return fmt.Errorf("strategy %q requires a value", a.Strategy)
			}
		case dataset.FillMean, dataset.FillMedian, dataset.FillMode, dataset.FillDrop:
		default:
			return fmt.Errorf("unknown fill strategy %q", a.Strategy)
		}
	case ActionRemoveInvalid:
		if len(a.ValidValues) == 0 {
			return fmt.Errorf("missing valid_values")
		}
	case ActionRenameColumn:
		if a.NewName == "" {
			return fmt.Errorf("missing new_name")
		}
	case ActionAddDerivedColumn:
		if a.NewColumn == "" || a.Expression == "" {
			return fmt.Errorf("missing new_column or expression")
		}
	case ActionFilterRows:
		if a.Condition == "" {
			return fmt.Errorf("missing condition")
		}
	}
	return nil
}

// RuleKind is one entry of the fixed validation-rule vocabulary.
type RuleKind string

const (
	RuleNotNull  RuleKind = "not_null"
	RulePositive RuleKind = "positive"
	RuleInRange  RuleKind = "in_range"
	RuleUnique   RuleKind = "unique"
	RuleRowCount RuleKind = "row_count"
	RuleInSet    RuleKind = "in_set"
)

// AllowedRules is the validation-rule allow-list.
var AllowedRules = map[RuleKind]bool{
	RuleNotNull:  true,
	RulePositive: true,
	RuleInRange:  true,
	RuleUnique:   true,
	RuleRowCount: true,
	RuleInSet:    true,
}

// ValidationRule is one predicate the transformed dataset must satisfy.
// The unique rule is advisory: violations are logged but never fail a run.
type ValidationRule struct {
	Kind        RuleKind        `json:"type"`
	Column      string          `json:"column,omitempty"`
	Min         *float64        `json:"min,omitempty"`
	Max         *float64        `json:"max,omitempty"`
	MinRows     int             `json:"min_rows,omitempty"`
	Allowed     []dataset.Value `json:"allowed,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (r ValidationRule) String() string {
	if r.Description != "" {
		return r.Description
	}
	if r.Column != "" {
		return fmt.Sprintf("%s(%s)", r.Kind, r.Column)
	}
	return string(r.Kind)
}

// ValidateRules checks rule kinds and required parameters.
func ValidateRules(rules []ValidationRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("no validation rules")
	}
	for i, r := range rules {
		if !AllowedRules[r.Kind] {
			return fmt.Errorf("rule %d: kind %q is not in the allowed vocabulary", i+1, r.Kind)
		}
		switch r.Kind {
		case RuleNotNull, RulePositive, RuleUnique:
			if r.Column == "" {
				return fmt.Errorf("rule %d (%s): missing column", i+1, r.Kind)
			}
		case RuleInRange:
			if r.Column == "" || r.Min == nil || r.Max == nil {
				return fmt.Errorf("rule %d (in_range): needs column, min and max", i+1)
			}
		case RuleInSet:
			if r.Column == "" || len(r.Allowed) == 0 {
				return fmt.Errorf("rule %d (in_set): needs column and allowed values", i+1)
			}
		case RuleRowCount:
			if r.MinRows <= 0 {
				return fmt.Errorf("rule %d (row_count): min_rows must be positive", i+1)
			}
		}
	}
	return nil
}
