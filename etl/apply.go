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

package etl

import (
	"fmt"

	"github.com/dataforge/etlagent/dataset"
)

// applyAction executes one allow-listed action against the working
// dataset. Kinds were already validated; reaching the default branch
// means the plan bypassed validation, which is a bug, not data trouble.
func applyAction(d *dataset.Dataset, a Action) (string, int, error) {
	switch a.Kind {
	case ActionConvertDatetime:
		return d.ConvertDatetime(a.Column, a.Format)
	case ActionFillNull:
		return d.FillNull(a.Column, a.Strategy, a.Value)
	case ActionRemoveNegative:
		return d.RemoveNegative(a.Column)
	case ActionRemoveInvalid:
		return d.RemoveInvalid(a.Column, a.ValidValues)
	case ActionConvertNumeric:
		return d.ConvertNumeric(a.Column)
	case ActionRenameColumn:
		return d.RenameColumn(a.Column, a.NewName)
	case ActionDropColumn:
		return d.DropColumn(a.Column)
	case ActionStandardizeText:
		return d.StandardizeText(a.Column, a.Case)
	case ActionRemoveDuplicates:
		return d.RemoveDuplicates(a.Subset)
	case ActionAddDerivedColumn:
		return d.AddDerivedColumn(a.NewColumn, a.Expression)
	case ActionFilterRows:
		return d.FilterRows(a.Condition)
	default:
		return "", 0, fmt.Errorf("unvalidated action kind %q", a.Kind)
	}
}

// ruleResult is the outcome of checking one rule.
type ruleResult struct {
	Rule       ValidationRule
	Violations int
	Advisory   bool
	Err        error // rule could not be evaluated at all
}

func (r ruleResult) passed() bool {
	return r.Err == nil && (r.Violations == 0 || r.Advisory)
}

// checkRule evaluates one rule against the dataset. The unique rule is
// advisory: its violations are reported but never fail the run.
func checkRule(d *dataset.Dataset, r ValidationRule) ruleResult {
	res := ruleResult{Rule: r}
	switch r.Kind {
	case RuleNotNull:
		res.Violations, res.Err = d.CountNulls(r.Column)
	case RulePositive:
		res.Violations, res.Err = d.CountNegative(r.Column)
	case RuleInRange:
		res.Violations, res.Err = d.CountOutOfRange(r.Column, *r.Min, *r.Max)
	case RuleInSet:
		res.Violations, res.Err = d.CountNotInSet(r.Column, r.Allowed)
	case RuleUnique:
		res.Advisory = true
		res.Violations, res.Err = d.CountDuplicates(r.Column)
	case RuleRowCount:
		if d.RowCount() < r.MinRows {
			res.Violations = r.MinRows - d.RowCount()
		}
	default:
		res.Err = fmt.Errorf("unvalidated rule kind %q", r.Kind)
	}
	return res
}
