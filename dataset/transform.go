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

package dataset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
)

// Null-fill strategies.
const (
	FillValue  = "value"
	FillMean   = "mean"
	FillMedian = "median"
	FillMode   = "mode"
	FillDrop   = "drop"
)

// datetimeLayouts are tried in order when no explicit format is given.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

func parseDatetime(s, layout string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if layout != "" {
		return time.Parse(layout, s)
	}
	for _, l := range datetimeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("value %q matches no known datetime layout", s)
}

// ConvertDatetime parses string cells into time.Time. Unparseable cells
// become null (coerce semantics); already-temporal cells pass through.
// Returns the number of new nulls introduced by coercion.
func (d *Dataset) ConvertDatetime(column, layout string) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	newNulls := 0
	for _, row := range d.Rows {
		switch v := row[idx].(type) {
		case nil, time.Time:
		case string:
			t, perr := parseDatetime(v, layout)
			if perr != nil {
				row[idx] = nil
				newNulls++
			} else {
				row[idx] = t
			}
		default:
			row[idx] = nil
			newNulls++
		}
	}
	return fmt.Sprintf("converted %q to datetime, new nulls from coercion: %d", column, newNulls), newNulls, nil
}

// FillNull fills null cells by the given strategy. mean/median require a
// numeric column; mode works on any column. drop removes the rows instead.
func (d *Dataset) FillNull(column, strategy string, value Value) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	nulls := 0
	for _, row := range d.Rows {
		if isNull(row[idx]) {
			nulls++
		}
	}

	var fill Value
	switch strategy {
	case FillValue:
		fill = value
	case FillMean:
		m, serr := d.columnMean(idx, column)
		if serr != nil {
			return "", 0, serr
		}
		fill = m
	case FillMedian:
		m, serr := d.columnMedian(idx, column)
		if serr != nil {
			return "", 0, serr
		}
		fill = m
	case FillMode:
		m, serr := d.columnMode(idx, column)
		if serr != nil {
			return "", 0, serr
		}
		fill = m
	case FillDrop:
		kept := make([][]Value, 0, len(d.Rows))
		for _, row := range d.Rows {
			if !isNull(row[idx]) {
				kept = append(kept, row)
			}
		}
		d.Rows = kept
		return fmt.Sprintf("dropped %d rows with null %q", nulls, column), nulls, nil
	default:
		return "", 0, fmt.Errorf("unknown fill strategy %q", strategy)
	}

	for _, row := range d.Rows {
		if isNull(row[idx]) {
			row[idx] = fill
		}
	}
	return fmt.Sprintf("filled %d null values in %q using %s", nulls, column, strategy), nulls, nil
}

func (d *Dataset) columnNumbers(idx int, column string) ([]float64, error) {
	var out []float64
	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("column %q contains non-numeric value %v", column, v)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("column %q has no numeric values", column)
	}
	return out, nil
}

func (d *Dataset) columnMean(idx int, column string) (Value, error) {
	nums, err := d.columnNumbers(idx, column)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, f := range nums {
		sum += f
	}
	return sum / float64(len(nums)), nil
}

func (d *Dataset) columnMedian(idx int, column string) (Value, error) {
	nums, err := d.columnNumbers(idx, column)
	if err != nil {
		return nil, err
	}
	sort.Float64s(nums)
	n := len(nums)
	if n%2 == 1 {
		return nums[n/2], nil
	}
	return (nums[n/2-1] + nums[n/2]) / 2, nil
}

func (d *Dataset) columnMode(idx int, column string) (Value, error) {
	counts := map[string]int{}
	values := map[string]Value{}
	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) {
			continue
		}
		k := formatValue(v)
		counts[k]++
		values[k] = v
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("column %q has no values to take the mode of", column)
	}
	var bestKey string
	best := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic tie-break
	for _, k := range keys {
		if counts[k] > best {
			best = counts[k]
			bestKey = k
		}
	}
	return values[bestKey], nil
}

// RemoveNegative drops rows whose value in column is negative. Non-null
// non-numeric cells are a data-level error.
func (d *Dataset) RemoveNegative(column string) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	removed := 0
	kept := make([][]Value, 0, len(d.Rows))
	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) {
			kept = append(kept, row)
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			// leave the dataset untouched when the column is not numeric
			return "", 0, fmt.Errorf("column %q contains non-numeric value %v", column, v)
		}
		if f < 0 {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	d.Rows = kept
	return fmt.Sprintf("removed %d rows with negative %q", removed, column), removed, nil
}

// RemoveInvalid drops rows whose value in column is not in the allowed set.
func (d *Dataset) RemoveInvalid(column string, allowed []Value) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		allowedSet[formatValue(v)] = true
	}
	removed := 0
	kept := make([][]Value, 0, len(d.Rows))
	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) || !allowedSet[formatValue(v)] {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	d.Rows = kept
	return fmt.Sprintf("removed %d rows with invalid %q", removed, column), removed, nil
}

// ConvertNumeric coerces string cells to numbers; unparseable cells become
// null, mirroring "errors=coerce" semantics.
func (d *Dataset) ConvertNumeric(column string) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	coerced := 0
	for _, row := range d.Rows {
		switch v := row[idx].(type) {
		case nil, int64, float64:
		case string:
			s := strings.TrimSpace(v)
			if i, perr := strconv.ParseInt(s, 10, 64); perr == nil {
				row[idx] = i
			} else if f, perr := strconv.ParseFloat(s, 64); perr == nil {
				row[idx] = f
			} else {
				row[idx] = nil
				coerced++
			}
		case bool:
			if v {
				row[idx] = int64(1)
			} else {
				row[idx] = int64(0)
			}
		default:
			row[idx] = nil
			coerced++
		}
	}
	return fmt.Sprintf("converted %q to numeric, %d unparseable values became null", column, coerced), coerced, nil
}

// RenameColumn renames column old to new.
func (d *Dataset) RenameColumn(old, new string) (string, int, error) {
	idx, err := d.requireColumn(old)
	if err != nil {
		return "", 0, err
	}
	if d.ColumnIndex(new) >= 0 {
		return "", 0, fmt.Errorf("column %q already exists", new)
	}
	d.Columns[idx] = new
	return fmt.Sprintf("renamed %q to %q", old, new), 0, nil
}

// DropColumn removes a column and its cells.
func (d *Dataset) DropColumn(column string) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	d.Columns = append(d.Columns[:idx], d.Columns[idx+1:]...)
	for i, row := range d.Rows {
		d.Rows[i] = append(row[:idx], row[idx+1:]...)
	}
	return fmt.Sprintf("dropped column %q", column), 0, nil
}

// StandardizeText normalizes string cells to lower, upper or title case.
func (d *Dataset) StandardizeText(column, textCase string) (string, int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return "", 0, err
	}
	var conv func(string) string
	switch textCase {
	case "lower", "":
		conv = strings.ToLower
	case "upper":
		conv = strings.ToUpper
	case "title":
		conv = titleCase
	default:
		return "", 0, fmt.Errorf("unknown text case %q", textCase)
	}
	changed := 0
	for _, row := range d.Rows {
		if s, ok := row[idx].(string); ok {
			row[idx] = conv(s)
			changed++
		}
	}
	return fmt.Sprintf("standardized %q to %s case (%d cells)", column, textCase, changed), changed, nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// RemoveDuplicates drops repeated rows; subset limits the compared columns
// (empty subset compares all). First occurrence wins.
func (d *Dataset) RemoveDuplicates(subset []string) (string, int, error) {
	indexes := make([]int, 0, len(subset))
	for _, c := range subset {
		idx, err := d.requireColumn(c)
		if err != nil {
			return "", 0, err
		}
		indexes = append(indexes, idx)
	}
	if len(indexes) == 0 {
		indexes = make([]int, len(d.Columns))
		for i := range d.Columns {
			indexes[i] = i
		}
	}
	seen := map[string]bool{}
	removed := 0
	kept := make([][]Value, 0, len(d.Rows))
	for _, row := range d.Rows {
		var key strings.Builder
		for _, idx := range indexes {
			key.WriteString(formatValue(row[idx]))
			key.WriteByte('\x1f')
		}
		k := key.String()
		if seen[k] {
			removed++
			continue
		}
		seen[k] = true
		kept = append(kept, row)
	}
	d.Rows = kept
	return fmt.Sprintf("removed %d duplicate rows", removed), removed, nil
}

// AddDerivedColumn appends a column computed by a govaluate expression
// over each row. Columns are addressable by name (use [brackets] for names
// with spaces). Rows where the expression errors get a null cell.
func (d *Dataset) AddDerivedColumn(newColumn, expression string) (string, int, error) {
	if d.ColumnIndex(newColumn) >= 0 {
		return "", 0, fmt.Errorf("column %q already exists", newColumn)
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return "", 0, fmt.Errorf("invalid expression %q: %v", expression, err)
	}
	nulls := 0
	d.Columns = append(d.Columns, newColumn)
	for i := range d.Rows {
		params := d.Record(i)
		v, eerr := expr.Evaluate(params)
		if eerr != nil {
			v = nil
			nulls++
		}
		d.Rows[i] = append(d.Rows[i], normalizeExprValue(v))
	}
	return fmt.Sprintf("added derived column %q (%d null results)", newColumn, nulls), 0, nil
}

// FilterRows keeps rows for which the govaluate expression is true.
// A row where evaluation fails is a data-level error, not silently dropped.
func (d *Dataset) FilterRows(condition string) (string, int, error) {
	expr, err := govaluate.NewEvaluableExpression(condition)
	if err != nil {
		return "", 0, fmt.Errorf("invalid condition %q: %v", condition, err)
	}
	removed := 0
	kept := make([][]Value, 0, len(d.Rows))
	for i := range d.Rows {
		v, eerr := expr.Evaluate(d.Record(i))
		if eerr != nil {
			return "", 0, fmt.Errorf("condition %q failed on row %d: %v", condition, i, eerr)
		}
		keep, ok := v.(bool)
		if !ok {
			return "", 0, fmt.Errorf("condition %q is not boolean", condition)
		}
		if !keep {
			removed++
			continue
		}
		kept = append(kept, d.Rows[i])
	}
	d.Rows = kept
	return fmt.Sprintf("filtered out %d rows using condition %q", removed, condition), removed, nil
}

func normalizeExprValue(v any) Value {
	switch t := v.(type) {
	case nil, bool, string, time.Time, int64:
		return t
	case float64:
		return t
	case int:
		return int64(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
