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

// Rule check primitives. These only count offending rows; pass/fail policy
// lives with the caller. None of them mutates the dataset.

// CountNulls returns the number of null cells in column.
func (d *Dataset) CountNulls(column string) (int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range d.Rows {
		if isNull(row[idx]) {
			n++
		}
	}
	return n, nil
}

// CountNegative returns the number of numeric cells below zero.
// Non-numeric cells are ignored; nulls are ignored.
func (d *Dataset) CountNegative(column string) (int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range d.Rows {
		if f, ok := asFloat(row[idx]); ok && f < 0 {
			n++
		}
	}
	return n, nil
}

// CountOutOfRange returns the number of numeric cells outside [min, max].
func (d *Dataset) CountOutOfRange(column string, min, max float64) (int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range d.Rows {
		if f, ok := asFloat(row[idx]); ok && (f < min || f > max) {
			n++
		}
	}
	return n, nil
}

// CountNotInSet returns the number of non-null cells whose rendered value
// is not in the allowed set.
func (d *Dataset) CountNotInSet(column string, allowed []Value) (int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return 0, err
	}
	set := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		set[formatValue(v)] = true
	}
	n := 0
	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) {
			continue
		}
		if !set[formatValue(v)] {
			n++
		}
	}
	return n, nil
}

// CountDuplicates returns the number of repeated values in column.
func (d *Dataset) CountDuplicates(column string) (int, error) {
	idx, err := d.requireColumn(column)
	if err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	dups := 0
	for _, row := range d.Rows {
		k := formatValue(row[idx])
		if seen[k] {
			dups++
		}
		seen[k] = true
	}
	return dups, nil
}
