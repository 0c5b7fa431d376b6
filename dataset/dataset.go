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

// Package dataset holds the in-memory tabular data model and the
// deterministic tools that operate on it: extraction, profiling,
// transformation and SQL loading. Nothing in this package talks to an LLM.
package dataset

import (
	"fmt"
	"time"
)

// Value is one table cell: nil, bool, int64, float64, string or time.Time.
type Value = any

// Dataset is a column-ordered table. A Dataset is owned by exactly one
// pipeline node at a time; methods mutate the receiver in place.
type Dataset struct {
	Columns []string
	Rows    [][]Value
}

func New(columns []string) *Dataset {
	return &Dataset{Columns: append([]string(nil), columns...)}
}

func (d *Dataset) RowCount() int {
	return len(d.Rows)
}

func (d *Dataset) ColumnCount() int {
	return len(d.Columns)
}

// ColumnIndex returns the position of name, or -1 when absent.
func (d *Dataset) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (d *Dataset) requireColumn(name string) (int, error) {
	idx := d.ColumnIndex(name)
	if idx < 0 {
		return -1, fmt.Errorf("column %q not found", name)
	}
	return idx, nil
}

// AppendRow adds a row, padding or rejecting on arity mismatch.
func (d *Dataset) AppendRow(row []Value) error {
	if len(row) != len(d.Columns) {
		return fmt.Errorf("row has %d values, want %d", len(row), len(d.Columns))
	}
	d.Rows = append(d.Rows, row)
	return nil
}

// Clone deep-copies rows so the copy can be mutated independently.
// Cell values are immutable scalars, so a per-row copy suffices.
func (d *Dataset) Clone() *Dataset {
	out := New(d.Columns)
	out.Rows = make([][]Value, len(d.Rows))
	for i, row := range d.Rows {
		out.Rows[i] = append([]Value(nil), row...)
	}
	return out
}

// Head returns up to n rows as records, for samples shown to the oracle
// and carried in error context.
func (d *Dataset) Head(n int) []map[string]Value {
	if n > len(d.Rows) {
		n = len(d.Rows)
	}
	out := make([]map[string]Value, 0, n)
	for _, row := range d.Rows[:n] {
		rec := make(map[string]Value, len(d.Columns))
		for j, c := range d.Columns {
			rec[c] = row[j]
		}
		out = append(out, rec)
	}
	return out
}

// Record returns row i as a column-keyed map.
func (d *Dataset) Record(i int) map[string]Value {
	rec := make(map[string]Value, len(d.Columns))
	for j, c := range d.Columns {
		rec[c] = d.Rows[i][j]
	}
	return rec
}

// asFloat coerces a numeric cell to float64.
func asFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func isNull(v Value) bool {
	return v == nil
}

// formatValue renders a cell for log messages and sink writes.
func formatValue(v Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(time.RFC3339)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
