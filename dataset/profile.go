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
	"strings"
	"time"
)

// Inferred column types.
const (
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeBoolean  = "boolean"
	TypeString   = "string"
	TypeDatetime = "datetime"
	TypeMixed    = "mixed"
	TypeEmpty    = "empty"
)

// Issue kinds surfaced by profiling.
const (
	IssueNegativeValues    = "negative_values"
	IssueMixedTypes        = "mixed_types"
	IssueNullValues        = "null_values"
	IssueDatetimeCandidate = "datetime_candidate"
)

// ColumnProfile describes one column's observed shape and quality.
type ColumnProfile struct {
	Name         string   `json:"name"`
	InferredType string   `json:"inferred_type"`
	NonNullCount int      `json:"non_null_count"`
	NullCount    int      `json:"null_count"`
	NullRatio    float64  `json:"null_ratio"`
	UniqueCount  int      `json:"unique_count"`
	SampleValues []Value  `json:"sample_values"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	Mean         *float64 `json:"mean,omitempty"`
	Anomalies    []string `json:"anomalies,omitempty"`
}

// Issue is one detected data-quality problem.
type Issue struct {
	Column        string  `json:"column"`
	Kind          string  `json:"kind"`
	Description   string  `json:"description"`
	AffectedRows  int     `json:"affected_rows"`
	SampleInvalid []Value `json:"sample_invalid,omitempty"`
}

// SchemaProfile is the structured profile handed to the reasoning oracle.
type SchemaProfile struct {
	RowCount    int               `json:"row_count"`
	ColumnCount int               `json:"column_count"`
	Columns     []ColumnProfile   `json:"columns"`
	Issues      []Issue           `json:"issues"`
	Sample      []map[string]Value `json:"sample"`
}

// Profile inspects every column of d: type inference, null counting,
// numeric stats and anomaly detection. It never mutates d.
func Profile(d *Dataset) *SchemaProfile {
	p := &SchemaProfile{
		RowCount:    d.RowCount(),
		ColumnCount: d.ColumnCount(),
		Sample:      d.Head(3),
	}
	for i, name := range d.Columns {
		cp := profileColumn(d, i, name)
		for _, issue := range columnIssues(d, &cp) {
			p.Issues = append(p.Issues, issue)
			cp.Anomalies = append(cp.Anomalies, issue.Kind)
		}
		p.Columns = append(p.Columns, cp)
	}
	return p
}

func profileColumn(d *Dataset, idx int, name string) ColumnProfile {
	cp := ColumnProfile{Name: name}
	uniques := map[string]bool{}
	var ints, floats, bools, strs, times int
	var sum float64
	var minV, maxV float64
	var haveNum bool

	for _, row := range d.Rows {
		v := row[idx]
		if isNull(v) {
			cp.NullCount++
			continue
		}
		cp.NonNullCount++
		uniques[formatValue(v)] = true
		if len(cp.SampleValues) < 3 {
			cp.SampleValues = append(cp.SampleValues, v)
		}
		switch v.(type) {
		case int64:
			ints++
		case float64:
			floats++
		case bool:
			bools++
		case time.Time:
			times++
		default:
			strs++
		}
		if f, ok := asFloat(v); ok {
			sum += f
			if !haveNum || f < minV {
				minV = f
			}
			if !haveNum || f > maxV {
				maxV = f
			}
			haveNum = true
		}
	}

	cp.UniqueCount = len(uniques)
	if d.RowCount() > 0 {
		cp.NullRatio = float64(cp.NullCount) / float64(d.RowCount())
	}
	if haveNum && ints+floats > 0 {
		mean := sum / float64(ints+floats)
		cp.Min, cp.Max, cp.Mean = &minV, &maxV, &mean
	}
	cp.InferredType = inferType(cp.NonNullCount, ints, floats, bools, strs, times)
	return cp
}

func inferType(nonNull, ints, floats, bools, strs, times int) string {
	switch {
	case nonNull == 0:
		return TypeEmpty
	case ints == nonNull:
		return TypeInteger
	case ints+floats == nonNull:
		return TypeFloat
	case bools == nonNull:
		return TypeBoolean
	case times == nonNull:
		return TypeDatetime
	case strs == nonNull:
		return TypeString
	default:
		return TypeMixed
	}
}

func columnIssues(d *Dataset, cp *ColumnProfile) []Issue {
	var issues []Issue
	idx := d.ColumnIndex(cp.Name)

	if cp.NullCount > 0 {
		issues = append(issues, Issue{
			Column:       cp.Name,
			Kind:         IssueNullValues,
			Description:  fmt.Sprintf("column %q has %.1f%% null values", cp.Name, cp.NullRatio*100),
			AffectedRows: cp.NullCount,
		})
	}

	if cp.Min != nil && *cp.Min < 0 {
		negatives := 0
		for _, row := range d.Rows {
			if f, ok := asFloat(row[idx]); ok && f < 0 {
				negatives++
			}
		}
		issues = append(issues, Issue{
			Column:       cp.Name,
			Kind:         IssueNegativeValues,
			Description:  fmt.Sprintf("column %q contains negative values which may be invalid", cp.Name),
			AffectedRows: negatives,
		})
	}

	if cp.InferredType == TypeMixed {
		var invalid []Value
		affected := 0
		for _, row := range d.Rows {
			v := row[idx]
			if v == nil {
				continue
			}
			if _, ok := asFloat(v); !ok {
				affected++
				if len(invalid) < 3 {
					invalid = append(invalid, v)
				}
			}
		}
		issues = append(issues, Issue{
			Column:        cp.Name,
			Kind:          IssueMixedTypes,
			Description:   fmt.Sprintf("column %q contains non-numeric values in a potentially numeric field", cp.Name),
			AffectedRows:  affected,
			SampleInvalid: invalid,
		})
	}

	if cp.InferredType == TypeString && looksLikeDatetime(d, idx) {
		issues = append(issues, Issue{
			Column:       cp.Name,
			Kind:         IssueDatetimeCandidate,
			Description:  fmt.Sprintf("column %q looks like datetime stored as text", cp.Name),
			AffectedRows: cp.NonNullCount,
		})
	}

	return issues
}

func looksLikeDatetime(d *Dataset, idx int) bool {
	checked, parsed := 0, 0
	for _, row := range d.Rows {
		s, ok := row[idx].(string)
		if !ok {
			continue
		}
		checked++
		if _, err := parseDatetime(s, ""); err == nil {
			parsed++
		}
		if checked >= 5 {
			break
		}
	}
	return checked > 0 && parsed == checked
}

// Summary renders the profile as text for oracle prompts and logs.
func (p *SchemaProfile) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATA SCHEMA ANALYSIS\n")
	fmt.Fprintf(&b, "Total rows: %d, total columns: %d\n\n", p.RowCount, p.ColumnCount)
	for _, c := range p.Columns {
		fmt.Fprintf(&b, "[%s]\n", c.Name)
		fmt.Fprintf(&b, "  type: %s, non-null: %d, null: %d (%.1f%%), unique: %d\n",
			c.InferredType, c.NonNullCount, c.NullCount, c.NullRatio*100, c.UniqueCount)
		if len(c.SampleValues) > 0 {
			samples := make([]string, 0, len(c.SampleValues))
			for _, v := range c.SampleValues {
				samples = append(samples, formatValue(v))
			}
			fmt.Fprintf(&b, "  sample: %s\n", strings.Join(samples, ", "))
		}
		if c.Min != nil && c.Max != nil && c.Mean != nil {
			fmt.Fprintf(&b, "  range: [%g - %g], mean: %.2f\n", *c.Min, *c.Max, *c.Mean)
		}
	}
	if len(p.Issues) > 0 {
		fmt.Fprintf(&b, "\nDATA QUALITY ISSUES:\n")
		for _, i := range p.Issues {
			fmt.Fprintf(&b, "- %s: %s (%d rows affected)\n", i.Column, i.Description, i.AffectedRows)
		}
	}
	return b.String()
}
