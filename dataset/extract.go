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
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dataforge/etlagent/internal/utils"
)

// FileExtractor reads CSV or JSON (array of objects) files into a Dataset.
type FileExtractor struct{}

func (FileExtractor) Extract(ctx context.Context, source string) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(source); err != nil {
		return nil, fmt.Errorf("source not found: %s", source)
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".csv":
		return extractCSV(source)
	case ".json":
		return extractJSON(source)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(source))
	}
}

func extractCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, utils.WrapError(err, "open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, utils.WrapError(err, "read csv")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv file %s is empty", path)
	}

	ds := New(records[0])
	for _, rec := range records[1:] {
		row := make([]Value, len(ds.Columns))
		for i := range ds.Columns {
			if i < len(rec) {
				row[i] = parseCell(rec[i])
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func extractJSON(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapError(err, "read json")
	}
	var records []map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, utils.WrapError(err, "json source must be an array of objects")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("json file %s has no records", path)
	}

	// Column order follows first appearance across records.
	var columns []string
	seen := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	// map iteration order is random, so first-appearance order is not
	// reproducible; sort for determinism.
	sort.Strings(columns)

	ds := New(columns)
	for _, rec := range records {
		row := make([]Value, len(columns))
		for i, c := range columns {
			raw, ok := rec[c]
			if !ok {
				continue
			}
			row[i] = parseJSONCell(raw)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func parseJSONCell(raw json.RawMessage) Value {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case string:
		return parseCell(t)
	default:
		// nested arrays/objects are kept as their JSON text
		return string(raw)
	}
}

// parseCell turns raw text into a typed cell: empty -> nil, then int,
// float, bool, else the original string.
func parseCell(s string) Value {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
