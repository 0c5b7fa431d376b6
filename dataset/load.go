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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dataforge/etlagent/internal/utils"
)

// Load modes.
const (
	ModeReplace = "replace"
	ModeAppend  = "append"
)

// LoadOptions tunes sink behavior; the zero value means replace, no indexes.
type LoadOptions struct {
	Mode    string
	Indexes []string // columns to index after load (sqlite only)
}

// SQLLoader writes a Dataset into a SQL sink. The target string selects the
// driver: postgres:// (or postgresql://) DSNs go to lib/pq, everything else
// is treated as a sqlite file path (or ":memory:").
type SQLLoader struct {
	Options LoadOptions
}

func isPostgresTarget(target string) bool {
	t := strings.ToLower(target)
	return strings.HasPrefix(t, "postgres://") || strings.HasPrefix(t, "postgresql://")
}

func (l SQLLoader) open(target string) (*sql.DB, error) {
	if isPostgresTarget(target) {
		return sql.Open("postgres", target)
	}
	if target != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, utils.WrapError(err, "create sink directory")
		}
	}
	return sql.Open("sqlite", target)
}

// Load creates (or replaces/appends) table and inserts every row in one
// transaction. Returns the number of rows written.
func (l SQLLoader) Load(ctx context.Context, d *Dataset, target, table string) (int, error) {
	if len(d.Columns) == 0 {
		return 0, fmt.Errorf("dataset has no columns")
	}
	db, err := l.open(target)
	if err != nil {
		return 0, utils.WrapError(err, "open sink")
	}
	defer db.Close()

	mode := l.Options.Mode
	if mode == "" {
		mode = ModeReplace
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(err, "begin load transaction")
	}
	defer tx.Rollback()

	if mode == ModeReplace {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
			return 0, utils.WrapError(err, "drop existing table")
		}
	}
	if _, err := tx.ExecContext(ctx, createTableDDL(d, table)); err != nil {
		return 0, utils.WrapError(err, "create table")
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(d, table, isPostgresTarget(target)))
	if err != nil {
		return 0, utils.WrapError(err, "prepare insert")
	}
	defer stmt.Close()

	for _, row := range d.Rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = sinkValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, utils.WrapError(err, "insert row")
		}
	}

	if !isPostgresTarget(target) {
		for _, col := range l.Options.Indexes {
			if d.ColumnIndex(col) < 0 {
				continue
			}
			ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
				quoteIdent("idx_"+table+"_"+col), quoteIdent(table), quoteIdent(col))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return 0, utils.WrapError(err, "create index")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, utils.WrapError(err, "commit load")
	}
	return len(d.Rows), nil
}

// Count returns the current row count of table, for post-load verification.
func (l SQLLoader) Count(ctx context.Context, target, table string) (int, error) {
	db, err := l.open(target)
	if err != nil {
		return 0, utils.WrapError(err, "open sink")
	}
	defer db.Close()

	var n int
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, utils.WrapError(err, "count rows")
	}
	return n, nil
}

func createTableDDL(d *Dataset, table string) string {
	cols := make([]string, 0, len(d.Columns))
	for i, c := range d.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c), sqlType(d, i)))
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(table), strings.Join(cols, ", "))
}

func insertSQL(d *Dataset, table string, postgres bool) string {
	cols := make([]string, 0, len(d.Columns))
	marks := make([]string, 0, len(d.Columns))
	for i, c := range d.Columns {
		cols = append(cols, quoteIdent(c))
		if postgres {
			marks = append(marks, fmt.Sprintf("$%d", i+1))
		} else {
			marks = append(marks, "?")
		}
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

// sqlType picks a column type from the first non-null cell.
func sqlType(d *Dataset, idx int) string {
	for _, row := range d.Rows {
		switch row[idx].(type) {
		case nil:
			continue
		case int64:
			return "BIGINT"
		case float64:
			return "DOUBLE PRECISION"
		case bool:
			return "BOOLEAN"
		case time.Time:
			return "TIMESTAMP"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func sinkValue(v Value) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
