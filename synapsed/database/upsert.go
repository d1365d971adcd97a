package database

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Upsert inserts a row identified by keyValues, updating values on
// conflict. The statement is idempotent: replaying the same upsert
// converges on the same row, which is what lets callers coalesce or
// duplicate these writes freely. Columns are ordered deterministically
// so the generated SQL is stable for a given column set.
func (q *DB) Upsert(ctx context.Context, table string, keyValues, values map[string]interface{}) error {
	if len(keyValues) == 0 {
		return xerrors.New("upsert requires at least one key column")
	}

	keyCols := sortedColumns(keyValues)
	valueCols := sortedColumns(values)

	var (
		sb      strings.Builder
		args    []interface{}
		binders []string
	)
	quoted := make([]string, 0, len(keyCols)+len(valueCols))
	for _, col := range keyCols {
		quoted = append(quoted, pq.QuoteIdentifier(col))
		args = append(args, keyValues[col])
		binders = append(binders, placeholder(len(args)))
	}
	for _, col := range valueCols {
		quoted = append(quoted, pq.QuoteIdentifier(col))
		args = append(args, values[col])
		binders = append(binders, placeholder(len(args)))
	}

	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES (")
	sb.WriteString(strings.Join(binders, ", "))
	sb.WriteString(") ON CONFLICT (")
	conflictCols := make([]string, 0, len(keyCols))
	for _, col := range keyCols {
		conflictCols = append(conflictCols, pq.QuoteIdentifier(col))
	}
	sb.WriteString(strings.Join(conflictCols, ", "))
	sb.WriteString(")")

	if len(valueCols) == 0 {
		sb.WriteString(" DO NOTHING")
	} else {
		sb.WriteString(" DO UPDATE SET ")
		sets := make([]string, 0, len(valueCols))
		for _, col := range valueCols {
			qc := pq.QuoteIdentifier(col)
			sets = append(sets, qc+" = EXCLUDED."+qc)
		}
		sb.WriteString(strings.Join(sets, ", "))
	}

	if _, err := q.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return xerrors.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func sortedColumns(m map[string]interface{}) []string {
	cols := make([]string, 0, len(m))
	for col := range m {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
