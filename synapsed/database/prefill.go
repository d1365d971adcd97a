package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// prefillWindow bounds how far below a stream's upper bound the cache
// prefill scans. A larger window improves the early hit rate at the
// cost of startup latency on large tables.
const prefillWindow = 100000

type prefillRow struct {
	Entity   string `db:"entity"`
	Position int64  `db:"position"`
}

// PrefillChangeCache fetches entity -> max stream position for rows
// within prefillWindow positions below upperBound, to seed a
// streamcache.Cache. It returns the mapping and the minimum position
// found, or upperBound itself when no rows matched. A database error
// here is fatal to storage bootstrap: without a trustworthy watermark
// the cache cannot be served.
func (q *DB) PrefillChangeCache(ctx context.Context, table, entityColumn, streamColumn string, upperBound int64) (map[string]int64, int64, error) {
	query := fmt.Sprintf(
		"SELECT %s AS entity, MAX(%s) AS position FROM %s WHERE %s > $1 GROUP BY %s",
		pq.QuoteIdentifier(entityColumn),
		pq.QuoteIdentifier(streamColumn),
		pq.QuoteIdentifier(table),
		pq.QuoteIdentifier(streamColumn),
		pq.QuoteIdentifier(entityColumn),
	)

	var rows []prefillRow
	if err := q.db.SelectContext(ctx, &rows, query, upperBound-prefillWindow); err != nil {
		return nil, 0, xerrors.Errorf("prefill change cache from %s: %w", table, err)
	}

	mapping := make(map[string]int64, len(rows))
	minPos := upperBound
	for _, row := range rows {
		mapping[row.Entity] = row.Position
		if row.Position < minPos {
			minPos = row.Position
		}
	}
	return mapping, minPos, nil
}

// maxStreamPosition recovers the highest position previously written to
// a stream, or streamid.EmptyStreamToken when the table is empty.
func (q *DB) maxStreamPosition(ctx context.Context, table, streamColumn string) (int64, error) {
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(%s), -1) FROM %s",
		pq.QuoteIdentifier(streamColumn),
		pq.QuoteIdentifier(table),
	)
	var max int64
	if err := q.db.GetContext(ctx, &max, query); err != nil {
		return 0, xerrors.Errorf("max stream position of %s.%s: %w", table, streamColumn, err)
	}
	return max, nil
}

// minStreamPosition recovers the lowest position on a stream, or
// streamid.EmptyStreamToken when the table is empty.
func (q *DB) minStreamPosition(ctx context.Context, table, streamColumn string) (int64, error) {
	query := fmt.Sprintf(
		"SELECT COALESCE(MIN(%s), -1) FROM %s",
		pq.QuoteIdentifier(streamColumn),
		pq.QuoteIdentifier(table),
	)
	var min int64
	if err := q.db.GetContext(ctx, &min, query); err != nil {
		return 0, xerrors.Errorf("min stream position of %s.%s: %w", table, streamColumn, err)
	}
	return min, nil
}

// maxRowID recovers the highest row ID of a plain ID-allocated table,
// or zero when the table is empty.
func (q *DB) maxRowID(ctx context.Context, table, idColumn string) (int64, error) {
	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(%s), 0) FROM %s",
		pq.QuoteIdentifier(idColumn),
		pq.QuoteIdentifier(table),
	)
	var max int64
	if err := q.db.GetContext(ctx, &max, query); err != nil {
		return 0, xerrors.Errorf("max row id of %s.%s: %w", table, idColumn, err)
	}
	return max, nil
}
