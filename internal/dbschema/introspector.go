// Package dbschema answers "which columns does this destination table
// actually have" so upstream stages can skip server-side columns
// (updated_at and friends) on databases that never grew them.
package dbschema

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
)

// columnTTL bounds how long a column snapshot is trusted. Schema
// migrations are rare next to sync jobs, so ten minutes is plenty.
const columnTTL = 10 * time.Minute

// Introspector samples destination tables for their column sets.
type Introspector struct {
	db    *sql.DB
	cache *cache.Cache
}

func New(db *sql.DB, c *cache.Cache) *Introspector {
	if c == nil {
		c = cache.Shared()
	}
	return &Introspector{db: db, cache: c}
}

// ColumnsOf returns the set of column names present on table. Results
// are cached for columnTTL. Any failure (missing table, connectivity)
// yields an empty set and nil error: callers treat unknown columns as
// absent and simply do less, never abort a sync over introspection.
func (in *Introspector) ColumnsOf(ctx context.Context, table string) (map[string]struct{}, error) {
	key := "dbschema:cols:" + table
	if cached, ok := in.cache.Get(key); ok {
		if cols, ok := cached.(map[string]struct{}); ok {
			return cols, nil
		}
	}

	cols := in.sample(ctx, table)
	in.cache.SetTTL(key, cols, columnTTL)
	return cols, nil
}

// HasColumn reports whether table carries the named column.
func (in *Introspector) HasColumn(ctx context.Context, table, column string) bool {
	cols, _ := in.ColumnsOf(ctx, table)
	_, ok := cols[column]
	return ok
}

// Invalidate drops any cached snapshot for table, forcing the next
// ColumnsOf to re-sample. Called after DDL-adjacent maintenance.
func (in *Introspector) Invalidate(ctx context.Context, table string) {
	in.cache.DeletePattern(ctx, "^dbschema:cols:"+table+"$")
}

func (in *Introspector) sample(ctx context.Context, table string) map[string]struct{} {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT 1", pq.QuoteIdentifier(table))

	rows, err := in.db.QueryContext(ctx, query)
	if err != nil {
		logger.Warn("schema introspection failed", "table", table, "error", err.Error())
		return map[string]struct{}{}
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		logger.Warn("schema introspection failed reading columns", "table", table, "error", err.Error())
		return map[string]struct{}{}
	}

	cols := make(map[string]struct{}, len(names))
	for _, name := range names {
		cols[name] = struct{}{}
	}
	return cols
}
