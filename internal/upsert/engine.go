// Package upsert writes transformed rows into Postgres in adaptive
// batches. Failures degrade to counters; the engine always moves on to
// the next batch.
package upsert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voyagetools/sheetbridge/internal/dbschema"
	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/transform"
)

// ============================================================================
// Tuning
// ============================================================================

const (
	// Batch size tiers by job size. Small jobs pay per-call overhead,
	// huge jobs hit payload ceilings; the middle tier splits the
	// difference.
	smallJobRows   = 500
	mediumJobRows  = 5000
	smallBatchSize = 50
	midBatchSize   = 200
	maxBatchSize   = 500

	defaultConcurrency = 3
	largeConcurrency   = 5
	largeJobRows       = 10000

	// Mini-batch fallback shape when the bulk call is policy-denied.
	miniBatchRows  = 25
	miniBatchPause = 50 * time.Millisecond
)

// pgPolicyDenied is the Postgres insufficient_privilege code raised by
// row-level security policies.
const pgPolicyDenied = "42501"

// Observer receives running totals after every batch attempt. May be
// nil. Calls are serialized by the engine and scoped to one Apply; the
// engine itself holds no per-job state, so one instance serves
// concurrent jobs.
type Observer func(applied, errors int)

// BatchResult folds all batch outcomes into job-level counters.
// Applied counts rows written (inserts and updates are not
// distinguished; the conflict clause makes them equivalent work).
type BatchResult struct {
	Attempted     int // batches sent, including policy-denied retries' parents
	Applied       int // rows successfully written
	Errors        int // rows lost to failed batches or sub-batches
	ErrorMessages []string
}

// Engine performs bulk conflict-keyed upserts.
type Engine struct {
	db           *sql.DB
	introspector *dbschema.Introspector
	policies     map[string]transform.TablePolicy
}

func New(db *sql.DB, in *dbschema.Introspector, policies map[string]transform.TablePolicy) *Engine {
	if policies == nil {
		policies = transform.DefaultPolicies()
	}
	return &Engine{db: db, introspector: in, policies: policies}
}

// ============================================================================
// Apply
// ============================================================================

// Apply writes rows to table using conflictKey for dedup. It never
// panics and never returns early: every batch is attempted, failures
// are counted, and the aggregate result is always produced.
func (e *Engine) Apply(ctx context.Context, rows []transform.Row, table, conflictKey string, observe Observer) BatchResult {
	var result BatchResult
	if len(rows) == 0 {
		return result
	}

	policy := e.policies[table]
	stampUpdatedAt := e.introspector != nil && e.introspector.HasColumn(ctx, table, "updated_at")
	now := time.Now().UTC()

	for i := range rows {
		e.stampRow(rows[i], policy, stampUpdatedAt, now)
	}

	batchSize := batchSizeFor(len(rows))
	concurrency := defaultConcurrency
	if len(rows) > largeJobRows {
		concurrency = largeConcurrency
	}

	logger.Info("bulk upsert starting",
		"table", table, "rows", len(rows),
		"batch_size", batchSize, "concurrency", concurrency)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func(batch []transform.Row) {
			defer wg.Done()
			defer func() { <-sem }()

			applied, errs, messages := e.runBatch(ctx, batch, table, conflictKey)

			// Observer calls stay under the lock so reporters see
			// monotonic totals without their own synchronization.
			mu.Lock()
			result.Attempted++
			result.Applied += applied
			result.Errors += errs
			result.ErrorMessages = append(result.ErrorMessages, messages...)
			if observe != nil {
				observe(result.Applied, result.Errors)
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	logger.Info("bulk upsert finished",
		"table", table, "applied", result.Applied, "errors", result.Errors)
	return result
}

// runBatch drives one batch through its states: a clean write applies
// every row; a policy-denied write falls back to mini-batches; any
// other failure loses the batch. A panic from the driver degrades to a
// counted error rather than killing the job.
func (e *Engine) runBatch(ctx context.Context, batch []transform.Row, table, conflictKey string) (applied, errs int, messages []string) {
	defer func() {
		if r := recover(); r != nil {
			applied, errs = 0, len(batch)
			messages = append(messages, fmt.Sprintf("batch panicked: %v", r))
			logger.Error("upsert batch panicked", "table", table, "panic", fmt.Sprint(r))
		}
	}()

	written, err := e.execRows(ctx, batch, table, conflictKey)
	if err == nil {
		return written, 0, nil
	}

	if isPolicyDenied(err) {
		// The whole batch is re-sent; upserts make the overlap with any
		// already-written signature group harmless.
		logger.Warn("bulk upsert policy-denied, retrying as mini-batches",
			"table", table, "rows", len(batch))
		return e.miniBatchRetry(ctx, batch, table, conflictKey)
	}

	logger.Error("upsert batch failed", "table", table, "rows", len(batch), "error", err.Error())
	return written, len(batch) - written, []string{describeFailure(err)}
}

// miniBatchRetry re-sends a policy-denied batch as small sequential
// sub-batches with a pause between them. A sub-batch that still fails
// is counted and skipped; later sub-batches are still sent.
func (e *Engine) miniBatchRetry(ctx context.Context, batch []transform.Row, table, conflictKey string) (applied, errs int, messages []string) {
	for start := 0; start < len(batch); start += miniBatchRows {
		end := start + miniBatchRows
		if end > len(batch) {
			end = len(batch)
		}
		sub := batch[start:end]

		written, err := e.execRows(ctx, sub, table, conflictKey)
		applied += written
		if err != nil {
			errs += len(sub) - written
			messages = append(messages, describeFailure(err))
			logger.Warn("mini-batch failed", "table", table, "rows", len(sub), "error", err.Error())
		}

		if end < len(batch) {
			select {
			case <-time.After(miniBatchPause):
			case <-ctx.Done():
				remaining := len(batch) - end
				errs += remaining
				messages = append(messages, "mini-batch retry interrupted: "+ctx.Err().Error())
				return applied, errs, messages
			}
		}
	}
	return applied, errs, messages
}

// ============================================================================
// SQL construction
// ============================================================================

// execRows issues one multi-row INSERT ... ON CONFLICT per column
// signature. Rows in one batch usually share a signature; grouping
// keeps absent fields absent instead of overwriting them with NULL.
// It returns how many rows the database actually holds: groups written
// before a later group's failure stay counted.
func (e *Engine) execRows(ctx context.Context, rows []transform.Row, table, conflictKey string) (int, error) {
	applied := 0
	for _, group := range groupBySignature(rows) {
		query, args := buildUpsert(group, table, conflictKey)
		if query == "" {
			applied += len(group)
			continue
		}
		if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
			return applied, err
		}
		applied += len(group)
	}
	return applied, nil
}

// groupBySignature splits rows by their sorted column set, preserving
// input order within each group.
func groupBySignature(rows []transform.Row) [][]transform.Row {
	var order []string
	groups := make(map[string][]transform.Row)
	for _, row := range rows {
		sig := strings.Join(columnsOf(row), "\x00")
		if _, seen := groups[sig]; !seen {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], row)
	}
	out := make([][]transform.Row, 0, len(order))
	for _, sig := range order {
		out = append(out, groups[sig])
	}
	return out
}

func columnsOf(row transform.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// buildUpsert renders a multi-row insert with EXCLUDED-based conflict
// resolution. All rows must share the same column set.
func buildUpsert(rows []transform.Row, table, conflictKey string) (string, []interface{}) {
	if len(rows) == 0 {
		return "", nil
	}
	cols := columnsOf(rows[0])
	if len(cols) == 0 {
		return "", nil
	}

	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pq.QuoteIdentifier(col)
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(rows)*len(cols))

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ",
		pq.QuoteIdentifier(table), strings.Join(quoted, ", "))

	placeholder := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, col := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", placeholder)
			placeholder++
			args = append(args, driverValue(row[col]))
		}
		b.WriteString(")")
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", pq.QuoteIdentifier(conflictKey))

	var sets []string
	for _, col := range cols {
		if col == conflictKey {
			continue
		}
		q := pq.QuoteIdentifier(col)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		// Conflict key is the only column; nothing to overwrite.
		return strings.TrimSuffix(b.String(), " DO UPDATE SET ") + " DO NOTHING", args
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String(), args
}

// driverValue converts a typed cell into what database/sql accepts.
func driverValue(v transform.Value) interface{} {
	switch v.Kind {
	case transform.KindStringArray:
		return pq.Array(v.Arr)
	case transform.KindObject:
		data, err := json.Marshal(v.Obj)
		if err != nil {
			return []byte("{}")
		}
		return data
	default:
		return v.Interface()
	}
}

// ============================================================================
// Stamping and error taxonomy
// ============================================================================

// stampRow fills in server-ish columns the sheet never carries. Tables
// keyed by a business field (customers by email) never receive a
// synthetic id.
func (e *Engine) stampRow(row transform.Row, policy transform.TablePolicy, stampUpdatedAt bool, now time.Time) {
	if !policy.NaturalKey {
		if v, ok := row["id"]; !ok || v.Empty() {
			row["id"] = transform.String(uuid.New().String())
		}
	}
	if stampUpdatedAt {
		row["updated_at"] = transform.String(now.Format(time.RFC3339))
	}
}

func isPolicyDenied(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgPolicyDenied
	}
	return false
}

// describeFailure keeps the raw constraint message visible to
// operators; anything else is passed through as-is.
func describeFailure(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fmt.Sprintf("constraint violation (%s): %s", pqErr.Code, pqErr.Message)
		case "22": // data exception
			return fmt.Sprintf("malformed input (%s): %s", pqErr.Code, pqErr.Message)
		}
		return fmt.Sprintf("database error (%s): %s", pqErr.Code, pqErr.Message)
	}
	return err.Error()
}

func batchSizeFor(total int) int {
	switch {
	case total <= smallJobRows:
		return smallBatchSize
	case total <= mediumJobRows:
		return midBatchSize
	default:
		return maxBatchSize
	}
}
