// Package validate partitions transformed rows into the subset safe to
// upsert and the subset that would violate destination constraints,
// using one existence query per referenced table rather than per row.
package validate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/transform"
)

// Rule describes what must hold for rows bound for one table. A nil or
// zero Rule means "no validation", every row passes.
type Rule struct {
	RequiredFields []string
	ForeignKeys    []transform.ForeignKey
}

// RuleFor derives a Rule from a table policy.
func RuleFor(policy transform.TablePolicy) Rule {
	return Rule{
		RequiredFields: policy.RequiredFields,
		ForeignKeys:    policy.ForeignKeys,
	}
}

// Invalid pairs a rejected row with the fields that sank it.
type Invalid struct {
	Row     transform.Row
	Reasons []string
}

// Outcome is a disjoint partition of the input batch. Every input row
// lands in exactly one of Valid or Invalid.
type Outcome struct {
	Valid   []transform.Row
	Invalid []Invalid
}

// Validator checks required fields locally and foreign keys against
// the destination database.
type Validator struct {
	db *sql.DB
}

func New(db *sql.DB) *Validator {
	return &Validator{db: db}
}

// Validate partitions rows per rule. The required-field pass runs
// first; only its survivors are checked for foreign-key existence.
// Existence queries are batched per referenced table. A database error
// during an existence check is returned and no partial Outcome is
// produced, since guessing at referential integrity would let bad rows
// through.
func (v *Validator) Validate(ctx context.Context, rows []transform.Row, rule Rule) (Outcome, error) {
	out := Outcome{Valid: make([]transform.Row, 0, len(rows))}

	survivors := make([]transform.Row, 0, len(rows))
	for _, row := range rows {
		if reasons := missingRequired(row, rule.RequiredFields); len(reasons) > 0 {
			out.Invalid = append(out.Invalid, Invalid{Row: row, Reasons: reasons})
			continue
		}
		survivors = append(survivors, row)
	}

	if len(rule.ForeignKeys) == 0 || len(survivors) == 0 {
		out.Valid = append(out.Valid, survivors...)
		return out, nil
	}

	existing, err := v.lookupReferences(ctx, survivors, rule.ForeignKeys)
	if err != nil {
		return Outcome{}, err
	}

	for _, row := range survivors {
		var reasons []string
		for _, fk := range rule.ForeignKeys {
			val, ok := row[fk.Field]
			if !ok || val.Kind != transform.KindString || val.Str == "" {
				continue // absent or null references are not dangling
			}
			if _, found := existing[fk.ReferencedTable][val.Str]; !found {
				reasons = append(reasons, fmt.Sprintf("%s references missing %s.%s=%s",
					fk.Field, fk.ReferencedTable, fk.ReferencedColumn, val.Str))
			}
		}
		if len(reasons) > 0 {
			out.Invalid = append(out.Invalid, Invalid{Row: row, Reasons: reasons})
			continue
		}
		out.Valid = append(out.Valid, row)
	}
	return out, nil
}

func missingRequired(row transform.Row, required []string) []string {
	var reasons []string
	for _, field := range required {
		val, ok := row[field]
		if !ok || val.Empty() {
			reasons = append(reasons, "missing required field "+field)
		}
	}
	return reasons
}

// lookupReferences gathers the distinct referenced values per foreign
// key and resolves each referenced table with a single ANY($1) query.
func (v *Validator) lookupReferences(ctx context.Context, rows []transform.Row, fks []transform.ForeignKey) (map[string]map[string]struct{}, error) {
	wanted := make(map[string]map[string]struct{})
	columns := make(map[string]string)
	for _, fk := range fks {
		columns[fk.ReferencedTable] = fk.ReferencedColumn
		if wanted[fk.ReferencedTable] == nil {
			wanted[fk.ReferencedTable] = make(map[string]struct{})
		}
		for _, row := range rows {
			if val, ok := row[fk.Field]; ok && val.Kind == transform.KindString && val.Str != "" {
				wanted[fk.ReferencedTable][val.Str] = struct{}{}
			}
		}
	}

	existing := make(map[string]map[string]struct{}, len(wanted))
	for table, values := range wanted {
		existing[table] = make(map[string]struct{})
		if len(values) == 0 {
			continue
		}
		distinct := make([]string, 0, len(values))
		for val := range values {
			distinct = append(distinct, val)
		}

		column := columns[table]
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)",
			pq.QuoteIdentifier(column), pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))

		found, err := v.queryExisting(ctx, query, distinct)
		if err != nil {
			logger.Error("foreign key existence query failed", "table", table, "error", err.Error())
			return nil, fmt.Errorf("checking references against %s: %w", table, err)
		}
		existing[table] = found
	}
	return existing, nil
}

func (v *Validator) queryExisting(ctx context.Context, query string, values []string) (map[string]struct{}, error) {
	rows, err := v.db.QueryContext(ctx, query, pq.Array(values))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(values))
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return nil, err
		}
		found[val] = struct{}{}
	}
	return found, rows.Err()
}
