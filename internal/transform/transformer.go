package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/sheets"
)

// dateLayouts are the spreadsheet date formats accepted for coercion, in
// the order they are tried. Output is always canonical YYYY-MM-DD.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Transformer applies column mappings and type coercion per table policy.
type Transformer struct {
	policies map[string]TablePolicy
}

// New creates a Transformer over the given policy registry.
func New(policies map[string]TablePolicy) *Transformer {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Transformer{policies: policies}
}

// Policy returns the policy for a table, and whether one is registered.
func (t *Transformer) Policy(table string) (TablePolicy, bool) {
	p, ok := t.policies[table]
	return p, ok
}

// Transform maps one raw row into a typed destination row. Only source
// columns present in mapping are carried over, and an empty source cell
// is treated as absent rather than an explicit null, so partial
// spreadsheet rows never erase prior destination state. Every coercion
// failure is absorbed locally; warnings describe what was softened.
func (t *Transformer) Transform(raw sheets.RawRow, mapping map[string]string, table string) (Row, []string) {
	policy := t.policies[table]
	numeric := fieldSet(policy.NumericFields)
	boolean := fieldSet(policy.BooleanFields)
	dates := fieldSet(policy.DateFields)
	arrays := fieldSet(policy.ArrayFields)
	objects := fieldSet(policy.ObjectFields)
	fks := fieldSet(policy.ForeignKeyFields)

	row := make(Row)
	var warnings []string

	for srcCol, destField := range mapping {
		rawVal, ok := raw[srcCol]
		if !ok || rawVal == "" {
			continue
		}

		var val Value
		switch {
		case numeric != nil && contains(numeric, destField):
			val = coerceNumber(rawVal)
		case boolean != nil && contains(boolean, destField):
			val = coerceBool(rawVal)
		case dates != nil && contains(dates, destField):
			var warn string
			val, warn = coerceDate(destField, rawVal)
			if warn != "" {
				warnings = append(warnings, warn)
			}
		case arrays != nil && contains(arrays, destField):
			val = coerceArray(rawVal)
		case objects != nil && contains(objects, destField):
			var warn string
			val, warn = coerceObject(destField, rawVal)
			if warn != "" {
				warnings = append(warnings, warn)
			}
		case fks != nil && contains(fks, destField):
			val = coerceIdentifier(rawVal)
		default:
			val = String(rawVal)
		}

		row[destField] = val
	}

	t.applyAllowList(row, policy, table)
	return row, warnings
}

// TransformAll maps a batch of raw rows, collecting warnings across the
// batch.
func (t *Transformer) TransformAll(raws []sheets.RawRow, mapping map[string]string, table string) ([]Row, []string) {
	rows := make([]Row, 0, len(raws))
	var warnings []string
	for _, raw := range raws {
		row, warns := t.Transform(raw, mapping, table)
		rows = append(rows, row)
		warnings = append(warnings, warns...)
	}
	return rows, warnings
}

// applyAllowList drops fields the table's schema does not know about.
// Spreadsheet column drift should lose the stray column, not break the
// upsert.
func (t *Transformer) applyAllowList(row Row, policy TablePolicy, table string) {
	allowed := fieldSet(policy.AllowedFields)
	if allowed == nil {
		return
	}

	var dropped []string
	for field := range row {
		if _, ok := allowed[field]; !ok {
			delete(row, field)
			dropped = append(dropped, field)
		}
	}
	if len(dropped) > 0 {
		logger.Warn("dropped fields not in table schema",
			"table", table, "fields", strings.Join(dropped, ","))
	}
}

// -----------------------------------------------------------------------------
// Coercions. Each is independent and idempotent; none may fail a row.
// -----------------------------------------------------------------------------

func coerceNumber(raw string) Value {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Number(0)
	}
	return Number(f)
}

func coerceBool(raw string) Value {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1":
		return Bool(true)
	default:
		return Bool(false)
	}
}

func coerceDate(field, raw string) (Value, string) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			return String(ts.Format("2006-01-02")), ""
		}
	}
	// Left as-is rather than dropped; the operator sees the warning.
	return String(raw), fmt.Sprintf("field %s: unparsable date %q left as-is", field, raw)
}

// coerceArray accepts either a JSON array literal or a comma-separated
// string; spreadsheet array cells are hand-edited and arrive both ways.
func coerceArray(raw string) Value {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return Array(cleanElements(arr))
		}
	}
	return Array(cleanElements(strings.Split(trimmed, ",")))
}

func cleanElements(elems []string) []string {
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func coerceObject(field, raw string) (Value, string) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		// An empty object beats rejecting a hand-edited row.
		return Object(map[string]interface{}{}),
			fmt.Sprintf("field %s: invalid JSON object replaced with {}", field)
	}
	return Object(obj), ""
}

// coerceIdentifier trims foreign-key-like values; blank-after-trim is a
// true null ("no reference"), distinct from an absent field.
func coerceIdentifier(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Null()
	}
	return String(trimmed)
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
