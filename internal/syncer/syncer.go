// Package syncer drives one spreadsheet-to-table sync end to end. It
// is the only layer aware of job identity; every stage below it works
// on plain row collections.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/progress"
	"github.com/voyagetools/sheetbridge/internal/sheets"
	"github.com/voyagetools/sheetbridge/internal/transform"
	"github.com/voyagetools/sheetbridge/internal/upsert"
	"github.com/voyagetools/sheetbridge/internal/validate"
)

// Job describes one sync invocation. ConflictKey and Rule fall back to
// the target table's registered policy when left empty.
type Job struct {
	ID            string            `json:"id"`
	SpreadsheetID string            `json:"spreadsheet_id"`
	SheetName     string            `json:"sheet_name"`
	TargetTable   string            `json:"target_table"`
	ColumnMapping map[string]string `json:"column_mapping"`
	ConflictKey   string            `json:"conflict_key,omitempty"`
}

// Summary is the job-level rollup. It is produced for every run,
// including runs that never got past the read stage.
type Summary struct {
	JobID      string        `json:"job_id"`
	Table      string        `json:"table"`
	Total      int           `json:"total"`
	Valid      int           `json:"valid"`
	Invalid    int           `json:"invalid"`
	Applied    int           `json:"applied"`
	Errors     int           `json:"errors"`
	Warnings   []string      `json:"warnings,omitempty"`
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration"`
	RowsPerSec float64       `json:"rows_per_sec"`
}

// SheetReader is the read stage.
type SheetReader interface {
	ReadAll(ctx context.Context, spreadsheetID, sheetName string) ([]sheets.RawRow, error)
}

// RowValidator is the validation stage.
type RowValidator interface {
	Validate(ctx context.Context, rows []transform.Row, rule validate.Rule) (validate.Outcome, error)
}

// Upserter is the write stage. The observer is scoped to the call so a
// single engine can serve concurrent jobs.
type Upserter interface {
	Apply(ctx context.Context, rows []transform.Row, table, conflictKey string, observe upsert.Observer) upsert.BatchResult
}

// Orchestrator wires the stages together.
type Orchestrator struct {
	reader      SheetReader
	transformer *transform.Transformer
	validator   RowValidator
	engine      Upserter
	cache       *cache.Cache
	reporter    progress.Reporter
}

func New(reader SheetReader, tr *transform.Transformer, v RowValidator, engine Upserter, c *cache.Cache, reporter progress.Reporter) *Orchestrator {
	if tr == nil {
		tr = transform.New(nil)
	}
	if reporter == nil {
		reporter = progress.Discard
	}
	return &Orchestrator{
		reader:      reader,
		transformer: tr,
		validator:   v,
		engine:      engine,
		cache:       c,
		reporter:    reporter,
	}
}

// Run executes read, transform, validate, upsert in order and always
// returns a Summary. No stage is retried here; retry lives inside the
// stages. Partial failure (invalid rows, lost batches) does not abort
// the job, only a read failure ends it early, and even then the
// Summary comes back with err nil so callers always have counters to
// show.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Summary, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	started := time.Now()

	summary := &Summary{JobID: job.ID, Table: job.TargetTable}
	o.report(progress.Event{Type: progress.EventStart, Stage: "read",
		Message: fmt.Sprintf("syncing %s!%s into %s", job.SpreadsheetID, job.SheetName, job.TargetTable)})

	logger.Info("sync job starting", "job_id", job.ID,
		"spreadsheet_id", job.SpreadsheetID, "sheet", job.SheetName, "table", job.TargetTable)

	raws, err := o.reader.ReadAll(ctx, job.SpreadsheetID, job.SheetName)
	if err != nil {
		return o.fail(summary, started, "reading sheet: "+readHint(err))
	}
	summary.Total = len(raws)
	o.report(progress.Event{Type: progress.EventProgress, Stage: "read",
		Total: summary.Total, Processed: summary.Total,
		Message: fmt.Sprintf("read %d rows", summary.Total)})

	if summary.Total == 0 {
		return o.finish(summary, started, "sheet is empty")
	}

	rows, warnings := o.transformer.TransformAll(raws, job.ColumnMapping, job.TargetTable)
	summary.Warnings = warnings
	for _, w := range warnings {
		o.report(progress.Event{Type: progress.EventWarn, Stage: "transform", Message: w})
	}
	o.report(progress.Event{Type: progress.EventProgress, Stage: "transform",
		Total: summary.Total, Processed: len(rows)})

	policy, _ := o.transformer.Policy(job.TargetTable)
	outcome, err := o.validator.Validate(ctx, rows, validate.RuleFor(policy))
	if err != nil {
		return o.fail(summary, started, "validating rows: "+err.Error())
	}
	summary.Valid = len(outcome.Valid)
	summary.Invalid = len(outcome.Invalid)
	for _, inv := range outcome.Invalid {
		for _, reason := range inv.Reasons {
			o.report(progress.Event{Type: progress.EventWarn, Stage: "validate", Message: reason})
		}
	}
	o.report(progress.Event{Type: progress.EventProgress, Stage: "validate",
		Total: summary.Total, Processed: summary.Valid, Errors: summary.Invalid,
		Message: fmt.Sprintf("%d valid, %d invalid", summary.Valid, summary.Invalid)})

	conflictKey := job.ConflictKey
	if conflictKey == "" {
		conflictKey = policy.ConflictKey
	}
	if conflictKey == "" {
		conflictKey = "id"
	}

	o.report(progress.Event{Type: progress.EventInfo, Stage: "upsert",
		Message: fmt.Sprintf("writing %d rows to %s keyed on %s", summary.Valid, job.TargetTable, conflictKey)})
	result := o.engine.Apply(ctx, outcome.Valid, job.TargetTable, conflictKey,
		func(applied, errs int) {
			o.report(progress.Event{Type: progress.EventProgress, Stage: "upsert",
				Total: summary.Valid, Processed: applied + errs, Applied: applied, Errors: errs})
		})
	summary.Applied = result.Applied
	summary.Errors = result.Errors
	for _, msg := range result.ErrorMessages {
		o.report(progress.Event{Type: progress.EventError, Stage: "upsert", Message: msg})
	}

	if result.Applied > 0 && o.cache != nil {
		// Destination changed; anything cached about this table is
		// now suspect.
		o.cache.DeletePattern(ctx, "^dbschema:cols:"+job.TargetTable+"$")
	}

	msg := fmt.Sprintf("applied %d of %d rows", summary.Applied, summary.Total)
	if summary.Errors > 0 {
		return o.finishFailed(summary, started, msg)
	}
	return o.finish(summary, started, msg)
}

func (o *Orchestrator) finish(s *Summary, started time.Time, msg string) (*Summary, error) {
	s.Success = true
	return o.seal(s, started, msg, progress.EventComplete), nil
}

func (o *Orchestrator) finishFailed(s *Summary, started time.Time, msg string) (*Summary, error) {
	s.Success = false
	return o.seal(s, started, msg, progress.EventComplete), nil
}

func (o *Orchestrator) fail(s *Summary, started time.Time, msg string) (*Summary, error) {
	s.Success = false
	o.report(progress.Event{Type: progress.EventError, Stage: "read", Message: msg})
	return o.seal(s, started, msg, progress.EventComplete), nil
}

func (o *Orchestrator) seal(s *Summary, started time.Time, msg, eventType string) *Summary {
	s.Message = msg
	s.Duration = time.Since(started)
	if secs := s.Duration.Seconds(); secs > 0 {
		s.RowsPerSec = float64(s.Applied) / secs
	}
	o.report(progress.Event{Type: eventType,
		Total: s.Total, Processed: s.Valid + s.Invalid, Applied: s.Applied, Errors: s.Errors + s.Invalid,
		Message: msg})
	logger.Info("sync job finished", "job_id", s.JobID, "table", s.Table,
		"applied", s.Applied, "errors", s.Errors, "invalid", s.Invalid,
		"duration_ms", s.Duration.Milliseconds(), "success", s.Success)
	return s
}

func (o *Orchestrator) report(ev progress.Event) {
	ev.At = time.Now()
	o.reporter.Report(ev)
}

// readHint translates read-stage sentinels into something a dashboard
// operator can act on.
func readHint(err error) string {
	switch {
	case errors.Is(err, sheets.ErrAuthorizationDenied):
		return "access denied; check that the sheet is shared with the service account"
	case errors.Is(err, sheets.ErrMalformedRange):
		return "the sheet name or range is malformed; check the sheet tab name"
	case errors.Is(err, sheets.ErrSourceUnavailable):
		return "spreadsheet not found or unreachable; check the spreadsheet id"
	default:
		return err.Error()
	}
}
