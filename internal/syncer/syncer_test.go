package syncer

import (
	"context"
	"strings"
	"testing"

	"github.com/voyagetools/sheetbridge/internal/progress"
	"github.com/voyagetools/sheetbridge/internal/sheets"
	"github.com/voyagetools/sheetbridge/internal/transform"
	"github.com/voyagetools/sheetbridge/internal/upsert"
	"github.com/voyagetools/sheetbridge/internal/validate"
)

type fakeReader struct {
	rows []sheets.RawRow
	err  error
}

func (f *fakeReader) ReadAll(ctx context.Context, spreadsheetID, sheetName string) ([]sheets.RawRow, error) {
	return f.rows, f.err
}

// passValidator applies required-field rules locally and never touches
// a database.
type passValidator struct{}

func (passValidator) Validate(ctx context.Context, rows []transform.Row, rule validate.Rule) (validate.Outcome, error) {
	var out validate.Outcome
	for _, row := range rows {
		missing := false
		for _, field := range rule.RequiredFields {
			if v, ok := row[field]; !ok || v.Empty() {
				missing = true
			}
		}
		if missing {
			out.Invalid = append(out.Invalid, validate.Invalid{Row: row, Reasons: []string{"missing required field"}})
		} else {
			out.Valid = append(out.Valid, row)
		}
	}
	return out, nil
}

type fakeEngine struct {
	gotRows  [][]transform.Row
	gotTable string
	gotKey   string
	result   upsert.BatchResult
}

func (f *fakeEngine) Apply(ctx context.Context, rows []transform.Row, table, conflictKey string, observe upsert.Observer) upsert.BatchResult {
	f.gotRows = append(f.gotRows, rows)
	f.gotTable = table
	f.gotKey = conflictKey
	if f.result.Attempted == 0 && f.result.Errors == 0 {
		res := upsert.BatchResult{Attempted: 1, Applied: len(rows)}
		if observe != nil {
			observe(res.Applied, res.Errors)
		}
		return res
	}
	if observe != nil {
		observe(f.result.Applied, f.result.Errors)
	}
	return f.result
}

type eventLog struct {
	events []progress.Event
}

func (l *eventLog) Report(ev progress.Event) { l.events = append(l.events, ev) }

func (l *eventLog) types() []string {
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func tourRows() []sheets.RawRow {
	return []sheets.RawRow{
		{"id": "t-1", "name": "City Walk", "active": "true"},
		{"id": "t-2", "name": "Harbor Cruise", "active": "false"},
	}
}

func tourMapping() map[string]string {
	return map[string]string{"id": "id", "name": "name", "active": "is_active"}
}

func TestRun_HappyPath(t *testing.T) {
	engine := &fakeEngine{}
	events := &eventLog{}
	o := New(&fakeReader{rows: tourRows()}, nil, passValidator{}, engine, nil, events)

	summary, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
		ColumnMapping: tourMapping(),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !summary.Success {
		t.Errorf("summary = %+v, want success", summary)
	}
	if summary.Total != 2 || summary.Valid != 2 || summary.Applied != 2 || summary.Errors != 0 {
		t.Errorf("counters = %+v", summary)
	}
	if summary.JobID == "" {
		t.Error("job id should be generated when absent")
	}

	if engine.gotTable != "tours" || engine.gotKey != "id" {
		t.Errorf("engine called with %s/%s, want tours/id", engine.gotTable, engine.gotKey)
	}
	row := engine.gotRows[0][0]
	if row["is_active"].Kind != transform.KindBool {
		t.Errorf("row = %v, want transformed booleans reaching the engine", row)
	}

	types := events.types()
	if types[0] != progress.EventStart || types[len(types)-1] != progress.EventComplete {
		t.Errorf("event types = %v, want start first and complete last", types)
	}

	sawInfo := false
	for _, ev := range events.events {
		if ev.Type == progress.EventInfo && ev.Stage == "upsert" {
			sawInfo = true
		}
	}
	if !sawInfo {
		t.Errorf("event types = %v, want an upsert info event announcing the write", types)
	}
}

func TestRun_NaturalKeyTableDefaultsToPolicyConflictKey(t *testing.T) {
	engine := &fakeEngine{}
	o := New(&fakeReader{rows: []sheets.RawRow{{"email": "a@example.com"}}},
		nil, passValidator{}, engine, nil, nil)

	_, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Customers", TargetTable: "customers",
		ColumnMapping: map[string]string{"email": "email"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if engine.gotKey != "email" {
		t.Errorf("conflict key = %q, want the customers policy's email", engine.gotKey)
	}
}

func TestRun_ReadFailureReturnsSummaryNotError(t *testing.T) {
	events := &eventLog{}
	o := New(&fakeReader{err: sheets.ErrAuthorizationDenied}, nil, passValidator{}, &fakeEngine{}, nil, events)

	summary, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil with a failed summary", err)
	}
	if summary.Success {
		t.Error("summary should be failed")
	}
	if !strings.Contains(summary.Message, "shared with the service account") {
		t.Errorf("message = %q, want an actionable hint", summary.Message)
	}

	sawError := false
	for _, ev := range events.events {
		if ev.Type == progress.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("read failure should emit an error event")
	}
}

func TestRun_InvalidRowsDoNotAbort(t *testing.T) {
	engine := &fakeEngine{}
	rows := []sheets.RawRow{
		{"name": "City Walk"},
		{"name": ""}, // fails the tours policy's required name
	}
	o := New(&fakeReader{rows: rows}, nil, passValidator{}, engine, nil, nil)

	summary, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
		ColumnMapping: map[string]string{"name": "name"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Valid != 1 || summary.Invalid != 1 {
		t.Errorf("partition = %d/%d, want 1/1", summary.Valid, summary.Invalid)
	}
	if !summary.Success {
		t.Error("invalid rows alone should not fail the job")
	}
	if len(engine.gotRows[0]) != 1 {
		t.Errorf("engine received %d rows, want only the valid one", len(engine.gotRows[0]))
	}
}

func TestRun_DestinationErrorsFailTheSummary(t *testing.T) {
	engine := &fakeEngine{result: upsert.BatchResult{
		Attempted: 1, Applied: 1, Errors: 1,
		ErrorMessages: []string{"constraint violation (23505): duplicate key"},
	}}
	o := New(&fakeReader{rows: tourRows()}, nil, passValidator{}, engine, nil, nil)

	summary, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
		ColumnMapping: tourMapping(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Success {
		t.Error("destination errors must fail the summary")
	}
	if summary.Errors != 1 {
		t.Errorf("Errors = %d, want 1", summary.Errors)
	}
}

func TestRun_EmptySheet(t *testing.T) {
	engine := &fakeEngine{}
	o := New(&fakeReader{}, nil, passValidator{}, engine, nil, nil)

	summary, err := o.Run(context.Background(), Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Success || summary.Total != 0 {
		t.Errorf("summary = %+v, want a clean zero-row success", summary)
	}
	if len(engine.gotRows) != 0 {
		t.Error("engine should not be called for an empty sheet")
	}
}

func TestRun_RerunProducesSameCounters(t *testing.T) {
	job := Job{
		SpreadsheetID: "doc1", SheetName: "Tours", TargetTable: "tours",
		ColumnMapping: tourMapping(),
	}

	run := func() *Summary {
		o := New(&fakeReader{rows: tourRows()}, nil, passValidator{}, &fakeEngine{}, nil, nil)
		s, err := o.Run(context.Background(), job)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	first, second := run(), run()
	if first.Total != second.Total || first.Valid != second.Valid ||
		first.Applied != second.Applied || first.Errors != second.Errors {
		t.Errorf("re-run counters differ: %+v vs %+v", first, second)
	}
}
