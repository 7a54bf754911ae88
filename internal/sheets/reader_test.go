package sheets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/pkg/retry"
)

// fakeAPI simulates the spreadsheet service for reader tests.
type fakeAPI struct {
	sheets    []SheetInfo
	metaErr   error
	rows      [][]string // full sheet contents including header
	rangeErr  func(startRow int) error
	rangeWait func(startRow int) time.Duration

	readCalls int64
}

func (f *fakeAPI) ListSheets(ctx context.Context, spreadsheetID string) ([]SheetInfo, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.sheets, nil
}

func (f *fakeAPI) ReadRange(ctx context.Context, spreadsheetID, sheetName string, startRow, endRow, cols int) ([][]string, error) {
	atomic.AddInt64(&f.readCalls, 1)
	if f.rangeErr != nil {
		if err := f.rangeErr(startRow); err != nil {
			return nil, err
		}
	}
	if f.rangeWait != nil {
		select {
		case <-time.After(f.rangeWait(startRow)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out [][]string
	for i := startRow; i <= endRow && i <= len(f.rows); i++ {
		out = append(out, f.rows[i-1])
	}
	return out, nil
}

// sheetRows builds a header plus n data rows "id,name" style.
func sheetRows(n int) [][]string {
	rows := [][]string{{"id", "name"}}
	for i := 1; i <= n; i++ {
		rows = append(rows, []string{strconv.Itoa(i), fmt.Sprintf("row-%d", i)})
	}
	return rows
}

func newTestReader(t *testing.T, api API) *Reader {
	t.Helper()
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)

	r := NewReader(api, c)
	// Fast backoff so retry-exhaustion tests stay quick.
	r.policy = retry.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Classify:   Classify,
	}
	return r
}

func TestReadAll_SmallSheet(t *testing.T) {
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Tours", Extent: Extent{Rows: 4, Cols: 2}}},
		rows:   sheetRows(3),
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Tours")
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0]["id"] != "1" || rows[0]["name"] != "row-1" {
		t.Errorf("first row = %v", rows[0])
	}
}

func TestReadAll_MissingTrailingCellsDefaultToEmpty(t *testing.T) {
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Tours", Extent: Extent{Rows: 3, Cols: 3}}},
		rows: [][]string{
			{"id", "name", "active"},
			{"1", "Alice", "TRUE"},
			{"2"}, // ragged row
		},
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Tours")
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1]["name"] != "" || rows[1]["active"] != "" {
		t.Errorf("missing cells should be empty strings, got %v", rows[1])
	}
}

func TestReadAll_ChunkReassemblyOrder(t *testing.T) {
	// 2,501 data rows: first chunk 1-501, then 502-1501, 1502-2501,
	// 2502-2502. Delay the earlier parallel chunks so they complete
	// after the later ones; order must still follow row order.
	n := 2501
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Big", Extent: Extent{Rows: n + 1, Cols: 2}}},
		rows:   sheetRows(n),
		rangeWait: func(startRow int) time.Duration {
			if startRow == 502 {
				return 60 * time.Millisecond
			}
			if startRow == 1502 {
				return 20 * time.Millisecond
			}
			return 0
		},
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Big")
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("rows = %d, want %d", len(rows), n)
	}
	for i, row := range rows {
		if row["id"] != strconv.Itoa(i+1) {
			t.Fatalf("row %d out of order: id=%s", i, row["id"])
		}
	}
}

func TestReadAll_TransientChunkSkippedAfterRetryCap(t *testing.T) {
	// Rows 1-501 succeed; the second chunk always times out.
	n := 1500
	var failedAttempts int64
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Flaky", Extent: Extent{Rows: n + 1, Cols: 2}}},
		rows:   sheetRows(n),
		rangeErr: func(startRow int) error {
			if startRow == 502 {
				atomic.AddInt64(&failedAttempts, 1)
				return errors.New("read tcp: connection reset by peer")
			}
			return nil
		},
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Flaky")
	if err != nil {
		t.Fatalf("ReadAll() error: %v (skipped chunks must not fail the read)", err)
	}

	// Exactly initial attempt + MaxRetries, then the chunk is skipped.
	if got := atomic.LoadInt64(&failedAttempts); got != 4 {
		t.Errorf("failed chunk attempts = %d, want 4", got)
	}
	if len(rows) != 500 {
		t.Errorf("rows = %d, want 500 (only the first chunk's data)", len(rows))
	}
}

func TestReadAll_AuthDeniedIsFatal(t *testing.T) {
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Tours", Extent: Extent{Rows: 10, Cols: 2}}},
		rangeErr: func(int) error {
			return &apiError{status: 403, body: "forbidden"}
		},
		rows: sheetRows(5),
	}
	r := newTestReader(t, api)

	_, err := r.ReadAll(context.Background(), "doc1", "Tours")
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("error = %v, want ErrAuthorizationDenied", err)
	}

	// Fatal classes must not be retried: 1 metadata call + 1 range call.
	if got := atomic.LoadInt64(&api.readCalls); got != 1 {
		t.Errorf("range calls = %d, want 1 (no retries for auth errors)", got)
	}
}

func TestReadAll_ExtentFallbackWhenMetadataFails(t *testing.T) {
	api := &fakeAPI{
		metaErr: &apiError{status: 500, body: "upstream"},
		rows:    sheetRows(10),
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Tours")
	if err != nil {
		t.Fatalf("ReadAll() error: %v (metadata failure must fall back, not abort)", err)
	}
	if len(rows) != 10 {
		t.Errorf("rows = %d, want 10", len(rows))
	}
}

func TestReadAll_EmptySheet(t *testing.T) {
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Empty", Extent: Extent{Rows: 1, Cols: 2}}},
		rows:   nil,
	}
	r := newTestReader(t, api)

	rows, err := r.ReadAll(context.Background(), "doc1", "Empty")
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestResolveExtent_CachedAcrossReads(t *testing.T) {
	api := &fakeAPI{
		sheets: []SheetInfo{{Title: "Tours", Extent: Extent{Rows: 4, Cols: 2}}},
		rows:   sheetRows(3),
	}
	r := newTestReader(t, api)
	ctx := context.Background()

	e1 := r.resolveExtent(ctx, "doc1", "Tours")
	api.metaErr = &apiError{status: 500, body: "down"}
	e2 := r.resolveExtent(ctx, "doc1", "Tours")

	if e1 != e2 {
		t.Errorf("extent should come from cache on the second resolve: %+v vs %+v", e1, e2)
	}
	if e2.Rows != 4 {
		t.Errorf("extent rows = %d, want 4", e2.Rows)
	}
}

func TestNormalizeHeaders_UnnamedColumns(t *testing.T) {
	headers := normalizeHeaders([]string{" id ", "", "name"})
	if headers[0] != "id" || headers[2] != "name" {
		t.Errorf("headers = %v", headers)
	}
	if headers[1] != "_col_2" {
		t.Errorf("unnamed column = %q, want _col_2", headers[1])
	}
}
