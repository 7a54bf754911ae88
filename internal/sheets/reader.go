package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voyagetools/sheetbridge/internal/cache"
	"github.com/voyagetools/sheetbridge/internal/pkg/logger"
	"github.com/voyagetools/sheetbridge/internal/pkg/retry"
)

// =============================================================================
// RANGE READER - Chunked, parallel spreadsheet reads
// =============================================================================
// Reads a whole sheet as header-keyed rows. The read is chunked so one
// giant range request can neither time out the source nor blow the
// response size limit, and chunks are fetched with small bounded
// parallelism to respect the API's rate limits while overlapping latency.

const (
	// DefaultChunkSize is the fixed row count per range request.
	DefaultChunkSize = 1000

	// FirstChunkRows is deliberately small: it fails fast on a bad
	// source and yields the header row before the full fetch plan is
	// committed to.
	FirstChunkRows = 500

	// DefaultParallelism is the number of in-flight chunk requests.
	DefaultParallelism = 2

	// ChunkTimeout bounds a single chunk fetch including its retries'
	// individual attempts.
	ChunkTimeout = 30 * time.Second

	// Fallback extent when sheet metadata cannot be resolved. Reading
	// past the real end returns empty chunks, so over-estimating costs
	// a few empty requests while aborting would cost the whole sync.
	fallbackRows = 50000
	fallbackCols = 40

	extentTTL = 6 * time.Hour
)

// RawRow maps a source column header to the raw cell value.
type RawRow map[string]string

// Reader fetches full sheets from the spreadsheet source.
type Reader struct {
	api    API
	cache  *cache.Cache
	policy retry.Policy

	chunkSize   int
	parallelism int
}

// NewReader creates a Reader using the shared retry policy for
// spreadsheet calls.
func NewReader(api API, c *cache.Cache) *Reader {
	return &Reader{
		api:         api,
		cache:       c,
		policy:      retry.DefaultPolicy(Classify),
		chunkSize:   DefaultChunkSize,
		parallelism: DefaultParallelism,
	}
}

// Tune overrides the chunk shape and retry budget. Zero values leave
// the current setting untouched.
func (r *Reader) Tune(chunkSize, parallelism, maxRetries int) {
	if chunkSize > 0 {
		r.chunkSize = chunkSize
	}
	if parallelism > 0 {
		r.parallelism = parallelism
	}
	if maxRetries > 0 {
		r.policy.MaxRetries = maxRetries
	}
}

// ListSheets returns the spreadsheet's sheet metadata, cached.
func (r *Reader) ListSheets(ctx context.Context, spreadsheetID string) ([]SheetInfo, error) {
	key := "sheets:meta:" + spreadsheetID

	var cached []SheetInfo
	if r.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	var sheets []SheetInfo
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var opErr error
		sheets, opErr = r.api.ListSheets(ctx, spreadsheetID)
		return opErr
	})
	if err != nil {
		return nil, asSentinel(err)
	}

	r.cache.SetJSON(ctx, key, sheets, extentTTL)
	return sheets, nil
}

// ReadAll fetches every data row of the sheet. The header row defines
// the key space for all returned rows; rows are zipped against it
// positionally with missing trailing cells defaulting to empty string.
// Chunks that exhaust their retries are skipped, not fatal: partial data
// beats total failure for a dashboard-facing sync.
func (r *Reader) ReadAll(ctx context.Context, spreadsheetID, sheetName string) ([]RawRow, error) {
	extent := r.resolveExtent(ctx, spreadsheetID, sheetName)

	// First chunk: header row plus a small slice of data. A failure here
	// is structural and fails the read.
	firstEnd := FirstChunkRows + 1
	if extent.Rows > 0 && extent.Rows < firstEnd {
		firstEnd = extent.Rows
	}
	first, err := r.fetchChunk(ctx, spreadsheetID, sheetName, 1, firstEnd, extent.Cols)
	if err != nil {
		return nil, asSentinel(err)
	}
	if len(first) == 0 {
		return []RawRow{}, nil
	}

	headers := normalizeHeaders(first[0])
	chunks := [][][]string{first[1:]}

	// Plan the remaining fixed-size chunks.
	type chunkRange struct{ start, end int }
	var plan []chunkRange
	for start := firstEnd + 1; start <= extent.Rows; start += r.chunkSize {
		end := start + r.chunkSize - 1
		if end > extent.Rows {
			end = extent.Rows
		}
		plan = append(plan, chunkRange{start, end})
	}

	// Fetch with bounded parallelism; results land positionally so the
	// final row order follows range order no matter which request
	// finishes first.
	results := make([][][]string, len(plan))
	sem := make(chan struct{}, r.parallelism)
	var wg sync.WaitGroup
	for i, cr := range plan {
		wg.Add(1)
		go func(i int, cr chunkRange) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rows, err := r.fetchChunk(ctx, spreadsheetID, sheetName, cr.start, cr.end, extent.Cols)
			if err != nil {
				// Retries exhausted: skip this chunk rather than abort.
				logger.Warn("chunk read failed, skipping",
					"spreadsheet", spreadsheetID, "sheet", sheetName,
					"start_row", cr.start, "end_row", cr.end, "error", err)
				rows = nil
			}
			results[i] = rows
		}(i, cr)
	}
	wg.Wait()
	chunks = append(chunks, results...)

	var out []RawRow
	for _, chunk := range chunks {
		for _, cells := range chunk {
			out = append(out, zipRow(headers, cells))
		}
	}
	return out, nil
}

// resolveExtent returns the sheet's size, consulting the cache first and
// falling back to a conservative default when metadata is unavailable.
func (r *Reader) resolveExtent(ctx context.Context, spreadsheetID, sheetName string) Extent {
	key := fmt.Sprintf("sheets:extent:%s:%s", spreadsheetID, sheetName)

	var cached Extent
	if r.cache.GetJSON(ctx, key, &cached) && cached.Rows > 0 {
		return cached
	}

	var sheets []SheetInfo
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var opErr error
		sheets, opErr = r.api.ListSheets(ctx, spreadsheetID)
		return opErr
	})
	if err == nil {
		for _, s := range sheets {
			if s.Title == sheetName {
				extent := s.Extent
				if extent.Cols <= 0 {
					extent.Cols = fallbackCols
				}
				if extent.Rows > 0 {
					r.cache.SetJSON(ctx, key, extent, extentTTL)
					return extent
				}
			}
		}
	}

	logger.Warn("sheet extent unresolved, using fallback",
		"spreadsheet", spreadsheetID, "sheet", sheetName, "error", err)
	return Extent{Rows: fallbackRows, Cols: fallbackCols}
}

// fetchChunk reads one row range with a per-chunk timeout and the
// package retry policy.
func (r *Reader) fetchChunk(ctx context.Context, spreadsheetID, sheetName string, startRow, endRow, cols int) ([][]string, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, ChunkTimeout)
	defer cancel()

	var rows [][]string
	err := r.policy.Do(chunkCtx, func(ctx context.Context) error {
		var opErr error
		rows, opErr = r.api.ReadRange(ctx, spreadsheetID, sheetName, startRow, endRow, cols)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// normalizeHeaders trims header cells; an unnamed column gets a
// positional placeholder so it cannot collide with a real header.
func normalizeHeaders(cells []string) []string {
	headers := make([]string, len(cells))
	for i, h := range cells {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("_col_%d", i+1)
		}
		headers[i] = h
	}
	return headers
}

// zipRow pairs cells with headers positionally. Cells beyond the header
// width are dropped; missing trailing cells become empty strings.
func zipRow(headers, cells []string) RawRow {
	row := make(RawRow, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			row[h] = cells[i]
		} else {
			row[h] = ""
		}
	}
	return row
}
