package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL points at the hosted spreadsheet API.
	DefaultBaseURL = "https://sheets.googleapis.com/v4"

	// DefaultTimeout bounds a single API round trip. Chunk reads carry
	// their own per-call deadline on top of this.
	DefaultTimeout = 45 * time.Second
)

// Extent is the resolved row/column size of one sheet.
type Extent struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// SheetInfo describes one sheet of a spreadsheet document.
type SheetInfo struct {
	Title  string `json:"title"`
	Extent Extent `json:"extent"`
}

// API is the narrow surface the sync engine needs from the spreadsheet
// service. *Client implements it; tests substitute fakes.
type API interface {
	// ListSheets returns sheet titles and extents for a spreadsheet.
	ListSheets(ctx context.Context, spreadsheetID string) ([]SheetInfo, error)

	// ReadRange fetches rows startRow..endRow (1-based, inclusive) of the
	// named sheet as raw string cells. Rows the source has no data for
	// are simply absent from the result.
	ReadRange(ctx context.Context, spreadsheetID, sheetName string, startRow, endRow, cols int) ([][]string, error)
}

// Client talks to the spreadsheet API over authenticated HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a spreadsheet API client. When ts is non-nil the
// client authenticates every request with the token source; credential
// refresh is entirely oauth2's concern.
func NewClient(ctx context.Context, baseURL string, ts oauth2.TokenSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	hc := &http.Client{Timeout: DefaultTimeout}
	if ts != nil {
		hc = oauth2.NewClient(ctx, ts)
		hc.Timeout = DefaultTimeout
	}

	return &Client{baseURL: baseURL, httpClient: hc}
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

type spreadsheetResponse struct {
	Sheets []struct {
		Properties struct {
			Title          string `json:"title"`
			GridProperties struct {
				RowCount    int `json:"rowCount"`
				ColumnCount int `json:"columnCount"`
			} `json:"gridProperties"`
		} `json:"properties"`
	} `json:"sheets"`
}

type valuesResponse struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// ListSheets returns the spreadsheet's sheet metadata.
func (c *Client) ListSheets(ctx context.Context, spreadsheetID string) ([]SheetInfo, error) {
	endpoint := fmt.Sprintf("/spreadsheets/%s?fields=sheets.properties", url.PathEscape(spreadsheetID))

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp spreadsheetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse spreadsheet metadata: %w", err)
	}

	sheets := make([]SheetInfo, 0, len(resp.Sheets))
	for _, s := range resp.Sheets {
		sheets = append(sheets, SheetInfo{
			Title: s.Properties.Title,
			Extent: Extent{
				Rows: s.Properties.GridProperties.RowCount,
				Cols: s.Properties.GridProperties.ColumnCount,
			},
		})
	}
	return sheets, nil
}

// ReadRange fetches one rectangular region as rows of strings.
func (c *Client) ReadRange(ctx context.Context, spreadsheetID, sheetName string, startRow, endRow, cols int) ([][]string, error) {
	rangeRef := fmt.Sprintf("%s!A%d:%s%d", sheetName, startRow, columnLetter(cols), endRow)
	endpoint := fmt.Sprintf("/spreadsheets/%s/values/%s",
		url.PathEscape(spreadsheetID), url.PathEscape(rangeRef))

	body, err := c.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp valuesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse range response: %w", err)
	}
	return resp.Values, nil
}

// doRequest performs one GET against the spreadsheet API and returns the
// raw body. Non-2xx statuses become *apiError for classification.
func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{status: resp.StatusCode, body: truncate(string(respBody), 300)}
	}
	return respBody, nil
}

// columnLetter converts a 1-based column count to its A1-notation letter
// ("A", "Z", "AA", ...).
func columnLetter(col int) string {
	if col < 1 {
		col = 1
	}
	letters := ""
	for col > 0 {
		col--
		letters = string(rune('A'+col%26)) + letters
		col /= 26
	}
	return letters
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
