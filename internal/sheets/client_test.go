package sheets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voyagetools/sheetbridge/internal/pkg/retry"
)

func TestClient_ListSheets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spreadsheets/doc1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sheets":[
			{"properties":{"title":"Tours","gridProperties":{"rowCount":120,"columnCount":8}}},
			{"properties":{"title":"Guides","gridProperties":{"rowCount":30,"columnCount":5}}}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(context.Background(), srv.URL, nil)

	sheets, err := c.ListSheets(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("ListSheets() error: %v", err)
	}
	if len(sheets) != 2 {
		t.Fatalf("sheets = %d, want 2", len(sheets))
	}
	if sheets[0].Title != "Tours" || sheets[0].Extent.Rows != 120 || sheets[0].Extent.Cols != 8 {
		t.Errorf("first sheet = %+v", sheets[0])
	}
}

func TestClient_ReadRange(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"range":"Tours!A1:C3","values":[["id","name","active"],["1","Alice","TRUE"]]}`))
	}))
	defer srv.Close()

	c := NewClient(context.Background(), srv.URL, nil)

	rows, err := c.ReadRange(context.Background(), "doc1", "Tours", 1, 3, 3)
	if err != nil {
		t.Fatalf("ReadRange() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1][1] != "Alice" {
		t.Errorf("cell = %q, want Alice", rows[1][1])
	}

	// Range reference is A1-notation in the final path segment.
	want := "/spreadsheets/doc1/values/Tours!A1:C3"
	if gotPath != want {
		t.Errorf("path = %s, want %s", gotPath, want)
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   retry.Class
	}{
		{http.StatusUnauthorized, retry.Fatal},
		{http.StatusForbidden, retry.Fatal},
		{http.StatusNotFound, retry.Fatal},
		{http.StatusBadRequest, retry.Fatal},
		{http.StatusTooManyRequests, retry.Retryable},
		{http.StatusInternalServerError, retry.Retryable},
		{http.StatusBadGateway, retry.Retryable},
		{http.StatusTeapot, retry.Unknown},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewClient(context.Background(), srv.URL, nil)

		_, err := c.ListSheets(context.Background(), "doc1")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := Classify(err); got != tt.want {
			t.Errorf("status %d: class = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAsSentinel(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&apiError{status: 403}, ErrAuthorizationDenied},
		{&apiError{status: 401}, ErrAuthorizationDenied},
		{&apiError{status: 404}, ErrSourceUnavailable},
		{&apiError{status: 400}, ErrMalformedRange},
		{errors.New("dial tcp: connection refused"), ErrSourceUnavailable},
	}
	for _, tt := range tests {
		if got := asSentinel(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("asSentinel(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestColumnLetter(t *testing.T) {
	tests := []struct {
		col  int
		want string
	}{
		{1, "A"}, {2, "B"}, {26, "Z"}, {27, "AA"}, {52, "AZ"}, {53, "BA"}, {0, "A"},
	}
	for _, tt := range tests {
		if got := columnLetter(tt.col); got != tt.want {
			t.Errorf("columnLetter(%d) = %s, want %s", tt.col, got, tt.want)
		}
	}
}
