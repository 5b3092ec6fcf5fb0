package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dynoai/dynoai/internal/httputil"
)

const sampleCSV = "time_s,rpm,map_kpa,afr\n0.00,1500,35,14.7\n0.01,1520,36,14.6\n"

func writeSampleCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pull.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write sample csv: %v", err)
	}
	return path
}

func TestIngestURL(t *testing.T) {
	opts := ImportOptions{
		ServerURL: "http://localhost:8080",
		VehicleID: "bike-1",
		Source:    "dynojet",
		Strict:    true,
	}
	got := opts.IngestURL()
	want := "http://localhost:8080/api/runs?source=dynojet&strict=true&vehicle_id=bike-1"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestIngestURLDefaults(t *testing.T) {
	opts := ImportOptions{ServerURL: "http://example.com"}
	got := opts.IngestURL()
	if got != "http://example.com/api/runs" {
		t.Errorf("Expected bare ingest URL, got %s", got)
	}
	if strings.Contains(got, "strict") {
		t.Errorf("strict=false should not appear in URL: %s", got)
	}
}

func TestImportFile(t *testing.T) {
	path := writeSampleCSV(t)

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusCreated,
		`{"run_id":"run-42","vehicle_id":"bike-1","row_count":2,"duration_s":0.01,"channels":["rpm","map_kpa","afr"]}`)

	opts := ImportOptions{ServerURL: "http://localhost:8080", VehicleID: "bike-1"}
	ingest, err := ImportFile(mock, opts, path)
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if ingest.RunID != "run-42" {
		t.Errorf("Expected run-42, got %s", ingest.RunID)
	}
	if ingest.RowCount != 2 {
		t.Errorf("Expected 2 rows, got %d", ingest.RowCount)
	}

	if mock.RequestCount() != 1 {
		t.Fatalf("Expected 1 request, got %d", mock.RequestCount())
	}
	req := mock.GetRequest(0)
	if req.Method != http.MethodPost {
		t.Errorf("Expected POST, got %s", req.Method)
	}
	if got := req.URL.String(); got != "http://localhost:8080/api/runs?vehicle_id=bike-1" {
		t.Errorf("Unexpected request URL: %s", got)
	}
	if ct := req.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
}

func TestImportFileSendsBody(t *testing.T) {
	path := writeSampleCSV(t)

	var gotBody string
	mock := httputil.NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		gotBody = string(b)
		return &http.Response{
			StatusCode: http.StatusCreated,
			Body:       io.NopCloser(strings.NewReader(`{"run_id":"run-1","row_count":2,"duration_s":0.01,"channels":[]}`)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	if _, err := ImportFile(mock, ImportOptions{ServerURL: "http://localhost:8080"}, path); err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if gotBody != sampleCSV {
		t.Errorf("Expected CSV body to be streamed, got %q", gotBody)
	}
}

func TestImportFileServerError(t *testing.T) {
	path := writeSampleCSV(t)

	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusBadRequest, `{"error":"no parseable rows"}`)

	_, err := ImportFile(mock, ImportOptions{ServerURL: "http://localhost:8080"}, path)
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "no parseable rows") {
		t.Errorf("Error should carry status and body, got: %v", err)
	}
}

func TestImportFileTransportError(t *testing.T) {
	path := writeSampleCSV(t)

	mock := httputil.NewMockHTTPClient()
	mock.AddErrorResponse(errors.New("connection refused"))

	_, err := ImportFile(mock, ImportOptions{ServerURL: "http://localhost:8080"}, path)
	if err == nil {
		t.Fatal("Expected transport error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Expected wrapped transport error, got: %v", err)
	}
}

func TestImportFileMissingFile(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	_, err := ImportFile(mock, ImportOptions{ServerURL: "http://localhost:8080"}, "/nonexistent/pull.csv")
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if mock.RequestCount() != 0 {
		t.Errorf("No request should be sent for a missing file, got %d", mock.RequestCount())
	}
}
