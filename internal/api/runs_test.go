package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dynoai/dynoai/internal/store"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// TestHandleIngest tests uploading a CSV run
func TestHandleIngest(t *testing.T) {
	server, _ := setupTestServer(t)

	resp := ingestSweep(t, server, "veh-1")

	if resp.RunID == "" {
		t.Error("Expected run_id to be set")
	}
	if resp.VehicleID != "veh-1" {
		t.Errorf("Expected vehicle_id 'veh-1', got '%s'", resp.VehicleID)
	}
	if resp.RowCount != 24 {
		t.Errorf("Expected 24 rows, got %d", resp.RowCount)
	}
	if resp.DurationS != 2.3 {
		t.Errorf("Expected duration 2.3s, got %g", resp.DurationS)
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", resp.Warnings)
	}

	found := false
	for _, ch := range resp.Channels {
		if ch == string(telemetry.ChanRPM) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected rpm in channels, got %v", resp.Channels)
	}
}

// TestHandleIngest_MissingRequiredColumn tests rejection of incomplete logs
func TestHandleIngest_MissingRequiredColumn(t *testing.T) {
	server, _ := setupTestServer(t)

	csv := "time_s,rpm,tps_pct\n0.0,3000,100\n"
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(csv))
	w := httptest.NewRecorder()

	server.handleRuns(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "map_kpa") {
		t.Errorf("Expected missing column named in error, got %s", w.Body.String())
	}
}

// TestHandleIngest_UnknownColumn tests strict and lenient header handling
func TestHandleIngest_UnknownColumn(t *testing.T) {
	server, _ := setupTestServer(t)

	csv := "time_s,rpm,map_kpa,tps_pct,boost_psi\n0.0,3000,95,100,7.5\n0.1,3200,95,100,7.5\n"

	t.Run("lenient skips with warning", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(csv))
		w := httptest.NewRecorder()

		server.handleRuns(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d. Body: %s", w.Code, w.Body.String())
		}

		var resp IngestResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "boost_psi") {
			t.Errorf("Expected warning about boost_psi, got %v", resp.Warnings)
		}
	})

	t.Run("strict rejects", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/runs?strict=true", strings.NewReader(csv))
		w := httptest.NewRecorder()

		server.handleRuns(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d. Body: %s", w.Code, w.Body.String())
		}
	})
}

// TestHandleIngest_EmptyBody tests rejection of an empty upload
func TestHandleIngest_EmptyBody(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(""))
	w := httptest.NewRecorder()

	server.handleRuns(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

// TestHandleListRuns tests listing uploaded runs
func TestHandleListRuns(t *testing.T) {
	server, _ := setupTestServer(t)

	ingestSweep(t, server, "veh-1")
	ingestSweep(t, server, "veh-2")

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()

	server.handleRuns(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Runs  []*store.Run `json:"runs"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Count != 2 {
		t.Errorf("Expected count 2, got %d", resp.Count)
	}
	if len(resp.Runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(resp.Runs))
	}
}

// TestHandleListRuns_Empty tests that an empty database lists cleanly
func TestHandleListRuns_Empty(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w := httptest.NewRecorder()

	server.handleRuns(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp struct {
		Runs  []*store.Run `json:"runs"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Runs == nil {
		t.Error("Expected non-nil runs array")
	}
	if resp.Count != 0 {
		t.Errorf("Expected count 0, got %d", resp.Count)
	}
}

// TestHandleListRuns_InvalidLimit tests limit parameter validation
func TestHandleListRuns_InvalidLimit(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []string{"limit=abc", "limit=0", "limit=-5"}

	for _, query := range tests {
		t.Run(query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/runs?"+query, nil)
			w := httptest.NewRecorder()

			server.handleRuns(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

// TestHandleRuns_MethodNotAllowed tests unsupported HTTP methods
func TestHandleRuns_MethodNotAllowed(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/runs", nil)
	w := httptest.NewRecorder()

	server.handleRuns(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestHandleRun tests fetching one run's detail
func TestHandleRun(t *testing.T) {
	server, _ := setupTestServer(t)

	created := ingestSweep(t, server, "veh-1")

	req := httptest.NewRequest(http.MethodGet, "/api/run?run_id="+created.RunID, nil)
	w := httptest.NewRecorder()

	server.handleRun(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var run store.Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if run.RunID != created.RunID {
		t.Errorf("Expected run_id %s, got %s", created.RunID, run.RunID)
	}
	if run.RowCount != 24 {
		t.Errorf("Expected 24 rows, got %d", run.RowCount)
	}
	if run.Source != "upload" {
		t.Errorf("Expected source 'upload', got '%s'", run.Source)
	}
}

// TestHandleRun_NotFound tests fetching a non-existent run
func TestHandleRun_NotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/run?run_id=no-such-run", nil)
	w := httptest.NewRecorder()

	server.handleRun(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

// TestHandleRun_MissingID tests the required run_id parameter
func TestHandleRun_MissingID(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/run", nil)
	w := httptest.NewRecorder()

	server.handleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

// TestHandleRunCSV tests downloading the normalized CSV
func TestHandleRunCSV(t *testing.T) {
	server, _ := setupTestServer(t)

	created := ingestSweep(t, server, "veh-1")

	req := httptest.NewRequest(http.MethodGet, "/api/run/csv?run_id="+created.RunID, nil)
	w := httptest.NewRecorder()

	server.handleRunCSV(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected Content-Type text/csv, got %s", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, created.RunID) {
		t.Errorf("Expected run id in Content-Disposition, got %s", cd)
	}

	lg, _, err := telemetry.DecodeCSV(w.Body, telemetry.DecodeOptions{})
	if err != nil {
		t.Fatalf("Downloaded CSV does not round-trip: %v", err)
	}
	if len(lg.Samples) != 24 {
		t.Errorf("Expected 24 samples in download, got %d", len(lg.Samples))
	}
}

// TestHandleRunCSV_LambdaUnits tests the fuel_units=lambda download
func TestHandleRunCSV_LambdaUnits(t *testing.T) {
	server, _ := setupTestServer(t)

	created := ingestSweep(t, server, "veh-1")

	req := httptest.NewRequest(http.MethodGet, "/api/run/csv?run_id="+created.RunID+"&fuel_units=lambda", nil)
	w := httptest.NewRecorder()

	server.handleRunCSV(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "lambda") {
		t.Errorf("Expected lambda in Content-Disposition, got %s", cd)
	}

	body := w.Body.String()
	header := strings.SplitN(body, "\n", 2)[0]
	if header != "time_s,rpm,map_kpa,tps_pct,lambda,spark_deg" {
		t.Errorf("Expected lambda header, got %s", header)
	}

	// Re-ingesting the download converts lambda back to the stored AFR.
	lg, warnings, err := telemetry.DecodeCSV(strings.NewReader(body), telemetry.DecodeOptions{})
	if err != nil {
		t.Fatalf("Lambda download does not round-trip: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("Expected one conversion warning on re-ingest, got %v", warnings)
	}
	if got := lg.Samples[0].AFRMeas; math.Abs(got-13.2) > 1e-9 {
		t.Errorf("Expected afr 13.2 after round-trip, got %g", got)
	}
}

// TestHandleRunCSV_InvalidFuelUnits tests rejection of unknown fuel units
func TestHandleRunCSV_InvalidFuelUnits(t *testing.T) {
	server, _ := setupTestServer(t)

	created := ingestSweep(t, server, "veh-1")

	req := httptest.NewRequest(http.MethodGet, "/api/run/csv?run_id="+created.RunID+"&fuel_units=afr_pct", nil)
	w := httptest.NewRecorder()

	server.handleRunCSV(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lambda") {
		t.Errorf("Expected valid units named in error, got %s", w.Body.String())
	}
}

// TestHandleRunCSV_NotFound tests downloading a non-existent run
func TestHandleRunCSV_NotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/run/csv?run_id=no-such-run", nil)
	w := httptest.NewRecorder()

	server.handleRunCSV(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
