package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/dynoai/dynoai/internal/httputil"
	"github.com/dynoai/dynoai/internal/store"
	"github.com/dynoai/dynoai/internal/telemetry"
	"github.com/dynoai/dynoai/internal/units"
)

// maxUploadBytes caps an ingest body. A dyno session logged at 100 Hz for
// an hour stays well under this.
const maxUploadBytes = 32 << 20

// IngestResponse echoes what was stored for an uploaded run.
type IngestResponse struct {
	RunID     string   `json:"run_id"`
	VehicleID string   `json:"vehicle_id,omitempty"`
	RowCount  int      `json:"row_count"`
	DurationS float64  `json:"duration_s"`
	Channels  []string `json:"channels"`
	Warnings  []string `json:"warnings,omitempty"`
}

// handleRuns handles ingest and list operations.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleIngest accepts a telemetry CSV body and stores it as a new run.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	strict := query.Get("strict") == "true"

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer body.Close()

	lg, warnings, err := telemetry.DecodeCSV(body, telemetry.DecodeOptions{Strict: strict})
	if err != nil {
		s.writeError(w, err)
		return
	}

	run := &store.Run{
		VehicleID: query.Get("vehicle_id"),
		Source:    query.Get("source"),
	}
	if err := s.runs.Insert(r.Context(), run, lg); err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordIngest(run.RowCount)
	}

	httputil.WriteJSONCreated(w, IngestResponse{
		RunID:     run.RunID,
		VehicleID: run.VehicleID,
		RowCount:  run.RowCount,
		DurationS: run.DurationS,
		Channels:  run.Channels,
		Warnings:  warnings,
	})
}

// handleListRuns lists stored runs newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleRun returns one run's metadata.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}

	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", runID))
		return
	}
	httputil.WriteJSONOK(w, run)
}

// lambdaColumnNames maps measured AFR channels onto the lambda column
// names used when a download requests fuel_units=lambda. Commanded targets
// stay in AFR so the exported file re-ingests without a custom header map.
var lambdaColumnNames = map[telemetry.Channel]string{
	telemetry.ChanAFRMeas:  "lambda",
	telemetry.ChanAFRMeasF: "lambda_front",
	telemetry.ChanAFRMeasR: "lambda_rear",
}

// handleRunCSV downloads the stored normalized CSV for a run. The optional
// fuel_units parameter selects afr (stored form, the default) or lambda.
func (s *Server) handleRunCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}
	fuelUnits := r.URL.Query().Get("fuel_units")
	if fuelUnits == "" {
		fuelUnits = units.AFR
	}
	if !units.IsValidFuelUnit(fuelUnits) {
		httputil.BadRequest(w, fmt.Sprintf("invalid fuel_units %q, valid: %s", fuelUnits, units.GetValidFuelUnitsString()))
		return
	}

	run, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", runID))
		return
	}

	if fuelUnits == units.Lambda {
		lg, _, err := telemetry.DecodeCSV(strings.NewReader(run.CSV), telemetry.DecodeOptions{})
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s-lambda.csv", runID))
		if err := writeLambdaCSV(w, lg); err != nil {
			log.Printf("run csv: lambda export for %s: %v", runID, err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s.csv", runID))
	io.Copy(w, strings.NewReader(run.CSV))
}

// writeLambdaCSV renders the log with measured AFR columns converted to
// lambda under their lambda column names, gasoline stoich.
func writeLambdaCSV(w io.Writer, lg *telemetry.Log) error {
	cw := csv.NewWriter(w)
	cols := lg.Columns()
	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col
		if name, ok := lambdaColumnNames[telemetry.Channel(col)]; ok {
			header[i] = name
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, smp := range lg.Samples {
		row[0] = strconv.FormatFloat(smp.TimeS, 'g', -1, 64)
		for i, col := range cols[1:] {
			ch := telemetry.Channel(col)
			v, _ := smp.Value(ch)
			if _, ok := lambdaColumnNames[ch]; ok {
				v = units.AFRToLambda(v, units.StoichAFRGasoline)
			}
			row[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
