package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/analysis/causetree"
	"github.com/dynoai/dynoai/internal/httputil"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// generateBody is the optional JSON body of a generate request. Sealed
// correction outputs ride along here when an upstream engine has them.
type generateBody struct {
	SealedOutputs *causetree.SealedOutputs `json:"sealed_outputs,omitempty"`
}

// handleGenerate runs the analysis pipeline for a stored run and returns
// the payload. Repeated calls serve the cached payload byte for byte;
// force=true regenerates.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	runID := query.Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}
	force := query.Get("force") == "true"

	var body generateBody
	if r.Body != nil {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("read body: %v", err))
			return
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				httputil.BadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
				return
			}
		}
	}

	ctx := r.Context()
	run, ok, err := s.runs.Get(ctx, runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", runID))
		return
	}
	lg, _, err := telemetry.DecodeCSV(strings.NewReader(run.CSV), telemetry.DecodeOptions{})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("stored run %s unreadable: %v", runID, err))
		return
	}

	cons, err := s.constraints.Resolve(ctx, run.VehicleID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.Generate(ctx, analysis.GenerateRequest{
		RunID:       runID,
		Log:         lg,
		Constraints: cons,
		Sealed:      body.SealedOutputs,
		Force:       force,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Hash", res.ContentHash)
	w.Write(res.Payload)
}

// handleGetAnalysis returns the cached payload for a run. A run with no
// generated payload yields an explicit generated=false body, not an error.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}

	res, found, err := s.engine.Cached(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"generated": false,
			"run_id":    runID,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Hash", res.ContentHash)
	w.Write(res.Payload)
}
