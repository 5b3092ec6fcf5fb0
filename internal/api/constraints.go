package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dynoai/dynoai/internal/analysis/planner"
	"github.com/dynoai/dynoai/internal/httputil"
)

// ConstraintsResponse wraps a vehicle's constraints with whether they were
// stored or are the session defaults.
type ConstraintsResponse struct {
	VehicleID   string              `json:"vehicle_id"`
	Stored      bool                `json:"stored"`
	Constraints planner.Constraints `json:"constraints"`
}

// handleConstraints reads or replaces a vehicle's session constraints.
func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetConstraints(w, r)
	case http.MethodPut:
		s.handleSetConstraints(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleGetConstraints returns stored constraints, falling back to the
// defaults for vehicles that have none.
func (s *Server) handleGetConstraints(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.URL.Query().Get("vehicle_id")

	if vehicleID == "" {
		httputil.WriteJSONOK(w, ConstraintsResponse{
			Constraints: planner.DefaultConstraints(),
		})
		return
	}

	cons, stored, err := s.constraints.Get(r.Context(), vehicleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !stored {
		cons = planner.DefaultConstraints()
	}
	httputil.WriteJSONOK(w, ConstraintsResponse{
		VehicleID:   vehicleID,
		Stored:      stored,
		Constraints: cons,
	})
}

// handleSetConstraints validates and stores constraints for a vehicle.
func (s *Server) handleSetConstraints(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.URL.Query().Get("vehicle_id")
	if vehicleID == "" {
		httputil.BadRequest(w, "vehicle_id is required")
		return
	}

	var cons planner.Constraints
	if err := json.NewDecoder(r.Body).Decode(&cons); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	// The query parameter names the vehicle; the body field is ignored.
	cons.VehicleID = vehicleID

	if err := s.constraints.Put(r.Context(), vehicleID, cons); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, ConstraintsResponse{
		VehicleID:   vehicleID,
		Stored:      true,
		Constraints: cons,
	})
}
