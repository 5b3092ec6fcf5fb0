package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dynoai/dynoai/internal/analysis/planner"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// ConstraintsStore persists per-vehicle session constraints. Vehicles with
// no stored row fall back to the planner defaults.
type ConstraintsStore struct {
	db *DB
}

// NewConstraintsStore creates a new ConstraintsStore.
func NewConstraintsStore(db *DB) *ConstraintsStore {
	return &ConstraintsStore{db: db}
}

// Get returns the stored constraints for a vehicle. Absence is
// (zero, false, nil).
func (s *ConstraintsStore) Get(ctx context.Context, vehicleID string) (planner.Constraints, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT constraints FROM vehicle_constraints WHERE vehicle_id = ?`, vehicleID)
	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return planner.Constraints{}, false, nil
	}
	if err != nil {
		return planner.Constraints{}, false, fmt.Errorf("get constraints %s: %w", vehicleID, err)
	}
	var cons planner.Constraints
	if err := json.Unmarshal(raw, &cons); err != nil {
		return planner.Constraints{}, false, fmt.Errorf("decode constraints %s: %w", vehicleID, err)
	}
	return cons, true, nil
}

// Resolve returns the constraints to use for a vehicle, falling back to the
// planner defaults when the vehicle id is empty or nothing is stored.
func (s *ConstraintsStore) Resolve(ctx context.Context, vehicleID string) (planner.Constraints, error) {
	if vehicleID == "" {
		return planner.DefaultConstraints(), nil
	}
	cons, ok, err := s.Get(ctx, vehicleID)
	if err != nil {
		return planner.Constraints{}, err
	}
	if !ok {
		return planner.DefaultConstraints(), nil
	}
	return cons, nil
}

// Put validates and stores constraints for a vehicle, replacing any
// previous row.
func (s *ConstraintsStore) Put(ctx context.Context, vehicleID string, cons planner.Constraints) error {
	if vehicleID == "" {
		return telemetry.Validationf("vehicle id is required")
	}
	if err := cons.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cons)
	if err != nil {
		return fmt.Errorf("encode constraints %s: %w", vehicleID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vehicle_constraints (vehicle_id, constraints, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(vehicle_id) DO UPDATE SET
			constraints = excluded.constraints,
			updated_at = excluded.updated_at`,
		vehicleID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put constraints %s: %w", vehicleID, err)
	}
	return nil
}
