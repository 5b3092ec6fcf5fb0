package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dynoai/dynoai/internal/telemetry"
)

// Run is one stored telemetry log plus its ingest bookkeeping. CSV holds
// the normalized re-encoding of the upload; decoding it reproduces the
// exact frame the analysis ran on.
type Run struct {
	RunID     string    `json:"run_id"`
	VehicleID string    `json:"vehicle_id,omitempty"`
	Source    string    `json:"source"`
	RowCount  int       `json:"row_count"`
	DurationS float64   `json:"duration_s"`
	Channels  []string  `json:"channels"`
	CSV       string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStore persists telemetry runs.
type RunStore struct {
	db *DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Insert stores a new run. An empty RunID gets a fresh UUID; RowCount,
// DurationS, Channels, and CSV are derived from lg, never trusted from the
// caller.
func (s *RunStore) Insert(ctx context.Context, run *Run, lg *telemetry.Log) error {
	if lg == nil || len(lg.Samples) == 0 {
		return telemetry.Validationf("run has no samples to store")
	}
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Source == "" {
		run.Source = "upload"
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	var buf strings.Builder
	if err := telemetry.EncodeCSV(&buf, lg); err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	run.CSV = buf.String()
	run.RowCount = len(lg.Samples)
	run.DurationS = lg.Duration()
	run.Channels = lg.Columns()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, vehicle_id, source, row_count, duration_s, channels, csv_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.VehicleID, run.Source, run.RowCount, run.DurationS,
		strings.Join(run.Channels, ","), run.CSV, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

// Get loads one run including its CSV body. Absence is (nil, false, nil).
func (s *RunStore) Get(ctx context.Context, runID string) (*Run, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, vehicle_id, source, row_count, duration_s, channels, csv_data, created_at
		FROM runs WHERE run_id = ?`, runID)

	r := &Run{}
	var channels string
	err := row.Scan(&r.RunID, &r.VehicleID, &r.Source, &r.RowCount, &r.DurationS, &channels, &r.CSV, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get run %s: %w", runID, err)
	}
	r.Channels = splitChannels(channels)
	return r, true, nil
}

// Log re-decodes the stored CSV into a telemetry log.
func (s *RunStore) Log(ctx context.Context, runID string) (*telemetry.Log, bool, error) {
	run, ok, err := s.Get(ctx, runID)
	if err != nil || !ok {
		return nil, ok, err
	}
	lg, _, err := telemetry.DecodeCSV(strings.NewReader(run.CSV), telemetry.DecodeOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("decode stored run %s: %w", runID, err)
	}
	return lg, true, nil
}

// List returns runs newest first without their CSV bodies. A non-positive
// limit defaults to 100.
func (s *RunStore) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, vehicle_id, source, row_count, duration_s, channels, created_at
		FROM runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var channels string
		if err := rows.Scan(&r.RunID, &r.VehicleID, &r.Source, &r.RowCount, &r.DurationS, &channels, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Channels = splitChannels(channels)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Delete removes a run and reports whether it existed.
func (s *RunStore) Delete(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, fmt.Errorf("delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleRunIDs lists runs created before the cutoff, oldest first.
func (s *RunStore) StaleRunIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs WHERE created_at < ? ORDER BY created_at, run_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func splitChannels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
