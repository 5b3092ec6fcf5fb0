package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/analysis/payload"
)

// PayloadStore is the durable payload cache. Entries survive restarts and
// are keyed by run id alone; content hash comparison is the engine's job.
type PayloadStore struct {
	db *DB
}

var _ analysis.Cache = (*PayloadStore)(nil)

// NewPayloadStore creates a new PayloadStore.
func NewPayloadStore(db *DB) *PayloadStore {
	return &PayloadStore{db: db}
}

// Get returns the cached payload for a run. Absence is (nil, false, nil).
func (s *PayloadStore) Get(ctx context.Context, runID string) (*analysis.CachedResult, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, content_hash, payload, metadata, created_at
		FROM payloads WHERE run_id = ?`, runID)

	res := &analysis.CachedResult{}
	var body, meta []byte
	err := row.Scan(&res.RunID, &res.ContentHash, &body, &meta, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get payload %s: %w", runID, err)
	}
	res.Payload = json.RawMessage(body)
	if err := json.Unmarshal(meta, &res.Metadata); err != nil {
		return nil, false, fmt.Errorf("decode payload metadata %s: %w", runID, err)
	}
	return res, true, nil
}

// Put stores a payload, replacing any previous entry for the run.
func (s *PayloadStore) Put(ctx context.Context, runID string, res *analysis.CachedResult) error {
	if res == nil {
		return fmt.Errorf("put payload %s: nil result", runID)
	}
	meta, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("encode payload metadata %s: %w", runID, err)
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payloads (run_id, content_hash, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			payload = excluded.payload,
			metadata = excluded.metadata,
			created_at = excluded.created_at`,
		runID, res.ContentHash, string(res.Payload), string(meta), createdAt,
	)
	if err != nil {
		return fmt.Errorf("put payload %s: %w", runID, err)
	}
	return nil
}

// Invalidate drops the cached payload for a run. Absence is not an error.
func (s *PayloadStore) Invalidate(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payloads WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("invalidate payload %s: %w", runID, err)
	}
	return nil
}

// Metadata returns only the stored metadata for a run, sparing the payload
// body on list-style queries.
func (s *PayloadStore) Metadata(ctx context.Context, runID string) (*payload.Metadata, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT metadata FROM payloads WHERE run_id = ?`, runID)
	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get payload metadata %s: %w", runID, err)
	}
	var meta payload.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("decode payload metadata %s: %w", runID, err)
	}
	return &meta, true, nil
}
