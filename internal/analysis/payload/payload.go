// Package payload assembles the versioned, content-addressed analysis
// artifact. Assembly is pure aggregation; everything interesting happened
// upstream.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dynoai/dynoai/internal/analysis/causetree"
	"github.com/dynoai/dynoai/internal/analysis/planner"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/telemetry"
	"github.com/dynoai/dynoai/internal/version"
)

// SchemaVersion changes whenever the payload shape or any stage's
// semantics change; it participates in the content fingerprint so stale
// cache entries never survive a deploy.
const SchemaVersion = "nextgen.v1"

// Payload is the one externally persisted artifact per run. Maps
// serialize with sorted keys, so identical inputs yield identical bytes.
type Payload struct {
	SchemaVersion string                        `json:"schema_version"`
	RunID         string                        `json:"run_id"`
	GeneratedAt   time.Time                     `json:"generated_at"`
	InputsPresent map[telemetry.Channel]bool    `json:"inputs_present"`
	ModeSummary   map[telemetry.ModeTag]int     `json:"mode_summary"`
	Surfaces      map[string]*surface.Surface2D `json:"surfaces"`
	SparkValley   []valley.Finding              `json:"spark_valley"`
	CauseTree     causetree.Result              `json:"cause_tree"`
	NextTests     planner.Plan                  `json:"next_tests"`
	NotesWarnings []string                      `json:"notes_warnings"`
}

// Metadata is the companion document describing the payload's input.
type Metadata struct {
	SchemaVersion string   `json:"schema_version"`
	RunID         string   `json:"run_id"`
	InputColumns  []string `json:"input_columns"`
	RowCount      int      `json:"row_count"`
	ContentHash   string   `json:"content_hash"`
	CodeVersion   string   `json:"code_version"`
}

// Assemble merges the stage outputs into one payload. Nil slices become
// empty so the serialized shape is stable regardless of which stages had
// anything to say.
func Assemble(runID string, generatedAt time.Time, frame *telemetry.LabeledFrame, surfaces map[string]*surface.Surface2D, findings []valley.Finding, tree causetree.Result, plan planner.Plan, warnings []string) *Payload {
	inputs := make(map[telemetry.Channel]bool, len(telemetry.AllChannels))
	for _, ch := range telemetry.AllChannels {
		inputs[ch] = frame.Channels.Has(ch)
	}
	if surfaces == nil {
		surfaces = map[string]*surface.Surface2D{}
	}
	if findings == nil {
		findings = []valley.Finding{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	if plan.Steps == nil {
		plan.Steps = []planner.TestStep{}
	}
	if plan.CoverageGaps == nil {
		plan.CoverageGaps = []planner.CoverageGap{}
	}
	if tree.Hypotheses == nil {
		tree.Hypotheses = []causetree.Hypothesis{}
	}

	return &Payload{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		GeneratedAt:   generatedAt,
		InputsPresent: inputs,
		ModeSummary:   frame.Counts,
		Surfaces:      surfaces,
		SparkValley:   findings,
		CauseTree:     tree,
		NextTests:     plan,
		NotesWarnings: warnings,
	}
}

// Encode serializes the payload to its canonical JSON bytes.
func (p *Payload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Fingerprint hashes the normalized input together with the schema and
// code versions and the effective configuration. generated_at never
// participates, so identical inputs always collide onto the same key.
func Fingerprint(lg *telemetry.Log, configJSON []byte) (string, error) {
	h := sha256.New()
	io.WriteString(h, SchemaVersion)
	h.Write([]byte{0})
	io.WriteString(h, version.String())
	h.Write([]byte{0})
	if err := telemetry.EncodeCSV(h, lg); err != nil {
		return "", fmt.Errorf("normalize input: %w", err)
	}
	h.Write([]byte{0})
	h.Write(configJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildMetadata describes the input behind a payload.
func BuildMetadata(runID string, lg *telemetry.Log, contentHash string) Metadata {
	return Metadata{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		InputColumns:  lg.Columns(),
		RowCount:      len(lg.Samples),
		ContentHash:   contentHash,
		CodeVersion:   version.String(),
	}
}
