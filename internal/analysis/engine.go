// Package analysis orchestrates the pipeline that turns one telemetry run
// into an analysis payload: mode labeling, surface building, valley
// detection, cause attribution, next-test planning, and final assembly.
//
// A run is analyzed as a single synchronous batch. Stage degradation
// (missing channels, thin data) produces warnings inside the payload;
// only malformed input or broken configuration fails a generation.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dynoai/dynoai/internal/analysis/causetree"
	"github.com/dynoai/dynoai/internal/analysis/payload"
	"github.com/dynoai/dynoai/internal/analysis/planner"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/config"
	"github.com/dynoai/dynoai/internal/metrics"
	"github.com/dynoai/dynoai/internal/monitoring"
	"github.com/dynoai/dynoai/internal/telemetry"
	"github.com/dynoai/dynoai/internal/timeutil"
)

// CachedResult is the stored outcome of one generation: the exact payload
// bytes plus companion metadata. A cache must return the same bytes Put
// stored; payloads are never re-encoded on the read path.
type CachedResult struct {
	RunID       string           `json:"run_id"`
	ContentHash string           `json:"content_hash"`
	Payload     json.RawMessage  `json:"payload"`
	Metadata    payload.Metadata `json:"metadata"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Cache stores generated payloads keyed by run. Implementations decide
// durability. Absence is (nil, false, nil), never an error.
type Cache interface {
	Get(ctx context.Context, runID string) (*CachedResult, bool, error)
	Put(ctx context.Context, runID string, res *CachedResult) error
	Invalidate(ctx context.Context, runID string) error
}

// GenerateRequest carries everything one generation needs. The engine never
// reaches into storage for inputs; callers resolve the log, constraints, and
// any sealed pipeline outputs first.
type GenerateRequest struct {
	RunID       string
	Log         *telemetry.Log
	Constraints planner.Constraints
	Sealed      *causetree.SealedOutputs
	Force       bool
}

// effectiveParams is the resolved parameter set a payload is produced under.
// It feeds the content fingerprint, so a parameter change invalidates cached
// payloads the same way new input data would.
type effectiveParams struct {
	Modes                     telemetry.ModeParams `json:"modes"`
	RPMBins                   []float64            `json:"rpm_bins"`
	MAPBins                   []float64            `json:"map_bins"`
	MinSamplesPerCell         int                  `json:"min_samples_per_cell"`
	Valley                    valley.Params        `json:"valley"`
	CoverageCompleteThreshold float64              `json:"coverage_complete_threshold"`
	Constraints               planner.Constraints  `json:"constraints"`
}

// Engine runs the analysis pipeline and caches results. One Engine serves
// all runs; a per-run lock keeps force regeneration atomic while
// singleflight deduplicates concurrent identical requests.
type Engine struct {
	cfg      *config.AnalysisConfig
	modes    telemetry.ModeParams
	detector *telemetry.ModeDetector
	valleys  *valley.Detector
	rpmAxis  surface.Axis
	mapAxis  surface.Axis
	cache    Cache
	clock    timeutil.Clock
	metrics  *metrics.Metrics

	group    singleflight.Group
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex

	// testHookCompute, when set, runs at the top of every computation.
	testHookCompute func()
}

// New builds an Engine from resolved configuration. A nil clock falls back
// to the real clock; a nil metrics handle disables instrumentation.
func New(cfg *config.AnalysisConfig, cache Cache, clock timeutil.Clock, m *metrics.Metrics) (*Engine, error) {
	if cfg == nil {
		return nil, telemetry.Configurationf("analysis config is required")
	}
	if cache == nil {
		return nil, telemetry.Configurationf("payload cache is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	modes := modeParamsFrom(cfg)
	detector, err := telemetry.NewModeDetector(modes)
	if err != nil {
		return nil, err
	}
	valleys, err := valley.NewDetector(valley.Params{
		HighMAPMinKPA:         cfg.GetHighMAPMinKPA(),
		MinMeaningfulDepthDeg: cfg.GetValleyMinMeaningfulDepthDeg(),
	})
	if err != nil {
		return nil, err
	}
	rpmAxis, err := surface.NewAxis(string(telemetry.ChanRPM), cfg.GetRPMBinCenters())
	if err != nil {
		return nil, err
	}
	mapAxis, err := surface.NewAxis(string(telemetry.ChanMAP), cfg.GetMAPBinCenters())
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		modes:    modes,
		detector: detector,
		valleys:  valleys,
		rpmAxis:  rpmAxis,
		mapAxis:  mapAxis,
		cache:    cache,
		clock:    clock,
		metrics:  m,
		runLocks: make(map[string]*sync.Mutex),
	}, nil
}

func modeParamsFrom(cfg *config.AnalysisConfig) telemetry.ModeParams {
	return telemetry.ModeParams{
		TPSWOTThresholdPct:     cfg.GetTPSWOTThresholdPct(),
		MAPWOTThresholdKPA:     cfg.GetMAPWOTThresholdKPA(),
		RPMIdleCeiling:         cfg.GetRPMIdleCeiling(),
		TPSIdleCeilingPct:      cfg.GetTPSIdleCeilingPct(),
		MAPIdleCeilingKPA:      cfg.GetMAPIdleCeilingKPA(),
		TPSRateTipInPctPerSec:  cfg.GetTPSRateTipInPctPerSec(),
		MAPRateTipInKPAPerSec:  cfg.GetMAPRateTipInKPAPerSec(),
		DecelTPSMaxPct:         cfg.GetDecelTPSMaxPct(),
		DecelRPMMin:            cfg.GetDecelRPMMin(),
		DecelRPMMax:            cfg.GetDecelRPMMax(),
		ECTHotThresholdC:       cfg.GetECTHotThresholdC(),
		IATHotThresholdC:       cfg.GetIATHotThresholdC(),
		HeatSoakMinDurationSec: cfg.GetHeatSoakMinDurationSec(),
	}
}

// fingerprint hashes the run's normalized input together with the effective
// parameter set. A cached payload is served only while its fingerprint holds.
func (e *Engine) fingerprint(lg *telemetry.Log, cons planner.Constraints) (string, error) {
	params, err := json.Marshal(effectiveParams{
		Modes:             e.modes,
		RPMBins:           e.cfg.GetRPMBinCenters(),
		MAPBins:           e.cfg.GetMAPBinCenters(),
		MinSamplesPerCell: e.cfg.GetMinSamplesPerCell(),
		Valley: valley.Params{
			HighMAPMinKPA:         e.cfg.GetHighMAPMinKPA(),
			MinMeaningfulDepthDeg: e.cfg.GetValleyMinMeaningfulDepthDeg(),
		},
		CoverageCompleteThreshold: e.cfg.GetCoverageCompleteThreshold(),
		Constraints:               cons,
	})
	if err != nil {
		return "", fmt.Errorf("encode effective params: %w", err)
	}
	return payload.Fingerprint(lg, params)
}

// Generate produces the analysis payload for req, serving a cached copy when
// the content fingerprint still matches. Concurrent non-force calls for the
// same run and fingerprint share one computation; cancelling the context
// abandons the wait without stopping the computation. Force regenerates
// unconditionally, invalidating the cached entry under the run lock.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*CachedResult, error) {
	if req.RunID == "" {
		return nil, telemetry.Validationf("run id is required")
	}
	if req.Log == nil || len(req.Log.Samples) == 0 {
		return nil, telemetry.Validationf("run %s has no samples to analyze", req.RunID)
	}
	if err := req.Constraints.Validate(); err != nil {
		return nil, err
	}
	hash, err := e.fingerprint(req.Log, req.Constraints)
	if err != nil {
		return nil, err
	}

	if req.Force {
		return e.regenerate(ctx, req, hash)
	}

	if hit, ok, err := e.cache.Get(ctx, req.RunID); err != nil {
		return nil, fmt.Errorf("read payload cache: %w", err)
	} else if ok && hit.ContentHash == hash {
		if e.metrics != nil {
			e.metrics.RecordCacheHit()
		}
		return hit, nil
	}
	if e.metrics != nil {
		e.metrics.RecordCacheMiss()
	}

	// The shared computation runs on a detached context so one caller's
	// cancellation cannot fail the other waiters.
	inner := context.WithoutCancel(ctx)
	ch := e.group.DoChan(req.RunID+"\x00"+hash, func() (interface{}, error) {
		return e.regenerate(inner, req, hash)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CachedResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the stored payload for a run without generating anything.
// Absence is not an error.
func (e *Engine) Cached(ctx context.Context, runID string) (*CachedResult, bool, error) {
	return e.cache.Get(ctx, runID)
}

// regenerate computes and stores a fresh result under the run lock. Non-force
// callers re-check the cache inside the lock; a concurrent generation may
// have already stored a matching payload.
func (e *Engine) regenerate(ctx context.Context, req GenerateRequest, hash string) (*CachedResult, error) {
	lock := e.lockFor(req.RunID)
	lock.Lock()
	defer lock.Unlock()

	if req.Force {
		if err := e.cache.Invalidate(ctx, req.RunID); err != nil {
			return nil, fmt.Errorf("invalidate payload cache: %w", err)
		}
	} else if hit, ok, err := e.cache.Get(ctx, req.RunID); err != nil {
		return nil, fmt.Errorf("read payload cache: %w", err)
	} else if ok && hit.ContentHash == hash {
		return hit, nil
	}

	res, err := e.compute(req, hash)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Put(ctx, req.RunID, res); err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}
	return res, nil
}

func (e *Engine) lockFor(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[runID] = l
	}
	return l
}

// compute runs the pipeline stages in order. Stage degradation lands in the
// payload's warnings; an error here means the generation as a whole failed.
func (e *Engine) compute(req GenerateRequest, hash string) (*CachedResult, error) {
	if e.testHookCompute != nil {
		e.testHookCompute()
	}
	start := e.clock.Now()

	frame, warnings := e.detector.Label(req.Log)

	surfaces, surfWarns, err := e.buildSurfaces(frame)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordError("surfaces")
		}
		return nil, err
	}
	warnings = append(warnings, surfWarns...)

	findings, valleyWarns := e.valleys.DetectAll(surfaces)
	warnings = append(warnings, valleyWarns...)

	tree := causetree.Build(causetree.Inputs{
		ModeCounts: frame.Counts,
		Surfaces:   surfaces,
		Valleys:    findings,
		Sealed:     req.Sealed,
	})

	pl, err := planner.New(req.Constraints, e.cfg.GetCoverageCompleteThreshold())
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordError("planner")
		}
		return nil, err
	}
	plan, planWarns := pl.Plan(surfaces, tree)
	warnings = append(warnings, planWarns...)

	generatedAt := e.clock.Now().UTC()
	p := payload.Assemble(req.RunID, generatedAt, frame, surfaces, findings, tree, plan, warnings)
	raw, err := p.Encode()
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordError("encode")
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordGenerate(e.clock.Since(start).Seconds(), len(warnings))
	}
	monitoring.Logf("analysis: run %s payload %s: %d surfaces, %d valleys, %d hypotheses, %d warnings",
		req.RunID, hash[:12], len(surfaces), len(findings), len(tree.Hypotheses), len(warnings))

	return &CachedResult{
		RunID:       req.RunID,
		ContentHash: hash,
		Payload:     raw,
		Metadata:    payload.BuildMetadata(req.RunID, req.Log, hash),
		CreatedAt:   generatedAt,
	}, nil
}

// buildSurfaces builds every standard surface the run's channels support.
// Builds are independent and run in parallel; skip warnings are emitted in
// catalog order so payload output stays deterministic.
func (e *Engine) buildSurfaces(frame *telemetry.LabeledFrame) (map[string]*surface.Surface2D, []string, error) {
	specs := surface.StandardSpecs(e.cfg.GetMinSamplesPerCell())

	var warnings []string
	runnable := make([]surface.Spec, 0, len(specs))
	for _, sp := range specs {
		if sp.Available(frame.Channels) {
			runnable = append(runnable, sp)
			continue
		}
		warnings = append(warnings, fmt.Sprintf("surface %s skipped: missing %s",
			sp.Name, strings.Join(missingChannels(sp, frame.Channels), ", ")))
	}
	warnings = append(warnings, degradationNotes(frame.Channels)...)

	results := make([]*surface.Surface2D, len(runnable))
	var g errgroup.Group
	for i, sp := range runnable {
		g.Go(func() error {
			s, err := surface.Build(frame, sp, e.rpmAxis, e.mapAxis)
			if err != nil {
				return fmt.Errorf("surface %s: %w", sp.Name, err)
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make(map[string]*surface.Surface2D, len(results))
	for _, s := range results {
		out[s.Name] = s
	}
	return out, warnings, nil
}

func missingChannels(sp surface.Spec, have telemetry.ChannelSet) []string {
	var missing []string
	for _, ch := range sp.Requires {
		if !have.Has(ch) {
			missing = append(missing, string(ch))
		}
	}
	if len(sp.RequiresAny) > 0 {
		any := false
		for _, ch := range sp.RequiresAny {
			if have.Has(ch) {
				any = true
				break
			}
		}
		if !any {
			alts := make([]string, len(sp.RequiresAny))
			for i, ch := range sp.RequiresAny {
				alts[i] = string(ch)
			}
			missing = append(missing, "one of "+strings.Join(alts, "/"))
		}
	}
	return missing
}

// degradationNotes explains capability loss once per class of missing
// channel, beyond the per-surface skip warnings.
func degradationNotes(have telemetry.ChannelSet) []string {
	var notes []string
	perCyl := have.Has(telemetry.ChanSparkF) || have.Has(telemetry.ChanSparkR) ||
		have.Has(telemetry.ChanAFRMeasF) || have.Has(telemetry.ChanAFRMeasR)
	if !perCyl {
		notes = append(notes, "no per-cylinder channels: global surfaces only, per-cylinder findings disabled and confidence reduced")
	}
	if !have.Has(telemetry.ChanKnockF) && !have.Has(telemetry.ChanKnockR) {
		notes = append(notes, "knock channels absent: knock surfaces and knock-limit attribution disabled")
	}
	return notes
}
