// Package planner converts coverage gaps and causal hypotheses into a
// prioritized, constraint-respecting list of next dyno or street tests.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dynoai/dynoai/internal/analysis/causetree"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/config"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// RegionType names a fixed region of interest in the operating envelope.
type RegionType string

const (
	RegionHighMAPMidrange RegionType = "high_map_midrange"
	RegionIdleLowMAP      RegionType = "idle_low_map"
	RegionTipIn           RegionType = "tip_in"
	RegionGeneral         RegionType = "general"
)

// TestType names the kind of run an operator should perform.
type TestType string

const (
	TestWOTPull          TestType = "wot_pull"
	TestTransientRolloff TestType = "transient_rolloff"
	TestSteadySweep      TestType = "steady_state_sweep"
	TestGeneral          TestType = "general"
)

// Impact grades how much a region matters to tune quality.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

func impactRank(im Impact) int {
	switch im {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	}
	return 1
}

// regionDef is one row of the static region-of-interest table.
type regionDef struct {
	Type     RegionType
	RPMRange valley.Band
	MAPRange valley.Band
	Impact   Impact
}

// regionTable is fixed; gap detection walks it in this order.
var regionTable = []regionDef{
	{RegionHighMAPMidrange, valley.Band{Low: 2500, High: 5500}, valley.Band{Low: 80, High: 100}, ImpactHigh},
	{RegionTipIn, valley.Band{Low: 2000, High: 4000}, valley.Band{Low: 40, High: 70}, ImpactMedium},
	{RegionIdleLowMAP, valley.Band{Low: 1000, High: 1500}, valley.Band{Low: 20, High: 40}, ImpactMedium},
	{RegionGeneral, valley.Band{Low: 1000, High: 7000}, valley.Band{Low: 20, High: 100}, ImpactLow},
}

// testTypeFor maps a gap's region to exactly one test type.
func testTypeFor(rt RegionType) TestType {
	switch rt {
	case RegionHighMAPMidrange:
		return TestWOTPull
	case RegionTipIn:
		return TestTransientRolloff
	case RegionIdleLowMAP:
		return TestSteadySweep
	}
	return TestGeneral
}

// requiredChannelsFor lists what the operator must log for a test type to
// be worth running.
func requiredChannelsFor(tt TestType) []telemetry.Channel {
	switch tt {
	case TestWOTPull:
		return []telemetry.Channel{telemetry.ChanRPM, telemetry.ChanMAP, telemetry.ChanTPS, telemetry.ChanSparkF, telemetry.ChanSparkR, telemetry.ChanKnockF, telemetry.ChanKnockR}
	case TestTransientRolloff, TestSteadySweep:
		return []telemetry.Channel{telemetry.ChanRPM, telemetry.ChanMAP, telemetry.ChanTPS, telemetry.ChanAFRMeasF, telemetry.ChanAFRMeasR}
	}
	return []telemetry.Channel{telemetry.ChanRPM, telemetry.ChanMAP, telemetry.ChanTPS}
}

// CoverageGap reports a region whose sampled coverage falls below the
// completeness threshold. EmptyCells counts cells still below the per-cell
// sample floor.
type CoverageGap struct {
	RegionType  RegionType  `json:"region_type"`
	RPMRange    valley.Band `json:"rpm_range"`
	MAPRange    valley.Band `json:"map_range"`
	CoveragePct float64     `json:"coverage_pct"`
	EmptyCells  int         `json:"empty_cells"`
	Impact      Impact      `json:"impact"`
}

// TestStep is one actionable instruction in the plan. Priority 1 is the
// most important.
type TestStep struct {
	Name                 string              `json:"name"`
	Goal                 string              `json:"goal"`
	Constraints          string              `json:"constraints"`
	RPMRange             *valley.Band        `json:"rpm_range,omitempty"`
	MAPRange             *valley.Band        `json:"map_range,omitempty"`
	TestType             TestType            `json:"test_type"`
	RequiredChannels     []telemetry.Channel `json:"required_channels"`
	SuccessCriteria      string              `json:"success_criteria"`
	RiskNotes            []string            `json:"risk_notes,omitempty"`
	Priority             int                 `json:"priority"`
	ExpectedCoverageGain float64             `json:"expected_coverage_gain,omitempty"`
}

// Plan is the planner's output: ordered steps, the gaps that motivated
// them, and a rationale trail for anything dropped or truncated.
type Plan struct {
	Steps             []TestStep    `json:"steps"`
	CoverageGaps      []CoverageGap `json:"coverage_gaps"`
	PriorityRationale string        `json:"priority_rationale"`
}

// Constraints is the operator-configured session envelope. Steps outside
// it are dropped, never silently clamped into range.
type Constraints struct {
	VehicleID          string  `json:"vehicle_id,omitempty"`
	RPMMin             float64 `json:"rpm_min"`
	RPMMax             float64 `json:"rpm_max"`
	MAPMinKPA          float64 `json:"map_min_kpa"`
	MAPMaxKPA          float64 `json:"map_max_kpa"`
	MaxPullsPerSession int     `json:"max_pulls_per_session"`
	PreferredTestEnv   string  `json:"preferred_test_environment,omitempty"`
}

// DefaultConstraints returns the session envelope used when a vehicle has
// none stored.
func DefaultConstraints() Constraints {
	return Constraints{
		RPMMin:             config.DefaultSessionRPMMin,
		RPMMax:             config.DefaultSessionRPMMax,
		MAPMinKPA:          config.DefaultSessionMAPMinKPA,
		MAPMaxKPA:          config.DefaultSessionMAPMaxKPA,
		MaxPullsPerSession: config.DefaultMaxPullsPerSession,
		PreferredTestEnv:   "any",
	}
}

func (c Constraints) Validate() error {
	if c.RPMMin >= c.RPMMax {
		return telemetry.Configurationf("constraints rpm range inverted: %g >= %g", c.RPMMin, c.RPMMax)
	}
	if c.MAPMinKPA >= c.MAPMaxKPA {
		return telemetry.Configurationf("constraints map range inverted: %g >= %g", c.MAPMinKPA, c.MAPMaxKPA)
	}
	if c.MaxPullsPerSession < 1 {
		return telemetry.Configurationf("constraints max_pulls_per_session must be at least 1, got %d", c.MaxPullsPerSession)
	}
	return nil
}

// candidate pairs a synthesized step with the impact of the gap behind it
// until ranking collapses the pair.
type candidate struct {
	step   TestStep
	impact Impact
}

// Planner holds validated constraints plus the coverage completeness
// threshold below which a region becomes a gap.
type Planner struct {
	cons      Constraints
	threshold float64
}

func New(cons Constraints, completeThreshold float64) (*Planner, error) {
	if err := cons.Validate(); err != nil {
		return nil, err
	}
	if completeThreshold <= 0 || completeThreshold > 1 {
		return nil, telemetry.Configurationf("coverage_complete_threshold must be in (0,1], got %g", completeThreshold)
	}
	return &Planner{cons: cons, threshold: completeThreshold}, nil
}

// Plan evaluates the region table against the coverage surface, turns each
// gap into a test step, filters by constraints, and ranks what survives.
func (p *Planner) Plan(surfaces map[string]*surface.Surface2D, tree causetree.Result) (Plan, []string) {
	var warnings []string

	cov, ok := surfaces[surface.NameCoverage]
	if !ok {
		warnings = append(warnings, "coverage surface unavailable: no coverage gaps evaluated")
		return Plan{PriorityRationale: "no coverage data; nothing to plan"}, warnings
	}

	var gaps []CoverageGap
	for _, region := range regionTable {
		pct, empty, cells := regionCoverage(cov, region)
		if cells == 0 {
			warnings = append(warnings, fmt.Sprintf("region %s: no grid cells inside its rpm/map range", region.Type))
			continue
		}
		if pct < p.threshold {
			gaps = append(gaps, CoverageGap{
				RegionType:  region.Type,
				RPMRange:    region.RPMRange,
				MAPRange:    region.MAPRange,
				CoveragePct: pct,
				EmptyCells:  empty,
				Impact:      region.Impact,
			})
		}
	}

	cands := make([]candidate, 0, len(gaps))
	hadWOT := false
	for _, g := range gaps {
		c := candidate{step: p.stepForGap(g, tree), impact: g.Impact}
		if c.step.TestType == TestWOTPull {
			hadWOT = true
		}
		cands = append(cands, c)
	}

	cands, dropNotes := p.filterByConstraints(cands)
	steps, rankNotes := p.rankAndTruncate(cands)

	rationale := []string{fmt.Sprintf("%d of %d regions below the %.0f%% completeness threshold", len(gaps), len(regionTable), p.threshold*100)}
	rationale = append(rationale, dropNotes...)
	rationale = append(rationale, rankNotes...)
	if hadWOT && !containsWOT(steps) && len(steps) > 0 {
		rationale = append(rationale, "all wot_pull steps were cut; keeping lower-impact steps so the session stays actionable")
	}
	if len(gaps) > 0 && len(steps) == 0 {
		rationale = append(rationale, "no steps remain within the session constraints")
	}

	return Plan{
		Steps:             steps,
		CoverageGaps:      gaps,
		PriorityRationale: strings.Join(rationale, "; "),
	}, warnings
}

// filterByConstraints drops steps that do not fit entirely inside the
// session envelope, explaining each drop.
func (p *Planner) filterByConstraints(cands []candidate) ([]candidate, []string) {
	var notes []string
	kept := cands[:0]
	for _, c := range cands {
		s := c.step
		if s.RPMRange != nil && (s.RPMRange.Low < p.cons.RPMMin || s.RPMRange.High > p.cons.RPMMax) {
			notes = append(notes, fmt.Sprintf("dropped %s: rpm range %g-%g outside session limits %g-%g", s.Name, s.RPMRange.Low, s.RPMRange.High, p.cons.RPMMin, p.cons.RPMMax))
			continue
		}
		if s.MAPRange != nil && (s.MAPRange.Low < p.cons.MAPMinKPA || s.MAPRange.High > p.cons.MAPMaxKPA) {
			notes = append(notes, fmt.Sprintf("dropped %s: map range %g-%g outside session limits %g-%g", s.Name, s.MAPRange.Low, s.MAPRange.High, p.cons.MAPMinKPA, p.cons.MAPMaxKPA))
			continue
		}
		kept = append(kept, c)
	}
	return kept, notes
}

// rankAndTruncate orders candidates by (impact desc, expected coverage
// gain desc, name asc), applies the session pull cap, and assigns
// priorities starting at 1.
func (p *Planner) rankAndTruncate(cands []candidate) ([]TestStep, []string) {
	var notes []string

	sort.SliceStable(cands, func(a, b int) bool {
		ra, rb := impactRank(cands[a].impact), impactRank(cands[b].impact)
		if ra != rb {
			return ra > rb
		}
		if cands[a].step.ExpectedCoverageGain != cands[b].step.ExpectedCoverageGain {
			return cands[a].step.ExpectedCoverageGain > cands[b].step.ExpectedCoverageGain
		}
		return cands[a].step.Name < cands[b].step.Name
	})

	steps := make([]TestStep, 0, len(cands))
	for _, c := range cands {
		steps = append(steps, c.step)
	}
	if len(steps) > p.cons.MaxPullsPerSession {
		notes = append(notes, fmt.Sprintf("truncated %d steps to the session limit of %d", len(steps), p.cons.MaxPullsPerSession))
		steps = steps[:p.cons.MaxPullsPerSession]
	}
	for i := range steps {
		steps[i].Priority = i + 1
	}
	return steps, notes
}

// regionCoverage restricts the coverage surface's hit-count grid to the
// region and reports (filled fraction, cells below the sample floor, cells
// in region).
func regionCoverage(cov *surface.Surface2D, region regionDef) (pct float64, empty, cells int) {
	filled := 0
	for i, rpm := range cov.RPMCenters {
		if rpm < region.RPMRange.Low || rpm > region.RPMRange.High {
			continue
		}
		for j, mp := range cov.MAPCenters {
			if mp < region.MAPRange.Low || mp > region.MAPRange.High {
				continue
			}
			cells++
			if cov.HitCount[i][j] >= cov.MinSamplesPerCell {
				filled++
			}
		}
	}
	if cells == 0 {
		return 0, 0, 0
	}
	return float64(filled) / float64(cells), cells - filled, cells
}

func containsWOT(steps []TestStep) bool {
	for _, s := range steps {
		if s.TestType == TestWOTPull {
			return true
		}
	}
	return false
}

// stepForGap fills the TestStep templates for one gap, pulling risk notes
// from ranked hypotheses whose bands touch the region.
func (p *Planner) stepForGap(g CoverageGap, tree causetree.Result) TestStep {
	tt := testTypeFor(g.RegionType)
	rpm := g.RPMRange
	mp := g.MAPRange

	var goal, cons, success string
	switch tt {
	case TestWOTPull:
		goal = fmt.Sprintf("fill high-load cells between %g and %g rpm", rpm.Low, rpm.High)
		cons = "full throttle in one gear, abort immediately on audible knock"
		success = fmt.Sprintf("region coverage at or above %.0f%% with knock logged", p.threshold*100)
	case TestTransientRolloff:
		goal = fmt.Sprintf("capture throttle tip-in and roll-off between %g and %g rpm", rpm.Low, rpm.High)
		cons = "repeat quick 20-80% throttle stabs, then slow roll-offs"
		success = fmt.Sprintf("region coverage at or above %.0f%% with afr recorded through each transient", p.threshold*100)
	case TestSteadySweep:
		goal = fmt.Sprintf("hold steady cells between %g and %g rpm at light load", rpm.Low, rpm.High)
		cons = "hold each cell 5 seconds or more, minimal throttle movement"
		success = fmt.Sprintf("region coverage at or above %.0f%% at stable temperatures", p.threshold*100)
	default:
		goal = fmt.Sprintf("broaden coverage between %g and %g rpm", rpm.Low, rpm.High)
		cons = "vary load and rpm gradually across the range"
		success = fmt.Sprintf("region coverage at or above %.0f%%", p.threshold*100)
	}
	if env := p.cons.PreferredTestEnv; env != "" && env != "any" {
		cons += fmt.Sprintf("; preferred environment: %s", env)
	}

	return TestStep{
		Name:                 fmt.Sprintf("%s_%.0f_%.0f", g.RegionType, rpm.Low, rpm.High),
		Goal:                 goal,
		Constraints:          cons,
		RPMRange:             &rpm,
		MAPRange:             &mp,
		TestType:             tt,
		RequiredChannels:     requiredChannelsFor(tt),
		SuccessCriteria:      success,
		RiskNotes:            riskNotesFor(g, tree),
		ExpectedCoverageGain: 1 - g.CoveragePct,
	}
}

// riskNotesFor collects up to three ranked hypotheses touching the gap's
// region. A hypothesis without bands applies everywhere.
func riskNotesFor(g CoverageGap, tree causetree.Result) []string {
	var notes []string
	for _, h := range tree.Hypotheses {
		if len(notes) == 3 {
			break
		}
		if !bandsTouch(h.RPMBand, g.RPMRange) || !bandsTouch(h.MAPBand, g.MAPRange) {
			continue
		}
		notes = append(notes, fmt.Sprintf("%s (confidence %.2f)", h.Title, h.Confidence))
	}
	return notes
}

func bandsTouch(b *valley.Band, region valley.Band) bool {
	if b == nil {
		return true
	}
	return b.Low <= region.High && b.High >= region.Low
}
