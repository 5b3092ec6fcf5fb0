// Package causetree turns the analysis signals of one run into a ranked
// list of causal hypotheses. Rules are a flat, ordered, side-effect-free
// list; each inspects the available inputs and appends at most one
// hypothesis. A rule whose inputs are absent simply does not fire.
package causetree

import (
	"fmt"
	"math"
	"sort"

	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// Category classifies a hypothesis by the subsystem it implicates.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryLoadSignal  Category = "load_signal"
	CategoryKnockLimit  Category = "knock_limit"
	CategoryTempTrim    Category = "temp_trim"
	CategoryFuelModel   Category = "fuel_model"
	CategoryDataQuality Category = "data_quality"
)

// Rule tuning constants. Confidence terms saturate rather than overflow.
const (
	knockFullScaleDeg  = 4.0  // knock retard that maxes the knock term
	afrErrTransientMin = 0.04 // lean spike worth a transient hypothesis
	afrErrBiasMin      = 0.04 // sustained error worth a fuel-model hypothesis
	cylinderDeltaMin   = 0.03 // front/rear split worth a balance hypothesis
	coverageFloor      = 0.25 // below this the data itself is suspect
	transientMinTipIns = 5
)

// Hypothesis is one ranked causal explanation. Immutable once built. The
// optional bands locate region-specific causes for the test planner;
// absent bands mean the cause applies across the envelope.
type Hypothesis struct {
	ID                   string       `json:"id"`
	Title                string       `json:"title"`
	Category             Category     `json:"category"`
	Confidence           float64      `json:"confidence"`
	Evidence             []string     `json:"evidence"`
	DistinguishingChecks []string     `json:"distinguishing_checks"`
	RPMBand              *valley.Band `json:"rpm_band,omitempty"`
	MAPBand              *valley.Band `json:"map_band,omitempty"`
}

// Result is the assembled cause tree: hypotheses sorted by confidence
// descending with id as the tie-break, plus a derived summary sentence.
type Result struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
	Summary    string       `json:"summary"`
}

// HeatSoakEvent is a soak interval reported by the sealed upstream engine.
type HeatSoakEvent struct {
	StartS    float64 `json:"start_s"`
	EndS      float64 `json:"end_s"`
	PeakTempC float64 `json:"peak_temp_c"`
}

// SealedOutputs carries optional results from the sealed correction
// engine. Nil or empty fields keep the dependent rules from firing.
type SealedOutputs struct {
	TransientFuelPeakPct *float64        `json:"transient_fuel_peak_pct,omitempty"`
	HeatSoakEvents       []HeatSoakEvent `json:"heat_soak_events,omitempty"`
}

// Inputs is everything the rule set may inspect.
type Inputs struct {
	ModeCounts map[telemetry.ModeTag]int
	Surfaces   map[string]*surface.Surface2D
	Valleys    []valley.Finding
	Sealed     *SealedOutputs
}

type rule func(Inputs) *Hypothesis

// rules run in this order; ordering only matters for reproducibility since
// every rule is independent and the result is re-sorted by confidence.
var rules = []rule{
	ruleKnockLimitedTiming,
	ruleLoadSignalFault,
	ruleValleyWithoutKnockChannel,
	ruleTransientFuelError,
	ruleHeatSoakTrim,
	ruleCylinderFuelBalance,
	ruleGlobalFuelBias,
	ruleInsufficientCoverage,
}

// Build runs every rule and assembles the ranked result. It never fails:
// missing surfaces or findings just mean fewer hypotheses.
func Build(in Inputs) Result {
	var hs []Hypothesis
	for _, r := range rules {
		if h := r(in); h != nil {
			hs = append(hs, *h)
		}
	}
	sort.SliceStable(hs, func(a, b int) bool {
		if hs[a].Confidence != hs[b].Confidence {
			return hs[a].Confidence > hs[b].Confidence
		}
		return hs[a].ID < hs[b].ID
	})

	res := Result{Hypotheses: hs}
	if len(hs) == 0 {
		res.Summary = "no hypotheses generated"
	} else {
		top := hs[0]
		res.Summary = fmt.Sprintf("top hypothesis: %s (%s, confidence %.2f)", top.Title, top.Category, top.Confidence)
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// bestValley picks the highest-confidence finding, first wins on ties so
// the front/rear/global detection order is preserved.
func bestValley(vs []valley.Finding) *valley.Finding {
	if len(vs) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(vs); i++ {
		if vs[i].Confidence > vs[best].Confidence {
			best = i
		}
	}
	return &vs[best]
}

// maxInRPMBand scans non-null cells in rows whose RPM center falls inside
// the band.
func maxInRPMBand(s *surface.Surface2D, band valley.Band) (float64, bool) {
	max, found := 0.0, false
	for i, rpm := range s.RPMCenters {
		if rpm < band.Low || rpm > band.High {
			continue
		}
		for _, v := range s.Values[i] {
			if v == nil {
				continue
			}
			if !found || *v > max {
				max = *v
				found = true
			}
		}
	}
	return max, found
}

func valleyEvidence(vs []valley.Finding) []string {
	ev := make([]string, 0, len(vs))
	for _, f := range vs {
		ev = append(ev, fmt.Sprintf("%s cylinder timing dips %.1f deg at %g rpm (band %g-%g rpm)", f.Cylinder, f.DepthDeg, f.RPMCenter, f.RPMBand.Low, f.RPMBand.High))
	}
	return ev
}

func totalSamples(counts map[telemetry.ModeTag]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

// afrErrorMeanSurfaces in the fixed front/rear/global scan order.
var afrErrorMeanSurfaces = []string{
	surface.NameAFRErrorFront,
	surface.NameAFRErrorRear,
	surface.NameAFRErrorGlobal,
}

// knockSurfacesFor returns the knock-retard surfaces that can speak for a
// valley on the given cylinder: the matching bank surface, or whichever
// banks are present for a global valley.
func knockSurfacesFor(in Inputs, cylinder string) []*surface.Surface2D {
	var names []string
	switch cylinder {
	case "front":
		names = []string{surface.NameKnockFront}
	case "rear":
		names = []string{surface.NameKnockRear}
	default:
		names = []string{surface.NameKnockFront, surface.NameKnockRear}
	}
	var out []*surface.Surface2D
	for _, n := range names {
		if s, ok := in.Surfaces[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

func ruleKnockLimitedTiming(in Inputs) *Hypothesis {
	v := bestValley(in.Valleys)
	if v == nil {
		return nil
	}
	knocks := knockSurfacesFor(in, v.Cylinder)
	if len(knocks) == 0 {
		return nil
	}
	knockNear, knockName, found := 0.0, "", false
	for _, s := range knocks {
		if m, ok := maxInRPMBand(s, v.RPMBand); ok && (!found || m > knockNear) {
			knockNear, knockName, found = m, s.Name, true
		}
	}
	if !found || knockNear <= 0 {
		return nil
	}

	conf := clamp01(0.4 + 0.4*v.Confidence + 0.2*math.Min(knockNear/knockFullScaleDeg, 1))
	ev := valleyEvidence(in.Valleys)
	ev = append(ev, fmt.Sprintf("%s max %.1f deg inside the valley band", knockName, knockNear))
	return &Hypothesis{
		ID:         "knock_limited_timing",
		Title:      "spark table held down by active knock feedback",
		Category:   CategoryKnockLimit,
		Confidence: conf,
		Evidence:   ev,
		DistinguishingChecks: []string{
			"log per-cylinder knock counts across the valley rpm band",
			"repeat the pull on higher-octane fuel and compare valley depth",
		},
		RPMBand: &v.RPMBand,
		MAPBand: &v.MAPBandUsed,
	}
}

func ruleLoadSignalFault(in Inputs) *Hypothesis {
	v := bestValley(in.Valleys)
	if v == nil {
		return nil
	}
	knocks := knockSurfacesFor(in, v.Cylinder)
	if len(knocks) == 0 {
		return nil
	}
	for _, s := range knocks {
		if m, ok := maxInRPMBand(s, v.RPMBand); ok && m > 0 {
			return nil
		}
	}

	conf := clamp01(0.3 + 0.5*v.Confidence)
	ev := valleyEvidence(in.Valleys)
	ev = append(ev, "knock monitored but quiet inside the valley band")
	return &Hypothesis{
		ID:         "load_signal_fault",
		Title:      "timing dip without knock suggests a misreporting load signal",
		Category:   CategoryLoadSignal,
		Confidence: conf,
		Evidence:   ev,
		DistinguishingChecks: []string{
			"cross-plot map_kpa against tps through the valley rpm band",
			"verify map sensor calibration at high load",
		},
		RPMBand: &v.RPMBand,
		MAPBand: &v.MAPBandUsed,
	}
}

func ruleValleyWithoutKnockChannel(in Inputs) *Hypothesis {
	v := bestValley(in.Valleys)
	if v == nil {
		return nil
	}
	if len(knockSurfacesFor(in, v.Cylinder)) > 0 {
		return nil
	}

	conf := clamp01(0.2 + 0.5*v.Confidence)
	ev := valleyEvidence(in.Valleys)
	ev = append(ev, fmt.Sprintf("no knock surface covers the %s cylinder to separate knock limit from load-signal fault", v.Cylinder))
	return &Hypothesis{
		ID:         "valley_without_knock_channel",
		Title:      "timing valley found but knock data is missing",
		Category:   CategoryDataQuality,
		Confidence: conf,
		Evidence:   ev,
		DistinguishingChecks: []string{
			"enable knock logging and repeat the same pull",
		},
		RPMBand: &v.RPMBand,
		MAPBand: &v.MAPBandUsed,
	}
}

func ruleTransientFuelError(in Inputs) *Hypothesis {
	if in.ModeCounts[telemetry.ModeTipIn] < transientMinTipIns {
		return nil
	}
	worstP95, worstName := 0.0, ""
	for _, name := range afrErrorMeanSurfaces {
		s, ok := in.Surfaces[name]
		if !ok || s.Summary.NonNullCells == 0 {
			continue
		}
		if s.Summary.P95 > worstP95 {
			worstP95, worstName = s.Summary.P95, name
		}
	}
	if worstP95 < afrErrTransientMin {
		return nil
	}

	bonus := 0.0
	ev := []string{
		fmt.Sprintf("%d tip-in samples in this run", in.ModeCounts[telemetry.ModeTipIn]),
		fmt.Sprintf("%s p95 error %+.3f (lean spikes)", worstName, worstP95),
	}
	if in.Sealed != nil && in.Sealed.TransientFuelPeakPct != nil {
		bonus = 0.1
		ev = append(ev, fmt.Sprintf("transient fuel module reports %.1f%% peak correction", *in.Sealed.TransientFuelPeakPct))
	}
	return &Hypothesis{
		ID:         "transient_fuel_error",
		Title:      "accel enrichment too small for observed tip-in lean spikes",
		Category:   CategoryTransient,
		Confidence: clamp01(0.3 + 4*worstP95 + bonus),
		Evidence:   ev,
		DistinguishingChecks: []string{
			"log afr against tps rate through repeated tip-in events",
			"raise accel enrichment one step and compare the p95 error",
		},
	}
}

func ruleHeatSoakTrim(in Inputs) *Hypothesis {
	soak := in.ModeCounts[telemetry.ModeHeatSoak]
	events := 0
	if in.Sealed != nil {
		events = len(in.Sealed.HeatSoakEvents)
	}
	if soak == 0 && events == 0 {
		return nil
	}

	frac := 0.0
	if total := totalSamples(in.ModeCounts); total > 0 {
		frac = float64(soak) / float64(total)
	}
	bonus := 0.0
	ev := []string{fmt.Sprintf("%d samples labeled heat_soak", soak)}
	if events > 0 {
		bonus = 0.15
		ev = append(ev, fmt.Sprintf("%d heat-soak events reported by the sealed engine", events))
	}
	return &Hypothesis{
		ID:         "heat_soak_timing_trim",
		Title:      "heat soak is trimming timing and skewing corrections",
		Category:   CategoryTempTrim,
		Confidence: clamp01(0.3 + 2*frac + bonus),
		Evidence:   ev,
		DistinguishingChecks: []string{
			"repeat the run after a full cool-down and compare surfaces",
			"log iat at the airbox and at the throttle body",
		},
	}
}

func ruleCylinderFuelBalance(in Inputs) *Hypothesis {
	front, okF := in.Surfaces[surface.NameAFRErrorFront]
	rear, okR := in.Surfaces[surface.NameAFRErrorRear]
	if !okF || !okR || front.Summary.NonNullCells == 0 || rear.Summary.NonNullCells == 0 {
		return nil
	}
	delta := math.Abs(rear.Summary.Mean - front.Summary.Mean)
	if delta < cylinderDeltaMin {
		return nil
	}

	return &Hypothesis{
		ID:         "rear_cylinder_fuel_bias",
		Title:      "front and rear cylinders disagree on fueling error",
		Category:   CategoryFuelModel,
		Confidence: clamp01(0.35 + 8*delta),
		Evidence: []string{
			fmt.Sprintf("front mean error %+.3f, rear mean error %+.3f", front.Summary.Mean, rear.Summary.Mean),
		},
		DistinguishingChecks: []string{
			"swap front and rear lambda sensors and rerun",
			"verify rear injector flow against spec",
		},
	}
}

func ruleGlobalFuelBias(in Inputs) *Hypothesis {
	worst, worstName := 0.0, ""
	for _, name := range afrErrorMeanSurfaces {
		s, ok := in.Surfaces[name]
		if !ok || s.Summary.NonNullCells == 0 {
			continue
		}
		if m := math.Abs(s.Summary.Mean); m > worst {
			worst, worstName = m, name
		}
	}
	if worst < afrErrBiasMin {
		return nil
	}

	return &Hypothesis{
		ID:         "global_fuel_model_bias",
		Title:      "fuel model runs a sustained bias across the envelope",
		Category:   CategoryFuelModel,
		Confidence: clamp01(0.3 + 6*worst),
		Evidence: []string{
			fmt.Sprintf("%s mean error magnitude %.3f", worstName, worst),
		},
		DistinguishingChecks: []string{
			"verify the commanded afr table matches the intended tune",
			"check fuel pressure under sustained load",
		},
	}
}

func ruleInsufficientCoverage(in Inputs) *Hypothesis {
	cov, ok := in.Surfaces[surface.NameCoverage]
	if !ok {
		return nil
	}
	pct := cov.Summary.CoveragePct
	if pct >= coverageFloor {
		return nil
	}

	return &Hypothesis{
		ID:         "insufficient_coverage",
		Title:      "too little of the operating envelope was sampled to trust surface conclusions",
		Category:   CategoryDataQuality,
		Confidence: clamp01(0.9 - pct),
		Evidence: []string{
			fmt.Sprintf("coverage %.0f%% (%d non-null cells, %d samples)", pct*100, cov.Summary.NonNullCells, cov.Summary.TotalSamples),
		},
		DistinguishingChecks: []string{
			"run the planned coverage tests before acting on surface values",
		},
	}
}
