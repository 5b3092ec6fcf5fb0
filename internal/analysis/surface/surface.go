// Package surface builds 2-D aggregate grids over the RPM×MAP operating
// envelope from a labeled telemetry frame.
package surface

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/dynoai/dynoai/internal/telemetry"
)

// Aggregation selects how a cell's samples collapse to one value.
type Aggregation string

const (
	AggMean Aggregation = "mean"
	AggMax  Aggregation = "max"
	AggMin  Aggregation = "min"
	AggP95  Aggregation = "p95"
	// AggRate yields events per second of run duration; used for knock-rate
	// surfaces where the sample count is the signal.
	AggRate Aggregation = "rate"
)

// Weighting selects how cells weigh into the surface-level summary stats.
// It never changes per-cell aggregates and never changes which cells are
// null.
type Weighting string

const (
	WeightUniform Weighting = "uniform"
	// WeightLogarithmic down-weights over-represented cells (weight =
	// 1/log(1+count)) so sparse high-value cells are not drowned out.
	WeightLogarithmic Weighting = "logarithmic"
)

// Axis is a named, strictly ascending list of bin centers. Bin width is the
// gap between adjacent centers, extended half a gap at the edges.
type Axis struct {
	Name    string
	Centers []float64
}

// NewAxis validates the centers and returns an axis. At least two centers
// are required so edge half-widths are defined.
func NewAxis(name string, centers []float64) (Axis, error) {
	if len(centers) < 2 {
		return Axis{}, telemetry.Configurationf("axis %s needs at least 2 bin centers, got %d", name, len(centers))
	}
	for i := 1; i < len(centers); i++ {
		if centers[i] <= centers[i-1] {
			return Axis{}, telemetry.Configurationf("axis %s centers must be strictly ascending, got %g after %g", name, centers[i], centers[i-1])
		}
	}
	out := Axis{Name: name, Centers: make([]float64, len(centers))}
	copy(out.Centers, centers)
	return out, nil
}

// Bin returns the index of the center nearest to v, ties resolving to the
// lower index. The second return is false when v falls outside the
// half-gap-extended edges of the axis.
func (a Axis) Bin(v float64) (int, bool) {
	n := len(a.Centers)
	loEdge := a.Centers[0] - (a.Centers[1]-a.Centers[0])/2
	hiEdge := a.Centers[n-1] + (a.Centers[n-1]-a.Centers[n-2])/2
	if v < loEdge || v > hiEdge {
		return 0, false
	}
	i := sort.SearchFloat64s(a.Centers, v)
	if i == 0 {
		return 0, true
	}
	if i == n {
		return n - 1, true
	}
	if v-a.Centers[i-1] <= a.Centers[i]-v {
		return i - 1, true
	}
	return i, true
}

// ValueFunc computes the scalar a surface aggregates for one sample.
type ValueFunc func(telemetry.LabeledSample) float64

// FilterFunc reports whether a sample contributes to a surface.
type FilterFunc func(telemetry.LabeledSample) bool

// Spec describes one surface to build: what to measure, which samples
// count, and how cells collapse and weigh.
type Spec struct {
	Name     string
	Requires []telemetry.Channel
	// RequiresAny, when non-empty, demands at least one of the listed
	// channels on top of Requires. Used for surfaces that read whichever
	// of two bank channels the logger provides.
	RequiresAny       []telemetry.Channel
	Value             ValueFunc
	Filter            FilterFunc // nil accepts every sample
	Aggregation       Aggregation
	Weighting         Weighting
	MinSamplesPerCell int
}

// Available reports whether the channel inventory satisfies this surface
// spec's requirements. Callers skip unavailable specs and record a warning;
// this is a capability check, not a per-sample failure.
func (sp Spec) Available(cs telemetry.ChannelSet) bool {
	if !cs.HasAll(sp.Requires...) {
		return false
	}
	if len(sp.RequiresAny) == 0 {
		return true
	}
	for _, ch := range sp.RequiresAny {
		if cs.Has(ch) {
			return true
		}
	}
	return false
}

// Summary holds surface-level statistics over non-null cells. Mean, P05 and
// P95 respect the surface's weighting; Min and Max are unweighted extremes.
type Summary struct {
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	P05          float64 `json:"p05"`
	P95          float64 `json:"p95"`
	NonNullCells int     `json:"non_null_cells"`
	TotalSamples int     `json:"total_samples"`
	CoveragePct  float64 `json:"coverage_pct"`
}

// Surface2D is an immutable aggregate grid keyed by (rpm bin, map bin),
// with a parallel raw hit-count grid. A nil cell value means the cell's raw
// count fell below the minimum-sample threshold.
type Surface2D struct {
	Name              string       `json:"name"`
	RPMCenters        []float64    `json:"rpm_centers"`
	MAPCenters        []float64    `json:"map_centers"`
	Aggregation       Aggregation  `json:"aggregation"`
	Weighting         Weighting    `json:"weighting"`
	MinSamplesPerCell int          `json:"min_samples_per_cell"`
	Values            [][]*float64 `json:"values"`
	HitCount          [][]int      `json:"hit_count"`
	Summary           Summary      `json:"summary"`
}

// Cell returns the aggregate at (rpmIdx, mapIdx); nil when below threshold.
func (s *Surface2D) Cell(rpmIdx, mapIdx int) *float64 {
	return s.Values[rpmIdx][mapIdx]
}

// Build constructs the surface described by spec over the frame. Every
// sample passing the filter lands in the nearest cell; hit counts
// accumulate unconditionally, aggregates only for cells at or above the
// minimum sample count. The same frame and spec always produce an
// identical surface regardless of what else runs concurrently.
func Build(frame *telemetry.LabeledFrame, spec Spec, rpmAxis, mapAxis Axis) (*Surface2D, error) {
	if spec.Value == nil {
		return nil, telemetry.Configurationf("surface %s has no value function", spec.Name)
	}
	if spec.MinSamplesPerCell < 1 {
		return nil, telemetry.Configurationf("surface %s min_samples_per_cell must be at least 1, got %d", spec.Name, spec.MinSamplesPerCell)
	}
	switch spec.Aggregation {
	case AggMean, AggMax, AggMin, AggP95, AggRate:
	default:
		return nil, telemetry.Configurationf("surface %s has unknown aggregation %q", spec.Name, spec.Aggregation)
	}
	switch spec.Weighting {
	case WeightUniform, WeightLogarithmic:
	default:
		return nil, telemetry.Configurationf("surface %s has unknown weighting %q", spec.Name, spec.Weighting)
	}

	nRPM, nMAP := len(rpmAxis.Centers), len(mapAxis.Centers)
	cells := make([][][]float64, nRPM)
	hits := make([][]int, nRPM)
	for i := range cells {
		cells[i] = make([][]float64, nMAP)
		hits[i] = make([]int, nMAP)
	}

	total := 0
	for _, ls := range frame.Samples {
		if spec.Filter != nil && !spec.Filter(ls) {
			continue
		}
		ri, ok := rpmAxis.Bin(ls.RPM)
		if !ok {
			continue
		}
		mi, ok := mapAxis.Bin(ls.MAPkPa)
		if !ok {
			continue
		}
		hits[ri][mi]++
		total++
		if spec.Aggregation != AggRate {
			cells[ri][mi] = append(cells[ri][mi], spec.Value(ls))
		}
	}

	out := &Surface2D{
		Name:              spec.Name,
		RPMCenters:        rpmAxis.Centers,
		MAPCenters:        mapAxis.Centers,
		Aggregation:       spec.Aggregation,
		Weighting:         spec.Weighting,
		MinSamplesPerCell: spec.MinSamplesPerCell,
		Values:            make([][]*float64, nRPM),
		HitCount:          hits,
	}

	var aggVals []float64
	var aggWeights []float64
	for ri := 0; ri < nRPM; ri++ {
		out.Values[ri] = make([]*float64, nMAP)
		for mi := 0; mi < nMAP; mi++ {
			count := hits[ri][mi]
			if count < spec.MinSamplesPerCell {
				continue
			}
			v := aggregate(spec.Aggregation, cells[ri][mi], count, frame.Duration)
			out.Values[ri][mi] = &v

			aggVals = append(aggVals, v)
			if spec.Weighting == WeightLogarithmic {
				aggWeights = append(aggWeights, 1/math.Log(1+float64(count)))
			} else {
				aggWeights = append(aggWeights, 1)
			}
		}
	}

	out.Summary = summarize(aggVals, aggWeights, total, nRPM*nMAP)
	return out, nil
}

// aggregate collapses one cell's values. rate ignores the collected values
// and divides the hit count by the run duration.
func aggregate(agg Aggregation, vals []float64, count int, duration float64) float64 {
	switch agg {
	case AggRate:
		if duration <= 0 {
			return 0
		}
		return float64(count) / duration
	case AggMean:
		return stat.Mean(vals, nil)
	case AggMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case AggMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case AggP95:
		sorted := make([]float64, len(vals))
		copy(sorted, vals)
		sort.Float64s(sorted)
		return stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	return 0
}

// summarize computes the surface-level stats over non-null cell aggregates.
// Weights apply to mean and quantiles only.
func summarize(vals, weights []float64, totalSamples, totalCells int) Summary {
	s := Summary{
		NonNullCells: len(vals),
		TotalSamples: totalSamples,
	}
	if totalCells > 0 {
		s.CoveragePct = float64(len(vals)) / float64(totalCells)
	}
	if len(vals) == 0 {
		return s
	}

	s.Min, s.Max = vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = stat.Mean(vals, weights)

	// Quantiles need values sorted with weights carried along.
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })
	sortedVals := make([]float64, len(vals))
	sortedWeights := make([]float64, len(vals))
	for i, j := range idx {
		sortedVals[i] = vals[j]
		sortedWeights[i] = weights[j]
	}
	s.P05 = stat.Quantile(0.05, stat.Empirical, sortedVals, sortedWeights)
	s.P95 = stat.Quantile(0.95, stat.Empirical, sortedVals, sortedWeights)
	return s
}
