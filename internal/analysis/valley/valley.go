// Package valley detects localized spark-timing dips versus RPM at high
// load. A valley is a bracketed interior minimum in the smoothed
// timing-vs-RPM curve, the signature of a cell pulled down by knock
// feedback or a load-signal fault.
package valley

import (
	"fmt"

	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/telemetry"
)

// maxUsedColumns caps how many of the highest-MAP columns feed the
// smoothed curve.
const maxUsedColumns = 3

// minUsableRows is the floor below which no finding is ever emitted.
const minUsableRows = 3

// globalConfidenceScale discounts findings from the mixed-cylinder global
// surface, which blends front and rear banks and can mask or smear a dip.
const globalConfidenceScale = 0.8

// Band is an inclusive low/high span along one axis.
type Band struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Finding describes one detected valley. At most one per cylinder per run;
// no valley means no entry, never a zero-confidence entry.
type Finding struct {
	Cylinder      string   `json:"cylinder"`
	RPMCenter     float64  `json:"rpm_center"`
	RPMBand       Band     `json:"rpm_band"`
	DepthDeg      float64  `json:"depth_deg"`
	ValleyMinDeg  float64  `json:"valley_min_deg"`
	PreValleyDeg  float64  `json:"pre_valley_deg"`
	PostValleyDeg float64  `json:"post_valley_deg"`
	MAPBandUsed   Band     `json:"map_band_used"`
	Confidence    float64  `json:"confidence"`
	Evidence      []string `json:"evidence"`
}

// Params carries the detector thresholds. Zero values are treated as
// missing configuration.
type Params struct {
	HighMAPMinKPA         float64 `json:"high_map_min_kpa"`
	MinMeaningfulDepthDeg float64 `json:"valley_min_meaningful_depth_deg"`
}

// Detector scans spark surfaces for valleys with a fixed parameter set.
type Detector struct {
	p Params
}

func NewDetector(p Params) (*Detector, error) {
	if p.HighMAPMinKPA <= 0 {
		return nil, telemetry.Configurationf("valley threshold high_map_min_kpa is missing")
	}
	if p.MinMeaningfulDepthDeg <= 0 {
		return nil, telemetry.Configurationf("valley threshold valley_min_meaningful_depth_deg is missing")
	}
	return &Detector{p: p}, nil
}

// DetectAll runs detection over every spark surface present, in the fixed
// front/rear/global order. Missing surfaces are skipped; a cylinder with
// no valley contributes nothing.
func (d *Detector) DetectAll(surfaces map[string]*surface.Surface2D) ([]Finding, []string) {
	var findings []Finding
	var warnings []string
	for _, sn := range surface.SparkSurfaceNames {
		s, ok := surfaces[sn.Surface]
		if !ok {
			continue
		}
		f, w := d.Detect(s, sn.Cylinder)
		warnings = append(warnings, w...)
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, warnings
}

// Detect scans one spark surface. It returns nil when no bracketed valley
// exists or when the surface cannot support a trustworthy curve; only
// data-availability problems produce warnings, a genuinely flat curve is a
// silent non-finding.
func (d *Detector) Detect(s *surface.Surface2D, cylinder string) (*Finding, []string) {
	var warnings []string

	var cols []int
	for j, c := range s.MAPCenters {
		if c >= d.p.HighMAPMinKPA {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		warnings = append(warnings, fmt.Sprintf("spark valley %s: no map bins at or above %g kPa", cylinder, d.p.HighMAPMinKPA))
		return nil, warnings
	}
	if len(cols) > maxUsedColumns {
		cols = cols[len(cols)-maxUsedColumns:]
	}
	mapBand := Band{Low: s.MAPCenters[cols[0]], High: s.MAPCenters[cols[len(cols)-1]]}

	// Smooth each RPM row to one value by averaging its non-null
	// high-MAP cells. Rows with no contributing cell drop out of the
	// curve but still count against confidence.
	var curveRPM, curveVal []float64
	var curveCells []int
	for i, rpm := range s.RPMCenters {
		sum, n := 0.0, 0
		for _, j := range cols {
			if v := s.Values[i][j]; v != nil {
				sum += *v
				n++
			}
		}
		if n == 0 {
			continue
		}
		curveRPM = append(curveRPM, rpm)
		curveVal = append(curveVal, sum/float64(n))
		curveCells = append(curveCells, n)
	}

	if len(curveVal) < minUsableRows {
		warnings = append(warnings, fmt.Sprintf("spark valley %s: only %d usable rpm rows of %d, need %d", cylinder, len(curveVal), len(s.RPMCenters), minUsableRows))
		return nil, warnings
	}

	// Global minimum, first occurrence. It must be bracketed by strictly
	// higher values on both sides; a monotonic edge is not a valley.
	minIdx := 0
	for i, v := range curveVal {
		if v < curveVal[minIdx] {
			minIdx = i
		}
	}
	minVal := curveVal[minIdx]

	pre, hasPre := 0.0, false
	for i := 0; i < minIdx; i++ {
		if curveVal[i] > minVal && (!hasPre || curveVal[i] > pre) {
			pre = curveVal[i]
			hasPre = true
		}
	}
	post, hasPost := 0.0, false
	for i := minIdx + 1; i < len(curveVal); i++ {
		if curveVal[i] > minVal {
			post = curveVal[i]
			hasPost = true
			break
		}
	}
	if !hasPre || !hasPost {
		return nil, warnings
	}

	// Depth measures the dip against the pre-valley peak and the first
	// recovery value after the minimum.
	depth := (pre+post)/2 - minVal

	// The band spans contiguous rows whose timing stays within half the
	// depth of the minimum.
	half := depth / 2
	lo, hi := minIdx, minIdx
	for lo > 0 && curveVal[lo-1] <= minVal+half {
		lo--
	}
	for hi < len(curveVal)-1 && curveVal[hi+1] <= minVal+half {
		hi++
	}

	usableFrac := float64(len(curveVal)) / float64(len(s.RPMCenters))
	depthScale := depth / d.p.MinMeaningfulDepthDeg
	if depthScale > 1 {
		depthScale = 1
	}
	confidence := usableFrac * depthScale
	if cylinder == "global" {
		confidence *= globalConfidenceScale
	}

	evidence := make([]string, 0, len(curveVal)+1)
	evidence = append(evidence, fmt.Sprintf("map band %g-%g kPa over %d columns", mapBand.Low, mapBand.High, len(cols)))
	for i := range curveVal {
		evidence = append(evidence, fmt.Sprintf("rpm %g: %g deg from %d cells", curveRPM[i], curveVal[i], curveCells[i]))
	}

	return &Finding{
		Cylinder:      cylinder,
		RPMCenter:     curveRPM[minIdx],
		RPMBand:       Band{Low: curveRPM[lo], High: curveRPM[hi]},
		DepthDeg:      depth,
		ValleyMinDeg:  minVal,
		PreValleyDeg:  pre,
		PostValleyDeg: post,
		MAPBandUsed:   mapBand,
		Confidence:    confidence,
		Evidence:      evidence,
	}, warnings
}
