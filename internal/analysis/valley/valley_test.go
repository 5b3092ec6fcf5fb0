package valley

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/telemetry"
)

func ptr(v float64) *float64 { return &v }

// columnSurface builds a spark surface with two MAP columns, 40 kPa (never
// selected) and 90 kPa, so each RPM row's curve value is the 90 kPa cell.
func columnSurface(name string, rpm []float64, high []*float64) *surface.Surface2D {
	s := &surface.Surface2D{
		Name:       name,
		RPMCenters: rpm,
		MAPCenters: []float64{40, 90},
	}
	for i := range rpm {
		s.Values = append(s.Values, []*float64{nil, high[i]})
	}
	return s
}

func mustDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(Params{HighMAPMinKPA: 80, MinMeaningfulDepthDeg: 3})
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func TestNewDetectorValidation(t *testing.T) {
	var cfgErr *telemetry.ConfigurationError
	if _, err := NewDetector(Params{MinMeaningfulDepthDeg: 3}); !errors.As(err, &cfgErr) {
		t.Errorf("missing high_map_min_kpa: got %v, want ConfigurationError", err)
	}
	if _, err := NewDetector(Params{HighMAPMinKPA: 80}); !errors.As(err, &cfgErr) {
		t.Errorf("missing depth threshold: got %v, want ConfigurationError", err)
	}
}

func TestDetectBracketedValley(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500, 4000, 4500, 5000, 5500}
	vals := []*float64{ptr(22), ptr(24), ptr(23), ptr(18), ptr(15), ptr(19), ptr(23), ptr(25)}
	s := columnSurface(surface.NameSparkFront, rpm, vals)

	f, warnings := mustDetector(t).Detect(s, "front")
	if f == nil {
		t.Fatal("expected a finding")
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	if f.Cylinder != "front" {
		t.Errorf("cylinder = %q, want front", f.Cylinder)
	}
	if f.ValleyMinDeg != 15 {
		t.Errorf("valley min = %g, want 15", f.ValleyMinDeg)
	}
	if f.RPMCenter != 4000 {
		t.Errorf("rpm center = %g, want 4000", f.RPMCenter)
	}
	// Pre-valley peak is 24, first recovery after the minimum is 19:
	// depth = (24+19)/2 - 15 = 6.5.
	if f.PreValleyDeg != 24 {
		t.Errorf("pre-valley = %g, want 24", f.PreValleyDeg)
	}
	if f.PostValleyDeg != 19 {
		t.Errorf("post-valley = %g, want 19", f.PostValleyDeg)
	}
	if f.DepthDeg != 6.5 {
		t.Errorf("depth = %g, want 6.5", f.DepthDeg)
	}
	// Within depth/2 = 3.25 of the minimum: the 18 at 3500 qualifies,
	// the 19 at 4500 does not.
	if f.RPMBand.Low != 3500 || f.RPMBand.High != 4000 {
		t.Errorf("rpm band = %g-%g, want 3500-4000", f.RPMBand.Low, f.RPMBand.High)
	}
	if f.RPMBand.Low > f.RPMCenter || f.RPMCenter > f.RPMBand.High {
		t.Error("rpm band must bracket the minimum")
	}
	if f.MAPBandUsed.Low != 90 || f.MAPBandUsed.High != 90 {
		t.Errorf("map band = %g-%g, want 90-90", f.MAPBandUsed.Low, f.MAPBandUsed.High)
	}
	// All 8 rows usable, depth 6.5 over the 3.0 floor: confidence 1.0.
	if f.Confidence != 1 {
		t.Errorf("confidence = %g, want 1", f.Confidence)
	}
	if len(f.Evidence) != 9 { // map-band line plus one line per usable row
		t.Errorf("evidence lines = %d, want 9", len(f.Evidence))
	}
}

func TestDetectValleyInvariants(t *testing.T) {
	curves := [][]*float64{
		{ptr(22), ptr(24), ptr(23), ptr(18), ptr(15), ptr(19), ptr(23), ptr(25)},
		{ptr(30), ptr(25), ptr(29), ptr(31), ptr(30), ptr(30), ptr(32), ptr(31)},
		{ptr(20), ptr(21), ptr(19), ptr(21), ptr(20), ptr(22), ptr(21), ptr(23)},
	}
	rpm := []float64{2000, 2500, 3000, 3500, 4000, 4500, 5000, 5500}
	d := mustDetector(t)

	for i, vals := range curves {
		f, _ := d.Detect(columnSurface(surface.NameSparkFront, rpm, vals), "front")
		if f == nil {
			t.Fatalf("curve %d: expected a finding", i)
		}
		if f.DepthDeg <= 0 {
			t.Errorf("curve %d: depth %g not positive", i, f.DepthDeg)
		}
		if f.ValleyMinDeg > f.PreValleyDeg || f.ValleyMinDeg > f.PostValleyDeg {
			t.Errorf("curve %d: valley min %g above shoulders %g/%g", i, f.ValleyMinDeg, f.PreValleyDeg, f.PostValleyDeg)
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			t.Errorf("curve %d: confidence %g outside [0,1]", i, f.Confidence)
		}
	}
}

func TestDetectMonotonicEdgeIsNotValley(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500}
	d := mustDetector(t)

	descending := []*float64{ptr(30), ptr(28), ptr(26), ptr(24)}
	if f, _ := d.Detect(columnSurface(surface.NameSparkFront, rpm, descending), "front"); f != nil {
		t.Errorf("descending curve produced a finding: %+v", f)
	}

	ascending := []*float64{ptr(24), ptr(26), ptr(28), ptr(30)}
	if f, _ := d.Detect(columnSurface(surface.NameSparkFront, rpm, ascending), "front"); f != nil {
		t.Errorf("ascending curve produced a finding: %+v", f)
	}
}

func TestDetectFlatCurveIsSilent(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500}
	flat := []*float64{ptr(25), ptr(25), ptr(25), ptr(25)}
	f, warnings := mustDetector(t).Detect(columnSurface(surface.NameSparkFront, rpm, flat), "front")
	if f != nil {
		t.Errorf("flat curve produced a finding: %+v", f)
	}
	if len(warnings) != 0 {
		t.Errorf("flat curve is a legitimate non-finding, got warnings %v", warnings)
	}
}

func TestDetectRequiresThreeUsableRows(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500}
	vals := []*float64{ptr(24), ptr(15), nil, nil}
	f, warnings := mustDetector(t).Detect(columnSurface(surface.NameSparkFront, rpm, vals), "front")
	if f != nil {
		t.Errorf("2 usable rows produced a finding: %+v", f)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "usable rpm rows") {
		t.Errorf("warnings = %v, want one mentioning usable rpm rows", warnings)
	}
}

func TestDetectNoHighMAPColumns(t *testing.T) {
	s := &surface.Surface2D{
		Name:       surface.NameSparkFront,
		RPMCenters: []float64{2000, 3000, 4000},
		MAPCenters: []float64{30, 50, 70},
		Values: [][]*float64{
			{ptr(20), ptr(21), ptr(22)},
			{ptr(20), ptr(21), ptr(22)},
			{ptr(20), ptr(21), ptr(22)},
		},
	}
	f, warnings := mustDetector(t).Detect(s, "front")
	if f != nil {
		t.Errorf("no qualifying columns produced a finding: %+v", f)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "no map bins") {
		t.Errorf("warnings = %v, want one about missing map bins", warnings)
	}
}

func TestDetectSkipsNullRowsAndScalesConfidence(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500, 4000, 4500, 5000, 5500}
	// Two rows have no high-MAP data; the curve runs over the other six.
	vals := []*float64{ptr(22), nil, ptr(24), ptr(16), ptr(22), nil, ptr(23), ptr(24)}
	f, _ := mustDetector(t).Detect(columnSurface(surface.NameSparkFront, rpm, vals), "front")
	if f == nil {
		t.Fatal("expected a finding")
	}
	if f.ValleyMinDeg != 16 || f.RPMCenter != 3500 {
		t.Errorf("minimum = %g at %g rpm, want 16 at 3500", f.ValleyMinDeg, f.RPMCenter)
	}
	// Depth (24+22)/2 - 16 = 7 clamps the depth scale to 1, so
	// confidence is the usable-row fraction 6/8.
	if got, want := f.Confidence, 0.75; math.Abs(got-want) > 1e-12 {
		t.Errorf("confidence = %g, want %g", got, want)
	}
}

func TestDetectUsesLastThreeHighMAPColumns(t *testing.T) {
	// Four columns qualify; the 80 kPa one must be ignored, so the
	// poison values in it cannot flatten the valley.
	s := &surface.Surface2D{
		Name:       surface.NameSparkFront,
		RPMCenters: []float64{2000, 2500, 3000, 3500, 4000},
		MAPCenters: []float64{40, 80, 90, 100, 110},
	}
	curve := []float64{24, 25, 17, 24, 25}
	for i := range s.RPMCenters {
		v := curve[i]
		s.Values = append(s.Values, []*float64{nil, ptr(1000), ptr(v), ptr(v), ptr(v)})
	}

	f, _ := mustDetector(t).Detect(s, "front")
	if f == nil {
		t.Fatal("expected a finding")
	}
	if f.MAPBandUsed.Low != 90 || f.MAPBandUsed.High != 110 {
		t.Errorf("map band = %g-%g, want 90-110", f.MAPBandUsed.Low, f.MAPBandUsed.High)
	}
	if f.ValleyMinDeg != 17 {
		t.Errorf("valley min = %g, want 17 (poison column leaked in)", f.ValleyMinDeg)
	}
}

func TestDetectShallowValleyConfidence(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500, 4000}
	vals := []*float64{ptr(20), ptr(21), ptr(19), ptr(21), ptr(20)}
	f, _ := mustDetector(t).Detect(columnSurface(surface.NameSparkFront, rpm, vals), "front")
	if f == nil {
		t.Fatal("expected a finding")
	}
	// Depth (21+21)/2 - 19 = 2 against the 3.0 floor: scale 2/3 with
	// every row usable.
	if f.DepthDeg != 2 {
		t.Errorf("depth = %g, want 2", f.DepthDeg)
	}
	if got, want := f.Confidence, 2.0/3.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("confidence = %g, want %g", got, want)
	}
}

func TestDetectGlobalSurfaceConfidenceDiscounted(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500, 4000, 4500, 5000, 5500}
	vals := []*float64{ptr(22), ptr(24), ptr(23), ptr(18), ptr(15), ptr(19), ptr(23), ptr(25)}

	front, _ := mustDetector(t).Detect(columnSurface(surface.NameSparkFront, rpm, vals), "front")
	global, _ := mustDetector(t).Detect(columnSurface(surface.NameSparkGlobal, rpm, vals), "global")
	if front == nil || global == nil {
		t.Fatal("expected findings on both surfaces")
	}
	// Same curve, but the mixed-bank surface is discounted: 1.0 vs 0.8.
	if front.Confidence != 1 {
		t.Errorf("front confidence = %g, want 1", front.Confidence)
	}
	if math.Abs(global.Confidence-0.8) > 1e-12 {
		t.Errorf("global confidence = %g, want 0.8", global.Confidence)
	}
}

func TestDetectAllOrderAndSkips(t *testing.T) {
	rpm := []float64{2000, 2500, 3000, 3500, 4000}
	valleyVals := []*float64{ptr(24), ptr(25), ptr(16), ptr(24), ptr(25)}
	flatVals := []*float64{ptr(25), ptr(25), ptr(25), ptr(25), ptr(25)}

	surfaces := map[string]*surface.Surface2D{
		surface.NameSparkRear:   columnSurface(surface.NameSparkRear, rpm, valleyVals),
		surface.NameSparkGlobal: columnSurface(surface.NameSparkGlobal, rpm, flatVals),
	}
	findings, warnings := mustDetector(t).DetectAll(surfaces)
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Cylinder != "rear" {
		t.Errorf("cylinder = %q, want rear", findings[0].Cylinder)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}
