package monitor

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/dynoai/dynoai/internal/analysis/payload"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/security"
)

// surfacePaletteColors is the number of discrete heat colors per PNG.
const surfacePaletteColors = 12

// surfaceGrid adapts a Surface2D to gonum's heatmap data interface.
// Columns are RPM bins, rows are MAP bins; null cells surface as NaN,
// which the heatmap leaves blank.
type surfaceGrid struct {
	s *surface.Surface2D
}

func (g surfaceGrid) Dims() (c, r int) { return len(g.s.RPMCenters), len(g.s.MAPCenters) }
func (g surfaceGrid) X(c int) float64  { return g.s.RPMCenters[c] }
func (g surfaceGrid) Y(r int) float64  { return g.s.MAPCenters[r] }

func (g surfaceGrid) Z(c, r int) float64 {
	v := g.s.Values[c][r]
	if v == nil {
		return math.NaN()
	}
	return *v
}

// Min and Max set the heatmap's dynamic range from the surface summary,
// so NewHeatMap never scans the NaN cells.
func (g surfaceGrid) Min() float64 { return g.s.Summary.Min }
func (g surfaceGrid) Max() float64 { return g.s.Summary.Max }

// PlotSurface renders one surface as a PNG heatmap at path. Surfaces with
// no aggregated cells have nothing to draw and return an error.
func PlotSurface(s *surface.Surface2D, path string) error {
	if s.Summary.NonNullCells == 0 {
		return fmt.Errorf("surface %s has no plottable cells", s.Name)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%s)", s.Name, s.Aggregation)
	p.X.Label.Text = "RPM"
	p.Y.Label.Text = "MAP (kPa)"

	hm := plotter.NewHeatMap(surfaceGrid{s}, palette.Heat(surfacePaletteColors, 1))
	if hm.Max <= hm.Min {
		// Flat surfaces still need a nonzero color range.
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save surface plot: %w", err)
	}
	return nil
}

// PlotSparkBand renders spark advance against RPM along the MAP row nearest
// mapKPa, overlaying the floor of each valley finding across its RPM band.
func PlotSparkBand(s *surface.Surface2D, mapKPa float64, findings []valley.Finding, path string) error {
	mi := 0
	for i, c := range s.MAPCenters {
		if math.Abs(c-mapKPa) < math.Abs(s.MAPCenters[mi]-mapKPa) {
			mi = i
		}
	}

	pts := make(plotter.XYs, 0, len(s.RPMCenters))
	for ri, c := range s.RPMCenters {
		if v := s.Values[ri][mi]; v != nil {
			pts = append(pts, plotter.XY{X: c, Y: *v})
		}
	}
	if len(pts) < 2 {
		return fmt.Errorf("surface %s has fewer than 2 cells at %.0f kPa", s.Name, s.MAPCenters[mi])
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s at %.0f kPa", s.Name, s.MAPCenters[mi])
	p.X.Label.Text = "RPM"
	p.Y.Label.Text = "Spark (deg)"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("spark", line)

	colors := generateColors(len(findings))
	for i, f := range findings {
		floor := plotter.XYs{
			{X: f.RPMBand.Low, Y: f.ValleyMinDeg},
			{X: f.RPMBand.High, Y: f.ValleyMinDeg},
		}
		fl, err := plotter.NewLine(floor)
		if err != nil {
			return err
		}
		fl.Color = colors[i]
		fl.Width = vg.Points(2)
		p.Add(fl)
		p.Legend.Add(fmt.Sprintf("valley %.0f-%.0f", f.RPMBand.Low, f.RPMBand.High), fl)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save spark band plot: %w", err)
	}
	return nil
}

// PlotPayloadSurfaces renders every populated surface in the payload as a
// PNG under outputDir. Surfaces with no aggregated cells are skipped.
// Surface names come from the payload file, so they are sanitized before
// becoming file names. Returns the number of files written.
func PlotPayloadSurfaces(p *payload.Payload, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	names := make([]string, 0, len(p.Surfaces))
	for name := range p.Surfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	count := 0
	for _, name := range names {
		s := p.Surfaces[name]
		if s.Summary.NonNullCells == 0 {
			continue
		}
		file := security.SanitizeFilename(name) + ".png"
		if err := PlotSurface(s, filepath.Join(outputDir, file)); err != nil {
			return count, fmt.Errorf("surface %s: %w", name, err)
		}
		count++
	}
	return count, nil
}

// generateColors creates a palette of distinct colors for overlay lines
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir produces a timestamped output directory under baseDir,
// grouped by run: plots/<run_id>/<timestamp>, or plots/adhoc_<timestamp>
// when no run is named. The run ID is sanitized since it may come from a
// foreign payload file.
func MakePlotOutputDir(baseDir, runID string) string {
	ts := FormatTimestamp(time.Now())
	if runID != "" {
		return filepath.Join(baseDir, security.SanitizeFilename(runID), ts)
	}
	return filepath.Join(baseDir, "adhoc_"+ts)
}
