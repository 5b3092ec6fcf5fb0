package monitor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynoai/dynoai/internal/analysis/payload"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func requirePNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, pngMagic), "%s is not a PNG", path)
}

func TestPlotSurfaceWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spark.png")
	require.NoError(t, PlotSurface(testSurface("spark_advance_global"), path))
	requirePNG(t, path)
}

func TestPlotSurfaceFlat(t *testing.T) {
	s := testSurface("coverage")
	one := 1.0
	for ri := range s.Values {
		for mi := range s.Values[ri] {
			s.Values[ri][mi] = &one
		}
	}
	s.Summary.Min, s.Summary.Max = 1, 1
	s.Summary.NonNullCells = 6

	path := filepath.Join(t.TempDir(), "coverage.png")
	require.NoError(t, PlotSurface(s, path))
	requirePNG(t, path)
}

func TestPlotSurfaceEmpty(t *testing.T) {
	s := testSurface("knock_retard_front")
	for ri := range s.Values {
		for mi := range s.Values[ri] {
			s.Values[ri][mi] = nil
		}
	}
	s.Summary = surface.Summary{}

	err := PlotSurface(s, filepath.Join(t.TempDir(), "knock.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plottable cells")
}

func TestPlotSparkBand(t *testing.T) {
	findings := []valley.Finding{{
		Cylinder:     "global",
		RPMCenter:    3000,
		RPMBand:      valley.Band{Low: 2500, High: 3500},
		ValleyMinDeg: 15,
		DepthDeg:     6.5,
	}}

	path := filepath.Join(t.TempDir(), "spark_valley.png")
	err := PlotSparkBand(testSurface("spark_advance_global"), 85, findings, path)
	require.NoError(t, err)
	requirePNG(t, path)
}

func TestPlotSparkBandTooSparse(t *testing.T) {
	s := testSurface("spark_advance_global")
	// Leave a single cell on the high-MAP row.
	s.Values[0][1] = nil
	s.Values[1][1] = nil

	err := PlotSparkBand(s, 90, nil, filepath.Join(t.TempDir(), "sparse.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fewer than 2 cells")
}

func TestPlotPayloadSurfaces(t *testing.T) {
	empty := testSurface("knock_retard_front")
	for ri := range empty.Values {
		for mi := range empty.Values[ri] {
			empty.Values[ri][mi] = nil
		}
	}
	empty.Summary = surface.Summary{}

	p := &payload.Payload{
		RunID: "run-3",
		Surfaces: map[string]*surface.Surface2D{
			"spark_advance_front": testSurface("spark_advance_front"),
			"afr_error_front":     testSurface("afr_error_front"),
			"knock_retard_front":  empty,
		},
	}

	dir := t.TempDir()
	count, err := PlotPayloadSurfaces(p, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	requirePNG(t, filepath.Join(dir, "spark_advance_front.png"))
	requirePNG(t, filepath.Join(dir, "afr_error_front.png"))
	_, statErr := os.Stat(filepath.Join(dir, "knock_retard_front.png"))
	assert.True(t, os.IsNotExist(statErr), "empty surface should not produce a file")
}

func TestGenerateColors(t *testing.T) {
	assert.Nil(t, generateColors(0))

	colors := generateColors(5)
	require.Len(t, colors, 5)
	seen := make(map[[4]uint32]bool)
	for _, c := range colors {
		r, g, b, a := c.RGBA()
		seen[[4]uint32{r, g, b, a}] = true
	}
	assert.Len(t, seen, 5, "colors should be distinct")
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 7, 17, 31, 29, 0, time.UTC)
	assert.Equal(t, "20260107_173129", FormatTimestamp(ts))
}

func TestMakePlotOutputDir(t *testing.T) {
	withRun := MakePlotOutputDir("plots", "run-9")
	assert.True(t, strings.HasPrefix(withRun, filepath.Join("plots", "run-9")+string(filepath.Separator)), "got %s", withRun)

	adhoc := MakePlotOutputDir("plots", "")
	assert.Contains(t, adhoc, "adhoc_")
}
