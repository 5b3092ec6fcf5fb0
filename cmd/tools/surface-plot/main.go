// Command surface-plot renders the surfaces of a saved analysis payload to
// PNG heatmaps, plus a spark band plot per cylinder that has valley findings.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/dynoai/dynoai/internal/analysis/payload"
	"github.com/dynoai/dynoai/internal/analysis/surface"
	"github.com/dynoai/dynoai/internal/analysis/valley"
	"github.com/dynoai/dynoai/internal/monitor"
)

func main() {
	in := flag.String("in", "", "Payload JSON file to render (required)")
	out := flag.String("out", "plots", "Base output directory")
	flag.Parse()

	if *in == "" {
		log.Fatalf("Usage: surface-plot -in payload.json [-out plots]")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		log.Fatalf("Failed to read payload: %v", err)
	}
	var p payload.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Fatalf("Failed to decode payload: %v", err)
	}

	dir := monitor.MakePlotOutputDir(*out, p.RunID)
	n, err := monitor.PlotPayloadSurfaces(&p, dir)
	if err != nil {
		log.Fatalf("Failed to render surfaces: %v", err)
	}
	log.Printf("✓ Rendered %d surface heatmaps to %s", n, dir)

	for _, bp := range valleyBandPlots(&p) {
		s, ok := p.Surfaces[bp.surface]
		if !ok {
			log.Printf("WARNING: findings for %s cylinder but no %s surface in payload", bp.cylinder, bp.surface)
			continue
		}
		file := filepath.Join(dir, "spark_valley_"+bp.cylinder+".png")
		if err := monitor.PlotSparkBand(s, bp.mapKPa, bp.findings, file); err != nil {
			log.Printf("WARNING: spark band plot for %s: %v", bp.cylinder, err)
			continue
		}
		log.Printf("✓ Rendered %s (%d findings at %.0f kPa)", file, len(bp.findings), bp.mapKPa)
	}
}

type bandPlot struct {
	cylinder string
	surface  string
	mapKPa   float64
	findings []valley.Finding
}

// valleyBandPlots groups the payload's findings by cylinder, in the same
// order the detector scans spark surfaces. The MAP row to plot comes from
// the first finding's band midpoint.
func valleyBandPlots(p *payload.Payload) []bandPlot {
	byCyl := make(map[string][]valley.Finding)
	for _, f := range p.SparkValley {
		byCyl[f.Cylinder] = append(byCyl[f.Cylinder], f)
	}

	var plots []bandPlot
	for _, m := range surface.SparkSurfaceNames {
		fs := byCyl[m.Cylinder]
		if len(fs) == 0 {
			continue
		}
		band := fs[0].MAPBandUsed
		plots = append(plots, bandPlot{
			cylinder: m.Cylinder,
			surface:  m.Surface,
			mapKPa:   (band.Low + band.High) / 2,
			findings: fs,
		})
	}
	return plots
}
