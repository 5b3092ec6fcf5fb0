// Package testutil provides shared fixtures for tests that exercise the
// ingest and analysis paths end to end.
package testutil

import (
	"fmt"
	"strings"
)

// WOTSweepCenters is the standard set of RPM centers for a synthetic
// wide-open-throttle sweep. Six centers spanning 3000-5500 RPM keep
// fixtures short while still covering several surface columns.
var WOTSweepCenters = []float64{3000, 3500, 4000, 4500, 5000, 5500}

// WOTSweepCSV renders a wide-open-throttle sweep in the canonical CSV
// layout, dwelling rowsPerCenter samples at 10 Hz on each RPM center so
// surface cells collect enough hits to seal. MAP holds at 95 kPa, TPS at
// 100%, AFR at 13.2 and spark at 25 degrees.
func WOTSweepCSV(centers []float64, rowsPerCenter int) string {
	var b strings.Builder
	b.WriteString("time_s,rpm,map_kpa,tps_pct,afr,spark_deg\n")
	row := 0
	for _, rpm := range centers {
		for i := 0; i < rowsPerCenter; i++ {
			fmt.Fprintf(&b, "%.1f,%.0f,95,100,13.2,25\n", float64(row)*0.1, rpm)
			row++
		}
	}
	return b.String()
}
