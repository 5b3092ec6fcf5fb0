package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/analysis/payload"
	"github.com/dynoai/dynoai/internal/analysis/surface"
)

// echartsAssetsPrefix hosts the echarts runtime for rendered debug pages.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridisColors is the color ramp for surface heatmaps, dark-to-bright so
// high cells stand out on the dark theme.
var viridisColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// PayloadSource resolves the cached analysis result for a run. Absence is
// (nil, false, nil), never an error.
type PayloadSource interface {
	Cached(ctx context.Context, runID string) (*analysis.CachedResult, bool, error)
}

// Debug serves the operator chart endpoints. It reads payloads through the
// same cache the API serves, so charts always show what clients saw.
type Debug struct {
	payloads PayloadSource
	stats    *CaptureStats
}

// NewDebug creates the debug chart server. Either dependency may be nil;
// the corresponding endpoints then report not-found.
func NewDebug(payloads PayloadSource, stats *CaptureStats) *Debug {
	return &Debug{payloads: payloads, stats: stats}
}

func (d *Debug) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AttachAdminRoutes mounts the chart endpoints under /debug/.
func (d *Debug) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("surface-charts", "interactive heatmaps of analysis surfaces", d.handleSurfaceCharts)
	debug.HandleFunc("capture-chart", "live capture counters chart", d.handleCaptureChart)
	debug.HandleSilentFunc("capture-stats", d.handleCaptureStats)
}

// handleSurfaceCharts renders every surface in a run's payload as an
// interactive heatmap. Query params:
//
//	run_id (required)
//	surface (optional, renders only the named surface)
func (d *Debug) handleSurfaceCharts(w http.ResponseWriter, r *http.Request) {
	if d.payloads == nil {
		d.writeJSONError(w, http.StatusNotFound, "no payload source configured")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		d.writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}

	res, ok, err := d.payloads.Cached(r.Context(), runID)
	if err != nil {
		d.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("load payload: %v", err))
		return
	}
	if !ok {
		d.writeJSONError(w, http.StatusNotFound, "no payload generated for run")
		return
	}

	var p payload.Payload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		d.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("decode payload: %v", err))
		return
	}

	only := r.URL.Query().Get("surface")
	names := make([]string, 0, len(p.Surfaces))
	for name := range p.Surfaces {
		if only != "" && name != only {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		d.writeJSONError(w, http.StatusNotFound, "no surfaces in payload")
		return
	}
	sort.Strings(names)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	for _, name := range names {
		page.AddCharts(SurfaceHeatMap(runID, p.Surfaces[name]))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		d.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// SurfaceHeatMap builds the heatmap chart for one surface. Null cells are
// simply absent from the series, so the chart shows them as gaps.
func SurfaceHeatMap(runID string, s *surface.Surface2D) *charts.HeatMap {
	xLabels := make([]string, len(s.RPMCenters))
	for i, c := range s.RPMCenters {
		xLabels[i] = strconv.FormatFloat(c, 'f', -1, 64)
	}
	yLabels := make([]string, len(s.MAPCenters))
	for i, c := range s.MAPCenters {
		yLabels[i] = strconv.FormatFloat(c, 'f', -1, 64)
	}

	data := make([]opts.HeatMapData, 0, len(s.RPMCenters)*len(s.MAPCenters))
	for ri := range s.Values {
		for mi, v := range s.Values[ri] {
			if v == nil {
				continue
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{ri, mi, *v}})
		}
	}

	min, max := s.Summary.Min, s.Summary.Max
	if max <= min {
		// Flat surfaces still need a nonzero color range.
		max = min + 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "DynoAI Surfaces", Theme: "dark", Width: "900px", Height: "500px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: s.Name, Subtitle: fmt.Sprintf("run=%s agg=%s cells=%d/%d", runID, s.Aggregation, s.Summary.NonNullCells, len(s.RPMCenters)*len(s.MAPCenters))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "RPM", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: yLabels, Name: "MAP (kPa)", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(min),
			Max:        float32(max),
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)
	hm.SetXAxis(xLabels).AddSeries(s.Name, data)
	return hm
}

// handleCaptureChart renders a bar chart of the live-capture counters.
func (d *Debug) handleCaptureChart(w http.ResponseWriter, r *http.Request) {
	if d.stats == nil {
		d.writeJSONError(w, http.StatusNotFound, "no capture stats available")
		return
	}
	snap := d.stats.Snapshot()

	x := []string{"Lines", "Frames", "Parse errors", "Runs flushed"}
	y := []opts.BarData{
		{Value: snap.Lines},
		{Value: snap.Frames},
		{Value: snap.ParseErrors},
		{Value: snap.RunsFlushed},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Capture Counters", Subtitle: "since " + snap.Since.Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("capture", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		d.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCaptureStats returns the current counters as JSON.
func (d *Debug) handleCaptureStats(w http.ResponseWriter, r *http.Request) {
	if d.stats == nil {
		d.writeJSONError(w, http.StatusNotFound, "no capture stats available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.stats.Snapshot())
}
