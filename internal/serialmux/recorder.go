package serialmux

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/dynoai/dynoai/internal/monitor"
	"github.com/dynoai/dynoai/internal/monitoring"
	"github.com/dynoai/dynoai/internal/store"
	"github.com/dynoai/dynoai/internal/telemetry"
)

const (
	// defaultMaxGapS ends a session when consecutive frame timestamps are
	// further apart than this. At the 100 Hz stream rate a two second hole
	// means the operator stopped between pulls.
	defaultMaxGapS = 2.0

	// defaultMinSessionSamples discards sessions too short to be a pull.
	defaultMinSessionSamples = 50
)

// Recorder segments the datalogger line stream into runs. Frames accumulate
// in memory until the stream pauses, the logger clock resets, or the device
// reports a stop; each completed session is stored as one run.
type Recorder struct {
	runs      *store.RunStore
	stats     *monitor.CaptureStats
	vehicleID string

	// MaxGapS and MinSamples control session segmentation, and Source labels
	// the stored runs. All may be set before the first HandleLine call.
	MaxGapS    float64
	MinSamples int
	Source     string

	mu       sync.Mutex
	samples  []telemetry.Sample
	channels telemetry.ChannelSet
	state    map[string]any
}

// NewRecorder creates a Recorder storing sessions against vehicleID. A nil
// stats gets a private counter so callers without a monitor can still record.
func NewRecorder(runs *store.RunStore, stats *monitor.CaptureStats, vehicleID string) *Recorder {
	if stats == nil {
		stats = monitor.NewCaptureStats()
	}
	return &Recorder{
		runs:       runs,
		stats:      stats,
		vehicleID:  vehicleID,
		MaxGapS:    defaultMaxGapS,
		MinSamples: defaultMinSessionSamples,
		Source:     "serial",
		channels:   make(telemetry.ChannelSet),
		state:      make(map[string]any),
	}
}

// HandleLine routes one line from the datalogger. Bad frames are counted and
// dropped; the stream keeps going.
func (r *Recorder) HandleLine(ctx context.Context, line string) {
	r.stats.AddLine(len(line))

	switch ClassifyLine(line) {
	case EventTypeFrame:
		sample, channels, err := ParseFrame(line)
		if err != nil {
			r.stats.AddParseError()
			monitoring.Logf("dropping bad frame: %v", err)
			return
		}
		r.addFrame(ctx, sample, channels)

	case EventTypeConfig:
		r.mergeState(line)

	case EventTypeStatus:
		r.handleStatus(ctx, line)

	default:
		r.stats.AddParseError()
		monitoring.Logf("unrecognized datalogger line: %.60q", line)
	}
}

func (r *Recorder) addFrame(ctx context.Context, sample telemetry.Sample, channels telemetry.ChannelSet) {
	r.mu.Lock()
	if n := len(r.samples); n > 0 {
		last := r.samples[n-1].TimeS
		// A timestamp that runs backwards means the logger restarted; a
		// long gap means the pull ended. Either way the session is over.
		if sample.TimeS <= last || sample.TimeS-last > r.MaxGapS {
			r.flushLocked(ctx)
		}
	}
	r.samples = append(r.samples, sample)
	for ch := range channels {
		r.channels[ch] = true
	}
	r.mu.Unlock()

	r.stats.AddFrame()
}

// mergeState folds a config echo into the device state snapshot.
func (r *Recorder) mergeState(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gjson.Parse(strings.TrimSpace(line)).ForEach(func(key, value gjson.Result) bool {
		r.state[key.String()] = value.Value()
		return true
	})
}

func (r *Recorder) handleStatus(ctx context.Context, line string) {
	trimmed := strings.TrimSpace(line)
	monitoring.Logf("datalogger: %s", trimmed)
	if strings.Contains(trimmed, "STOP") {
		r.Flush(ctx)
	}
}

// DeviceState returns a copy of the latest config values echoed by the device.
func (r *Recorder) DeviceState() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := make(map[string]any, len(r.state))
	for k, v := range r.state {
		state[k] = v
	}
	return state
}

// Pending reports how many frames the open session holds.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Flush closes the open session. Sessions below MinSamples are discarded and
// return an empty run ID; stored sessions return the new run's ID.
func (r *Recorder) Flush(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Recorder) flushLocked(ctx context.Context) (string, error) {
	defer r.resetLocked()

	if len(r.samples) < r.MinSamples {
		return "", nil
	}

	// Rebase timestamps so stored runs always start at zero regardless of
	// the logger's clock.
	t0 := r.samples[0].TimeS
	samples := make([]telemetry.Sample, len(r.samples))
	copy(samples, r.samples)
	for i := range samples {
		samples[i].TimeS -= t0
	}

	lg := &telemetry.Log{Samples: samples, Channels: r.channels.Clone()}
	run := &store.Run{VehicleID: r.vehicleID, Source: r.Source}
	if err := r.runs.Insert(ctx, run, lg); err != nil {
		monitoring.Logf("store %s session: %v", r.Source, err)
		return "", err
	}

	r.stats.AddRunFlushed()
	monitoring.Logf("stored %s session %s: %d samples over %.1fs", r.Source, run.RunID, run.RowCount, run.DurationS)
	return run.RunID, nil
}

func (r *Recorder) resetLocked() {
	r.samples = nil
	r.channels = make(telemetry.ChannelSet)
}

// Run pumps a mux subscription through the recorder until ctx ends or the
// subscription closes. The in-flight session is flushed on the way out so a
// shutdown never loses a completed pull.
func (r *Recorder) Run(ctx context.Context, mux SerialMuxInterface) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case line, ok := <-lines:
			if !ok {
				r.Flush(context.WithoutCancel(ctx))
				return
			}
			r.HandleLine(ctx, line)
		}
	}
}
