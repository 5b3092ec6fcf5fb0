// Package monitor provides capture statistics and debug visualization for
// live telemetry sources.
package monitor

import (
	"sync"
	"time"

	"github.com/dynoai/dynoai/internal/monitoring"
)

// CaptureStats tracks live-capture counters with thread-safe operations.
// One instance is shared between the capture loop and the debug endpoints.
type CaptureStats struct {
	mu          sync.Mutex
	lineCount   int64
	byteCount   int64
	frameCount  int64
	parseErrors int64
	runsFlushed int64
	lastReset   time.Time
}

// Snapshot is a point-in-time copy of the capture counters.
type Snapshot struct {
	Lines       int64     `json:"lines"`
	Bytes       int64     `json:"bytes"`
	Frames      int64     `json:"frames"`
	ParseErrors int64     `json:"parse_errors"`
	RunsFlushed int64     `json:"runs_flushed"`
	Since       time.Time `json:"since"`
}

// NewCaptureStats creates a new CaptureStats instance.
func NewCaptureStats() *CaptureStats {
	return &CaptureStats{
		lastReset: time.Now(),
	}
}

// AddLine counts one received line and its size.
func (cs *CaptureStats) AddLine(bytes int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.lineCount++
	cs.byteCount += int64(bytes)
}

// AddFrame counts one successfully parsed telemetry frame.
func (cs *CaptureStats) AddFrame() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.frameCount++
}

// AddParseError counts one line that failed to parse.
func (cs *CaptureStats) AddParseError() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.parseErrors++
}

// AddRunFlushed counts one capture session persisted as a run.
func (cs *CaptureStats) AddRunFlushed() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.runsFlushed++
}

// Snapshot returns the current counters without resetting them.
func (cs *CaptureStats) Snapshot() Snapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.snapshotLocked()
}

// GetAndReset returns the current counters and starts a new window.
func (cs *CaptureStats) GetAndReset() Snapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	snap := cs.snapshotLocked()
	cs.lineCount = 0
	cs.byteCount = 0
	cs.frameCount = 0
	cs.parseErrors = 0
	cs.runsFlushed = 0
	cs.lastReset = time.Now()
	return snap
}

func (cs *CaptureStats) snapshotLocked() Snapshot {
	return Snapshot{
		Lines:       cs.lineCount,
		Bytes:       cs.byteCount,
		Frames:      cs.frameCount,
		ParseErrors: cs.parseErrors,
		RunsFlushed: cs.runsFlushed,
		Since:       cs.lastReset,
	}
}

// LogStats logs per-second rates for the window since the last reset and
// starts a new window. Quiet windows log nothing.
func (cs *CaptureStats) LogStats() {
	cs.mu.Lock()
	window := time.Since(cs.lastReset)
	snap := cs.snapshotLocked()
	cs.lineCount = 0
	cs.byteCount = 0
	cs.frameCount = 0
	cs.parseErrors = 0
	cs.runsFlushed = 0
	cs.lastReset = time.Now()
	cs.mu.Unlock()

	if snap.Lines == 0 && snap.ParseErrors == 0 {
		return
	}
	secs := window.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := "capture stats (/sec): %.1f lines, %.1f frames, %.2f KB"
	args := []interface{}{
		float64(snap.Lines) / secs,
		float64(snap.Frames) / secs,
		float64(snap.Bytes) / secs / 1024,
	}
	if snap.ParseErrors > 0 {
		msg += ", %d parse errors"
		args = append(args, snap.ParseErrors)
	}
	monitoring.Logf(msg, args...)
}
