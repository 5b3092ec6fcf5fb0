package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dynoai/dynoai/internal/monitoring"
	"github.com/dynoai/dynoai/internal/timeutil"
)

// Pruner periodically deletes runs older than the retention window along
// with their cached payloads. A non-positive retention disables pruning.
type Pruner struct {
	Runs      *RunStore
	Payloads  *PayloadStore
	Retention time.Duration
	Interval  time.Duration
	Clock     timeutil.Clock
	stopChan  chan struct{}
}

// NewPruner creates a pruner. A non-positive interval defaults to one hour;
// a nil clock falls back to the real clock.
func NewPruner(runs *RunStore, payloads *PayloadStore, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		Runs:      runs,
		Payloads:  payloads,
		Retention: retention,
		Interval:  interval,
		Clock:     timeutil.RealClock{},
		stopChan:  make(chan struct{}),
	}
}

// Start runs the periodic prune loop in a goroutine.
func (p *Pruner) Start() {
	go func() {
		ticker := p.Clock.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if _, err := p.RunOnce(context.Background()); err != nil {
					monitoring.Logf("pruner: %v", err)
				}
			case <-p.stopChan:
				return
			}
		}
	}()
}

// Stop requests the pruner to stop.
func (p *Pruner) Stop() {
	close(p.stopChan)
}

// RunOnce deletes all runs created before the retention cutoff and returns
// how many were removed. Each run's cached payload goes first so a crash
// between the two deletes never leaves a payload without its run.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	if p.Retention <= 0 {
		return 0, nil
	}
	cutoff := p.Clock.Now().UTC().Add(-p.Retention)
	ids, err := p.Runs.StaleRunIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, id := range ids {
		if err := p.Payloads.Invalidate(ctx, id); err != nil {
			return pruned, fmt.Errorf("prune payload %s: %w", id, err)
		}
		if _, err := p.Runs.Delete(ctx, id); err != nil {
			return pruned, fmt.Errorf("prune run %s: %w", id, err)
		}
		pruned++
	}
	if pruned > 0 {
		monitoring.Logf("pruner: removed %d runs older than %s", pruned, cutoff.Format(time.RFC3339))
	}
	return pruned, nil
}
