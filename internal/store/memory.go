package store

import (
	"context"
	"sync"
	"time"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/timeutil"
)

// MemoryCache is an in-memory payload cache for single-process deployments
// and tests. A positive TTL bounds how long entries outlive their last Put;
// expired entries are dropped by a background sweep and ignored on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   timeutil.Clock
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	res       analysis.CachedResult
	expiresAt time.Time
}

var _ analysis.Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a memory cache. A non-positive ttl disables
// expiry. A nil clock falls back to the real clock.
func NewMemoryCache(ttl time.Duration, clock timeutil.Clock) *MemoryCache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		clock:   clock,
		stop:    make(chan struct{}),
	}
	if ttl > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached payload for a run. Absence is (nil, false, nil).
func (c *MemoryCache) Get(_ context.Context, runID string) (*analysis.CachedResult, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[runID]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		return nil, false, nil
	}
	res := e.res
	return &res, true, nil
}

// Put stores a payload, replacing any previous entry for the run.
func (c *MemoryCache) Put(_ context.Context, runID string, res *analysis.CachedResult) error {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.clock.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[runID] = memoryEntry{res: *res, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached payload for a run. Absence is not an error.
func (c *MemoryCache) Invalidate(_ context.Context, runID string) error {
	c.mu.Lock()
	delete(c.entries, runID)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, counting any not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop terminates the background sweep. Safe to call more than once.
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweepLoop() {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	for id, e := range c.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}
