package cache

import (
	"context"
	"sync"
	"time"

	"hlsfetch/internal/logger"
)

// InitCache is a thread-safe, in-memory cache for initialization segments,
// keyed by resolved URI. Many media segments of one track share a single
// init segment, so caching it avoids re-fetching it once per segment.
type InitCache struct {
	mutex    sync.RWMutex
	cache    map[string]*entry
	logger   logger.Logger
	maxAge   time.Duration
	interval time.Duration

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

type entry struct {
	data     []byte
	lastUsed time.Time
}

// New creates an InitCache. Entries unused for longer than maxAge are
// evicted by a background worker running every interval.
func New(log logger.Logger, maxAge, interval time.Duration) *InitCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &InitCache{
		cache:    make(map[string]*entry),
		logger:   log,
		maxAge:   maxAge,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background eviction worker.
func (ic *InitCache) Start() {
	ic.logger.Infof("Starting init-segment cache eviction worker...")
	go ic.evictionWorker()
}

// Stop gracefully shuts down the eviction worker.
func (ic *InitCache) Stop() {
	ic.logger.Infof("Stopping init-segment cache eviction worker...")
	ic.cancel()
}

// Set adds an init segment to the cache.
func (ic *InitCache) Set(uri string, data []byte) {
	ic.mutex.Lock()
	defer ic.mutex.Unlock()
	ic.cache[uri] = &entry{data: data, lastUsed: time.Now()}
	ic.logger.Debugf("Cached init segment: %s, size: %d bytes", uri, len(data))
}

// Get retrieves an init segment and refreshes its age.
func (ic *InitCache) Get(uri string) ([]byte, bool) {
	ic.mutex.Lock()
	defer ic.mutex.Unlock()
	e, found := ic.cache[uri]
	if !found {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.data, true
}

// evictionWorker runs in the background to clean up stale init segments.
func (ic *InitCache) evictionWorker() {
	ticker := time.NewTicker(ic.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ic.ctx.Done():
			ic.logger.Infof("Init-cache eviction worker stopped.")
			return
		case <-ticker.C:
			ic.Evict(time.Now())
		}
	}
}

// Evict removes every entry unused for longer than the cache's maxAge as
// of the given instant.
func (ic *InitCache) Evict(now time.Time) {
	ic.mutex.Lock()
	defer ic.mutex.Unlock()

	evictedCount := 0
	for uri, e := range ic.cache {
		if now.Sub(e.lastUsed) > ic.maxAge {
			delete(ic.cache, uri)
			evictedCount++
		}
	}

	if evictedCount > 0 {
		ic.logger.Infof("Evicted %d init segments from cache. Current cache size: %d entries.", evictedCount, len(ic.cache))
	} else {
		ic.logger.Debugf("No init segments to evict. Current cache size: %d entries.", len(ic.cache))
	}
}
