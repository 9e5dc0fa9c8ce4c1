package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry pairs a token bucket with its LRU bookkeeping.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket (typically keyed by
// client IP). Tracked identifiers are bounded by LRU eviction so a
// distributed scan cannot grow the map without limit, and idle entries are
// swept by a background goroutine.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*list.Element
	lru      *list.List

	rate       int
	burst      int
	maxEntries int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	evictions int64
}

// defaultMaxEntries bounds tracked identifiers when no limit is given.
const defaultMaxEntries = 10000

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with the
// given burst per identifier, tracking at most defaultMaxEntries
// identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxEntries, logger)
}

// NewRateLimiterWithConfig creates a rate limiter with a custom identifier
// cap. maxEntries of 0 disables the cap.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxEntries
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lru:             list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier fits its bucket, creating
// the bucket on first sight and evicting the least recently used identifier
// at capacity.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest drops the least recently used entry. Caller holds the mutex.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted LRU entry",
		"identifier", entry.identifier,
		"evictions", rl.evictions)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes identifiers idle for longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
