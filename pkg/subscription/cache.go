package subscription

import (
	"sync"
	"time"
)

const (
	// DefaultDecisionTTL is how long an entitlement decision stays valid
	DefaultDecisionTTL = 5 * time.Minute

	// DefaultDecisionCacheSize bounds the decision cache; past it expired
	// entries are swept and then the least recently used entry is evicted
	DefaultDecisionCacheSize = 1000
)

// DecisionCacheStats holds cache performance statistics
type DecisionCacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Size      int
}

// decisionEntry wraps a cached result with expiration time and access time for LRU
type decisionEntry struct {
	userID     string
	result     LimitCheckResult
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// DecisionCache is an in-memory TTL + LRU cache of entitlement decisions.
// Time comes from an injected Clock so expiry is testable.
type DecisionCache struct {
	mu        sync.Mutex
	entries   map[string]*decisionEntry
	ttl       time.Duration
	maxSize   int
	clock     Clock
	hits      int64
	misses    int64
	evictions int64
	expired   int64
	sequence  int64
}

// NewDecisionCache creates a decision cache. Zero values select the defaults.
func NewDecisionCache(ttl time.Duration, maxSize int, clock Clock) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDecisionCacheSize
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &DecisionCache{
		entries: make(map[string]*decisionEntry, maxSize),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Get returns a live decision for key.
func (c *DecisionCache) Get(key string) (LimitCheckResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		return LimitCheckResult{}, false
	}
	if !now.Before(entry.expiration) {
		delete(c.entries, key)
		c.expired++
		c.misses++
		return LimitCheckResult{}, false
	}

	entry.accessTime = now
	entry.sequence = c.next()
	c.hits++
	return entry.result, true
}

// Set stores a decision for userID under key.
func (c *DecisionCache) Set(key, userID string, result LimitCheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxSize {
			c.evictLRULocked()
		}
	}

	c.entries[key] = &decisionEntry{
		userID:     userID,
		result:     result,
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   c.next(),
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *DecisionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.clock.Now())
}

// InvalidateUser drops every decision cached for userID.
func (c *DecisionCache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.userID == userID {
			delete(c.entries, key)
		}
	}
}

// Clear removes all entries from the cache
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*decisionEntry, c.maxSize)
}

// Len returns the number of cached entries, expired ones included.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DecisionCache) Stats() DecisionCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DecisionCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Size:      len(c.entries),
	}
}

func (c *DecisionCache) sweepLocked(now time.Time) int {
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiration) {
			delete(c.entries, key)
			removed++
		}
	}
	c.expired += int64(removed)
	return removed
}

// evictLRULocked drops the least recently used entry (oldest accessTime, then oldest sequence)
func (c *DecisionCache) evictLRULocked() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *DecisionCache) next() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}
