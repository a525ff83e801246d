package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"time"
)

// entryOverhead approximates the bookkeeping cost of one cache entry beyond
// its key and value bytes.
const entryOverhead = 112

// Stats is a point-in-time snapshot of one cache instance.
type Stats struct {
	Name            string        `json:"name"`
	Entries         int           `json:"entries"`
	MemoryBytes     int64         `json:"memory_bytes"`
	MaxSize         int           `json:"max_size"`
	MaxMemory       int64         `json:"max_memory"`
	Hits            uint64        `json:"hits"`
	Misses          uint64        `json:"misses"`
	Evictions       uint64        `json:"evictions"`
	Expirations     uint64        `json:"expirations"`
	HitRatio        float64       `json:"hit_ratio"`
	AvgAccessTime   time.Duration `json:"avg_access_time"`
	OldestEntryAge  time.Duration `json:"oldest_entry_age"`
}

// EntryInfo describes one entry for the refresher without exposing the value.
type EntryInfo struct {
	Key         string
	Age         time.Duration
	TTL         time.Duration
	AccessCount uint64
	LastAccess  time.Time
}

type entry struct {
	key         string
	value       any
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
	ttl         time.Duration
	lastAccess  time.Time
	accessCount uint64
}

// MemCache is an in-process cache bounded by entry count and estimated
// memory, with LRU eviction and per-entry TTL. Expired entries are dropped
// lazily on access and swept periodically in the background.
type MemCache struct {
	name       string
	maxSize    int
	maxMemory  int64
	defaultTTL time.Duration
	sweepEvery time.Duration

	mu     sync.Mutex
	lru    *list.List
	items  map[string]*list.Element
	memory int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	accessNanos int64
	accessOps   uint64

	now func() time.Time
}

// NewMemCache builds a cache instance. Zero limits mean unbounded.
func NewMemCache(name string, maxSize int, maxMemory int64, defaultTTL, sweepEvery time.Duration) *MemCache {
	return &MemCache{
		name:       name,
		maxSize:    maxSize,
		maxMemory:  maxMemory,
		defaultTTL: defaultTTL,
		sweepEvery: sweepEvery,
		lru:        list.New(),
		items:      make(map[string]*list.Element),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Set stores a value under key with the given TTL (zero uses the instance
// default). It reports false when the entry alone exceeds the memory cap and
// was refused.
func (c *MemCache) Set(key string, value any, ttl time.Duration) bool {
	return c.SetSized(key, value, ttl, estimateSize(key, value))
}

// SetSized is Set with a caller-supplied size estimate.
func (c *MemCache) SetSized(key string, value any, ttl time.Duration, size int64) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.maxMemory > 0 && size > c.maxMemory {
		return false
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		c.memory += size - e.size
		e.value = value
		e.size = size
		e.ttl = ttl
		e.expiresAt = now.Add(ttl)
		e.lastAccess = now
		c.lru.MoveToFront(elem)
	} else {
		e := &entry{
			key:        key,
			value:      value,
			size:       size,
			createdAt:  now,
			expiresAt:  now.Add(ttl),
			ttl:        ttl,
			lastAccess: now,
		}
		c.items[key] = c.lru.PushFront(e)
		c.memory += size
	}

	c.evictOverLimitLocked()
	return true
}

// Get returns the value for key. Expired entries count as misses and are
// removed on the spot.
func (c *MemCache) Get(key string) (any, bool) {
	start := time.Now()
	now := c.now()

	c.mu.Lock()
	defer func() {
		c.accessNanos += time.Since(start).Nanoseconds()
		c.accessOps++
		c.mu.Unlock()
	}()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := elem.Value.(*entry)
	if now.After(e.expiresAt) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		return nil, false
	}

	e.lastAccess = now
	e.accessCount++
	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Delete removes key and reports whether it was present.
func (c *MemCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// InvalidatePattern removes every key matching the regular expression and
// returns how many entries were dropped.
func (c *MemCache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	return c.InvalidateRegexp(re), nil
}

// InvalidateRegexp is InvalidatePattern with a pre-compiled expression.
func (c *MemCache) InvalidateRegexp(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if re.MatchString(key) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *MemCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.items = make(map[string]*list.Element)
	c.memory = 0
}

// Len reports the live entry count.
func (c *MemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Entries snapshots entry metadata for the refresher.
func (c *MemCache) Entries() []EntryInfo {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, len(c.items))
	for _, elem := range c.items {
		e := elem.Value.(*entry)
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, EntryInfo{
			Key:         e.key,
			Age:         now.Sub(e.createdAt),
			TTL:         e.ttl,
			AccessCount: e.accessCount,
			LastAccess:  e.lastAccess,
		})
	}
	return out
}

// Stats snapshots counters for the stats endpoint.
func (c *MemCache) Stats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Name:        c.name,
		Entries:     len(c.items),
		MemoryBytes: c.memory,
		MaxSize:     c.maxSize,
		MaxMemory:   c.maxMemory,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	if c.accessOps > 0 {
		s.AvgAccessTime = time.Duration(c.accessNanos / int64(c.accessOps))
	}
	if back := c.lru.Back(); back != nil {
		s.OldestEntryAge = now.Sub(back.Value.(*entry).createdAt)
	}
	return s
}

// Run sweeps expired entries until cancelled.
func (c *MemCache) Run(ctx context.Context) error {
	every := c.sweepEvery
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemCache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.items {
		e := elem.Value.(*entry)
		if now.After(e.expiresAt) {
			c.removeLocked(elem)
			c.expirations++
		}
	}
}

// evictOverLimitLocked drops LRU tail entries until both limits hold.
func (c *MemCache) evictOverLimitLocked() {
	for (c.maxSize > 0 && len(c.items) > c.maxSize) ||
		(c.maxMemory > 0 && c.memory > c.maxMemory) {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back)
		c.evictions++
	}
}

func (c *MemCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.items, e.key)
	c.memory -= e.size
}

// estimateSize approximates the in-memory footprint of an entry. Strings and
// byte slices are measured exactly; everything else gets a flat estimate.
func estimateSize(key string, value any) int64 {
	size := int64(len(key)) + entryOverhead
	switch v := value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	default:
		size += 256
	}
	return size
}
