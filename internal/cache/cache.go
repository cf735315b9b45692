// Package cache implements the time-quantized frame cache.
//
// Frames are keyed by their timestamp quantized to the frame duration
// (or a configured minimum). Lookups scan the bins covered by the
// tolerance window and return the closest entry. Eviction is least
// recently used, bounded by a maximum entry count.
package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/frameserver/internal/frame"
	"github.com/warpcomdev/frameserver/internal/lru"
)

var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_cache_hits",
			Help: "Number of cache lookups that returned a frame",
		},
		[]string{"source"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_cache_misses",
			Help: "Number of cache lookups that found no frame in tolerance",
		},
		[]string{"source"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frameserver_cache_evictions",
			Help: "Number of frames evicted to make room",
		},
		[]string{"source"},
	)

	cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "frameserver_cache_size",
			Help: "Current number of cached frames",
		},
		[]string{"source"},
	)
)

type entry struct {
	key  time.Duration // quantized timestamp
	f    *frame.Frame
	elem *lru.Element[*entry]
}

// Cache is a bounded mapping from quantized timestamp to frame.
// All operations are serialized under one lock.
type Cache struct {
	mu      sync.Mutex
	entries map[time.Duration]*entry
	order   *lru.List[*entry] // front = most recently used
	quantum time.Duration
	maxSize int
	source  string
	closed  bool
}

// New creates a cache for one source file. quantum is the bin size,
// maxSize the entry bound.
func New(source string, quantum time.Duration, maxSize int) *Cache {
	if quantum < frame.Tick {
		quantum = frame.Tick
	}
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[time.Duration]*entry, maxSize),
		order:   lru.New[*entry](),
		quantum: quantum,
		maxSize: maxSize,
		source:  source,
	}
}

// Quantum returns the bin size of the cache
func (c *Cache) Quantum() time.Duration {
	return c.quantum
}

// Len returns the current number of entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// TryGet returns the cached frame closest to target within tolerance,
// promoting it to most recently used. The cache keeps ownership of the
// frame; callers must not release it.
func (c *Cache) TryGet(target, tolerance time.Duration) *frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := c.scan(target, tolerance)
	if best == nil {
		cacheMisses.WithLabelValues(c.source).Inc()
		return nil
	}
	c.order.MoveToFront(best.elem)
	cacheHits.WithLabelValues(c.source).Inc()
	return best.f
}

// Contains reports whether a frame within tolerance of target is
// cached, without promoting it.
func (c *Cache) Contains(target, tolerance time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan(target, tolerance) != nil
}

// scan iterates the quantized bins covered by [target-tolerance,
// target+tolerance] and returns the entry with the smallest distance
// to target, first bin wins ties. Caller holds the lock.
func (c *Cache) scan(target, tolerance time.Duration) *entry {
	if tolerance < 0 {
		tolerance = 0
	}
	first := frame.Quantize(target-tolerance, c.quantum)
	last := frame.Quantize(target+tolerance, c.quantum)
	var (
		best     *entry
		bestDist time.Duration
	)
	for key := first; key <= last; key += c.quantum {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		dist := e.f.Timestamp - target
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best == nil || dist < bestDist {
			best = e
			bestDist = dist
		}
	}
	return best
}

// Add inserts the frame as most recently used, evicting the least
// recently used entry if the cache is full. Returns false when a frame
// already occupies the same quantized bin; the caller keeps ownership
// of its duplicate and must release it.
func (c *Cache) Add(f *frame.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := frame.Quantize(f.Timestamp, c.quantum)
	if _, ok := c.entries[key]; ok {
		return false
	}
	e := &entry{key: key, f: f}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		victim := oldest.Value
		c.order.Remove(oldest)
		delete(c.entries, victim.key)
		victim.f.Release()
		cacheEvictions.WithLabelValues(c.source).Inc()
	}
	cacheSize.WithLabelValues(c.source).Set(float64(c.order.Len()))
	return true
}

// Close releases every cached frame. Further Adds are rejected.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.entries {
		e.f.Release()
	}
	c.entries = make(map[time.Duration]*entry)
	c.order = lru.New[*entry]()
	cacheSize.WithLabelValues(c.source).Set(0)
}
