// Package cache provides the two-tier (fresh/stale) in-memory cache used by
// the orchestrators. Every entry has a fresh horizon nested inside a longer
// stale horizon: reads inside the fresh window are plain hits, reads between
// the two horizons are stale hits that callers may use as a fallback, and
// entries past the stale horizon are deleted on read.
//
// Nothing is persisted; a cache lives as long as the process that built it.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
)

// LookupStatus is the outcome of GetWithStale.
type LookupStatus int

const (
	LookupMiss LookupStatus = iota
	LookupFresh
	LookupStale
)

// String implements fmt.Stringer.
func (status LookupStatus) String() string {
	switch status {
	case LookupFresh:
		return "fresh"
	case LookupStale:
		return "stale"
	default:
		return "miss"
	}
}

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

// Cache is the two-tier cache abstraction. All operations are safe to be
// called from concurrent goroutines; concurrent writers to the same key are
// resolved last-write-wins.
type Cache[V any] interface {
	// Get returns the value while it is fresh. Once the fresh horizon has
	// passed the entry is deleted and a miss is reported.
	Get(key string) (V, bool)

	// GetWithStale distinguishes fresh hits, stale hits and misses. Entries
	// past their stale horizon are deleted.
	GetWithStale(key string) (V, LookupStatus)

	// Set stores value with identical fresh and stale horizons.
	Set(key string, value V, ttl time.Duration)

	// SetWithStale stores value fresh for freshTTL and usable as stale data
	// until staleTTL. A staleTTL shorter than freshTTL is raised to freshTTL.
	SetWithStale(key string, value V, freshTTL, staleTTL time.Duration)

	// Vacuum removes every entry past its stale horizon and returns how many
	// were removed.
	Vacuum(ctx context.Context) (int, error)

	// Len returns the number of entries currently held, expired or not.
	Len() int
}

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

type entry[V any] struct {
	value     V
	expiresAt time.Time
	staleAt   time.Time
}

// MemoryCache keeps entries in a map guarded by a RWMutex.
type MemoryCache[V any] struct {
	mutexForEntries sync.RWMutex
	entries         map[string]entry[V]

	name  string
	clock Clock
}

var _ Cache[int] = (*MemoryCache[int])(nil) // Compile-time check

// Option customizes a MemoryCache.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock replaces time.Now as the source of the current time.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewMemoryCache creates an empty cache. name labels log lines and metrics.
func NewMemoryCache[V any](name string, opts ...Option) *MemoryCache[V] {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &MemoryCache[V]{
		entries: make(map[string]entry[V]),
		name:    name,
		clock:   o.clock,
	}
}

// Get implements Cache.Get.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.clock()

	c.mutexForEntries.RLock()
	current, exists := c.entries[key]
	c.mutexForEntries.RUnlock()

	if !exists {
		c.recordLookup(LookupMiss)
		return zero, false
	}

	if now.After(current.expiresAt) {
		c.deleteIfUnchanged(key, current)
		c.recordLookup(LookupMiss)
		return zero, false
	}

	c.recordLookup(LookupFresh)
	return current.value, true
}

// GetWithStale implements Cache.GetWithStale.
func (c *MemoryCache[V]) GetWithStale(key string) (V, LookupStatus) {
	var zero V
	now := c.clock()

	c.mutexForEntries.RLock()
	current, exists := c.entries[key]
	c.mutexForEntries.RUnlock()

	switch {
	case !exists:
		c.recordLookup(LookupMiss)
		return zero, LookupMiss
	case !now.After(current.expiresAt):
		c.recordLookup(LookupFresh)
		return current.value, LookupFresh
	case !now.After(current.staleAt):
		c.recordLookup(LookupStale)
		return current.value, LookupStale
	default:
		c.deleteIfUnchanged(key, current)
		c.recordLookup(LookupMiss)
		return zero, LookupMiss
	}
}

// Set implements Cache.Set.
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetWithStale(key, value, ttl, ttl)
}

// SetWithStale implements Cache.SetWithStale.
func (c *MemoryCache[V]) SetWithStale(key string, value V, freshTTL, staleTTL time.Duration) {
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	now := c.clock()

	c.mutexForEntries.Lock()
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: now.Add(freshTTL),
		staleAt:   now.Add(staleTTL),
	}
	size := len(c.entries)
	c.mutexForEntries.Unlock()

	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(size))
	logger.CacheLog.Debugf("cache=%s set key=%s fresh=%s stale=%s", c.name, key, freshTTL, staleTTL)
}

// Vacuum implements Cache.Vacuum.
func (c *MemoryCache[V]) Vacuum(ctx context.Context) (int, error) {
	now := c.clock()

	c.mutexForEntries.Lock()
	defer c.mutexForEntries.Unlock()

	removed := 0
	for key, current := range c.entries {
		select {
		case <-ctx.Done():
			metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
			return removed, ctx.Err()
		default:
		}

		if now.After(current.staleAt) {
			delete(c.entries, key)
			removed++
		}
	}

	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
	if removed > 0 {
		logger.CacheLog.Debugf("vacuum removed %d expired entr(ies) from cache=%s", removed, c.name)
	}
	return removed, nil
}

// Len implements Cache.Len.
func (c *MemoryCache[V]) Len() int {
	c.mutexForEntries.RLock()
	defer c.mutexForEntries.RUnlock()
	return len(c.entries)
}

// deleteIfUnchanged removes key unless a concurrent writer replaced the entry
// after it was read.
func (c *MemoryCache[V]) deleteIfUnchanged(key string, observed entry[V]) {
	c.mutexForEntries.Lock()
	defer c.mutexForEntries.Unlock()

	current, exists := c.entries[key]
	if exists && current.expiresAt.Equal(observed.expiresAt) && current.staleAt.Equal(observed.staleAt) {
		delete(c.entries, key)
	}
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

func (c *MemoryCache[V]) recordLookup(status LookupStatus) {
	metrics.CacheLookupsTotal.WithLabelValues(c.name, status.String()).Inc()
}
