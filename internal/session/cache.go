package session

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheKey identifies one cacheable device read.
type CacheKey struct {
	DeviceID   string
	Operation  string
	ArgsDigest string
}

// NewCacheKey builds the key for an operation and its arguments.
func NewCacheKey(deviceID, operation string, args Args) CacheKey {
	return CacheKey{DeviceID: deviceID, Operation: operation, ArgsDigest: args.Digest()}
}

// String returns the flight key used for single-flight grouping.
func (k CacheKey) String() string {
	return k.DeviceID + "\x00" + k.Operation + "\x00" + k.ArgsDigest
}

// ComputeFunc produces a fresh value for a cache miss.
type ComputeFunc func(ctx context.Context) (Result, error)

type cacheEntry struct {
	key        CacheKey
	value      Result
	computedAt time.Time
	ttl        time.Duration
}

// CacheStats is a point-in-time snapshot of the result cache.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"` // computations started
	Coalesced uint64 `json:"coalesced"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Failures  uint64 `json:"failures"`
}

// Cache holds short-lived results of device reads.
//
// Concurrent misses for the same key share one computation. Entries expire
// lazily once older than their TTL and the least recently used entry is
// dropped when the capacity is reached. Failed computations are never
// stored. Result bodies are shared between callers and must not be modified.
type Cache struct {
	capacity int
	now      func() time.Time
	group    singleflight.Group

	mu      sync.Mutex
	entries map[CacheKey]*list.Element
	lru     *list.List // front is most recently used
	waits   uint64     // calls that missed the first lookup
	stats   CacheStats
}

// NewCache creates a result cache holding at most capacity entries.
func NewCache(capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache: capacity must be positive, got %d", capacity)
	}
	return &Cache{
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[CacheKey]*list.Element, capacity),
		lru:      list.New(),
	}, nil
}

// GetOrCompute returns the live cached value for key or computes it.
//
// If another caller is already computing the key, this call waits for that
// computation instead of starting its own. When ctx ends first, the call
// returns an error wrapping ErrTimeout and the shared computation carries on
// for the remaining waiters. compute runs detached from ctx cancellation, so
// it must bound itself.
//
// A non-positive ttl still coalesces concurrent calls but stores nothing.
func (c *Cache) GetOrCompute(ctx context.Context, key CacheKey, ttl time.Duration, compute ComputeFunc) (Result, error) {
	c.mu.Lock()
	if res, ok := c.lookupLocked(key); ok {
		c.stats.Hits++
		c.mu.Unlock()
		return res, nil
	}
	c.waits++
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		// A computation that finished between our lookup and this flight
		// starting has already stored the value.
		c.mu.Lock()
		res, ok := c.lookupLocked(key)
		if !ok {
			c.stats.Misses++
		}
		c.mu.Unlock()
		if ok {
			return res, nil
		}

		res, err := compute(detached)
		if err != nil {
			c.mu.Lock()
			c.stats.Failures++
			c.mu.Unlock()
			return Result{}, err
		}
		if ttl > 0 {
			c.store(key, res, ttl)
		}
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: waiting for %s on %s: %w", ErrTimeout, key.Operation, key.DeviceID, ctx.Err())
	}
}

// InvalidateDevice drops every entry of a device.
// Returns the number of entries removed.
func (c *Cache) InvalidateDevice(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, elem := range c.entries {
		if key.DeviceID == deviceID {
			c.lru.Remove(elem)
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	if c.waits > s.Misses {
		s.Coalesced = c.waits - s.Misses
	}
	s.Entries = c.lru.Len()
	s.Capacity = c.capacity
	return s
}

// lookupLocked returns a live entry and drops an expired one.
func (c *Cache) lookupLocked(key CacheKey) (Result, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	e := elem.Value.(*cacheEntry)
	if c.now().Sub(e.computedAt) >= e.ttl {
		c.lru.Remove(elem)
		delete(c.entries, key)
		c.stats.Expired++
		return Result{}, false
	}
	c.lru.MoveToFront(elem)
	return e.value, true
}

func (c *Cache) store(key CacheKey, value Result, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*cacheEntry)
		e.value, e.computedAt, e.ttl = value, c.now(), ttl
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[key] = c.lru.PushFront(&cacheEntry{
		key:        key,
		value:      value,
		computedAt: c.now(),
		ttl:        ttl,
	})

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.stats.Evictions++
	}
}
