package routing

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"fleetroute/internal/geo"
)

// keyScale rounds coordinates to 6 decimal places (about 0.1 m).
const keyScale = 1e6

// Key identifies a directed segment by its rounded endpoints.
type Key struct {
	FromLat, FromLon, ToLat, ToLon int64
}

// KeyFor rounds both endpoints so floating-point jitter maps to the same entry.
func KeyFor(a, b geo.Coordinate) Key {
	return Key{
		FromLat: roundCoord(a.Lat),
		FromLon: roundCoord(a.Lon),
		ToLat:   roundCoord(b.Lat),
		ToLon:   roundCoord(b.Lon),
	}
}

func roundCoord(v float64) int64 {
	return int64(math.Round(v * keyScale))
}

func (k Key) degenerate() bool {
	return k.FromLat == k.ToLat && k.FromLon == k.ToLon
}

func (k Key) String() string {
	return fmt.Sprintf("%d,%d->%d,%d", k.FromLat, k.FromLon, k.ToLat, k.ToLon)
}

// CacheStats reports cache effectiveness for a run.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is a run-scoped segment memo. It is safe for concurrent use; concurrent
// misses on one key are collapsed so the resolver runs once per key.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Segment
	flight  singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCache() *Cache {
	return &Cache{entries: map[Key]Segment{}}
}

func (c *Cache) Get(k Key) (Segment, bool) {
	c.mu.RLock()
	seg, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	}
	return seg, ok
}

func (c *Cache) Put(k Key, seg Segment) {
	c.mu.Lock()
	c.entries[k] = seg
	c.mu.Unlock()
}

// Do returns the cached segment for k, running resolve at most once per key.
// Callers that join an in-flight resolve count as hits.
func (c *Cache) Do(k Key, resolve func() Segment) Segment {
	leader := false
	v, _, shared := c.flight.Do(k.String(), func() (any, error) {
		leader = true
		c.mu.RLock()
		seg, ok := c.entries[k]
		c.mu.RUnlock()
		if ok {
			c.hits.Add(1)
			return seg, nil
		}
		c.misses.Add(1)
		seg = resolve()
		c.Put(k, seg)
		return seg, nil
	})
	if shared && !leader {
		c.hits.Add(1)
	}
	return v.(Segment)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
