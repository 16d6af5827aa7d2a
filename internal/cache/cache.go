// Package cache holds whole-track content in memory, bounded by total bytes.
//
// Lookups for different tracks only contend on their shard. Concurrent loads
// of the same track are coalesced so the underlying Loader runs at most once
// per track at a time. Entries handed out through a Handle are pinned until
// released and are never evicted while pinned.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"trackstream/internal/metrics"
)

const (
	DefaultCapacity     int64 = 512 << 20
	DefaultMaxEntrySize int64 = 64 << 20
	DefaultShards             = 32
	DefaultLoadTimeout        = time.Minute
)

// ErrFetchFailed wraps loader errors surfaced by Get.
var ErrFetchFailed = errors.New("track fetch failed")

// Loader reads the full content of a track.
type Loader interface {
	Load(ctx context.Context, id string) ([]byte, error)
}

type LoaderFunc func(ctx context.Context, id string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, id string) ([]byte, error) {
	return f(ctx, id)
}

type entry struct {
	key  string
	data []byte
	size int64

	// guarded by the owning shard's mu
	refs int

	// recency stamp from Cache.tick; higher is more recent
	lastUse atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	flights singleflight.Group
}

type Cache struct {
	loader      Loader
	capacity    int64
	maxEntry    int64
	loadTimeout time.Duration
	shards      []*shard
	logger      *slog.Logger

	tick atomic.Uint64

	// evictMu serialises installs and removals so byte accounting stays
	// within capacity. Hits never take it. Lock order is evictMu before
	// shard.mu; nothing holds a shard lock while taking evictMu.
	evictMu sync.Mutex
	used    int64
	count   int

	hits      atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	evictions atomic.Uint64
}

type Option func(*Cache)

func WithCapacity(bytes int64) Option {
	return func(c *Cache) {
		if bytes > 0 {
			c.capacity = bytes
		}
	}
}

func WithMaxEntrySize(bytes int64) Option {
	return func(c *Cache) {
		if bytes > 0 {
			c.maxEntry = bytes
		}
	}
}

func WithShards(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.shards = make([]*shard, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLoadTimeout bounds a single load. The load outlives the callers that
// started it, so this is what stops a hung backend pinning a flight forever.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

func New(loader Loader, opts ...Option) *Cache {
	c := &Cache{
		loader:      loader,
		capacity:    DefaultCapacity,
		maxEntry:    DefaultMaxEntrySize,
		loadTimeout: DefaultLoadTimeout,
		shards:      make([]*shard, DefaultShards),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

// Handle gives access to cached bytes. Callers must not modify the returned
// slice and must call Release when done reading.
type Handle struct {
	shard    *shard
	entry    *entry
	pinned   bool
	released atomic.Bool
}

func (h *Handle) Bytes() []byte {
	return h.entry.data
}

func (h *Handle) Size() int64 {
	return h.entry.size
}

// Cached reports whether the bytes are owned by a cache entry rather than
// handed out uncached because they did not fit.
func (h *Handle) Cached() bool {
	return h.pinned
}

func (h *Handle) Release() {
	if h == nil || !h.pinned || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.shard.mu.Lock()
	h.entry.refs--
	h.shard.mu.Unlock()
}

// Get returns the content of id, loading it through the Loader on a miss.
// A caller that finds a load already in flight waits for its outcome. The
// load itself is detached from ctx so a departing caller never cancels a
// load other callers are waiting on; it is bounded by the load timeout instead.
func (c *Cache) Get(ctx context.Context, id string) (*Handle, error) {
	sh := c.shardFor(id)
	if h := c.acquire(sh, id); h != nil {
		c.hits.Add(1)
		metrics.CacheHitsTotal.Inc()
		return h, nil
	}

	var ran bool
	var rechecked bool
	results := sh.flights.DoChan(id, func() (any, error) {
		ran = true
		sh.mu.Lock()
		existing := sh.entries[id]
		sh.mu.Unlock()
		if existing != nil {
			rechecked = true
			return existing, nil
		}

		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		data, err := c.loader.Load(loadCtx, id)
		if err != nil {
			return nil, err
		}
		return c.install(sh, id, data), nil
	})

	select {
	case res := <-results:
		if !ran {
			c.coalesced.Add(1)
			metrics.CacheCoalescedTotal.Inc()
		} else if rechecked {
			c.hits.Add(1)
			metrics.CacheHitsTotal.Inc()
		}
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, id, res.Err)
		}
		return c.pin(sh, res.Val.(*entry)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm loads id into the cache without handing out a reader.
func (c *Cache) Warm(ctx context.Context, id string) (int64, error) {
	h, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Size(), nil
}

func (c *Cache) Contains(id string) bool {
	sh := c.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[id]
	return ok
}

// Invalidate drops id unless a reader currently holds it.
func (c *Cache) Invalidate(id string) bool {
	sh := c.shardFor(id)
	sh.mu.Lock()
	e := sh.entries[id]
	sh.mu.Unlock()
	if e == nil {
		return false
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	removed := c.removeLocked(e)
	c.publishLocked()
	return removed
}

type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Capacity  int64  `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Evictions uint64 `json:"evictions"`
}

func (c *Cache) Stats() Stats {
	c.evictMu.Lock()
	entries, used := c.count, c.used
	c.evictMu.Unlock()
	return Stats{
		Entries:   entries,
		Bytes:     used,
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) shardFor(id string) *shard {
	return c.shards[xxhash.Sum64String(id)%uint64(len(c.shards))]
}

// acquire pins a resident entry, returning nil on a miss.
func (c *Cache) acquire(sh *shard, id string) *Handle {
	sh.mu.Lock()
	e := sh.entries[id]
	if e != nil {
		e.refs++
	}
	sh.mu.Unlock()
	if e == nil {
		return nil
	}
	c.touch(e)
	return &Handle{shard: sh, entry: e, pinned: true}
}

// pin turns a load result into a Handle. The entry may have been evicted, or
// never installed, in which case the bytes are handed out unpinned.
func (c *Cache) pin(sh *shard, e *entry) *Handle {
	sh.mu.Lock()
	resident := sh.entries[e.key] == e
	if resident {
		e.refs++
	}
	sh.mu.Unlock()
	if resident {
		c.touch(e)
	}
	return &Handle{shard: sh, entry: e, pinned: resident}
}

func (c *Cache) touch(e *entry) {
	e.lastUse.Store(c.tick.Add(1))
}

func (c *Cache) install(sh *shard, id string, data []byte) *entry {
	e := &entry{key: id, data: data, size: int64(len(data))}
	if e.size > c.maxEntry || e.size > c.capacity {
		c.logger.Debug("track not cached: over size limit",
			slog.String("trackId", id),
			slog.String("size", humanize.IBytes(uint64(e.size))),
			slog.String("maxEntry", humanize.IBytes(uint64(c.maxEntry))),
		)
		return e
	}

	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if !c.makeRoomLocked(e.size) {
		c.logger.Debug("track not cached: capacity held by active readers",
			slog.String("trackId", id),
			slog.String("size", humanize.IBytes(uint64(e.size))),
		)
		return e
	}

	c.touch(e)
	sh.mu.Lock()
	sh.entries[id] = e
	sh.mu.Unlock()

	c.used += e.size
	c.count++
	c.publishLocked()
	return e
}

// makeRoomLocked evicts least recently used, unpinned entries until need more
// bytes fit. It reports whether they do.
func (c *Cache) makeRoomLocked(need int64) bool {
	if c.used+need <= c.capacity {
		return true
	}

	type candidate struct {
		e     *entry
		stamp uint64
	}
	var candidates []candidate
	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.refs == 0 {
				candidates = append(candidates, candidate{e: e, stamp: e.lastUse.Load()})
			}
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.stamp, b.stamp)
	})

	for _, cand := range candidates {
		if c.used+need <= c.capacity {
			break
		}
		victim := cand.e
		if c.removeLocked(victim) {
			c.evictions.Add(1)
			metrics.CacheEvictionsTotal.Inc()
			c.logger.Debug("track evicted",
				slog.String("trackId", victim.key),
				slog.String("size", humanize.IBytes(uint64(victim.size))),
			)
		}
	}
	return c.used+need <= c.capacity
}

// removeLocked drops e if it is still the resident entry for its key and no
// reader holds it. Pins taken after the candidate scan are honoured here.
func (c *Cache) removeLocked(e *entry) bool {
	sh := c.shardFor(e.key)
	sh.mu.Lock()
	removable := sh.entries[e.key] == e && e.refs == 0
	if removable {
		delete(sh.entries, e.key)
	}
	sh.mu.Unlock()
	if !removable {
		return false
	}
	c.used -= e.size
	c.count--
	return true
}

func (c *Cache) publishLocked() {
	metrics.CacheBytes.Set(float64(c.used))
	metrics.CacheEntries.Set(float64(c.count))
}
