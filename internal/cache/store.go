package cache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
)

// Backend is the minimal byte-blob contract a storage implementation
// must satisfy; Cache wraps a Backend with the entry codec, the LRU
// index, and the invariants from the data model so every backend
// enforces them identically.
type Backend interface {
	// Load reads the entire persisted map back in, called once at
	// startup. A missing store yields an empty map and no error; an
	// unreadable or corrupt one yields an empty map and an error.
	Load() (map[string][]byte, error)
	// Persist atomically replaces the persisted map with the given
	// contents (temp-file-then-rename for file-backed implementations).
	Persist(all map[string][]byte) error
	// Close releases backend resources (file handles, connections).
	Close() error
}

// Event names emitted to the listeners registered with Subscribe.
const (
	EventHit     = "CACHE_HIT"
	EventMiss    = "CACHE_MISS"
	EventStore   = "CACHE_STORE"
	EventEvicted = "CACHE_EVICTED"
)

// Listener receives cache lifecycle events.
type Listener func(event string, key string, entry *Entry)

// Cache is the backend-agnostic Cache Store (C1). It owns the
// in-memory authoritative map and the LRU index, and delegates only
// raw persistence to a Backend.
type Cache struct {
	mu      sync.Mutex
	backend Backend

	entries map[string]*Entry
	index   map[string]*list.Element // key -> LRU list element
	lru     *list.List               // front = most recently used

	maxEntries int
	maxSizeBytes int64
	curSize    int64

	listeners []Listener
}

type lruNode struct {
	key string
}

// New constructs a Cache over backend, loading any persisted state.
func New(backend Backend, maxEntries int, maxSizeBytes int64) (*Cache, error) {
	c := &Cache{
		backend:      backend,
		entries:      make(map[string]*Entry),
		index:        make(map[string]*list.Element),
		lru:          list.New(),
		maxEntries:   maxEntries,
		maxSizeBytes: maxSizeBytes,
	}
	raw, err := backend.Load()
	if err != nil {
		// unreadable or corrupt persistent store: the Load error is
		// discarded, not logged or returned, and the Cache starts
		// with an empty map.
		raw = map[string][]byte{}
	}
	for k, b := range raw {
		e, decErr := decodeEntry(b)
		if decErr != nil {
			continue
		}
		c.entries[k] = e
		el := c.lru.PushFront(&lruNode{key: k})
		c.index[k] = el
		c.curSize += e.Size(k)
	}
	return c, nil
}

// Subscribe registers a Listener; listeners are invoked synchronously
// and in registration order, same discipline as the plugin host.
func (c *Cache) Subscribe(l Listener) {
	c.listeners = append(c.listeners, l)
}

func (c *Cache) emit(event, key string, e *Entry) {
	for _, l := range c.listeners {
		l(event, key, e)
	}
}

// Get returns the entry for key, updating its LRU recency and
// lastAccessTime. The returned bool is false if absent.
func (c *Cache) Get(key string, nowMillis int64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.emit(EventMiss, key, nil)
		return nil, false
	}
	e.LastAccessTime = nowMillis
	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
	}
	c.emit(EventHit, key, e)
	return e, true
}

// Peek returns the entry without affecting LRU order or
// lastAccessTime and without emitting events.
func (c *Cache) Peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put inserts or replaces an entry, then runs eviction and persists.
func (c *Cache) Put(key string, e *Entry) error {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.curSize -= old.Size(key)
		if el, ok := c.index[key]; ok {
			c.lru.MoveToFront(el)
		}
	} else {
		el := c.lru.PushFront(&lruNode{key: key})
		c.index[key] = el
	}
	c.entries[key] = e
	c.curSize += e.Size(key)
	c.mu.Unlock()

	c.emit(EventStore, key, e)
	c.evictIfNeeded()
	return c.persist()
}

// Delete removes a single key.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.curSize -= e.Size(key)
		delete(c.entries, key)
		if el, ok := c.index[key]; ok {
			c.lru.Remove(el)
			delete(c.index, key)
		}
	}
	c.mu.Unlock()
	return c.persist()
}

// DeleteMatching removes every entry for which pred returns true and
// returns the count removed. Calling this twice in a row with the
// same predicate is idempotent: the second call simply finds nothing
// left to remove.
func (c *Cache) DeleteMatching(pred func(key string, e *Entry) bool) (int, error) {
	c.mu.Lock()
	var toDelete []string
	for k, e := range c.entries {
		if pred(k, e) {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		c.curSize -= c.entries[k].Size(k)
		delete(c.entries, k)
		if el, ok := c.index[k]; ok {
			c.lru.Remove(el)
			delete(c.index, k)
		}
	}
	c.mu.Unlock()
	if len(toDelete) == 0 {
		return 0, nil
	}
	return len(toDelete), c.persist()
}

// Iterate calls fn for every entry currently stored. fn must not
// mutate the Cache.
func (c *Cache) Iterate(fn func(key string, e *Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		fn(k, e)
	}
}

// Stats reports counts and total bytes under the current lock.
type Stats struct {
	Count      int
	TotalBytes int64
	MaxEntries int
	MaxBytes   int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Count: len(c.entries), TotalBytes: c.curSize, MaxEntries: c.maxEntries, MaxBytes: c.maxSizeBytes}
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// evictIfNeeded removes entries in ascending lastAccessTime order
// (ties broken lexicographically by key) until both the count and
// size are back within their limits. A 90%-low-water-mark reading of
// the limit (evicting until count/size drop to 90% of maxEntries/
// maxSizeBytes) floors to a lower bound for small limits that evicts
// more than one entry on a by-one overflow, which spec §8 scenario 7
// rules out: maxEntries=3, inserting a fourth entry must evict
// exactly the one least-recently-accessed entry, leaving three
// behind. Target the limit itself instead.
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	over := len(c.entries) > c.maxEntries || c.curSize > c.maxSizeBytes
	if !over {
		c.mu.Unlock()
		return
	}
	targetCount := c.maxEntries
	targetBytes := c.maxSizeBytes

	type candidate struct {
		key string
		e   *Entry
	}
	cands := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		cands = append(cands, candidate{k, e})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].e.LastAccessTime != cands[j].e.LastAccessTime {
			return cands[i].e.LastAccessTime < cands[j].e.LastAccessTime
		}
		return cands[i].key < cands[j].key
	})

	var evicted []candidate
	for _, cd := range cands {
		if len(c.entries) <= targetCount && c.curSize <= targetBytes {
			break
		}
		delete(c.entries, cd.key)
		if el, ok := c.index[cd.key]; ok {
			c.lru.Remove(el)
			delete(c.index, cd.key)
		}
		c.curSize -= cd.e.Size(cd.key)
		evicted = append(evicted, cd)
	}
	c.mu.Unlock()

	for _, cd := range evicted {
		c.emit(EventEvicted, cd.key, cd.e)
	}
}

func (c *Cache) persist() error {
	c.mu.Lock()
	all := make(map[string][]byte, len(c.entries))
	for k, e := range c.entries {
		b, err := encodeEntry(e)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("cache: encode entry %s: %w", k, err)
		}
		all[k] = b
	}
	c.mu.Unlock()
	// disk write failure: per the spec's error condition, the caller
	// logs and the Cache keeps operating in memory; it must not panic
	// or lose the in-memory map.
	return c.backend.Persist(all)
}
