package locator

import (
	"container/list"
	"sync"
	"time"
)

// DefaultNegativeTTL is how long a failed lookup is remembered before the
// upstream is asked again.
const DefaultNegativeTTL = 60 * time.Second

// Cache is a bounded message-id → FileLocator map with strict LRU eviction.
// One Cache exists per bot identity. Failed lookups are stored as short-lived
// negative entries so a dead link cannot hammer the upstream.
type Cache struct {
	mu         sync.RWMutex
	maxEntries int
	negTTL     time.Duration

	entries map[int64]*list.Element
	// lru orders elements from most recently used (front) to least (back).
	lru *list.List

	now func() time.Time
}

type cacheEntry struct {
	messageID  int64
	locator    FileLocator
	insertedAt time.Time
	lastUsedAt time.Time

	// negative marks a remembered lookup failure; negUntil is its expiry.
	negative bool
	negUntil time.Time
	negErr   error
}

// NewCache creates a cache bounded to maxEntries locators.
func NewCache(maxEntries int) *Cache {
	return &Cache{
		maxEntries: maxEntries,
		negTTL:     DefaultNegativeTTL,
		entries:    make(map[int64]*list.Element),
		lru:        list.New(),
		now:        time.Now,
	}
}

// Get returns the cached locator for messageID. The second return is false on
// a miss. A valid negative entry is reported through negErr with ok=false;
// callers should surface negErr instead of retrying the upstream.
func (c *Cache) Get(messageID int64) (loc FileLocator, ok bool, negErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, exists := c.entries[messageID]
	if !exists {
		return FileLocator{}, false, nil
	}
	entry := el.Value.(*cacheEntry)

	if entry.negative {
		if c.now().After(entry.negUntil) {
			c.removeLocked(el)
			return FileLocator{}, false, nil
		}
		return FileLocator{}, false, entry.negErr
	}

	entry.lastUsedAt = c.now()
	c.lru.MoveToFront(el)
	return entry.locator, true, nil
}

// Put inserts or replaces the locator for messageID, evicting the least
// recently used entry when the cache is full.
func (c *Cache) Put(messageID int64, loc FileLocator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, exists := c.entries[messageID]; exists {
		entry := el.Value.(*cacheEntry)
		entry.locator = loc
		entry.negative = false
		entry.negErr = nil
		entry.lastUsedAt = now
		c.lru.MoveToFront(el)
		return
	}

	c.insertLocked(&cacheEntry{
		messageID:  messageID,
		locator:    loc,
		insertedAt: now,
		lastUsedAt: now,
	})
}

// PutNegative remembers a lookup failure for the negative-cache TTL.
func (c *Cache) PutNegative(messageID int64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, exists := c.entries[messageID]; exists {
		entry := el.Value.(*cacheEntry)
		entry.negative = true
		entry.negErr = cause
		entry.negUntil = now.Add(c.negTTL)
		entry.lastUsedAt = now
		c.lru.MoveToFront(el)
		return
	}

	c.insertLocked(&cacheEntry{
		messageID:  messageID,
		insertedAt: now,
		lastUsedAt: now,
		negative:   true,
		negErr:     cause,
		negUntil:   now.Add(c.negTTL),
	})
}

// Invalidate drops the entry for messageID, if present.
func (c *Cache) Invalidate(messageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, exists := c.entries[messageID]; exists {
		c.removeLocked(el)
	}
}

// Len returns the current number of entries, negative entries included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// insertLocked adds a fresh entry, evicting from the LRU tail as needed.
// Eviction is atomic with insertion: both happen under the same lock hold.
func (c *Cache) insertLocked(entry *cacheEntry) {
	for c.lru.Len() >= c.maxEntries {
		c.removeLocked(c.lru.Back())
	}
	c.entries[entry.messageID] = c.lru.PushFront(entry)
}

func (c *Cache) removeLocked(el *list.Element) {
	entry := c.lru.Remove(el).(*cacheEntry)
	delete(c.entries, entry.messageID)
}
