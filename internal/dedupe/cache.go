// ABOUTME: Bounded TTL set of transport event ids already handled
// ABOUTME: Lets adapters drop events the network redelivers after a reconnect

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when New is given zero values.
const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 4096
)

type entry struct {
	key    string
	seenAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often expired ids are purged. Zero disables
// the background sweeper; expired ids are then only reclaimed by eviction.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// Cache remembers ids for a TTL, holding at most capacity entries. The
// oldest id is evicted first when full. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // oldest at front
	ttl      time.Duration
	capacity int

	now        func() time.Time
	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a Cache. Non-positive ttl or capacity take the defaults.
func New(ttl time.Duration, capacity int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		capacity:   capacity,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweeper()
	}
	return c
}

// Key joins a scope (room, chat) and an event id.
func Key(scope, id string) string {
	return scope + "|" + id
}

// Seen reports whether key was recorded within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Observe records key and reports whether it was already present. Checking
// and recording happen under one lock, so concurrent callers racing on the
// same key see exactly one false.
func (c *Cache) Observe(key string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.recordLocked(key)
	return false
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of stored ids, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired ids now.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if e.seenAt.After(cutoff) {
			// Entries are kept in seen order, so the rest are newer.
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, e.key)
		el = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

// recordLocked inserts or refreshes key at the back of the order.
func (c *Cache) recordLocked(key string) {
	now := c.now()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}
	for len(c.entries) >= c.capacity {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.order.Remove(front)
		delete(c.entries, front.Value.(*entry).key)
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
