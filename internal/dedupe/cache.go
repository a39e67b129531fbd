// ABOUTME: Thread-safe TTL window for ignoring re-sent client messages
// ABOUTME: Socket clients retry newMessage with the same client_message_id; the window drops the repeat

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Config fields are zero.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10000

	sweepInterval = time.Minute
)

// Config sizes a Cache.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for a TTL, holding at most MaxSize of them. When full,
// the least recently marked key is evicted.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its expiry sweep. Call Close to stop it.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// MessageKey scopes a client-chosen message ID to its sender and
// conversation, so two users picking the same ID never collide.
func MessageKey(userID, conversationID, clientMessageID string) string {
	return userID + "\x00" + conversationID + "\x00" + clientMessageID
}

// Seen marks key and reports whether it was already marked within the TTL.
// The check and the mark happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.entries, front.Value.(*entry).key)
		}
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Contains reports whether key is marked and unexpired without marking it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	return ok && time.Since(el.Value.(*entry).seenAt) < c.ttl
}

// Forget unmarks key so the same message may be accepted again. Used when
// the first attempt was refused before anything was recorded.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are ordered by mark time, so it stops at
// the first live one.
func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.entries, e.key)
		el = next
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
