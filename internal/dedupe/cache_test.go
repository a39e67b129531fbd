// ABOUTME: Tests for the dedupe window used to ignore re-sent client messages
// ABOUTME: Validates TTL expiry, size limits, eviction order, sweeping and concurrency

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newCache(t *testing.T, ttl time.Duration, maxSize int) *Cache {
	t.Helper()
	c := New(Config{TTL: ttl, MaxSize: maxSize})
	t.Cleanup(c.Close)
	return c
}

func TestCache_SeenMarksOnce(t *testing.T) {
	c := newCache(t, time.Minute, 10)

	assert.False(t, c.Seen("a"), "first sighting is new")
	assert.True(t, c.Seen("a"), "second sighting is a duplicate")
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
}

func TestCache_Expiry(t *testing.T) {
	c := newCache(t, 10*time.Millisecond, 10)

	c.Seen("a")
	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.Contains("a"))
	assert.False(t, c.Seen("a"), "expired key counts as new")
	assert.True(t, c.Seen("a"))
}

func TestCache_Forget(t *testing.T) {
	c := newCache(t, time.Minute, 10)

	c.Seen("a")
	c.Forget("a")
	assert.False(t, c.Seen("a"))
	assert.Equal(t, 1, c.Len())

	c.Forget("missing")
}

func TestCache_EvictsOldest(t *testing.T) {
	c := newCache(t, time.Minute, 3)

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("d"))
}

func TestCache_RemarkMovesToBack(t *testing.T) {
	c := newCache(t, 10*time.Millisecond, 2)

	c.Seen("a")
	c.Seen("b")
	time.Sleep(20 * time.Millisecond)

	// a expired, so this re-marks it as newest and b becomes the eviction victim
	assert.False(t, c.Seen("a"))
	c.Seen("c")

	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	c := newCache(t, 50*time.Millisecond, 10)

	c.Seen("old-1")
	c.Seen("old-2")
	time.Sleep(60 * time.Millisecond)
	c.Seen("fresh")

	c.sweep(time.Now())

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("fresh"))
}

func TestCache_Defaults(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(Config{})
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestMessageKey_ScopesByUserAndConversation(t *testing.T) {
	c := newCache(t, time.Minute, 10)

	assert.False(t, c.Seen(MessageKey("u1", "c1", "m1")))
	assert.False(t, c.Seen(MessageKey("u2", "c1", "m1")))
	assert.False(t, c.Seen(MessageKey("u1", "c2", "m1")))
	assert.True(t, c.Seen(MessageKey("u1", "c1", "m1")))
}

func TestCache_ConcurrentSeenAdmitsOne(t *testing.T) {
	c := newCache(t, time.Minute, 100)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
