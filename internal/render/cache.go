package render

import (
	"container/list"
	"context"
	"sync"

	"github.com/zeebo/blake3"
)

// Cache memoizes renders keyed by a blake3 hash of payload and format.
// Identical diagram blocks, common when a notebook is resubmitted after an
// unrelated edit, skip the converter entirely. Failures are never cached.
type Cache struct {
	inner Renderer
	max   int

	mu      sync.Mutex
	entries map[[32]byte]*list.Element
	order   *list.List // front is most recent
}

type cacheEntry struct {
	key      [32]byte
	artifact []byte
	mimeType string
}

// NewCache wraps a renderer with an LRU cache of at most max entries.
func NewCache(inner Renderer, max int) *Cache {
	return &Cache{
		inner:   inner,
		max:     max,
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// Render returns the cached artifact when available, delegating otherwise.
func (c *Cache) Render(ctx context.Context, payload []byte, format string) ([]byte, string, error) {
	key := cacheKey(payload, format)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*cacheEntry)
		c.mu.Unlock()
		return e.artifact, e.mimeType, nil
	}
	c.mu.Unlock()

	artifact, mimeType, err := c.inner.Render(ctx, payload, format)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		el := c.order.PushFront(&cacheEntry{key: key, artifact: artifact, mimeType: mimeType})
		c.entries[key] = el
		if c.order.Len() > c.max {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	return artifact, mimeType, nil
}

// Len reports the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cacheKey(payload []byte, format string) [32]byte {
	h := blake3.New()
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write(payload)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
