package dedup

import (
	"container/list"
	"sync"
	"time"
)

// KeyCache is a small TTL-bound LRU from dedup key to stored alert id.
// Alerts are never deleted, so a cached id never goes stale; the TTL only
// bounds how long cold keys occupy memory.
type KeyCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List               // most-recent at front
	items map[string]*list.Element // key -> element
}

type entry struct {
	key string
	id  string
	exp time.Time
}

func NewKeyCache(maxKeys int, ttl time.Duration) *KeyCache {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &KeyCache{cap: maxKeys, ttl: ttl, now: time.Now, ll: list.New(), items: make(map[string]*list.Element, maxKeys)}
}

// Get returns the id cached for key.
func (c *KeyCache) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	en := el.Value.(entry)
	if c.now().Before(en.exp) {
		c.ll.MoveToFront(el)
		return en.id, true
	}
	c.ll.Remove(el)
	delete(c.items, key)
	return "", false
}

// Put caches key -> id, evicting the least recently used keys over cap.
func (c *KeyCache) Put(key, id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if el, ok := c.items[key]; ok {
		el.Value = entry{key: key, id: id, exp: now.Add(c.ttl)}
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(entry{key: key, id: id, exp: now.Add(c.ttl)})
	for c.ll.Len() > c.cap {
		c.removeBack()
	}
	// drop expired entries from the cold end
	for t := c.ll.Back(); t != nil && !now.Before(t.Value.(entry).exp); t = c.ll.Back() {
		c.removeBack()
	}
}

func (c *KeyCache) removeBack() {
	t := c.ll.Back()
	if t == nil {
		return
	}
	c.ll.Remove(t)
	delete(c.items, t.Value.(entry).key)
}

func (c *KeyCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
