// Package idempotency replays responses to retried batch submissions that
// carry an Idempotency-Key header.
package idempotency

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// Response is a captured HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type entry struct {
	key     string
	resp    Response
	storeAt time.Time
}

// Cache is a TTL-bounded LRU of responses. Keys that are being served for
// the first time are tracked as pending so a concurrent retry can be told
// to back off instead of running the request twice.
type Cache struct {
	mu         sync.Mutex
	ll         *list.List // front = most recently used
	items      map[string]*list.Element
	pending    map[string]struct{}
	ttl        time.Duration
	maxEntries int

	now func() time.Time
}

// New creates a Cache holding at most maxEntries responses for ttl each.
func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		pending:    make(map[string]struct{}),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the stored response for key.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.storeAt) > c.ttl {
		c.remove(el)
		return Response{}, false
	}
	c.ll.MoveToFront(el)
	return e.resp, true
}

// Begin marks key as in flight. It returns false when key is already in
// flight or has a stored response.
func (c *Cache) Begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[key]; busy {
		return false
	}
	if el, ok := c.items[key]; ok {
		if c.now().Sub(el.Value.(*entry).storeAt) <= c.ttl {
			return false
		}
		c.remove(el)
	}
	c.pending[key] = struct{}{}
	return true
}

// Abort clears an in-flight mark without storing a response.
func (c *Cache) Abort(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Set stores resp under key, clears its in-flight mark and evicts the least
// recently used entry when full.
func (c *Cache) Set(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.resp, e.storeAt = resp, c.now()
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&entry{key: key, resp: resp, storeAt: c.now()})
	for c.ll.Len() > c.maxEntries {
		c.remove(c.ll.Back())
	}
}

// Len returns the number of stored responses, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Prune drops expired responses and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).storeAt) > c.ttl {
			c.remove(el)
			n++
		}
		el = prev
	}
	return n
}

// remove must be called with c.mu held.
func (c *Cache) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
