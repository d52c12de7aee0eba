// Package ratelimit provides an in-memory per-client token bucket
// middleware for the simulation API.
package ratelimit

import (
	"container/list"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Limiter is a per-client token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*list.Element
	lru      *list.List    // front = most recently used
	rate     int           // tokens added per interval
	burst    int           // max tokens (bucket capacity)
	interval time.Duration // refill interval
	maxKeys  int
	keyFunc  func(*http.Request) string
	stop     chan struct{}
	counter  prometheus.Counter // optional: incremented on each 429
}

type bucket struct {
	key      string
	tokens   int
	lastFill time.Time
	lastSeen time.Time
}

// New creates a rate limiter. rate is requests per interval; burst is the
// maximum burst size.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*list.Element),
		lru:      list.New(),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000,
		keyFunc:  ClientIP,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithMaxKeys caps the number of tracked clients; the least recently seen
// client is evicted first.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// WithKeyFunc overrides how requests are attributed to a bucket.
func WithKeyFunc(f func(*http.Request) string) Option {
	return func(l *Limiter) {
		if f != nil {
			l.keyFunc = f
		}
	}
}

// ClientIP returns X-Real-IP when set, otherwise the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over budget with 429 and a JSON error body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.keyFunc(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow consumes one token for key, reporting whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var b *bucket
	if el, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(el)
		b = el.Value.(*bucket)
	} else {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		b = &bucket{key: key, tokens: l.burst, lastFill: now}
		l.buckets[key] = l.lru.PushFront(b)
	}
	b.lastSeen = now

	// Refill whole intervals only; the remainder carries over.
	if intervals := int(now.Sub(b.lastFill) / l.interval); intervals > 0 {
		b.tokens = min(l.burst, b.tokens+intervals*l.rate)
		b.lastFill = b.lastFill.Add(time.Duration(intervals) * l.interval)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// SetLimits changes the refill rate and burst. Existing buckets keep their
// tokens, capped at the new burst.
func (l *Limiter) SetLimits(rate, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
	l.burst = burst
	for _, el := range l.buckets {
		b := el.Value.(*bucket)
		b.tokens = min(b.tokens, burst)
	}
}

// evictOldest removes the least recently used bucket.
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	el := l.lru.Back()
	if el == nil {
		return
	}
	l.lru.Remove(el)
	delete(l.buckets, el.Value.(*bucket).key)
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for el := l.lru.Back(); el != nil; {
				b := el.Value.(*bucket)
				if !b.lastSeen.Before(cutoff) {
					break
				}
				prev := el.Prev()
				l.lru.Remove(el)
				delete(l.buckets, b.key)
				el = prev
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
