// Package cache provides the read-side cache tiers. Each tier wraps a
// hashicorp/golang-lru container with a stable name, hit/miss accounting and
// a uniform generic surface, so callers pick an eviction policy without
// caring which container implements it.
//
// Policies: TTL-bounded (settings, categories, leaderboards), plain LRU
// (user records) and 2Q, which protects hot entries under scan-heavy reads.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_cache_hits_total",
		Help: "Cache lookups served from memory.",
	}, []string{"cache"})
	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_cache_misses_total",
		Help: "Cache lookups that fell through to the backing store.",
	}, []string{"cache"})
)

// Stats is a point-in-time snapshot of one tier.
type Stats struct {
	Name   string
	Len    int
	Hits   int64
	Misses int64
}

type container[V any] interface {
	get(key string) (V, bool)
	add(key string, v V)
	remove(key string)
	purge()
	len() int
}

// Tier is one named cache with a fixed eviction policy.
type Tier[V any] struct {
	name   string
	c      container[V]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewTTL returns a tier whose entries expire after ttl and that holds at
// most size entries.
func NewTTL[V any](name string, size int, ttl time.Duration) *Tier[V] {
	return &Tier[V]{name: name, c: &expirableC[V]{c: expirable.NewLRU[string, V](size, nil, ttl)}}
}

// NewLRU returns a least-recently-used tier of at most size entries.
func NewLRU[V any](name string, size int) *Tier[V] {
	c, _ := lru.New[string, V](size)
	return &Tier[V]{name: name, c: &lruC[V]{c: c}}
}

// New2Q returns a 2Q tier of at most size entries. 2Q keeps hot entries
// resident even under scan-heavy read patterns.
func New2Q[V any](name string, size int) *Tier[V] {
	c, _ := lru.New2Q[string, V](size)
	return &Tier[V]{name: name, c: &twoQC[V]{c: c}}
}

// Get looks up key, recording the hit or miss.
func (t *Tier[V]) Get(key string) (V, bool) {
	v, ok := t.c.get(key)
	if ok {
		t.hits.Add(1)
		hitsTotal.WithLabelValues(t.name).Inc()
	} else {
		t.misses.Add(1)
		missesTotal.WithLabelValues(t.name).Inc()
	}
	return v, ok
}

// Add stores key, evicting per the tier policy.
func (t *Tier[V]) Add(key string, v V) { t.c.add(key, v) }

// Remove invalidates key.
func (t *Tier[V]) Remove(key string) { t.c.remove(key) }

// Purge drops every entry.
func (t *Tier[V]) Purge() { t.c.purge() }

// Stats reports the tier counters.
func (t *Tier[V]) Stats() Stats {
	return Stats{
		Name:   t.name,
		Len:    t.c.len(),
		Hits:   t.hits.Load(),
		Misses: t.misses.Load(),
	}
}

type expirableC[V any] struct {
	c *expirable.LRU[string, V]
}

func (e *expirableC[V]) get(key string) (V, bool) { return e.c.Get(key) }
func (e *expirableC[V]) add(key string, v V)      { e.c.Add(key, v) }
func (e *expirableC[V]) remove(key string)        { e.c.Remove(key) }
func (e *expirableC[V]) purge()                   { e.c.Purge() }
func (e *expirableC[V]) len() int                 { return e.c.Len() }

type lruC[V any] struct {
	c *lru.Cache[string, V]
}

func (l *lruC[V]) get(key string) (V, bool) { return l.c.Get(key) }
func (l *lruC[V]) add(key string, v V)      { l.c.Add(key, v) }
func (l *lruC[V]) remove(key string)        { l.c.Remove(key) }
func (l *lruC[V]) purge()                   { l.c.Purge() }
func (l *lruC[V]) len() int                 { return l.c.Len() }

type twoQC[V any] struct {
	c *lru.TwoQueueCache[string, V]
}

func (q *twoQC[V]) get(key string) (V, bool) { return q.c.Get(key) }
func (q *twoQC[V]) add(key string, v V)      { q.c.Add(key, v) }
func (q *twoQC[V]) remove(key string)        { q.c.Remove(key) }
func (q *twoQC[V]) purge()                   { q.c.Purge() }
func (q *twoQC[V]) len() int                 { return q.c.Len() }
