package cache

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_cache_hits_total",
		Help: "Optimize responses served from the cache",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_cache_misses_total",
		Help: "Optimize requests not found in the cache",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_cache_evictions_total",
		Help: "Entries dropped to stay within capacity",
	})
)

// ResultCache stores encoded optimize responses by request key.
type ResultCache interface {
	// Get retrieves a copy of a cached response.
	Get(key string) ([]byte, bool)
	// Put stores a copy of a response.
	Put(key string, value []byte)
	// Size returns the number of items in the cache.
	Size() int
}

// Key derives a cache key from the request body and the pass selection.
func Key(body []byte, passes ...string) string {
	h := sha256.New()
	h.Write(body)
	for _, p := range passes {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LRUCache is an in-memory ResultCache holding at most capacity entries,
// evicting the least recently used.
type LRUCache struct {
	lru *lru.Cache[string, []byte]
}

// NewLRUCache returns a cache of the given capacity. A capacity below 1
// disables caching.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		return &LRUCache{}
	}
	c, err := lru.NewWithEvict(capacity, func(string, []byte) {
		evictions.Inc()
	})
	if err != nil {
		// only a non-positive size is rejected
		panic(err)
	}
	return &LRUCache{lru: c}
}

func (c *LRUCache) Get(key string) ([]byte, bool) {
	if c.lru == nil {
		misses.Inc()
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		misses.Inc()
		return nil, false
	}
	hits.Inc()
	dst := make([]byte, len(v))
	copy(dst, v)
	return dst, true
}

func (c *LRUCache) Put(key string, value []byte) {
	if c.lru == nil {
		return
	}
	dst := make([]byte, len(value))
	copy(dst, value)
	c.lru.Add(key, dst)
}

func (c *LRUCache) Size() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
