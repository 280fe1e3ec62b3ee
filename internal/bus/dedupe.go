package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache is a TTL-bounded seen-set for inbound message keys. Gateway
// reconnects and webhook retries redeliver events; without dedup each
// redelivery would re-register agents for an already-handled message.
type DedupeCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache that forgets keys after ttl, holding at most
// size entries.
func NewDedupeCache(ttl time.Duration, size int) *DedupeCache {
	return &DedupeCache{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// IsDuplicate records the key and reports whether it was already present.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if _, ok := c.lru.Get(key); ok {
		return true
	}
	c.lru.Add(key, struct{}{})
	return false
}
