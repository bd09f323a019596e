package cache

import (
	"sync"
	"time"
)

// seenCost is the cost charged per remembered ring id
const seenCost = 64

// SeenCache remembers ring ids for a while so redelivered rings are dropped
type SeenCache struct {
	*ristrettoStore
	ttl time.Duration

	// mu makes the check and the insert of MarkSeen one step
	mu sync.Mutex
}

// NewSeenCache creates a cache that forgets ids after ttl
func NewSeenCache(config RistrettoConfig, ttl time.Duration) (*SeenCache, error) {
	store, err := newRistrettoStore(config)
	if err != nil {
		return nil, err
	}
	return &SeenCache{ristrettoStore: store, ttl: ttl}, nil
}

// MarkSeen records id and reports whether this is the first time it was seen.
// Ristretto may refuse an entry under memory pressure, in which case a later
// duplicate is let through.
func (c *SeenCache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.cache.Get(id); found {
		return false
	}
	c.cache.SetWithTTL(id, struct{}{}, seenCost, c.ttl)
	c.cache.Wait()
	return true
}

// Seen reports whether id is remembered
func (c *SeenCache) Seen(id string) bool {
	_, found := c.cache.Get(id)
	return found
}

// Forget drops id
func (c *SeenCache) Forget(id string) {
	c.cache.Del(id)
	c.cache.Wait()
}
