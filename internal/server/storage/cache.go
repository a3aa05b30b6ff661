package storage

import (
	"sync"
	"time"

	"github.com/iplchat/iplchat/internal/server/channel"
)

// CacheCapacity is the maximum number of resident channels.
const CacheCapacity = 100

// Cache keeps hot channels in memory, retained by relevance. The lock
// covers both the capacity check and the eviction decision so the rule
// cannot race.
type Cache struct {
	mu       sync.Mutex
	capacity int
	resident map[string]*channel.Channel
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = CacheCapacity
	}
	return &Cache{capacity: capacity, resident: map[string]*channel.Channel{}}
}

// Get returns the resident channel for uuid, or nil.
func (c *Cache) Get(uuid string) *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident[uuid]
}

// Put offers ch for residency. If the key is already resident the call
// is a no-op. While there is room, ch is inserted. At capacity, the
// lowest-relevance resident is evicted iff ch's relevance strictly
// exceeds it; otherwise ch is not cached and false is returned.
func (c *Cache) Put(ch *channel.Channel, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resident[ch.UUID]; ok {
		return true
	}
	if len(c.resident) < c.capacity {
		c.resident[ch.UUID] = ch
		return true
	}

	var victim *channel.Channel
	lowest := 0.0
	for _, r := range c.resident {
		score := r.Relevance(now)
		if victim == nil || score < lowest {
			victim, lowest = r, score
		}
	}
	if ch.Relevance(now) <= lowest {
		return false
	}
	delete(c.resident, victim.UUID)
	c.resident[ch.UUID] = ch
	return true
}

// Remove drops a resident entry, if present.
func (c *Cache) Remove(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resident, uuid)
}

// Clear drops every resident entry. Used after snapshot loads, when the
// database under the cache has changed wholesale.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resident = map[string]*channel.Channel{}
}

// Len reports the number of resident channels.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resident)
}
