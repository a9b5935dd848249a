package regex

import "time"

// seenCache remembers strings for ttl. Expired entries are dropped on the
// next Add.
type seenCache struct {
	entries map[string]time.Time
	ttl     time.Duration
}

func newSeenCache(ttl time.Duration) *seenCache {
	return &seenCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (c *seenCache) Seen(s string, now time.Time) bool {
	added, ok := c.entries[s]
	return ok && now.Sub(added) < c.ttl
}

func (c *seenCache) Add(s string, now time.Time) {
	for k, added := range c.entries {
		if now.Sub(added) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[s] = now
}
