package status

import (
	"github.com/cellkv/cellkv/kv/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ngaut/log"
)

// Key addresses a transaction as seen by one region. The status of a transaction is recorded per participating
// region, so a transaction may be committed in one region and still pending in another.
type Key struct {
	RegionID uint64
	StartTs  uint64
}

// Cache memoizes terminal statuses. It is safe for concurrent use and never overwrites a terminal entry, so
// concurrent resolvers of the same transaction agree.
type Cache struct {
	entries *lru.Cache[Key, Status]
}

func NewCache(capacity int) *Cache {
	entries, err := lru.New[Key, Status](capacity)
	if err != nil {
		log.Fatalf("create status cache: %v", err)
	}
	return &Cache{entries: entries}
}

// Get returns the cached status, or Unknown on a miss.
func (c *Cache) Get(key Key) Status {
	if s, ok := c.entries.Get(key); ok {
		metrics.StatusCacheCounter.WithLabelValues("hit").Inc()
		return s
	}
	metrics.StatusCacheCounter.WithLabelValues("miss").Inc()
	return Unknown()
}

// Set caches a terminal status and returns the status now held for key. Unknown is never stored and a terminal
// entry already present wins.
func (c *Cache) Set(key Key, s Status) Status {
	if !s.IsTerminal() {
		return Unknown()
	}
	if ok, _ := c.entries.ContainsOrAdd(key, s); ok {
		if prev, found := c.entries.Peek(key); found {
			if prev != s {
				log.Warnf("conflicting status for %d in region %d: cached %s, ignored %s", key.StartTs, key.RegionID, prev, s)
			}
			return prev
		}
		// Evicted between the two calls.
		c.entries.Add(key, s)
	}
	return s
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
