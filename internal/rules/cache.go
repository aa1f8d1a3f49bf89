package rules

import (
	"sync"
	"time"
)

// Cache memoizes parsed condition trees keyed by the exact condition text.
// Entries invalidate when the rule's last_updated stamp changes, so editing
// a rule always reparses even if the text round-trips unchanged.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	condition string
}

type cacheEntry struct {
	expr        Expr
	err         error
	lastUpdated time.Time
}

func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]cacheEntry)}
}

// Get returns the parsed tree for the condition, parsing on first use or
// after the rule was edited. Parse failures are cached too so a broken rule
// does not cost a reparse on every pass.
func (c *Cache) Get(condition string, lastUpdated time.Time) (Expr, error) {
	key := cacheKey{condition: condition}

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && entry.lastUpdated.Equal(lastUpdated) {
		return entry.expr, entry.err
	}

	expr, err := Parse(condition)
	c.mu.Lock()
	c.entries[key] = cacheEntry{expr: expr, err: err, lastUpdated: lastUpdated}
	c.mu.Unlock()
	return expr, err
}

// Len reports the number of cached conditions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
