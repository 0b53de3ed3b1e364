package graph

import (
	"crypto/sha256"
	"sync"
)

// Cache keeps loaded definitions per flow id and reloads only when the document changes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	sum [sha256.Size]byte
	def *Definition
}

// NewCache creates an empty definition cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the definition for raw, loading it when flowID is unknown or its content changed.
func (c *Cache) Get(flowID string, raw []byte) (*Definition, error) {
	sum := sha256.Sum256(raw)
	c.mu.RLock()
	e, ok := c.entries[flowID]
	c.mu.RUnlock()
	if ok && e.sum == sum {
		return e.def, nil
	}

	def, err := Load(raw)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[flowID] = cacheEntry{sum: sum, def: def}
	c.mu.Unlock()
	return def, nil
}

// Invalidate drops a cached definition.
func (c *Cache) Invalidate(flowID string) {
	c.mu.Lock()
	delete(c.entries, flowID)
	c.mu.Unlock()
}
