package rules

import (
	"sync"
	"time"

	"email-triage/internal/models"
)

// ttlCache holds validated rule sets per subject for a bounded TTL.
// Read-mostly; any rule mutation invalidates the owning subject.
type ttlCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rules   []models.AutomationRule
	expires time.Time
}

func newTTLCache(ttl time.Duration, now func() time.Time) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *ttlCache) get(subjectID string) ([]models.AutomationRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[subjectID]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.rules, true
}

func (c *ttlCache) set(subjectID string, rules []models.AutomationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[subjectID] = cacheEntry{rules: rules, expires: c.now().Add(c.ttl)}
}

func (c *ttlCache) invalidate(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, subjectID)
}

// sweep drops expired entries. Run on a schedule so the map does not
// grow with every subject ever triaged.
func (c *ttlCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
