package policy

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/policy-gate/backend/models"
)

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	tenantID   uuid.UUID
	version    *models.PolicyVersion
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// VersionCache is an in-memory LRU cache with TTL for each tenant's active
// policy version. Thread-safe implementation using sync.RWMutex.
//
// The TTL bounds how long a freshly published version can go unseen by a
// gate instance that cached its predecessor.
type VersionCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*cacheEntry
	lruList *list.List // Doubly linked list for LRU tracking
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
}

// NewVersionCache creates a new VersionCache with specified max size and TTL
func NewVersionCache(maxSize int, ttl time.Duration) *VersionCache {
	return &VersionCache{
		entries: make(map[uuid.UUID]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves the cached active version for a tenant.
// Returns nil if not found or expired.
func (c *VersionCache) Get(tenantID uuid.UUID) *models.PolicyVersion {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[tenantID]
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(tenantID)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.version
}

// Set stores the active version for a tenant
func (c *VersionCache) Set(tenantID uuid.UUID, version *models.PolicyVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[tenantID]; exists {
		entry.version = version
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		tenantID:   tenantID,
		version:    version,
		insertedAt: time.Now(),
	}
	entry.element = c.lruList.PushFront(tenantID)
	c.entries[tenantID] = entry
}

// Invalidate removes a tenant's cached version, forcing the next read
// through to storage. Called on publish.
func (c *VersionCache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(tenantID)
}

// Clear removes all entries from the cache
func (c *VersionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uuid.UUID]*cacheEntry)
	c.lruList.Init()
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns cache statistics
func (c *VersionCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

func (c *VersionCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *VersionCache) removeEntry(tenantID uuid.UUID) {
	if entry, exists := c.entries[tenantID]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, tenantID)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *VersionCache) evictLRU() {
	backElement := c.lruList.Back()
	if backElement != nil {
		tenantID := backElement.Value.(uuid.UUID)
		c.lruList.Remove(backElement)
		delete(c.entries, tenantID)
	}
}

// CleanupExpired removes all expired entries
func (c *VersionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := make([]uuid.UUID, 0)
	for tenantID, entry := range c.entries {
		if entry.isExpired(c.ttl) {
			expired = append(expired, tenantID)
		}
	}
	for _, tenantID := range expired {
		c.removeEntry(tenantID)
	}
	return len(expired)
}

// StartCleanupWorker starts a background worker to periodically clean up expired entries
func (c *VersionCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
