package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsawler/hailmary/vision/preprocessing"
)

// CacheManager keeps decoded images in memory with least-recently-used
// eviction. A single manager may back several DataLoaders.
type CacheManager struct {
	cache   *lru.Cache[string, []float32] // nil when caching is disabled
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager returns a cache holding at most maxSize images. A
// non-positive size disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	cm := &CacheManager{maxSize: maxSize}
	if maxSize > 0 {
		// New only fails for a non-positive size.
		cm.cache, _ = lru.New[string, []float32](maxSize)
	}
	return cm
}

// Key identifies one decoded file. The same file may be read as different
// kinds, so the kind is part of the key.
func Key(path string, kind preprocessing.Kind) string {
	return kind.String() + ":" + path
}

// Get returns the cached data for key. The slice is shared and must not be
// modified.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	if cm.cache != nil {
		if data, ok := cm.cache.Get(key); ok {
			cm.hits.Add(1)
			return data, true
		}
	}
	cm.misses.Add(1)
	return nil, false
}

// Put stores data under key and evicts the oldest entries beyond capacity.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.cache == nil {
		return
	}
	cm.cache.Add(key, data)
}

// Clear drops every entry. Hit and miss counts are kept.
func (cm *CacheManager) Clear() {
	if cm.cache != nil {
		cm.cache.Purge()
	}
}

// Stats returns a snapshot of the cache counters.
func (cm *CacheManager) Stats() CacheStats {
	stats := CacheStats{MaxSize: cm.maxSize, Hits: cm.hits.Load(), Misses: cm.misses.Load()}
	if cm.cache != nil {
		stats.Size = cm.cache.Len()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
