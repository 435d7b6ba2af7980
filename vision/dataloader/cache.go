package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// CacheManager caches preprocessed images by path. It is safe for concurrent
// use and may be shared by the training and validation loaders.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a new cache manager holding up to maxSize images.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrap(err, "create image cache")
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache. Callers must not modify the slice.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.([]float32), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used one when full.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.cache.Add(key, data)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear clears the cache
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
	// Don't reset statistics - keep them cumulative
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
