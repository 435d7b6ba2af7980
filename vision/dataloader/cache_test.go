package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheManagerBasicOperations(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	_, ok := cm.Get("a")
	assert.False(t, ok)

	cm.Put("a", []float32{1})
	got, ok := cm.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, got)

	stats := cm.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 50.0, stats.HitRate)
	assert.Equal(t, "Cache: 1/2 items, Hits: 1, Misses: 1, Hit Rate: 50.0%", stats.String())
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})
	_, _ = cm.Get("a") // b is now least recently used
	cm.Put("c", []float32{3})

	_, ok := cm.Get("b")
	assert.False(t, ok)
	_, ok = cm.Get("a")
	assert.True(t, ok)
	_, ok = cm.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cm.Stats().Size)
}

func TestCacheManagerClearKeepsStats(t *testing.T) {
	cm, err := NewCacheManager(4)
	require.NoError(t, err)
	cm.Put("a", []float32{1})
	_, _ = cm.Get("a")

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	assert.Equal(t, int64(1), cm.Stats().Hits)

	cm.ResetStats()
	assert.Equal(t, int64(0), cm.Stats().Hits)
	assert.Equal(t, 0.0, cm.Stats().HitRate)
}

func TestCacheManagerInvalidSize(t *testing.T) {
	_, err := NewCacheManager(0)
	assert.Error(t, err)
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm, err := NewCacheManager(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (g+i)%32)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, []float32{float32(i)})
				}
			}
		}(g)
	}
	wg.Wait()

	stats := cm.Stats()
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
	assert.LessOrEqual(t, stats.Size, 16)
}
