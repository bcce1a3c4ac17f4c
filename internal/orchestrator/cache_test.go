package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTranslationCacheMissThenHit(t *testing.T) {
	c := NewTranslationCache(time.Minute)
	key := CacheKey("en", "es", "abc123")
	now := time.Now()

	_, ok := c.Get(key, now)
	assert.False(t, ok)

	c.Put(key, "hola", now)
	cached, ok := c.Get(key, now)
	require := assert.New(t)
	require.True(ok)
	require.Equal("hola", cached)
}

func TestTranslationCacheExpiresAfterTTL(t *testing.T) {
	c := NewTranslationCache(time.Second)
	key := CacheKey("en", "fr", "xyz")
	now := time.Now()
	c.Put(key, "bonjour", now)

	_, ok := c.Get(key, now.Add(2*time.Second))
	assert.False(t, ok)
}

func TestTranslationCacheKeyIsComposite(t *testing.T) {
	a := CacheKey("en", "es", "hash1")
	b := CacheKey("en", "fr", "hash1")
	c := CacheKey("de", "es", "hash1")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestTranslationCacheEvictsLRUAtCapacity(t *testing.T) {
	c := NewTranslationCache(time.Hour)
	now := time.Now()

	for i := 0; i < maxCacheEntries; i++ {
		key := CacheKey("en", "es", string(rune('a'+i%26))+string(rune(i)))
		c.Put(key, "x", now.Add(time.Duration(i)*time.Millisecond))
	}
	require := assert.New(t)
	require.Equal(maxCacheEntries, c.Len())

	overflowKey := CacheKey("en", "es", "overflow")
	c.Put(overflowKey, "y", now.Add(time.Duration(maxCacheEntries)*time.Millisecond))

	require.Less(c.Len(), maxCacheEntries+1)
	cached, ok := c.Get(overflowKey, now.Add(time.Duration(maxCacheEntries)*time.Millisecond))
	require.True(ok)
	require.Equal("y", cached)
}

func TestTranslationCacheAccessUpdatesLastAccessed(t *testing.T) {
	c := NewTranslationCache(time.Hour)
	key := CacheKey("en", "es", "hash")
	now := time.Now()
	c.Put(key, "hola", now)

	later := now.Add(time.Minute)
	_, ok := c.Get(key, later)
	assert.True(t, ok)

	c.mu.Lock()
	entry := c.entries[key]
	c.mu.Unlock()
	assert.Equal(t, later, entry.LastAccessedAt)
}
