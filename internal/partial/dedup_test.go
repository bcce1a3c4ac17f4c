package partial

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCacheMissThenHit(t *testing.T) {
	d := NewDedupCache(10 * time.Second)
	now := time.Now()

	assert.False(t, d.Contains("hash1", now))
	d.Insert("hash1", now)
	assert.True(t, d.Contains("hash1", now))
}

func TestDedupCacheExpiresAfterTTL(t *testing.T) {
	d := NewDedupCache(1 * time.Second)
	now := time.Now()
	d.Insert("hash1", now)

	assert.False(t, d.Contains("hash1", now.Add(2*time.Second)))
}

func TestDedupCacheEmergencyFlushOnOverflow(t *testing.T) {
	d := NewDedupCache(time.Hour)
	now := time.Now()

	var flushed bool
	last := ""
	for i := 0; i < dedupEmergencyCap+1; i++ {
		last = fmt.Sprintf("hash-%d", i)
		if d.Insert(last, now) {
			flushed = true
		}
	}

	assert.True(t, flushed)
	assert.Less(t, d.Len(), dedupEmergencyCap)
	assert.True(t, d.Contains(last, now), "the insert that triggered the flush is retained")
}

func TestDedupCacheOpportunisticSweep(t *testing.T) {
	d := NewDedupCache(time.Second)
	now := time.Now()
	d.Insert("hash1", now)

	d.Insert("hash2", now.Add(31*time.Second)) // past sweep cadence
	assert.Equal(t, 1, d.Len(), "hash1 expired and was swept, only hash2 remains")
}
