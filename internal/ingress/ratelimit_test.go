package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketAllowsBurstThenBlocks(t *testing.T) {
	b := newTokenBucket(10, 2)
	now := time.Now()

	assert.True(t, b.Allow(now))
	assert.True(t, b.Allow(now))
	assert.False(t, b.Allow(now), "burst exhausted, no elapsed time to refill")
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := newTokenBucket(10, 1)
	now := time.Now()

	assert.True(t, b.Allow(now))
	assert.False(t, b.Allow(now))

	later := now.Add(200 * time.Millisecond) // 10/s => 2 tokens/200ms
	assert.True(t, b.Allow(later))
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	b := newTokenBucket(10, 2)
	now := time.Now()

	much := now.Add(time.Hour)
	assert.True(t, b.Allow(much))
	assert.True(t, b.Allow(much))
	assert.False(t, b.Allow(much), "capacity caps accumulated tokens at burst size")
}
