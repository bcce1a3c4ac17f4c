package ingress

import (
	"sync"
	"time"
)

// tokenBucket enforces the per-session audio-frame rate: 10 frames/s
// with a burst allowance of 20 by default. Tokens refill lazily on Allow
// rather than by a background ticker, the same lazy-on-access posture
// the partial-result rate limiter takes for its window close.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	updatedAt  time.Time
}

func newTokenBucket(ratePerSecond, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		capacity:   float64(burst),
		refillRate: float64(ratePerSecond),
		updatedAt:  time.Now(),
	}
}

// Allow reports whether one token is available, consuming it if so.
func (b *tokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.updatedAt = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
