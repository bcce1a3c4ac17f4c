package partial

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/pkg/featureflag"
)

func newTestManager() *Manager {
	gate := featureflag.NewGate(featureflag.StaticSource{Percent: 100}, time.Minute)
	bus := feedback.NewBus(64)
	return NewManager(gate, stubEmotion{}, &recordingForwarder{}, bus)
}

func TestManagerGetOrCreateReusesProcessor(t *testing.T) {
	m := newTestManager()
	cfg := Config{MinStabilityThreshold: 0.85, MaxBufferTimeout: 5 * time.Second, PauseThreshold: 2 * time.Second}

	p1 := m.GetOrCreate("sess-1", "en", cfg)
	p2 := m.GetOrCreate("sess-1", "en", cfg)
	assert.Same(t, p1, p2)

	_, ok := m.Get("sess-1")
	assert.True(t, ok)
}

func TestManagerRemoveDropsProcessor(t *testing.T) {
	m := newTestManager()
	m.GetOrCreate("sess-1", "en", Config{})
	m.Remove("sess-1")

	_, ok := m.Get("sess-1")
	assert.False(t, ok)
}

// TestManagerConcurrentGetOrCreate exercises many goroutines racing to
// create the processor for the same session, where only one processor may
// win.
func TestManagerConcurrentGetOrCreate(t *testing.T) {
	m := newTestManager()
	cfg := Config{MinStabilityThreshold: 0.85, MaxBufferTimeout: 5 * time.Second}

	results := make([]*Processor, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.GetOrCreate(fmt.Sprintf("sess-%d", i%5), "en", cfg)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]*Processor)
	for i, p := range results {
		key := fmt.Sprintf("sess-%d", i%5)
		if existing, ok := seen[key]; ok {
			assert.Same(t, existing, p)
		} else {
			seen[key] = p
		}
	}
}
