package partial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/translator-relay/internal/emotion"
	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/pkg/asr"
	"github.com/fankserver/translator-relay/pkg/featureflag"
)

type recordingForwarder struct {
	mu   sync.Mutex
	reqs []ForwardRequest
	err  error
}

func (f *recordingForwarder) Forward(_ context.Context, req ForwardRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

func (f *recordingForwarder) snapshot() []ForwardRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ForwardRequest(nil), f.reqs...)
}

type stubEmotion struct{}

func (stubEmotion) Current(sessionID string) emotion.EmotionSample {
	return emotion.EmotionSample{SessionID: sessionID}
}

func newTestProcessor(t *testing.T, percent int) (*Processor, *recordingForwarder, *feedback.Bus) {
	t.Helper()
	gate := featureflag.NewGate(featureflag.StaticSource{Percent: percent}, time.Minute)
	forwarder := &recordingForwarder{}
	bus := feedback.NewBus(64)
	cfg := Config{
		PartialResultsEnabled: true,
		MinStabilityThreshold: 0.85,
		MaxBufferTimeout:      5 * time.Second,
		PauseThreshold:        2 * time.Second,
		OrphanTimeout:         15 * time.Second,
		DedupTTL:              10 * time.Second,
	}
	p := New("sess-1", "en", cfg, gate, stubEmotion{}, forwarder, bus)
	return p, forwarder, bus
}

func waitForForward(t *testing.T, f *recordingForwarder, n int) []ForwardRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.snapshot()) >= n {
			return f.snapshot()
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "forward did not arrive in time")
	return nil
}

// closeRateWindow ages the open rate-limit window and sends one more
// partial, so the window closes and its best result reaches the stability
// filter. The extra partial stays behind in the newly opened window.
func closeRateWindow(ctx context.Context, p *Processor) {
	p.rate.windowStart = p.rate.windowStart.Add(-rateWindow)
	p.Process(ctx, asr.Result{ResultID: "closer", Text: "window closer", Stability: 0.1, OriginTimestamp: time.Now()})
}

func TestProcessFinalForwardsImmediately(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 100)
	ctx := context.Background()

	p.Process(ctx, asr.Result{
		ResultID:        "r1",
		SessionID:       "sess-1",
		Text:            "hello there.",
		IsFinal:         true,
		OriginTimestamp: time.Now(),
	})

	reqs := waitForForward(t, forwarder, 1)
	assert.Equal(t, "hello there.", reqs[0].Text)
	assert.False(t, reqs[0].IsPartial)
}

func TestProcessFinalDuplicateSuppressed(t *testing.T) {
	p, forwarder, bus := newTestProcessor(t, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var dupCount int
	bus.Subscribe(feedback.EventDuplicatesDetected, func(feedback.Event) {
		mu.Lock()
		dupCount++
		mu.Unlock()
	})

	now := time.Now()
	p.Process(ctx, asr.Result{ResultID: "r1", Text: "same text", IsFinal: true, OriginTimestamp: now})
	waitForForward(t, forwarder, 1)
	p.Process(ctx, asr.Result{ResultID: "r2", Text: "same text", IsFinal: true, OriginTimestamp: now.Add(time.Second)})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dupCount)
	assert.Len(t, forwarder.snapshot(), 1)
}

func TestProcessPartialBelowStabilityBuffersOnly(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 100)
	ctx := context.Background()

	p.Process(ctx, asr.Result{
		ResultID:        "r1",
		Text:            "partial text",
		Stability:       0.5,
		OriginTimestamp: time.Now(),
	})
	closeRateWindow(ctx, p)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, forwarder.snapshot())
	assert.Equal(t, 1, p.BufferedCount())
}

func TestProcessPartialAboveStabilityWithBoundaryForwards(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 100)
	ctx := context.Background()

	p.Process(ctx, asr.Result{
		ResultID:        "r1",
		Text:            "a complete sentence.",
		Stability:       0.95,
		OriginTimestamp: time.Now(),
	})
	closeRateWindow(ctx, p)

	reqs := waitForForward(t, forwarder, 1)
	assert.True(t, reqs[0].IsPartial)
}

func TestProcessPartialDisabledFlagDrops(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 0)
	ctx := context.Background()

	p.Process(ctx, asr.Result{
		ResultID:        "r1",
		Text:            "a complete sentence.",
		Stability:       0.95,
		OriginTimestamp: time.Now(),
	})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, forwarder.snapshot())
}

func TestProcessPartialTunableDisabledDrops(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 100)
	p.cfg.PartialResultsEnabled = false
	ctx := context.Background()

	p.Process(ctx, asr.Result{
		ResultID:        "r1",
		Text:            "a complete sentence.",
		Stability:       0.95,
		OriginTimestamp: time.Now(),
	})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, forwarder.snapshot())
}

func TestStreamHealthFallbackAndRecovery(t *testing.T) {
	p, forwarder, bus := newTestProcessor(t, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var onCount, offCount int
	bus.Subscribe(feedback.EventTranscribeFallbackOn, func(feedback.Event) {
		mu.Lock()
		onCount++
		mu.Unlock()
	})
	bus.Subscribe(feedback.EventTranscribeFallbackOff, func(feedback.Event) {
		mu.Lock()
		offCount++
		mu.Unlock()
	})

	p.Process(ctx, asr.Result{ResultID: "r1", Text: "first.", Stability: 0.95, OriginTimestamp: time.Now()})
	closeRateWindow(ctx, p)
	waitForForward(t, forwarder, 1)

	p.mu.Lock()
	p.lastResultAt = time.Now().Add(-11 * time.Second)
	p.mu.Unlock()

	p.Process(ctx, asr.Result{ResultID: "r2", Text: "stale partial.", Stability: 0.95, OriginTimestamp: time.Now()})
	assert.Equal(t, ModeFinalsOnly, p.ModeNow())

	// A final always proceeds regardless of mode.
	p.Process(ctx, asr.Result{ResultID: "r3", Text: "final during fallback.", IsFinal: true, OriginTimestamp: time.Now()})
	waitForForward(t, forwarder, 2)
	assert.Equal(t, ModeFinalsOnly, p.ModeNow())

	// The next partial restores partials-enabled.
	p.Process(ctx, asr.Result{ResultID: "r4", Text: "recovered partial.", Stability: 0.95, OriginTimestamp: time.Now()})
	assert.Equal(t, ModePartialsEnabled, p.ModeNow())

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, onCount)
	assert.Equal(t, 1, offCount)
}

func TestFinalRemovesMatchingPartialsAndChecksDiscrepancy(t *testing.T) {
	p, forwarder, bus := newTestProcessor(t, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var discrepancies int
	bus.Subscribe(feedback.EventDiscrepancyDetected, func(feedback.Event) {
		mu.Lock()
		discrepancies++
		mu.Unlock()
	})

	origin := time.Now()
	p.Process(ctx, asr.Result{ResultID: "r1", Text: "completely different words here.", Stability: 0.95, OriginTimestamp: origin})
	closeRateWindow(ctx, p)
	waitForForward(t, forwarder, 1)

	p.Process(ctx, asr.Result{
		ResultID:        "r2",
		Text:            "totally unrelated content now.",
		IsFinal:         true,
		Replaces:        []string{"r1"},
		OriginTimestamp: origin.Add(time.Second),
	})
	waitForForward(t, forwarder, 2)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, discrepancies)
}

func TestOrphanCleanupForwardsStaleBufferedEntries(t *testing.T) {
	p, forwarder, bus := newTestProcessor(t, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var orphanEvents int
	bus.Subscribe(feedback.EventOrphanedResultsFlushed, func(feedback.Event) {
		mu.Lock()
		orphanEvents++
		mu.Unlock()
	})

	p.Process(ctx, asr.Result{ResultID: "r1", Text: "never gets a final", Stability: 0.5, OriginTimestamp: time.Now()})
	closeRateWindow(ctx, p)
	require.Equal(t, 1, p.BufferedCount())

	// Force the buffered entry to look old, and force the sweep to run.
	br, _ := p.buffer.Get("r1")
	br.AddedAt = time.Now().Add(-20 * time.Second)
	p.mu.Lock()
	p.lastOrphanSweep = time.Now().Add(-10 * time.Second)
	p.mu.Unlock()

	// r2 joins the still-open window; only the orphan sweep forwards.
	p.Process(ctx, asr.Result{ResultID: "r2", Text: "another partial.", Stability: 0.95, OriginTimestamp: time.Now()})
	waitForForward(t, forwarder, 1)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, orphanEvents)
	assert.Equal(t, 0, p.BufferedCount())
}

func TestMalformedEventDropped(t *testing.T) {
	p, forwarder, _ := newTestProcessor(t, 100)
	ctx := context.Background()

	p.Process(ctx, asr.Result{ResultID: "", Text: "no id"})
	p.Process(ctx, asr.Result{ResultID: "r1", Text: ""})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, forwarder.snapshot())
}
