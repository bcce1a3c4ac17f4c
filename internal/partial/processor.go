// Package partial implements the partial-result processor: the
// per-session pipeline that turns a noisy stream of ASR partial/final
// results into a rate-limited, deduplicated, sentence-bounded stream of
// text handed to the translation fan-out orchestrator.
package partial

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/translator-relay/internal/emotion"
	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/pkg/asr"
	"github.com/fankserver/translator-relay/pkg/featureflag"
)

// Mode is the processor's stream-health state.
type Mode string

const (
	ModePartialsEnabled Mode = "partials-enabled"
	ModeFinalsOnly      Mode = "finals-only"
)

const (
	streamHealthTimeout   = 10 * time.Second
	unknownYoungThreshold = 3 * time.Second
	finalReplaceWindow    = 5 * time.Second
	orphanSweepInterval   = 5 * time.Second
	orphanAge             = 15 * time.Second
	discrepancyRatio      = 0.20
	discrepancyTruncate   = 80
	partialFeatureFlag    = "partial_results"
)

// ForwardRequest is what the processor hands to the translation fan-out
// orchestrator once a result clears the dedup gate.
type ForwardRequest struct {
	SessionID       string
	SourceLanguage  string
	Text            string
	IsPartial       bool
	Stability       float64
	OriginTimestamp time.Time
	Emotion         emotion.EmotionSample
}

// Forwarder hands a processed result to the translation fan-out
// orchestrator. A forward failure is logged and metered but never removes
// the dedup cache entry already inserted; the entry's TTL handles
// recovery.
type Forwarder interface {
	Forward(ctx context.Context, req ForwardRequest) error
}

// EmotionProvider supplies the current EmotionSample for a session,
// satisfied by *emotion.Analyzer.
type EmotionProvider interface {
	Current(sessionID string) emotion.EmotionSample
}

// Config carries the per-session tunables the processor enforces,
// sourced from directory.Tunables / config.Config.
type Config struct {
	PartialResultsEnabled bool
	MinStabilityThreshold float64
	MaxBufferTimeout      time.Duration
	PauseThreshold        time.Duration
	OrphanTimeout         time.Duration
	DedupTTL              time.Duration
}

// Processor is one session's Partial-Result Processor. All calls on a
// given Processor are expected to arrive from a single logical
// goroutine — the per-session consumer the Ingress Dispatcher feeds — so
// internal state is not separately synchronized beyond what concurrent
// inspection (e.g. a status endpoint) requires.
type Processor struct {
	sessionID      string
	sourceLanguage string
	cfg            Config

	rate   *RateLimiter
	buffer *ResultBuffer
	dedup  *DedupCache

	flags     *featureflag.Gate
	emotion   EmotionProvider
	forwarder Forwarder
	events    *feedback.Bus

	mu              sync.Mutex
	mode            Mode
	lastResultAt    time.Time
	lastForwardedAt time.Time
	lastOrphanSweep time.Time
}

// New returns a Processor for sessionID, starting in partials-enabled
// mode. The feature flag gate is re-checked on every partial, so an
// initially-false flag simply drops partials from the first event onward.
func New(sessionID, sourceLanguage string, cfg Config, flags *featureflag.Gate, emotionProvider EmotionProvider, forwarder Forwarder, events *feedback.Bus) *Processor {
	return &Processor{
		sessionID:      sessionID,
		sourceLanguage: sourceLanguage,
		cfg:            cfg,
		rate:           NewRateLimiter(),
		buffer:         NewResultBuffer(cfg.MinStabilityThreshold),
		dedup:          NewDedupCache(cfg.DedupTTL),
		flags:          flags,
		emotion:        emotionProvider,
		forwarder:      forwarder,
		events:         events,
		mode:           ModePartialsEnabled,
	}
}

// Process routes event to the partial or final path and opportunistically
// reaps orphaned buffer entries.
func (p *Processor) Process(ctx context.Context, event asr.Result) {
	now := time.Now()

	if event.ResultID == "" || event.Text == "" {
		logrus.WithField("session_id", p.sessionID).Warn("partial: malformed event dropped")
		return
	}

	if event.IsFinal {
		p.processFinal(ctx, event, now)
	} else {
		p.processPartial(ctx, event, now)
	}

	p.maybeCleanupOrphans(ctx, now)
}

func (p *Processor) processPartial(ctx context.Context, event asr.Result, now time.Time) {
	mode := p.probeStreamHealth(now)
	if mode == ModeFinalsOnly {
		return
	}

	if !p.cfg.PartialResultsEnabled {
		return
	}

	enabled, err := p.flags.Enabled(ctx, partialFeatureFlag, p.sessionID)
	if err != nil {
		logrus.WithError(err).WithField("session_id", p.sessionID).Warn("partial: feature flag lookup failed, dropping partial")
		return
	}
	if !enabled {
		return
	}

	best, dropped := p.rate.Admit(now, event)
	if dropped > 0 {
		p.events.Publish(feedback.Event{
			Type:      feedback.EventPartialResultsDropped,
			SessionID: p.sessionID,
			Data:      feedback.DroppedData{Count: dropped, Reason: "rate_limit_window"},
		})
	}
	if best == nil {
		return
	}

	p.continuePartial(ctx, *best, now)
}

// probeStreamHealth drives the finals-only fallback: a stale gap since
// the last result (of either kind) flips the processor into finals-only;
// a partial arriving while
// already in finals-only flips it back, since that itself demonstrates
// the ASR partial stream has resumed.
func (p *Processor) probeStreamHealth(now time.Time) Mode {
	p.mu.Lock()
	defer p.mu.Unlock()

	stale := !p.lastResultAt.IsZero() && now.Sub(p.lastResultAt) > streamHealthTimeout
	switch {
	case p.mode == ModePartialsEnabled && stale:
		p.mode = ModeFinalsOnly
		p.events.Publish(feedback.Event{Type: feedback.EventTranscribeFallbackOn, SessionID: p.sessionID})
		logrus.WithField("session_id", p.sessionID).Warn("partial: stream health probe failed, switching to finals-only")
	case p.mode == ModeFinalsOnly:
		p.mode = ModePartialsEnabled
		p.events.Publish(feedback.Event{Type: feedback.EventTranscribeFallbackOff, SessionID: p.sessionID})
		logrus.WithField("session_id", p.sessionID).Info("partial: partial stream recovered")
	}
	p.lastResultAt = now
	return p.mode
}

// continuePartial runs the stability filter, sentence-boundary check, and
// dedup-gated forward on the best partial a rate-limit window closed with.
func (p *Processor) continuePartial(ctx context.Context, ev asr.Result, now time.Time) {
	br := p.buffer.Upsert(ev, now)
	bufferedAge := now.Sub(br.AddedAt)

	stabilityKnown := ev.Stability != asr.StabilityUnknown
	belowThreshold := stabilityKnown && ev.Stability < p.cfg.MinStabilityThreshold
	unknownYoung := !stabilityKnown && bufferedAge < unknownYoungThreshold
	if belowThreshold || unknownYoung {
		return
	}

	lastForwardedAt := p.lastForwardedAtSnapshot()
	if !isSentenceComplete(br, false, lastForwardedAt, p.cfg.PauseThreshold, p.cfg.MaxBufferTimeout, now) {
		return
	}

	p.forward(ctx, br, ev, now)
}

func (p *Processor) lastForwardedAtSnapshot() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForwardedAt
}

// processFinal removes the partials a final supersedes, forwards the
// final through the dedup gate, and checks forwarded partials for
// discrepancies against the final text.
func (p *Processor) processFinal(ctx context.Context, ev asr.Result, now time.Time) {
	p.mu.Lock()
	p.lastResultAt = now
	p.mu.Unlock()

	// Any window the rate limiter still has open for this session is moot
	// once a final supersedes it; everything buffered in it counts as
	// dropped.
	if best, dropped := p.rate.Flush(); best != nil || dropped > 0 {
		count := dropped
		if best != nil {
			count++
		}
		p.events.Publish(feedback.Event{
			Type:      feedback.EventPartialResultsDropped,
			SessionID: p.sessionID,
			Data:      feedback.DroppedData{Count: count, Reason: "superseded_by_final"},
		})
	}

	var removed []*BufferedResult
	if len(ev.Replaces) > 0 {
		for _, id := range ev.Replaces {
			if br, ok := p.buffer.RemoveByID(id); ok {
				removed = append(removed, br)
			}
		}
	} else {
		removed = p.buffer.RemoveByTimestampWindow(ev.OriginTimestamp, finalReplaceWindow)
	}

	p.forward(ctx, nil, ev, now)

	for _, br := range removed {
		if !br.Forwarded {
			continue
		}
		p.checkDiscrepancy(br.Result.Text, ev.Text)
	}
}

func (p *Processor) checkDiscrepancy(partialText, finalText string) {
	dist := levenshtein(partialText, finalText)
	maxLen := len(partialText)
	if len(finalText) > maxLen {
		maxLen = len(finalText)
	}
	if maxLen == 0 {
		return
	}
	ratio := float64(dist) / float64(maxLen)
	if ratio <= discrepancyRatio {
		return
	}

	logrus.WithFields(logrus.Fields{
		"session_id": p.sessionID,
		"partial":    truncate(partialText, discrepancyTruncate),
		"final":      truncate(finalText, discrepancyTruncate),
		"distance":   dist,
		"ratio":      ratio,
	}).Warn("partial: final diverges from forwarded partial")

	p.events.Publish(feedback.Event{
		Type:      feedback.EventDiscrepancyDetected,
		SessionID: p.sessionID,
		Data: feedback.DiscrepancyData{
			PartialText: truncate(partialText, discrepancyTruncate),
			FinalText:   truncate(finalText, discrepancyTruncate),
			Distance:    dist,
			Ratio:       ratio,
		},
	})
}

// forward runs the dedup gate and, on a miss, dispatches the forward
// asynchronously so the processor's input path never blocks on the
// orchestrator. br is nil for final results, which are not themselves
// buffered entries.
func (p *Processor) forward(ctx context.Context, br *BufferedResult, ev asr.Result, now time.Time) {
	norm := normalize(ev.Text)
	hash := hash16(norm)

	if p.dedup.Contains(hash, now) {
		if br != nil {
			p.buffer.MarkForwarded(ev.ResultID)
		}
		p.events.Publish(feedback.Event{Type: feedback.EventDuplicatesDetected, SessionID: p.sessionID})
		return
	}

	flushed := p.dedup.Insert(hash, now)
	if flushed {
		p.events.Publish(feedback.Event{Type: feedback.EventDedupCacheFlushed, SessionID: p.sessionID})
	}
	if br != nil {
		p.buffer.MarkForwarded(ev.ResultID)
	}

	p.mu.Lock()
	p.lastForwardedAt = now
	p.mu.Unlock()

	req := ForwardRequest{
		SessionID:       p.sessionID,
		SourceLanguage:  p.sourceLanguage,
		Text:            ev.Text,
		IsPartial:       !ev.IsFinal,
		Stability:       ev.Stability,
		OriginTimestamp: ev.OriginTimestamp,
		Emotion:         p.emotion.Current(p.sessionID),
	}
	go p.dispatchForward(ctx, req)
}

func (p *Processor) dispatchForward(ctx context.Context, req ForwardRequest) {
	if err := p.forwarder.Forward(ctx, req); err != nil {
		logrus.WithError(err).WithField("session_id", p.sessionID).Warn("partial: forward failed")
		p.events.Publish(feedback.Event{Type: feedback.EventForwardFailed, SessionID: p.sessionID})
	}
}

// maybeCleanupOrphans flushes buffered entries that have gone stale
// without ever receiving a matching final, opportunistically, at most
// once every orphanSweepInterval.
func (p *Processor) maybeCleanupOrphans(ctx context.Context, now time.Time) {
	p.mu.Lock()
	due := now.Sub(p.lastOrphanSweep) >= orphanSweepInterval
	if due {
		p.lastOrphanSweep = now
	}
	p.mu.Unlock()
	if !due {
		return
	}

	orphanTimeout := p.cfg.OrphanTimeout
	if orphanTimeout <= 0 {
		orphanTimeout = orphanAge
	}

	orphans := p.buffer.GetOrphans(now, orphanTimeout)
	for _, br := range orphans {
		norm := normalize(br.Result.Text)
		hash := hash16(norm)
		if p.dedup.Contains(hash, now) {
			p.buffer.RemoveByID(br.Result.ResultID)
			continue
		}
		p.forward(ctx, br, br.Result, now)
		p.buffer.RemoveByID(br.Result.ResultID)
		p.events.Publish(feedback.Event{Type: feedback.EventOrphanedResultsFlushed, SessionID: p.sessionID})
	}
}

// ModeNow returns the processor's current stream-health mode, for status
// reporting / tests.
func (p *Processor) ModeNow() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// BufferedCount returns the number of results currently buffered, for
// status reporting / tests.
func (p *Processor) BufferedCount() int {
	return p.buffer.Len()
}
