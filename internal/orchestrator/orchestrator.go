package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/internal/partial"
	"github.com/fankserver/translator-relay/pkg/mt"
	"github.com/fankserver/translator-relay/pkg/tts"
)

// DirectoryView is the narrow slice of internal/directory.Directory the
// Orchestrator needs: who is listening, and how to remove a connection
// that is no longer reachable.
type DirectoryView interface {
	ListenersByLanguage(sessionID string) map[string][]string
	Disconnect(ctx context.Context, connID string) (sessionID string, wasSpeaker bool)
}

// OutboundAudio is one synthesized audio chunk addressed to a listener,
// carrying the translated text it was rendered from so the transport can
// deliver a transcript frame alongside the audio.
type OutboundAudio struct {
	SessionID string
	Language  string
	Text      string
	IsPartial bool
	Audio     []byte
	Timestamp time.Time
}

// Sender delivers OutboundAudio to a specific listener connection. The
// Ingress Dispatcher's connection registry implements this; returning
// apperr.ErrConnectionGone (or any error satisfying apperr.KindOf ==
// KindTransport) tells the broadcaster to drop the connection.
type Sender interface {
	Send(ctx context.Context, connID string, audio OutboundAudio) error
}

// Config carries the Orchestrator's timeouts and concurrency caps, sourced
// from config.Config.
type Config struct {
	TranslateTimeout        time.Duration
	SynthesizeTimeout       time.Duration
	BroadcastTimeout        time.Duration
	MaxConcurrentBroadcasts int
	CacheTTL                time.Duration
	MaxCacheEntries         int
	RetryCount              int
	RetryBackoff            time.Duration
}

func (c *Config) applyDefaults() {
	if c.TranslateTimeout <= 0 {
		c.TranslateTimeout = 5 * time.Second
	}
	if c.SynthesizeTimeout <= 0 {
		c.SynthesizeTimeout = 5 * time.Second
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 2 * time.Second
	}
	if c.MaxConcurrentBroadcasts <= 0 {
		c.MaxConcurrentBroadcasts = 100
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Orchestrator is the Translation Fan-Out Orchestrator: it implements
// partial.Forwarder, consuming processed text from one session's
// Partial-Result Processor and fanning it out, per listener language, to
// every connected listener.
type Orchestrator struct {
	cfg Config

	translator  mt.Translator
	synthesizer tts.Synthesizer
	cache       *TranslationCache
	directory   DirectoryView
	sender      Sender
	events      *feedback.Bus
	buffers     *bufferRegistry
}

// New returns an Orchestrator wired to the given external oracles,
// directory view, sender, and event bus.
func New(cfg Config, translator mt.Translator, synthesizer tts.Synthesizer, directory DirectoryView, sender Sender, events *feedback.Bus) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:         cfg,
		translator:  translator,
		synthesizer: synthesizer,
		cache:       NewTranslationCacheWithCapacity(cfg.CacheTTL, cfg.MaxCacheEntries),
		directory:   directory,
		sender:      sender,
		events:      events,
		buffers:     newBufferRegistry(),
	}
}

// languageResult is one language's translate+synthesize outcome.
type languageResult struct {
	language   string
	translated string
	audio      []byte
	err        error
}

// Forward implements partial.Forwarder. It discovers listeners, then
// translates and synthesizes for every listener language in parallel;
// each language's own goroutine records its failure locally rather than
// returning it to the errgroup, so one language's error never cancels the
// others. It finally broadcasts each language's audio to its listeners.
func (o *Orchestrator) Forward(ctx context.Context, req partial.ForwardRequest) error {
	listeners := o.directory.ListenersByLanguage(req.SessionID)
	if len(listeners) == 0 {
		return nil
	}

	results := o.translateAndSynthesize(ctx, req, listeners)

	var wg sync.WaitGroup
	for _, res := range results {
		res := res
		if res.err != nil {
			logrus.WithError(res.err).WithFields(logrus.Fields{
				"session_id": req.SessionID,
				"language":   res.language,
			}).Warn("orchestrator: language dropped from this forward")
			continue
		}
		connIDs := listeners[res.language]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.broadcast(ctx, req, res, connIDs)
		}()
	}
	wg.Wait()

	return nil
}

// translateAndSynthesize runs the translate and synthesize stages for
// every listener language in parallel, via errgroup purely for goroutine
// bookkeeping (its
// cancel-on-error behavior is never exercised: every language's own error
// is captured locally instead of returned to the group).
func (o *Orchestrator) translateAndSynthesize(ctx context.Context, req partial.ForwardRequest, listeners map[string][]string) []languageResult {
	results := make([]languageResult, len(listeners))
	languages := make([]string, 0, len(listeners))
	for lang := range listeners {
		languages = append(languages, lang)
	}

	var g errgroup.Group
	for i, lang := range languages {
		i, lang := i, lang
		g.Go(func() error {
			results[i] = o.translateAndSynthesizeOne(ctx, req, lang)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) translateAndSynthesizeOne(ctx context.Context, req partial.ForwardRequest, targetLang string) languageResult {
	translated, err := o.translate(ctx, req.Text, req.SourceLanguage, targetLang)
	if err != nil {
		return languageResult{language: targetLang, err: err}
	}

	voice, ok := VoiceFor(targetLang)
	if !ok {
		return languageResult{language: targetLang, err: errUnknownVoice(targetLang)}
	}

	mood, intensity := moodFor(req.Emotion)
	ssml := BuildSSML(translated, req.Emotion, mood, intensity)

	synthCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	defer cancel()
	audio, err := o.synthesizer.Synthesize(synthCtx, ssml, voice)
	if err != nil {
		return languageResult{language: targetLang, err: err}
	}

	return languageResult{language: targetLang, translated: translated, audio: audio}
}

func (o *Orchestrator) translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	key := CacheKey(sourceLang, targetLang, partial.Hash16(partial.Normalize(text)))
	now := time.Now()

	if cached, ok := o.cache.Get(key, now); ok {
		return cached, nil
	}

	translateCtx, cancel := context.WithTimeout(ctx, o.cfg.TranslateTimeout)
	defer cancel()
	translated, err := o.translator.Translate(translateCtx, text, sourceLang, targetLang)
	if err != nil {
		return "", err
	}

	o.cache.Put(key, translated, now)
	return translated, nil
}

func errUnknownVoice(lang string) error {
	return &unknownVoiceError{lang: lang}
}

type unknownVoiceError struct{ lang string }

func (e *unknownVoiceError) Error() string { return "orchestrator: no voice for language " + e.lang }
