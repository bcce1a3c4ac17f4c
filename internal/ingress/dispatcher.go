package ingress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/translator-relay/internal/apperr"
	"github.com/fankserver/translator-relay/internal/directory"
	"github.com/fankserver/translator-relay/internal/emotion"
	"github.com/fankserver/translator-relay/internal/orchestrator"
	"github.com/fankserver/translator-relay/internal/partial"
	"github.com/fankserver/translator-relay/pkg/asr"
	"github.com/fankserver/translator-relay/pkg/auth"
)

const (
	maxControlFrameBytes = 1024
	maxAudioFrameBytes   = 32 * 1024
	audioRatePerSecond   = 10
	audioRateBurst       = 20
)

// Config carries the ingress dispatcher's own tunables, enforced
// independent of a session's processor tunables.
type Config struct {
	MaxControlFrameBytes int
	MaxAudioFrameBytes   int
	AudioRatePerSecond   int
	AudioRateBurst       int
}

func (c *Config) applyDefaults() {
	if c.MaxControlFrameBytes <= 0 {
		c.MaxControlFrameBytes = maxControlFrameBytes
	}
	if c.MaxAudioFrameBytes <= 0 {
		c.MaxAudioFrameBytes = maxAudioFrameBytes
	}
	if c.AudioRatePerSecond <= 0 {
		c.AudioRatePerSecond = audioRatePerSecond
	}
	if c.AudioRateBurst <= 0 {
		c.AudioRateBurst = audioRateBurst
	}
}

// connState is everything the Dispatcher tracks about one accepted
// connection beyond what the Directory already owns: the live Conn to
// write frames back on, and its role cached locally so DispatchAudio's
// hot path doesn't take a Directory lock per frame.
type connState struct {
	mu        sync.Mutex
	conn      Conn
	role      string // "unauthenticated" | "speaker" | "listener"
	sessionID string
}

// Dispatcher is the ingress dispatcher: it owns the live connection
// registry, validates and routes every inbound frame, and implements
// orchestrator.Sender so the translation fan-out orchestrator can
// address listeners without knowing about the transport.
type Dispatcher struct {
	cfg Config

	transport       Transport
	directory       *directory.Directory
	verifier        auth.Verifier
	asrEngine       asr.Engine
	emotionAnalyzer *emotion.Analyzer
	partials        *partial.Manager

	processorDefaults partial.Config // pause/orphan/dedup defaults; per-session fields overridden from Tunables

	mu             sync.RWMutex
	conns          map[string]*connState
	sessionStreams map[string]asr.Stream
	sessionCancels map[string]context.CancelFunc // cancels a session's in-flight forwards
	audioLimiters  map[string]*tokenBucket       // keyed by sessionID
}

// New wires a Dispatcher over the given collaborators. processorDefaults
// supplies the ambient Partial-Result Processor tunables (pause
// threshold, orphan timeout, dedup TTL) that are not part of a session's
// speaker-supplied Tunables.
func New(
	cfg Config,
	transport Transport,
	dir *directory.Directory,
	verifier auth.Verifier,
	asrEngine asr.Engine,
	emotionAnalyzer *emotion.Analyzer,
	partials *partial.Manager,
	processorDefaults partial.Config,
) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:               cfg,
		transport:         transport,
		directory:         dir,
		verifier:          verifier,
		asrEngine:         asrEngine,
		emotionAnalyzer:   emotionAnalyzer,
		partials:          partials,
		processorDefaults: processorDefaults,
		conns:             make(map[string]*connState),
		sessionStreams:    make(map[string]asr.Stream),
		sessionCancels:    make(map[string]context.CancelFunc),
		audioLimiters:     make(map[string]*tokenBucket),
	}
}

// Attach registers a newly-accepted connection with the directory and the
// dispatcher's local registry. Speaker identity is not verified
// here — only on the first createSession — so Attach itself never fails.
func (d *Dispatcher) Attach(conn Conn) string {
	connID := uuid.NewString()
	d.directory.Attach(connID)

	d.mu.Lock()
	d.conns[connID] = &connState{conn: conn, role: "unauthenticated"}
	d.mu.Unlock()

	return connID
}

// Detach tears down everything owned by connID: the directory entry, and
// (for a speaker) the session's ASR stream, processor, emotion state, and
// audio rate limiter. Idempotent.
func (d *Dispatcher) Detach(ctx context.Context, connID string) {
	d.mu.Lock()
	delete(d.conns, connID)
	d.mu.Unlock()

	sessionID, wasSpeaker := d.directory.Disconnect(ctx, connID)
	if sessionID == "" {
		return
	}
	if wasSpeaker {
		d.teardownSession(sessionID)
	}
}

func (d *Dispatcher) teardownSession(sessionID string) {
	d.mu.Lock()
	stream, ok := d.sessionStreams[sessionID]
	cancel := d.sessionCancels[sessionID]
	delete(d.sessionStreams, sessionID)
	delete(d.sessionCancels, sessionID)
	delete(d.audioLimiters, sessionID)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ok {
		if err := stream.Close(); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("ingress: asr stream close failed")
		}
	}
	d.partials.Remove(sessionID)
	d.emotionAnalyzer.Clear(sessionID)
	logrus.WithField("session_id", sessionID).Info("ingress: session torn down")
}

// DispatchText decodes and routes one MessageText frame from connID,
// returning the response frame to write back (always non-nil: errors are
// rendered as {type:"error",...} frames rather than returned to the
// transport loop, so a bad frame never terminates the connection).
func (d *Dispatcher) DispatchText(ctx context.Context, connID string, data []byte) ServerFrame {
	if len(data) > d.cfg.MaxControlFrameBytes {
		return errorFrame(apperr.ErrMessageTooLarge)
	}

	frame, err := decodeClientFrame(data)
	if err != nil {
		return errorFrame(apperr.New(apperr.KindValidation, "INVALID_FRAME", "malformed control frame: "+err.Error()))
	}

	cs, ok := d.connState(connID)
	if !ok {
		return errorFrame(apperr.New(apperr.KindState, "CONNECTION_UNKNOWN", "connection is not attached"))
	}
	d.directory.Touch(connID)

	switch frame.Action {
	case "createSession":
		return d.handleCreateSession(ctx, connID, cs, frame)
	case "joinSession":
		return d.handleJoinSession(ctx, connID, cs, frame)
	case "controlBroadcast":
		return d.handleControlBroadcast(cs, frame)
	case "getSessionStatus":
		return d.handleGetSessionStatus(cs, frame)
	case "changeLanguage":
		return d.handleChangeLanguage(connID, cs, frame)
	case "heartbeat":
		return ServerFrame{Type: "heartbeatAck"}
	default:
		return errorFrame(apperr.New(apperr.KindValidation, "UNKNOWN_ACTION", "unrecognized action: "+frame.Action))
	}
}

// DispatchAudio routes one MessageBinary frame from connID: validates
// size, role, and per-session rate, then submits to the emotion analyzer
// and the ASR stream in parallel; neither blocks the other.
func (d *Dispatcher) DispatchAudio(ctx context.Context, connID string, frame []byte) *ServerFrame {
	if len(frame) > d.cfg.MaxAudioFrameBytes {
		f := errorFrame(apperr.ErrMessageTooLarge)
		return &f
	}

	cs, ok := d.connState(connID)
	if !ok {
		f := errorFrame(apperr.New(apperr.KindState, "CONNECTION_UNKNOWN", "connection is not attached"))
		return &f
	}

	cs.mu.Lock()
	role, sessionID := cs.role, cs.sessionID
	cs.mu.Unlock()
	if role != "speaker" {
		f := errorFrame(apperr.ErrInvalidRole)
		return &f
	}

	d.directory.Touch(connID)

	limiter := d.limiterFor(sessionID)
	if !limiter.Allow(time.Now()) {
		f := errorFrame(apperr.ErrRateLimited)
		return &f
	}

	d.mu.RLock()
	stream := d.sessionStreams[sessionID]
	d.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.emotionAnalyzer.Submit(sessionID, frame)
	}()
	go func() {
		defer wg.Done()
		if stream == nil {
			return
		}
		if err := stream.Send(frame); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Warn("ingress: asr stream send failed")
		}
	}()
	wg.Wait()

	return nil
}

func (d *Dispatcher) limiterFor(sessionID string) *tokenBucket {
	d.mu.RLock()
	l, ok := d.audioLimiters[sessionID]
	d.mu.RUnlock()
	if ok {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.audioLimiters[sessionID]; ok {
		return l
	}
	l = newTokenBucket(d.cfg.AudioRatePerSecond, d.cfg.AudioRateBurst)
	d.audioLimiters[sessionID] = l
	return l
}

func (d *Dispatcher) connState(connID string) (*connState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cs, ok := d.conns[connID]
	return cs, ok
}

func (d *Dispatcher) handleCreateSession(ctx context.Context, connID string, cs *connState, frame ClientFrame) ServerFrame {
	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()
	if role != "unauthenticated" {
		// At most one session per speaker connection at a time; a
		// listener connection may never become a speaker either.
		return errorFrame(apperr.ErrInvalidRole)
	}

	if _, err := d.verifier.Verify(ctx, frame.Token); err != nil {
		return errorFrame(err)
	}

	tunables := directory.Tunables{
		PartialResultsEnabled: true,
		MinStabilityThreshold: d.processorDefaults.MinStabilityThreshold,
		MaxBufferTimeout:      d.processorDefaults.MaxBufferTimeout,
	}
	if frame.PartialResultsEnabled != nil {
		tunables.PartialResultsEnabled = *frame.PartialResultsEnabled
	}
	if frame.MinStabilityThreshold != nil {
		tunables.MinStabilityThreshold = *frame.MinStabilityThreshold
	}
	if frame.MaxBufferTimeoutSec != nil {
		tunables.MaxBufferTimeout = time.Duration(*frame.MaxBufferTimeoutSec * float64(time.Second))
	}

	sess, err := d.directory.CreateSession(ctx, connID, frame.SourceLanguage, tunables)
	if err != nil {
		return errorFrame(err)
	}
	d.directory.BindSpeaker(connID, sess.ID)

	cs.mu.Lock()
	cs.role = "speaker"
	cs.sessionID = sess.ID
	cs.mu.Unlock()

	stream, err := d.asrEngine.OpenStream(sess.ID, frame.SourceLanguage)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sess.ID).Error("ingress: asr open stream failed")
	} else {
		pumpCtx, pumpCancel := context.WithCancel(context.Background())
		d.mu.Lock()
		d.sessionStreams[sess.ID] = stream
		d.sessionCancels[sess.ID] = pumpCancel
		d.mu.Unlock()
		go d.pumpTranscripts(pumpCtx, sess.ID, frame.SourceLanguage, sess.Tunables, stream)
	}

	minStability := sess.Tunables.MinStabilityThreshold
	maxBufferSec := sess.Tunables.MaxBufferTimeout.Seconds()
	enabled := sess.Tunables.PartialResultsEnabled
	return ServerFrame{
		Type:                  "sessionCreated",
		SessionID:             sess.ID,
		SourceLanguage:        sess.SourceLanguage,
		PartialResultsEnabled: &enabled,
		MinStabilityThreshold: &minStability,
		MaxBufferTimeoutSec:   &maxBufferSec,
	}
}

// pumpTranscripts is the transcription pump: one goroutine per session's
// ASR stream, draining its event stream onto the session's
// single-consumer partial-result processor for the life of the stream.
// ctx is the session-scoped context; cancelling it discards the
// session's in-flight forwards while letting their I/O unwind on its
// own timeouts.
func (d *Dispatcher) pumpTranscripts(ctx context.Context, sessionID, sourceLanguage string, tunables directory.Tunables, stream asr.Stream) {
	cfg := d.processorDefaults
	cfg.PartialResultsEnabled = tunables.PartialResultsEnabled
	cfg.MinStabilityThreshold = tunables.MinStabilityThreshold
	cfg.MaxBufferTimeout = tunables.MaxBufferTimeout

	processor := d.partials.GetOrCreate(sessionID, sourceLanguage, cfg)

	for event := range stream.Events() {
		processor.Process(ctx, event)
	}
	if err := stream.Err(); err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Warn("ingress: asr stream ended with error")
	}
}

func (d *Dispatcher) handleJoinSession(ctx context.Context, connID string, cs *connState, frame ClientFrame) ServerFrame {
	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()
	if role == "speaker" {
		return errorFrame(apperr.ErrInvalidRole)
	}

	if err := d.directory.JoinSession(ctx, connID, frame.SessionID, frame.TargetLanguage); err != nil {
		return errorFrame(err)
	}

	cs.mu.Lock()
	cs.role = "listener"
	cs.sessionID = frame.SessionID
	cs.mu.Unlock()

	_, dist, err := d.directory.Describe(frame.SessionID)
	if err != nil {
		dist = nil
	}
	return ServerFrame{
		Type:                 "sessionJoined",
		SessionID:            frame.SessionID,
		TargetLanguage:       frame.TargetLanguage,
		LanguageDistribution: dist,
	}
}

func (d *Dispatcher) handleControlBroadcast(cs *connState, frame ClientFrame) ServerFrame {
	cs.mu.Lock()
	role, sessionID := cs.role, cs.sessionID
	cs.mu.Unlock()
	if role != "speaker" {
		return errorFrame(apperr.ErrInvalidRole)
	}

	snap, err := d.directory.UpdateBroadcastState(sessionID, frame.ControlAction, frame.Volume)
	if err != nil {
		return errorFrame(err)
	}

	d.announceBroadcastState(sessionID, snap)

	vol := snap.Volume
	muted := snap.Muted
	return ServerFrame{
		Type:      "broadcastControlled",
		SessionID: sessionID,
		State:     string(snap.State),
		Volume:    &vol,
		Muted:     &muted,
	}
}

// announceBroadcastState fans a broadcastState frame out to every
// listener of sessionID, best-effort (a write failure here is logged, not
// retried — the broadcaster's retry/reap policy is reserved for audio).
func (d *Dispatcher) announceBroadcastState(sessionID string, snap directory.Snapshot) {
	listeners := d.directory.ListenersByLanguage(sessionID)
	vol := snap.Volume
	muted := snap.Muted
	payload, err := encodeServerFrame(ServerFrame{
		Type:      "broadcastState",
		SessionID: sessionID,
		State:     string(snap.State),
		Volume:    &vol,
		Muted:     &muted,
	})
	if err != nil {
		return
	}

	for _, connIDs := range listeners {
		for _, connID := range connIDs {
			d.writeRaw(connID, payload)
		}
	}
}

func (d *Dispatcher) writeRaw(connID string, payload []byte) {
	cs, ok := d.connState(connID)
	if !ok {
		return
	}
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, MessageText, payload); err != nil {
		logrus.WithError(err).WithField("connection_id", connID).Debug("ingress: announce write failed")
	}
}

func (d *Dispatcher) handleGetSessionStatus(cs *connState, frame ClientFrame) ServerFrame {
	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()
	if role != "speaker" {
		return errorFrame(apperr.ErrInvalidRole)
	}

	snap, dist, err := d.directory.Describe(frame.SessionID)
	if err != nil {
		return errorFrame(err)
	}
	return ServerFrame{
		Type:                 "sessionStatus",
		SessionID:            snap.ID,
		ListenerCount:        snap.ListenerCount,
		LanguageDistribution: dist,
		State:                string(snap.State),
		SourceLanguage:       snap.SourceLanguage,
	}
}

func (d *Dispatcher) handleChangeLanguage(connID string, cs *connState, frame ClientFrame) ServerFrame {
	cs.mu.Lock()
	role := cs.role
	cs.mu.Unlock()
	if role != "listener" {
		return errorFrame(apperr.ErrInvalidRole)
	}

	if err := d.directory.Retarget(connID, frame.TargetLanguage); err != nil {
		return errorFrame(err)
	}

	return ServerFrame{Type: "languageChanged", TargetLanguage: frame.TargetLanguage}
}

// Send implements orchestrator.Sender: it writes the translated
// transcript as a partialTranscript/finalTranscript text frame followed
// by the synthesized audio as a raw MessageBinary frame, translating any
// transport failure into apperr.ErrConnectionGone so the broadcaster's
// retry/reap policy applies.
func (d *Dispatcher) Send(ctx context.Context, connID string, audio orchestrator.OutboundAudio) error {
	cs, ok := d.connState(connID)
	if !ok {
		return apperr.ErrConnectionGone
	}
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()

	if audio.Text != "" {
		frameType := "finalTranscript"
		if audio.IsPartial {
			frameType = "partialTranscript"
		}
		isPartial := audio.IsPartial
		payload, err := encodeServerFrame(ServerFrame{
			Type:           frameType,
			SessionID:      audio.SessionID,
			TargetLanguage: audio.Language,
			Text:           audio.Text,
			IsPartial:      &isPartial,
		})
		if err == nil {
			if werr := conn.Write(ctx, MessageText, payload); werr != nil {
				return apperr.Wrap(apperr.KindTransport, apperr.ErrConnectionGone.Code, "listener write failed", werr)
			}
		}
	}

	if err := conn.Write(ctx, MessageBinary, audio.Audio); err != nil {
		return apperr.Wrap(apperr.KindTransport, apperr.ErrConnectionGone.Code, "listener write failed", err)
	}
	return nil
}

// errorFrame renders any error as a stable {type:"error",...} frame.
// Errors not already tagged via apperr are folded in as internal errors.
func errorFrame(err error) ServerFrame {
	kind := apperr.KindOf(err)
	code := "INTERNAL_ERROR"
	msg := err.Error()
	var retryAfter string
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
		msg = appErr.Message
		retryAfter = appErr.RetryAfter
	}
	if kind == apperr.KindCapacity && retryAfter == "" {
		retryAfter = "1s"
	}
	return ServerFrame{Type: "error", Code: code, Message: msg, RetryAfter: retryAfter}
}
