// Command translator-relay runs the real-time streaming translation
// core: it accepts speaker and listener websocket connections, wires the
// partial-result processor, emotion analyzer, and translation fan-out
// orchestrator together, and reaps idle sessions/connections on a timer.
// External collaborators (ASR, MT, TTS, auth) are wired to their mock
// implementations for a standalone run.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/translator-relay/internal/config"
	"github.com/fankserver/translator-relay/internal/directory"
	"github.com/fankserver/translator-relay/internal/emotion"
	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/internal/ingress"
	"github.com/fankserver/translator-relay/internal/orchestrator"
	"github.com/fankserver/translator-relay/internal/partial"
	"github.com/fankserver/translator-relay/pkg/asr"
	"github.com/fankserver/translator-relay/pkg/auth"
	"github.com/fankserver/translator-relay/pkg/featureflag"
	"github.com/fankserver/translator-relay/pkg/mt"
	"github.com/fankserver/translator-relay/pkg/tts"
)

const reapInterval = 60 * time.Second

func main() {
	cfg := config.Load()
	config.ConfigureLogging(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("translator-relay: directory store init failed")
	}
	dir := directory.NewWithIdleTimeout(store, cfg.IdleTimeout)

	events := feedback.NewBus(1024)
	events.SubscribeAll(logEvent)
	defer events.Stop()

	flags := featureflag.NewGate(featureflag.StaticSource{Percent: 100}, 60*time.Second)
	emotionAnalyzer := emotion.New()
	asrEngine := asr.NewMockEngine()
	verifier := auth.NewMockVerifier()
	translator := mt.NewMockTranslator()
	synthesizer := tts.NewMockSynthesizer()

	orchCfg := orchestrator.Config{
		TranslateTimeout:        5 * time.Second,
		SynthesizeTimeout:       5 * time.Second,
		BroadcastTimeout:        2 * time.Second,
		MaxConcurrentBroadcasts: cfg.MaxConcurrentBroadcasts,
		CacheTTL:                cfg.CacheTTL,
		MaxCacheEntries:         cfg.MaxCacheEntries,
		RetryCount:              2,
		RetryBackoff:            100 * time.Millisecond,
	}

	var disp *ingress.Dispatcher
	orch := orchestrator.New(orchCfg, translator, synthesizer, dir, senderFunc(func(ctx context.Context, connID string, audio orchestrator.OutboundAudio) error {
		return disp.Send(ctx, connID, audio)
	}), events)

	partialsManager := partial.NewManager(flags, emotionAnalyzer, orch, events)

	processorDefaults := partial.Config{
		PartialResultsEnabled: cfg.PartialResultsEnabled,
		MinStabilityThreshold: cfg.MinStabilityThreshold,
		MaxBufferTimeout:      cfg.MaxBufferTimeout,
		PauseThreshold:        cfg.PauseThreshold,
		OrphanTimeout:         cfg.OrphanTimeout,
		DedupTTL:              cfg.DedupCacheTTL,
	}

	ingressCfg := ingress.Config{
		AudioRatePerSecond: cfg.MaxRatePerSecond,
		AudioRateBurst:     cfg.MaxRatePerSecond * 2,
	}
	disp = ingress.New(ingressCfg, &ingress.WebsocketTransport{}, dir, verifier, asrEngine, emotionAnalyzer, partialsManager, processorDefaults)

	server := newServer(cfg.ListenAddr, disp)

	go runReaper(ctx, dir)

	logrus.WithField("addr", cfg.ListenAddr).Info("translator-relay: listening")
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logrus.Info("translator-relay: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("translator-relay: shutdown error")
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("translator-relay: server error")
		}
	}
}

func newStore(ctx context.Context, cfg config.Config) (directory.Store, error) {
	if cfg.PostgresDSN == "" {
		return directory.NewMemStore(), nil
	}
	return directory.NewPostgresStore(ctx, cfg.PostgresDSN)
}

// senderFunc adapts a plain function to orchestrator.Sender, breaking
// the construction cycle between the dispatcher and the orchestrator.
type senderFunc func(ctx context.Context, connID string, audio orchestrator.OutboundAudio) error

func (f senderFunc) Send(ctx context.Context, connID string, audio orchestrator.OutboundAudio) error {
	return f(ctx, connID, audio)
}

func newServer(addr string, disp *ingress.Dispatcher) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		serveConn(disp, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// serveConn accepts one websocket connection and drives its read loop
// until disconnect.
func serveConn(disp *ingress.Dispatcher, w http.ResponseWriter, r *http.Request) {
	transport := &ingress.WebsocketTransport{}
	conn, err := transport.Accept(w, r)
	if err != nil {
		logrus.WithError(err).Warn("translator-relay: accept failed")
		return
	}

	connID := disp.Attach(conn)
	logrus.WithField("connection_id", connID).Debug("translator-relay: connection attached")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disp.Detach(ctx, connID)
		_ = conn.Close("session ended")
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case ingress.MessageBinary:
			if resp := disp.DispatchAudio(ctx, connID, data); resp != nil {
				writeFrame(ctx, conn, *resp)
			}
		default:
			resp := disp.DispatchText(ctx, connID, data)
			writeFrame(ctx, conn, resp)
		}
	}
}

func writeFrame(ctx context.Context, conn ingress.Conn, frame ingress.ServerFrame) {
	payload, err := ingress.EncodeServerFrame(frame)
	if err != nil {
		logrus.WithError(err).Warn("translator-relay: encode response frame failed")
		return
	}
	if err := conn.Write(ctx, ingress.MessageText, payload); err != nil {
		logrus.WithError(err).Debug("translator-relay: write response frame failed")
	}
}

func runReaper(ctx context.Context, dir *directory.Directory) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			droppedConns, expiredSessions := dir.ReapIdle(now)
			if droppedConns > 0 || expiredSessions > 0 {
				logrus.WithFields(logrus.Fields{
					"dropped_connections": droppedConns,
					"expired_sessions":    expiredSessions,
				}).Info("translator-relay: idle reap")
			}
		}
	}
}

func logEvent(event feedback.Event) {
	logrus.WithFields(logrus.Fields{
		"event_type": event.Type,
		"session_id": event.SessionID,
	}).Debug("translator-relay: pipeline event")
}
