package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/translator-relay/internal/apperr"
	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/internal/partial"
)

// bufferRegistry owns one ListenerBuffer per listener connection,
// created lazily on first use and dropped when the connection goes away.
type bufferRegistry struct {
	mu      sync.Mutex
	buffers map[string]*ListenerBuffer
}

func newBufferRegistry() *bufferRegistry {
	return &bufferRegistry{buffers: make(map[string]*ListenerBuffer)}
}

func (r *bufferRegistry) forConn(connID string) *ListenerBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[connID]
	if !ok {
		b = NewListenerBuffer()
		r.buffers[connID] = b
	}
	return b
}

func (r *bufferRegistry) drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, connID)
}

// broadcast fans audio out to every connID in connIDs, bounded to
// o.cfg.MaxConcurrentBroadcasts concurrent sends. The semaphore is a
// per-call buffered channel rather than a fixed worker pool since fan-out
// width varies per forward.
func (o *Orchestrator) broadcast(ctx context.Context, req partial.ForwardRequest, res languageResult, connIDs []string) {
	sem := make(chan struct{}, o.cfg.MaxConcurrentBroadcasts)
	var wg sync.WaitGroup

	for _, connID := range connIDs {
		connID := connID
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.sendToListener(ctx, req, res, connID)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) sendToListener(ctx context.Context, req partial.ForwardRequest, res languageResult, connID string) {
	sessionID, language := req.SessionID, res.language

	buf := o.buffers.forConn(connID)
	if overflowed := buf.Push(res.audio); overflowed {
		o.events.Publish(feedback.Event{
			Type:      feedback.EventBufferOverflow,
			SessionID: sessionID,
			Data:      feedback.DroppedData{Count: 1, Reason: "listener_buffer_overflow"},
		})
	}

	frame, ok := buf.Pop()
	if !ok {
		return
	}

	outbound := OutboundAudio{
		SessionID: sessionID,
		Language:  language,
		Text:      res.translated,
		IsPartial: req.IsPartial,
		Audio:     frame,
		Timestamp: time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.RetryCount; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, o.cfg.BroadcastTimeout)
		err := o.sender.Send(sendCtx, connID, outbound)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		if apperr.KindOf(err) == apperr.KindTransport {
			o.buffers.drop(connID)
			o.directory.Disconnect(ctx, connID)
			return
		}
		if !apperr.KindOf(err).Retryable() {
			break
		}
		if attempt < o.cfg.RetryCount {
			time.Sleep(o.cfg.RetryBackoff * time.Duration(attempt+1))
		}
	}

	logrus.WithError(lastErr).WithFields(logrus.Fields{
		"session_id": sessionID,
		"connection": connID,
		"language":   language,
	}).Warn("orchestrator: broadcast send failed, dropping")
}
