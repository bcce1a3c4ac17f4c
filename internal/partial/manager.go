package partial

import (
	"sync"

	"github.com/fankserver/translator-relay/internal/feedback"
	"github.com/fankserver/translator-relay/pkg/featureflag"
)

// Manager owns one Processor per active session.
type Manager struct {
	mu         sync.RWMutex
	processors map[string]*Processor

	flags     *featureflag.Gate
	emotion   EmotionProvider
	forwarder Forwarder
	events    *feedback.Bus
}

// NewManager returns an empty Manager sharing flags/emotion/forwarder/
// events across every session's Processor.
func NewManager(flags *featureflag.Gate, emotionProvider EmotionProvider, forwarder Forwarder, events *feedback.Bus) *Manager {
	return &Manager{
		processors: make(map[string]*Processor),
		flags:      flags,
		emotion:    emotionProvider,
		forwarder:  forwarder,
		events:     events,
	}
}

// GetOrCreate returns the Processor for sessionID, creating one with cfg
// if none exists yet.
func (m *Manager) GetOrCreate(sessionID, sourceLanguage string, cfg Config) *Processor {
	m.mu.RLock()
	p, ok := m.processors[sessionID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.processors[sessionID]; ok {
		return p
	}
	p = New(sessionID, sourceLanguage, cfg, m.flags, m.emotion, m.forwarder, m.events)
	m.processors[sessionID] = p
	return p
}

// Get returns the Processor for sessionID, if one exists.
func (m *Manager) Get(sessionID string) (*Processor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processors[sessionID]
	return p, ok
}

// Remove drops the Processor for sessionID, called on session end.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processors, sessionID)
}
