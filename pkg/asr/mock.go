package asr

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MockEngine is a local, in-memory Engine for tests and standalone runs.
type MockEngine struct{}

// NewMockEngine returns an Engine that opens MockStreams.
func NewMockEngine() *MockEngine { return &MockEngine{} }

func (m *MockEngine) OpenStream(sessionID, sourceLanguage string) (Stream, error) {
	return &MockStream{
		sessionID: sessionID,
		language:  sourceLanguage,
		events:    make(chan Result, 64),
	}, nil
}

// MockStream lets tests push Results directly via Emit instead of
// decoding real audio.
type MockStream struct {
	sessionID string
	language  string
	events    chan Result
	mu        sync.Mutex
	closed    bool
	err       error
}

func (s *MockStream) Send(frame []byte) error {
	logrus.WithField("bytes", len(frame)).Debug("asr mock stream: frame received")
	return nil
}

func (s *MockStream) Events() <-chan Result { return s.events }

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit pushes a synthetic Result, for tests driving the pipeline directly.
func (s *MockStream) Emit(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r.SessionID = s.sessionID
	if r.SourceLanguage == "" {
		r.SourceLanguage = s.language
	}
	s.events <- r
}
