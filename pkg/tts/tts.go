// Package tts defines the narrow interface the core consumes for the
// external speech-synthesis engine, the same shape as pkg/asr and
// pkg/mt: one interface the orchestrator depends on, one mock for tests
// and standalone runs.
package tts

import "context"

// Synthesizer renders SSML into PCM16 audio for a given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, ssml, voice string) ([]byte, error)
}

// MockSynthesizer returns a short fixed PCM16 buffer regardless of input.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (m *MockSynthesizer) Synthesize(_ context.Context, ssml, voice string) ([]byte, error) {
	// 20ms of silence at 16kHz/mono/16-bit, enough for callers exercising
	// the broadcast path without a real synthesis backend.
	return make([]byte, 640), nil
}
