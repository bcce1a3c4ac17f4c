// Package asr defines the narrow interface the core consumes for the
// external speech-to-text engine: a small interface plus a result type,
// swappable without touching the pipeline.
package asr

import "time"

// Result is a single partial or final transcription event.
type Result struct {
	ResultID        string
	SessionID       string
	SourceLanguage  string
	Text            string
	Stability       float64 // [0,1]; use StabilityUnknown when the engine has none
	IsFinal         bool
	Replaces        []string // resultIds this final supersedes, if known
	OriginTimestamp time.Time
}

// StabilityUnknown marks a Result whose engine did not report a stability
// score, distinct from a real 0.0.
const StabilityUnknown = -1.0

// Stream is a bidirectional handle to one open ASR session: audio frames
// flow in via Send, transcription events flow out via Events.
type Stream interface {
	// Send pushes one inbound PCM16/16kHz/mono frame to the engine.
	Send(frame []byte) error
	// Events yields partial/final Results until the stream ends.
	Events() <-chan Result
	// Err returns the terminal error, if the stream ended abnormally.
	Err() error
	// Close releases the stream.
	Close() error
}

// Engine opens streams against the external ASR service.
type Engine interface {
	OpenStream(sessionID, sourceLanguage string) (Stream, error)
}
