package orchestrator

import "sync"

// listenerBufferMaxBytes caps the queue at 10s of PCM16/16kHz/mono audio
// (32000 bytes/sec * 10s).
const listenerBufferMaxBytes = 320_000

// ListenerBuffer queues outbound audio frames for one listener connection.
// The broadcaster both pushes and pops it (sendToListener queues a frame
// and immediately takes the oldest one to send); the mutex serializes
// overlapping forwards that address the same listener.
type ListenerBuffer struct {
	mu         sync.Mutex
	frames     [][]byte
	totalBytes int
}

// NewListenerBuffer returns an empty ListenerBuffer.
func NewListenerBuffer() *ListenerBuffer {
	return &ListenerBuffer{}
}

// Push appends frame, dropping the oldest frames first if frame would
// push the buffer over its byte cap. Returns true if anything was
// dropped, for the caller to emit BufferOverflow.
func (l *ListenerBuffer) Push(frame []byte) (overflowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames = append(l.frames, frame)
	l.totalBytes += len(frame)

	for l.totalBytes > listenerBufferMaxBytes && len(l.frames) > 0 {
		dropped := l.frames[0]
		l.frames = l.frames[1:]
		l.totalBytes -= len(dropped)
		overflowed = true
	}
	return overflowed
}

// Pop removes and returns the oldest frame, if any.
func (l *ListenerBuffer) Pop() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return nil, false
	}
	frame := l.frames[0]
	l.frames = l.frames[1:]
	l.totalBytes -= len(frame)
	return frame, true
}

// Len reports the number of buffered frames.
func (l *ListenerBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}
