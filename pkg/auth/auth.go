// Package auth defines the narrow interface the ingress dispatcher uses to
// verify a speaker's connect token before a session is created, the same
// external-oracle shape as pkg/asr/pkg/mt/pkg/tts.
package auth

import (
	"context"
	"strings"

	"github.com/fankserver/translator-relay/internal/apperr"
)

// Claims describes the verified identity behind a speaker connect token.
type Claims struct {
	SpeakerID string
	SessionID string // non-empty when the token targets an existing session
}

// Verifier validates a speaker connect token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// MockVerifier accepts any non-empty token and derives a SpeakerID from
// it, for tests and standalone runs.
type MockVerifier struct{}

func NewMockVerifier() *MockVerifier { return &MockVerifier{} }

func (m *MockVerifier) Verify(_ context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperr.ErrUnauthenticated
	}
	return Claims{SpeakerID: "speaker-" + token}, nil
}
