// Package mt defines the narrow interface the core consumes for the
// external machine-translation engine.
package mt

import "context"

// Translator calls out to the external translation service.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// MockTranslator returns a deterministic, clearly-marked translation for
// tests and standalone runs.
type MockTranslator struct{}

func NewMockTranslator() *MockTranslator { return &MockTranslator{} }

func (m *MockTranslator) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	return "[" + targetLang + "] " + text, nil
}
