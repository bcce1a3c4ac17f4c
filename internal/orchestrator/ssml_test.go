package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fankserver/translator-relay/internal/emotion"
)

func TestVoiceForKnownAndUnknownLanguage(t *testing.T) {
	voice, ok := VoiceFor("en")
	assert.True(t, ok)
	assert.Equal(t, "en-US-Neural2-C", voice)

	_, ok = VoiceFor("xx")
	assert.False(t, ok)
}

func TestBuildSSMLEscapesAndWrapsProsody(t *testing.T) {
	sample := emotion.EmotionSample{RateClass: emotion.RateMedium, VolumeClass: emotion.VolumeMedium}
	out := BuildSSML(`<tag> & "quote"`, sample, "", 0)

	assert.True(t, strings.HasPrefix(out, "<speak>"))
	assert.True(t, strings.HasSuffix(out, "</speak>"))
	assert.Contains(t, out, "&lt;tag&gt;")
	assert.Contains(t, out, "&amp;")
	assert.Contains(t, out, "&quot;quote&quot;")
	assert.Contains(t, out, `rate="medium"`)
	assert.Contains(t, out, `volume="medium"`)
}

func TestMoodForDerivesAffectFromClasses(t *testing.T) {
	mood, intensity := moodFor(emotion.EmotionSample{VolumeClass: emotion.VolumeVeryLoud, RateClass: emotion.RateVeryFast, Energy: 0.9})
	assert.Equal(t, "excited", mood)
	assert.Equal(t, 0.9, intensity)

	mood, intensity = moodFor(emotion.EmotionSample{VolumeClass: emotion.VolumeWhisper, RateClass: emotion.RateVerySlow, Energy: 0.1})
	assert.Equal(t, "sad", mood)
	assert.InDelta(t, 0.9, intensity, 1e-9)

	mood, _ = moodFor(emotion.EmotionSample{VolumeClass: emotion.VolumeMedium, RateClass: emotion.RateMedium})
	assert.Equal(t, "", mood)
}

func TestBuildSSMLDerivedExcitementAddsEmphasis(t *testing.T) {
	sample := emotion.EmotionSample{VolumeClass: emotion.VolumeVeryLoud, RateClass: emotion.RateVeryFast, Energy: 0.9}
	mood, intensity := moodFor(sample)
	out := BuildSSML("big announcement", sample, mood, intensity)
	assert.Contains(t, out, `<emphasis level="strong">`)
}

func TestBuildSSMLAppliesEmphasisForHighIntensityExcitement(t *testing.T) {
	sample := emotion.EmotionSample{RateClass: emotion.RateFast, VolumeClass: emotion.VolumeLoud}
	out := BuildSSML("great news", sample, "excited", 0.9)

	assert.Contains(t, out, `<emphasis level="strong">`)
	assert.Contains(t, out, `rate="fast"`)
	assert.Contains(t, out, `volume="loud"`)
}

func TestBuildSSMLSkipsEmphasisBelowIntensityThreshold(t *testing.T) {
	sample := emotion.EmotionSample{}
	out := BuildSSML("mild news", sample, "excited", 0.3)
	assert.NotContains(t, out, "<emphasis")
}

func TestBuildSSMLAddsBreakForSadOrFearful(t *testing.T) {
	sample := emotion.EmotionSample{}
	out := BuildSSML("oh no", sample, "sad", 0)
	assert.Contains(t, out, `<break time="300ms"/>`)
}
