package orchestrator

import (
	"fmt"
	"strings"

	"github.com/fankserver/translator-relay/internal/emotion"
)

// voiceTable is the static language-to-neural-voice lookup. Unknown
// languages fall through to "", which the caller treats as "drop this
// language".
var voiceTable = map[string]string{
	"en": "en-US-Neural2-C",
	"es": "es-US-Neural2-A",
	"fr": "fr-FR-Neural2-B",
	"de": "de-DE-Neural2-D",
	"ja": "ja-JP-Neural2-B",
	"zh": "zh-CN-Neural2-A",
	"pt": "pt-BR-Neural2-A",
	"it": "it-IT-Neural2-A",
	"ko": "ko-KR-Neural2-A",
	"ru": "ru-RU-Standard-D",
}

// VoiceFor returns the neural voice for lang, and whether one is known.
func VoiceFor(lang string) (string, bool) {
	v, ok := voiceTable[lang]
	return v, ok
}

// moodFor derives a coarse affect label and intensity from a sample's
// volume and rate classes, feeding the emphasis/break rules in BuildSSML:
// loud fast speech reads as excited, quiet slow speech as sad, anything
// else carries no affect. Intensity is the sample's energy for excited
// speech and its inverse for sad speech, so emphasis only fires on
// genuinely energetic frames.
func moodFor(sample emotion.EmotionSample) (string, float64) {
	loud := sample.VolumeClass == emotion.VolumeLoud || sample.VolumeClass == emotion.VolumeVeryLoud
	fast := sample.RateClass == emotion.RateFast || sample.RateClass == emotion.RateVeryFast
	quiet := sample.VolumeClass == emotion.VolumeWhisper || sample.VolumeClass == emotion.VolumeSoft
	slow := sample.RateClass == emotion.RateSlow || sample.RateClass == emotion.RateVerySlow

	switch {
	case loud && fast:
		return "excited", sample.Energy
	case quiet && slow:
		return "sad", 1 - sample.Energy
	default:
		return "", 0
	}
}

func prosodyRate(rateClass emotion.RateClass) string {
	switch rateClass {
	case emotion.RateVerySlow, emotion.RateSlow:
		return "slow"
	case emotion.RateFast:
		return "fast"
	case emotion.RateVeryFast:
		return "x-fast"
	default:
		return "medium"
	}
}

func prosodyVolume(volumeClass emotion.VolumeClass) string {
	switch volumeClass {
	case emotion.VolumeWhisper:
		return "x-soft"
	case emotion.VolumeSoft:
		return "soft"
	case emotion.VolumeLoud:
		return "loud"
	case emotion.VolumeVeryLoud:
		return "loud"
	default:
		return "medium"
	}
}

// BuildSSML composes the prosody-wrapped, emphasis-annotated SSML document
// for text, derived from sample. mood is an affect tag
// (angry/excited/surprised/sad/fearful/...), normally derived from the
// sample via moodFor; when empty, no emphasis/break rule applies.
func BuildSSML(text string, sample emotion.EmotionSample, mood string, intensity float64) string {
	escaped := xmlEscape(text)
	body := escaped

	switch strings.ToLower(mood) {
	case "angry", "excited", "surprised":
		if intensity > 0.7 {
			body = fmt.Sprintf(`<emphasis level="strong">%s</emphasis>`, body)
		}
	case "sad", "fearful":
		body = `<break time="300ms"/>` + body
	}

	rate := prosodyRate(sample.RateClass)
	volume := prosodyVolume(sample.VolumeClass)

	return fmt.Sprintf(
		`<speak><prosody rate="%s"><prosody volume="%s">%s</prosody></prosody></speak>`,
		rate, volume, body,
	)
}

func xmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
