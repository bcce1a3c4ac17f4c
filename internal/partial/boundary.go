package partial

import (
	"strings"
	"time"
)

// isSentenceComplete is the sentence-boundary detector: a buffered result
// counts as a complete sentence if any of the four conditions holds.
func isSentenceComplete(br *BufferedResult, isFinal bool, lastForwardedAt time.Time, pauseThreshold, maxBufferTimeout time.Duration, now time.Time) bool {
	if isFinal {
		return true
	}
	trimmed := strings.TrimSpace(br.Result.Text)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "!") {
		return true
	}
	// A zero lastForwardedAt (nothing forwarded yet this session) makes the
	// subtraction huge, so a session's very first buffered partial already
	// satisfies the pause condition.
	if now.Sub(lastForwardedAt) >= pauseThreshold {
		return true
	}
	if now.Sub(br.AddedAt) >= maxBufferTimeout {
		return true
	}
	return false
}
