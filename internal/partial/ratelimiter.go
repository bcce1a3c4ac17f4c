package partial

import (
	"time"

	"github.com/fankserver/translator-relay/pkg/asr"
)

// rateWindow is the rate limiter's sliding-window width: 200ms windows
// give 5 admitted partials/sec per session.
const rateWindow = 200 * time.Millisecond

// RateLimiter buffers PartialResults into 200ms windows and, on window
// close, emits only the best result from the window just closed. There is
// no per-session timer goroutine: a window only closes when a later event
// arrives outside it, which keeps the processor purely event-driven.
type RateLimiter struct {
	windowStart  time.Time
	bufferedByID map[string]asr.Result
	order        []string // insertion order, for stable best-of-ties iteration
}

// NewRateLimiter returns an empty RateLimiter with no open window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{bufferedByID: make(map[string]asr.Result)}
}

// Admit appends r to the current window, opening one if none is open. If r
// falls outside the current window, the window is closed first: the best
// buffered result and the count of the rest are returned, and a new window
// opens containing only r.
func (rl *RateLimiter) Admit(now time.Time, r asr.Result) (closed *asr.Result, dropped int) {
	if rl.windowStart.IsZero() {
		rl.windowStart = now
		rl.put(r)
		return nil, 0
	}

	if now.Sub(rl.windowStart) < rateWindow {
		rl.put(r)
		return nil, 0
	}

	best, droppedCount := rl.closeWindow()
	rl.reset(now)
	rl.put(r)
	return best, droppedCount
}

// Flush closes any open window unconditionally, used when the processor
// knows no further partial for this window will arrive (e.g. a final just
// superseded it).
func (rl *RateLimiter) Flush() (closed *asr.Result, dropped int) {
	if rl.windowStart.IsZero() {
		return nil, 0
	}
	best, droppedCount := rl.closeWindow()
	rl.reset(time.Time{})
	return best, droppedCount
}

func (rl *RateLimiter) reset(newStart time.Time) {
	rl.windowStart = newStart
	rl.bufferedByID = make(map[string]asr.Result)
	rl.order = nil
}

func (rl *RateLimiter) put(r asr.Result) {
	if _, exists := rl.bufferedByID[r.ResultID]; !exists {
		rl.order = append(rl.order, r.ResultID)
	}
	rl.bufferedByID[r.ResultID] = r
}

// closeWindow picks the best of the buffered results: highest stability
// (unknown treated as 0), ties broken by the most recent originTimestamp.
func (rl *RateLimiter) closeWindow() (*asr.Result, int) {
	if len(rl.order) == 0 {
		return nil, 0
	}

	var best asr.Result
	have := false
	for _, id := range rl.order {
		r := rl.bufferedByID[id]
		if !have {
			best = r
			have = true
			continue
		}
		if betterResult(r, best) {
			best = r
		}
	}
	dropped := len(rl.order) - 1
	return &best, dropped
}

func betterResult(candidate, current asr.Result) bool {
	cs, bs := stabilityOrZero(candidate), stabilityOrZero(current)
	if cs != bs {
		return cs > bs
	}
	return candidate.OriginTimestamp.After(current.OriginTimestamp)
}

func stabilityOrZero(r asr.Result) float64 {
	if r.Stability == asr.StabilityUnknown {
		return 0
	}
	return r.Stability
}
