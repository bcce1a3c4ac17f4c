// Package emotion implements the emotion dynamics pipeline: parallel
// volume and speaking-rate analysis of raw PCM frames, folded into a
// per-session EmotionSample the translation fan-out orchestrator reads
// when shaping SSML prosody. All analysis is time-domain.
package emotion

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// VolumeClass buckets a frame's loudness for prosody shaping.
type VolumeClass string

const (
	VolumeWhisper  VolumeClass = "whisper"
	VolumeSoft     VolumeClass = "soft"
	VolumeMedium   VolumeClass = "medium"
	VolumeLoud     VolumeClass = "loud"
	VolumeVeryLoud VolumeClass = "very_loud"
)

// RateClass buckets an estimated speaking rate for prosody shaping.
type RateClass string

const (
	RateVerySlow RateClass = "very_slow"
	RateSlow     RateClass = "slow"
	RateMedium   RateClass = "medium"
	RateFast     RateClass = "fast"
	RateVeryFast RateClass = "very_fast"
)

// EmotionSample is the latest per-session volume/rate/energy triple.
// Latest wins, with no TTL: the Analyzer simply overwrites this struct in
// place on every frame.
type EmotionSample struct {
	SessionID   string
	Volume      float64 // [0,1]
	Rate        float64 // [0.5,2.0] multiplier
	Energy      float64 // [0,1], tracks Volume
	VolumeClass VolumeClass
	RateClass   RateClass
	VolumeDb    float64
	RateWpm     float64
	SNRDb       float64 // advisory only, never gates volume classification
	ProducedAt  time.Time
}

// neutralSample is substituted whenever a detector fails: neutral
// defaults, never a blocked pipeline.
func neutralSample(sessionID string) EmotionSample {
	return EmotionSample{
		SessionID:   sessionID,
		Volume:      0.5,
		Rate:        1.0,
		Energy:      0.5,
		VolumeClass: VolumeMedium,
		RateClass:   RateMedium,
		ProducedAt:  time.Now(),
	}
}

const (
	historyWindow   = 10 // 10 frames @ 100ms, the ~1s SNR estimation window
	quantNoiseFloor = 1.0 / float64(int64(1)<<16) * (1.0 / float64(int64(1)<<16))
)

type sessionState struct {
	mu sync.Mutex

	rmsHistory   []float64 // rolling ~1s of per-frame RMS, oldest first
	onsetHistory []float64 // rolling onset-strength history for adaptive threshold
	lastRMS      float64
	onsetTimes   []time.Time // onset timestamps within the last second

	sample EmotionSample
}

// Analyzer runs volume and rate detection on inbound PCM16 frames, one
// sessionState per active session.
type Analyzer struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	int16Pool sync.Pool // reusable []int16 scratch buffers; one decode per inbound frame
}

// New returns an Analyzer with no sessions yet registered.
func New() *Analyzer {
	return &Analyzer{
		sessions: make(map[string]*sessionState),
		int16Pool: sync.Pool{
			New: func() any {
				buf := make([]int16, 0, 1600) // 100ms @ 16kHz mono
				return &buf
			},
		},
	}
}

func (a *Analyzer) stateFor(sessionID string) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sessions[sessionID]
	if !ok {
		st = &sessionState{sample: neutralSample(sessionID)}
		a.sessions[sessionID] = st
	}
	return st
}

// Clear drops a session's analyzer state, called on session end.
func (a *Analyzer) Clear(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// Current returns the latest EmotionSample for sessionID, or the neutral
// default if no frame has been analyzed yet.
func (a *Analyzer) Current(sessionID string) EmotionSample {
	st := a.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sample
}

// Submit analyzes one PCM16/16kHz/mono frame for sessionID, running
// volume and rate detection in parallel, and folds the result into the
// session's EmotionSample. Detector panics are recovered
// and substituted with neutral defaults; Submit never blocks the caller
// on anything but the ≤100ms analysis itself.
func (a *Analyzer) Submit(sessionID string, frame []byte) EmotionSample {
	st := a.stateFor(sessionID)

	pcm := a.decode(frame)
	defer a.release(pcm)

	var (
		wg                    sync.WaitGroup
		volClass              VolumeClass
		volNorm, volDb, snrDb float64
		rateClass             RateClass
		rateMult, rateWpm     float64
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverInto(sessionID, "volume")
		volClass, volNorm, volDb, snrDb = a.analyzeVolume(st, *pcm)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto(sessionID, "rate")
		rateClass, rateMult, rateWpm = a.analyzeRate(st, *pcm)
	}()
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()

	sample := EmotionSample{
		SessionID:   sessionID,
		Volume:      volNorm,
		Rate:        rateMult,
		Energy:      volNorm,
		VolumeClass: volClass,
		RateClass:   rateClass,
		VolumeDb:    volDb,
		RateWpm:     rateWpm,
		SNRDb:       snrDb,
		ProducedAt:  time.Now(),
	}
	if sample.VolumeClass == "" {
		neutral := neutralSample(sessionID)
		sample.Volume, sample.Energy, sample.VolumeClass = neutral.Volume, neutral.Energy, neutral.VolumeClass
	}
	if sample.RateClass == "" {
		neutral := neutralSample(sessionID)
		sample.Rate, sample.RateClass = neutral.Rate, neutral.RateClass
	}
	st.sample = sample
	return sample
}

func recoverInto(sessionID, detector string) {
	if r := recover(); r != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"detector":   detector,
			"panic":      r,
		}).Error("emotion: detector panicked, using neutral default")
	}
}

// decode converts a little-endian PCM16 byte frame into a pooled []int16
// scratch buffer.
func (a *Analyzer) decode(frame []byte) *[]int16 {
	bufPtr := a.int16Pool.Get().(*[]int16)
	buf := (*bufPtr)[:0]
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		buf = append(buf, int16(binary.LittleEndian.Uint16(frame[i*2:i*2+2])))
	}
	*bufPtr = buf
	return bufPtr
}

func (a *Analyzer) release(bufPtr *[]int16) {
	a.int16Pool.Put(bufPtr)
}

// analyzeVolume computes frame RMS, classifies it, and folds it into the
// session's rolling history for the adaptive SNR estimate.
func (a *Analyzer) analyzeVolume(st *sessionState, pcm []int16) (VolumeClass, float64, float64, float64) {
	rms := rmsOf(pcm)

	st.mu.Lock()
	st.rmsHistory = append(st.rmsHistory, rms)
	if len(st.rmsHistory) > historyWindow {
		st.rmsHistory = st.rmsHistory[len(st.rmsHistory)-historyWindow:]
	}
	history := append([]float64(nil), st.rmsHistory...)
	st.mu.Unlock()

	normalized := rms / 32768.0
	db := amplitudeToDb(normalized)
	class := classifyVolume(db)
	snr := estimateSNR(history, normalized)

	return class, clamp01(normalized), db, snr
}

// analyzeRate estimates syllable onsets per second via the first
// difference of rectified RMS against an adaptive rolling threshold (a
// time-domain stand-in for spectral flux), then converts onsets/sec to an
// approximate WPM.
func (a *Analyzer) analyzeRate(st *sessionState, pcm []int16) (RateClass, float64, float64) {
	rms := rmsOf(pcm)

	st.mu.Lock()
	prev := st.lastRMS
	st.lastRMS = rms

	onsetStrength := math.Max(0, rms-prev)
	st.onsetHistory = append(st.onsetHistory, onsetStrength)
	if len(st.onsetHistory) > historyWindow {
		st.onsetHistory = st.onsetHistory[len(st.onsetHistory)-historyWindow:]
	}
	threshold := adaptiveThreshold(st.onsetHistory)

	now := time.Now()
	if onsetStrength > threshold && onsetStrength > 0 {
		st.onsetTimes = append(st.onsetTimes, now)
	}
	cutoff := now.Add(-1 * time.Second)
	kept := st.onsetTimes[:0]
	for _, t := range st.onsetTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.onsetTimes = kept
	onsetsPerSecond := float64(len(st.onsetTimes))
	st.mu.Unlock()

	const syllablesPerWord = 1.4
	wpm := onsetsPerSecond * 60.0 / syllablesPerWord

	class := classifyRate(wpm)
	multiplier := rateMultiplier(wpm)
	return class, multiplier, wpm
}

func rmsOf(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func amplitudeToDb(normalized float64) float64 {
	if normalized <= 0 {
		return -120
	}
	return 20 * math.Log10(normalized)
}

// classifyVolume buckets a dB level:
// whisper < -30dB <= soft < -20dB <= medium < -10dB <= loud < 0dB <= very_loud.
func classifyVolume(db float64) VolumeClass {
	switch {
	case db < -30:
		return VolumeWhisper
	case db < -20:
		return VolumeSoft
	case db < -10:
		return VolumeMedium
	case db < 0:
		return VolumeLoud
	default:
		return VolumeVeryLoud
	}
}

// classifyRate buckets an estimated WPM at the ~100/130/160/190 cutoffs.
func classifyRate(wpm float64) RateClass {
	switch {
	case wpm < 100:
		return RateVerySlow
	case wpm < 130:
		return RateSlow
	case wpm < 160:
		return RateMedium
	case wpm < 190:
		return RateFast
	default:
		return RateVeryFast
	}
}

// rateMultiplier maps WPM onto the [0.5,2.0] multiplier EmotionSample.Rate
// carries, centered on 160 WPM as the 1.0x baseline.
func rateMultiplier(wpm float64) float64 {
	if wpm <= 0 {
		return 1.0
	}
	const baseline = 160.0
	m := wpm / baseline
	if m < 0.5 {
		m = 0.5
	}
	if m > 2.0 {
		m = 2.0
	}
	return m
}

// estimateSNR adapts its noise floor to the signal: if the RMS history is
// stable (stddev < 0.001 over the ~1s window), treat the signal as clean
// and use the quantization-noise floor; otherwise use the 10th-percentile
// RMS as the noise floor. Advisory only — never gates volume
// classification, which always uses raw RMS.
func estimateSNR(history []float64, currentNormalized float64) float64 {
	if len(history) == 0 {
		return 0
	}
	normalized := make([]float64, len(history))
	for i, v := range history {
		normalized[i] = v / 32768.0
	}

	mean := 0.0
	for _, v := range normalized {
		mean += v
	}
	mean /= float64(len(normalized))

	var variance float64
	for _, v := range normalized {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(normalized))
	stddev := math.Sqrt(variance)

	// quantNoiseFloor is already a power term ((1/2^16)^2); the percentile
	// path yields an amplitude and is squared here to match.
	var noise float64
	if stddev < 0.001 {
		noise = quantNoiseFloor
	} else {
		amp := percentile(normalized, 0.10)
		noise = amp * amp
	}
	if noise <= 0 {
		noise = quantNoiseFloor
	}

	signal := currentNormalized * currentNormalized
	return 10 * math.Log10(signal/noise+1e-12)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// adaptiveThreshold sets the onset-detection bar at 1.5x the rolling mean
// onset strength, so only peaks significantly above the recent average
// count as onsets.
func adaptiveThreshold(onsetHistory []float64) float64 {
	if len(onsetHistory) == 0 {
		return 0
	}
	var sum float64
	for _, v := range onsetHistory {
		sum += v
	}
	mean := sum / float64(len(onsetHistory))
	return mean * 1.5
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
