package partial

import (
	"sort"
	"strings"
	"time"

	"github.com/fankserver/translator-relay/pkg/asr"
)

// BufferedResult is one tracked entry in the Result Buffer.
type BufferedResult struct {
	Result    asr.Result
	AddedAt   time.Time
	Forwarded bool
}

// maxBufferedWords caps the buffer's summed word-count estimate at 300
// words (30 words per second over 10s).
const maxBufferedWords = 300

// evictBatch is how many of the oldest eligible entries are dropped on
// overflow.
const evictBatch = 5

// ResultBuffer holds the in-flight partial results for one session, keyed
// by resultId, with word-count-based capacity enforcement.
type ResultBuffer struct {
	byID              map[string]*BufferedResult
	evictionThreshold float64 // mirrors the session's minStabilityThreshold
}

// NewResultBuffer returns an empty ResultBuffer. evictionThreshold mirrors
// the owning session's minStabilityThreshold, the bar an entry's stability
// must clear to be eligible for capacity eviction.
func NewResultBuffer(evictionThreshold float64) *ResultBuffer {
	return &ResultBuffer{byID: make(map[string]*BufferedResult), evictionThreshold: evictionThreshold}
}

// Upsert inserts or refreshes the buffered entry for r, enforcing the
// word-count capacity before returning it.
func (b *ResultBuffer) Upsert(r asr.Result, now time.Time) *BufferedResult {
	entry, exists := b.byID[r.ResultID]
	if exists {
		entry.Result = r
	} else {
		entry = &BufferedResult{Result: r, AddedAt: now}
		b.byID[r.ResultID] = entry
	}
	b.enforceCapacity()
	return entry
}

// Get returns the buffered entry for resultID, if any.
func (b *ResultBuffer) Get(resultID string) (*BufferedResult, bool) {
	e, ok := b.byID[resultID]
	return e, ok
}

// RemoveByID removes and returns the entry for resultID.
func (b *ResultBuffer) RemoveByID(resultID string) (*BufferedResult, bool) {
	e, ok := b.byID[resultID]
	if ok {
		delete(b.byID, resultID)
	}
	return e, ok
}

// RemoveByTimestampWindow removes and returns every entry whose
// originTimestamp falls within window of center, the fallback match a
// final result uses when it carries no explicit replaces list.
func (b *ResultBuffer) RemoveByTimestampWindow(center time.Time, window time.Duration) []*BufferedResult {
	var removed []*BufferedResult
	for id, e := range b.byID {
		delta := e.Result.OriginTimestamp.Sub(center)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			removed = append(removed, e)
			delete(b.byID, id)
		}
	}
	return removed
}

// GetOrphans returns every entry older than age, the set cleanupOrphans
// treats as a missing final.
func (b *ResultBuffer) GetOrphans(now time.Time, age time.Duration) []*BufferedResult {
	var orphans []*BufferedResult
	for _, e := range b.byID {
		if now.Sub(e.AddedAt) > age {
			orphans = append(orphans, e)
		}
	}
	b.sortByOriginTimestamp(orphans)
	return orphans
}

// SortByOriginTimestamp returns every buffered entry ordered by
// originTimestamp, tolerating out-of-order arrival as the concurrency
// model requires.
func (b *ResultBuffer) SortByOriginTimestamp() []*BufferedResult {
	all := make([]*BufferedResult, 0, len(b.byID))
	for _, e := range b.byID {
		all = append(all, e)
	}
	b.sortByOriginTimestamp(all)
	return all
}

func (b *ResultBuffer) sortByOriginTimestamp(entries []*BufferedResult) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Result.OriginTimestamp.Before(entries[j].Result.OriginTimestamp)
	})
}

// MarkForwarded flags resultID's entry as already forwarded, if present.
func (b *ResultBuffer) MarkForwarded(resultID string) {
	if e, ok := b.byID[resultID]; ok {
		e.Forwarded = true
	}
}

// Clear drops every buffered entry, called on session end.
func (b *ResultBuffer) Clear() {
	b.byID = make(map[string]*BufferedResult)
}

// Len reports the number of buffered entries.
func (b *ResultBuffer) Len() int {
	return len(b.byID)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// enforceCapacity evicts the evictBatch oldest entries whose stability is
// at or above evictionThreshold or unknown (i.e. not a low-confidence
// partial still worth keeping) once the buffer's estimated word count
// exceeds maxBufferedWords.
func (b *ResultBuffer) enforceCapacity() {
	total := 0
	for _, e := range b.byID {
		total += wordCount(e.Result.Text)
	}
	if total <= maxBufferedWords {
		return
	}

	candidates := make([]*BufferedResult, 0, len(b.byID))
	for _, e := range b.byID {
		stability := e.Result.Stability
		if stability == asr.StabilityUnknown || stability >= b.evictionThreshold {
			candidates = append(candidates, e)
		}
	}
	// Shed by buffer age, not origin timestamp: out-of-order arrivals can
	// carry an old origin on a freshly-buffered entry.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AddedAt.Before(candidates[j].AddedAt)
	})
	for i := 0; i < evictBatch && i < len(candidates); i++ {
		delete(b.byID, candidates[i].Result.ResultID)
	}
}
