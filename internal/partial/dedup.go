package partial

import "time"

const (
	defaultDedupTTL   = 10 * time.Second
	dedupSweepPeriod  = 30 * time.Second
	dedupEmergencyCap = 10_000
)

// DedupCache maps a normalized-text hash to the time it was inserted. A
// miss means "safe to forward"; a hit (not yet expired) means suppress.
type DedupCache struct {
	ttl       time.Duration
	entries   map[string]time.Time
	lastSweep time.Time
}

// NewDedupCache returns an empty DedupCache with the given TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// Contains reports whether hash is present and not yet expired.
func (d *DedupCache) Contains(hash string, now time.Time) bool {
	at, ok := d.entries[hash]
	if !ok {
		return false
	}
	if now.Sub(at) > d.ttl {
		delete(d.entries, hash)
		return false
	}
	return true
}

// Insert records hash as seen at now. The caller is expected to call this
// immediately after a Contains miss, before initiating the forward, so the
// race window between check and forward stays closed. Insert reports
// whether inserting triggered an emergency flush, so the caller can emit
// the DedupCacheFlushed event.
func (d *DedupCache) Insert(hash string, now time.Time) bool {
	d.entries[hash] = now
	flushed := d.maybeSweep(now)
	if flushed {
		// The flush emptied the map; the entry that triggered it must
		// survive, or the text just forwarded could be re-forwarded
		// within its TTL.
		d.entries[hash] = now
	}
	return flushed
}

// Len reports the number of entries currently tracked (including any not
// yet opportunistically swept).
func (d *DedupCache) Len() int {
	return len(d.entries)
}

// maybeSweep performs an opportunistic expiry pass if dedupSweepPeriod has
// elapsed since the last one. If the cache has grown past
// dedupEmergencyCap (expiry alone did not keep pace with arrivals), it is
// cleared outright and maybeSweep reports true.
func (d *DedupCache) maybeSweep(now time.Time) bool {
	if len(d.entries) > dedupEmergencyCap {
		d.entries = make(map[string]time.Time)
		d.lastSweep = now
		return true
	}
	if now.Sub(d.lastSweep) < dedupSweepPeriod {
		return false
	}
	d.sweep(now)
	return false
}

func (d *DedupCache) sweep(now time.Time) {
	d.lastSweep = now
	for hash, at := range d.entries {
		if now.Sub(at) > d.ttl {
			delete(d.entries, hash)
		}
	}
}
