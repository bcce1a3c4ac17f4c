package partial

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize is the exported form of normalize, used by internal/orchestrator
// to compute the same normalized-text hash for its Translation Cache key
// that the Dedup Cache here uses.
func Normalize(text string) string { return normalize(text) }

// Hash16 is the exported form of hash16.
func Hash16(normalized string) string { return hash16(normalized) }

// normalize is the dedup cache's text normalization: trim, lowercase,
// strip a fixed punctuation set, then collapse runs of whitespace. It is
// idempotent: normalize(normalize(t)) == normalize(t).
func normalize(text string) string {
	t := strings.TrimSpace(text)
	t = strings.ToLower(t)
	t = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '\'', '"':
			return -1
		default:
			return r
		}
	}, t)
	fields := strings.Fields(t)
	return strings.Join(fields, " ")
}

// hash16 returns the 16-character SHA-256 hex prefix of normalized text,
// the key shape shared by the dedup and translation caches.
func hash16(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
