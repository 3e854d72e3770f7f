package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// deduper suppresses re-delivered events. Events with an ID go through a
// bounded LRU set; events without one are matched by a position-indexed
// content fingerprint, re-aligned every sync so stale positions drop out.
type deduper struct {
	seen         *lru.Cache[string, struct{}]
	fingerprints map[int]string
}

func newDeduper(size int) (*deduper, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &deduper{
		seen:         cache,
		fingerprints: make(map[int]string),
	}, nil
}

// seenEvent records an event ID and reports whether it was already known.
func (d *deduper) seenEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	_, dup := d.seen.Get(eventID)
	if !dup {
		d.seen.Add(eventID, struct{}{})
	}
	return dup
}

// fingerprint produces a stable hash of normalized event content.
func fingerprint(sender, eventType string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// alignFingerprints compares this sync's positional fingerprints against
// the previous batch. It returns, per position, whether the event is a
// duplicate, then replaces the index wholesale so positions no longer
// present are forgotten.
func (d *deduper) alignFingerprints(batch []string) []bool {
	dup := make([]bool, len(batch))
	next := make(map[int]string, len(batch))
	for i, fp := range batch {
		if prev, ok := d.fingerprints[i]; ok && prev == fp {
			dup[i] = true
		}
		next[i] = fp
	}
	d.fingerprints = next
	return dup
}
