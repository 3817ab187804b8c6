// Package ingress terminates Slack webhook traffic, decides handled-vs-forward,
// and runs the in-process routing pipeline.
package ingress

import (
	"time"

	"github.com/jokim1/clawtalk-gateway/internal/routing"
	"github.com/jokim1/clawtalk-gateway/internal/ttlcache"
)

// DefaultDedupTTL bounds how long an event id is remembered.
const DefaultDedupTTL = 6 * time.Hour

type dedupRecord struct {
	timestamp time.Time
	decision  routing.Decision
}

// DedupTable is the process-local at-least-once to exactly-once memo. A
// repeated event id returns the original decision with duplicate set and no
// further processing.
type DedupTable struct {
	cache *ttlcache.Cache[string, dedupRecord]
}

// NewDedupTable creates a dedup table with the given TTL (zero means default).
func NewDedupTable(ttl time.Duration) *DedupTable {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupTable{
		cache: ttlcache.New[string, dedupRecord](4096, ttlcache.WithTTL[string, dedupRecord](ttl)),
	}
}

// Lookup returns the recorded decision for an event id, if any.
func (d *DedupTable) Lookup(eventID string) (routing.Decision, bool) {
	rec, ok := d.cache.Get(eventID)
	if !ok {
		return routing.Decision{}, false
	}
	dec := rec.decision
	dec.Duplicate = true
	return dec, true
}

// Store records the decision for an event id, pruning expired entries.
func (d *DedupTable) Store(eventID string, dec routing.Decision) {
	dec.Duplicate = false
	d.cache.Put(eventID, dedupRecord{timestamp: time.Now(), decision: dec})
	d.cache.PruneExpired()
}
