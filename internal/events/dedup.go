package events

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupBucket is the coarse time bucket folded into the dedup key. Two
// observations of the same track within one bucket share a key.
const DedupBucket = 30 * time.Second

// BuildDedupKey derives the correlation key: camera + kind + subject track +
// coarse time bucket. Events sharing a key are treated as one real-world
// occurrence.
func BuildDedupKey(cameraID string, kind Kind, trackID string, occurredAt time.Time) string {
	ts := occurredAt.Truncate(DedupBucket).Unix()
	return fmt.Sprintf("%s|%s|%s|%d", cameraID, kind, trackID, ts)
}

// ReplayGuard absorbs redelivered events by event_id. A worker restart can
// replay its recent backlog; the guard turns those into silent no-ops before
// they reach correlation.
type ReplayGuard struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewReplayGuard(maxKeys int, ttl time.Duration) *ReplayGuard {
	if maxKeys <= 0 {
		maxKeys = 8192
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &ReplayGuard{cache: c, ttl: ttl}
}

// Seen reports whether the event id was already accepted within the TTL and
// records it either way.
func (g *ReplayGuard) Seen(eventID string) bool {
	if addedAt, ok := g.cache.Get(eventID); ok {
		if time.Since(addedAt) < g.ttl {
			return true
		}
	}
	g.cache.Add(eventID, time.Now())
	return false
}
