package alerting

import (
	"sync"
	"time"
)

const defaultBucketRetention = 5 * time.Minute

// ErrorCounter counts errors in per-minute buckets. Buckets older than the
// retention window are evicted whenever the counter is read.
type ErrorCounter struct {
	mu        sync.Mutex
	buckets   map[int64]int
	retention time.Duration
}

// NewErrorCounter builds a counter. A non-positive retention uses five minutes.
func NewErrorCounter(retention time.Duration) *ErrorCounter {
	if retention <= 0 {
		retention = defaultBucketRetention
	}
	return &ErrorCounter{
		buckets:   make(map[int64]int),
		retention: retention,
	}
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// Record adds one error to the bucket containing now.
func (c *ErrorCounter) Record(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[minuteOf(now)]++
}

// Count evicts stale buckets and returns the count for the minute containing now.
func (c *ErrorCounter) Count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
	return c.buckets[minuteOf(now)]
}

// Buckets evicts stale buckets and returns a copy keyed by bucket start time.
func (c *ErrorCounter) Buckets(now time.Time) map[time.Time]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)
	out := make(map[time.Time]int, len(c.buckets))
	for minute, n := range c.buckets {
		out[time.Unix(minute*60, 0).UTC()] = n
	}
	return out
}

func (c *ErrorCounter) evictLocked(now time.Time) {
	oldest := minuteOf(now.Add(-c.retention))
	for minute := range c.buckets {
		if minute < oldest {
			delete(c.buckets, minute)
		}
	}
}
