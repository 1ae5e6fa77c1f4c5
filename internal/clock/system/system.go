// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements pnr.Clock. Timestamps are always UTC so archive paths
// and minute buckets do not depend on the host time zone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
