// Package cache holds the status cache implementations and the TTL policy that
// decides how long a lookup result may short-circuit the scraper.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

type entry struct {
	value     pnr.StatusResult
	expiresAt time.Time
}

// Memory is an in-process StatusCache. Expiry is checked lazily on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[pnr.LookupKey]entry
	clock   pnr.Clock
}

// NewMemory returns an empty cache. A nil clock uses the wall clock.
func NewMemory(clock pnr.Clock) *Memory {
	if clock == nil {
		clock = wallClock{}
	}
	return &Memory{
		entries: make(map[pnr.LookupKey]entry),
		clock:   clock,
	}
}

// Get returns the cached value for key. Expired entries are removed and reported as misses.
func (m *Memory) Get(_ context.Context, key pnr.LookupKey) (pnr.StatusResult, bool) {
	now := m.clock.Now()
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		metrics.ObserveCacheLookup(false)
		return pnr.StatusResult{}, false
	}
	if !now.Before(e.expiresAt) {
		m.mu.Lock()
		// Another writer may have refreshed the entry in between.
		if cur, still := m.entries[key]; still && !now.Before(cur.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		metrics.ObserveCacheLookup(false)
		return pnr.StatusResult{}, false
	}
	metrics.ObserveCacheLookup(true)
	return e.value, true
}

// Set stores value for ttl. A non-positive ttl is ignored.
func (m *Memory) Set(_ context.Context, key pnr.LookupKey, value pnr.StatusResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.clock.Now().Add(ttl)}
}

// Invalidate drops key.
func (m *Memory) Invalidate(_ context.Context, key pnr.LookupKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Purge removes every entry.
func (m *Memory) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[pnr.LookupKey]entry)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
