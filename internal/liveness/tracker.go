package liveness

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultPollTimeout       = 30 * time.Second
	DefaultConnectionTimeout = 300 * time.Second
)

// Tracker keeps the last time each agent identity was heard from.
type Tracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock creates a Tracker that reads time from now.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		lastSeen: make(map[string]time.Time),
		now:      now,
	}
}

// Touch records the current time for id and returns it.
func (t *Tracker) Touch(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.now()
	t.lastSeen[id] = ts
	return ts
}

func (t *Tracker) LastSeen(id string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ts, ok := t.lastSeen[id]
	return ts, ok
}

func (t *Tracker) IsOnline(id string, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ts, ok := t.lastSeen[id]
	if !ok {
		return false
	}
	return t.now().Sub(ts) <= timeout
}

// ListOnline returns the identities seen within timeout, sorted.
func (t *Tracker) ListOnline(timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	ids := make([]string, 0, len(t.lastSeen))
	for id, ts := range t.lastSeen {
		if now.Sub(ts) <= timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SweepExpired evicts and returns every identity not seen within timeout.
func (t *Tracker) SweepExpired(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []string
	for id, ts := range t.lastSeen {
		if now.Sub(ts) > timeout {
			delete(t.lastSeen, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.lastSeen, id)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lastSeen)
}
