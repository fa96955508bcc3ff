package pipeline

import (
	"sort"
	"sync"
	"time"
)

// DeadEntry is the audit record of an expired RetryEntry.
type DeadEntry struct {
	RetryEntry
	DeadAt time.Time `json:"dead_at"`
}

// DeadList keeps expired entries until an operator deletes them.
type DeadList struct {
	mu      sync.RWMutex
	entries map[Identity]DeadEntry
}

// NewDeadList creates an empty list.
func NewDeadList() *DeadList {
	return &DeadList{entries: make(map[Identity]DeadEntry)}
}

// Add records entry as dead at now, replacing an earlier record of the
// same identity.
func (l *DeadList) Add(entry RetryEntry, now time.Time) DeadEntry {
	d := DeadEntry{RetryEntry: entry, DeadAt: now}
	l.mu.Lock()
	l.entries[entry.Identity()] = d
	l.mu.Unlock()
	return d
}

// List returns a snapshot ordered by DeadAt.
func (l *DeadList) List() []DeadEntry {
	l.mu.RLock()
	out := make([]DeadEntry, 0, len(l.entries))
	for _, d := range l.entries {
		out = append(out, d)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DeadAt.Equal(out[j].DeadAt) {
			return out[i].DeadAt.Before(out[j].DeadAt)
		}
		return out[i].WorkItem.ParticipantID < out[j].WorkItem.ParticipantID
	})
	return out
}

// Get returns the record for id.
func (l *DeadList) Get(id Identity) (DeadEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.entries[id]
	return d, ok
}

// Delete removes the record for id and reports whether it existed.
func (l *DeadList) Delete(id Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	return true
}

// Len returns the number of records.
func (l *DeadList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore inserts records loaded from disk.
func (l *DeadList) Restore(entries []DeadEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range entries {
		l.entries[d.Identity()] = d
	}
}
