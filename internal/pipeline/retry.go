package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes when a failed item is retried and when it gives up.
type RetryPolicy struct {
	// InitialInterval is the delay after the first failure.
	InitialInterval time.Duration
	// Multiplier grows the delay after each further failure.
	Multiplier float64
	// MaxInterval caps a single delay.
	MaxInterval time.Duration
	// Jitter is the backoff randomization factor, 0 for a fixed curve.
	Jitter float64
	// MaxLifetime is the distance from the first failure to expiry.
	MaxLifetime time.Duration
}

// DefaultRetryPolicy retries after 5m, 10m, 20m, 40m, then hourly, and
// gives up a day after the first failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Minute,
		Multiplier:      2,
		MaxInterval:     time.Hour,
		MaxLifetime:     24 * time.Hour,
	}
}

// Delay returns the wait before the next attempt of an entry that has
// already been retried retryCount times.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()

	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
		if p.Jitter == 0 && d >= p.MaxInterval {
			break
		}
	}
	return d
}

// ExpiresAt returns the expiry ceiling for an entry that first failed at
// firstFailure. It does not move on later failures.
func (p RetryPolicy) ExpiresAt(firstFailure time.Time) time.Time {
	return firstFailure.Add(p.MaxLifetime)
}

// NextRetryAt returns the next attempt time, never later than expiresAt.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int, expiresAt time.Time) time.Time {
	next := now.Add(p.Delay(retryCount))
	if next.After(expiresAt) {
		return expiresAt
	}
	return next
}

// RetryEntry is a failed WorkItem plus its retry bookkeeping.
type RetryEntry struct {
	WorkItem        WorkItem   `json:"work_item"`
	RetryCount      int        `json:"retry_count"`
	FirstFailureAt  time.Time  `json:"first_failure_at"`
	PreviousRetryAt *time.Time `json:"previous_retry_at,omitempty"`
	NextRetryAt     time.Time  `json:"next_retry_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastError       string     `json:"last_error,omitempty"`
}

// Identity returns the identity of the wrapped item.
func (e RetryEntry) Identity() Identity { return e.WorkItem.Identity() }

// Expired reports whether now is past the expiry ceiling.
func (e RetryEntry) Expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Due reports whether the entry should be attempted at now.
func (e RetryEntry) Due(now time.Time) bool {
	return !e.NextRetryAt.After(now) && !e.Expired(now)
}

// RetryList holds failed items keyed by identity until they succeed or
// expire.
type RetryList struct {
	policy RetryPolicy

	mu      sync.RWMutex
	entries map[Identity]*RetryEntry
}

// NewRetryList creates an empty list scheduling with policy.
func NewRetryList(policy RetryPolicy) *RetryList {
	return &RetryList{
		policy:  policy,
		entries: make(map[Identity]*RetryEntry),
	}
}

// AddOrReschedule records a failure of item at now. A new identity gets
// an entry with RetryCount 0; an existing one is incremented and
// rescheduled in place.
func (l *RetryList) AddOrReschedule(item WorkItem, now time.Time, cause error) RetryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := item.Identity()
	if e, ok := l.entries[id]; ok {
		l.bump(e, now, cause)
		return *e
	}

	expires := l.policy.ExpiresAt(now)
	e := &RetryEntry{
		WorkItem:       item,
		FirstFailureAt: now,
		NextRetryAt:    l.policy.NextRetryAt(now, 0, expires),
		ExpiresAt:      expires,
		LastError:      errString(cause),
	}
	l.entries[id] = e
	return *e
}

// Reschedule puts back an entry removed by CollectDue after its retry
// failed again. If the identity was re-added meanwhile, that entry is
// rescheduled instead.
func (l *RetryList) Reschedule(entry RetryEntry, now time.Time, cause error) RetryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := entry.Identity()
	if e, ok := l.entries[id]; ok {
		l.bump(e, now, cause)
		return *e
	}
	e := entry
	l.bump(&e, now, cause)
	l.entries[id] = &e
	return e
}

// bump must be called with the write lock held.
func (l *RetryList) bump(e *RetryEntry, now time.Time, cause error) {
	e.RetryCount++
	prev := now
	e.PreviousRetryAt = &prev
	e.NextRetryAt = l.policy.NextRetryAt(now, e.RetryCount, e.ExpiresAt)
	if cause != nil {
		e.LastError = cause.Error()
	}
}

// CollectDue removes and returns every entry due at now, earliest first.
// Expired entries are left for CollectExpired.
func (l *RetryList) CollectDue(now time.Time) []RetryEntry {
	return l.collect(func(e *RetryEntry) bool { return e.Due(now) })
}

// CollectExpired removes and returns every entry whose expiry has passed.
func (l *RetryList) CollectExpired(now time.Time) []RetryEntry {
	return l.collect(func(e *RetryEntry) bool { return e.Expired(now) })
}

func (l *RetryList) collect(match func(*RetryEntry) bool) []RetryEntry {
	l.mu.Lock()
	var out []RetryEntry
	for id, e := range l.entries {
		if match(e) {
			out = append(out, *e)
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()

	sortRetryEntries(out)
	return out
}

// List returns a snapshot ordered by NextRetryAt.
func (l *RetryList) List() []RetryEntry {
	l.mu.RLock()
	out := make([]RetryEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.RUnlock()

	sortRetryEntries(out)
	return out
}

// Get returns the entry for id.
func (l *RetryList) Get(id Identity) (RetryEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return RetryEntry{}, false
	}
	return *e, true
}

// Delete removes the entry for id and reports whether it existed.
func (l *RetryList) Delete(id Identity) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	return true
}

// Len returns the number of entries.
func (l *RetryList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore inserts entries loaded from disk as they are. Later duplicates
// of an identity win.
func (l *RetryList) Restore(entries []RetryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range entries {
		e := entries[i]
		l.entries[e.Identity()] = &e
	}
}

func sortRetryEntries(entries []RetryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].NextRetryAt.Equal(entries[j].NextRetryAt) {
			return entries[i].NextRetryAt.Before(entries[j].NextRetryAt)
		}
		return entries[i].WorkItem.ParticipantID < entries[j].WorkItem.ParticipantID
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
