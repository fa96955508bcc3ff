package pipeline

import "sync"

// Uniqueness is the set of identities currently owned by the pipeline,
// from enqueue until success or expiry.
type Uniqueness struct {
	mu  sync.RWMutex
	set map[Identity]struct{}
}

// NewUniqueness creates an empty set.
func NewUniqueness() *Uniqueness {
	return &Uniqueness{set: make(map[Identity]struct{})}
}

// TryAdd inserts id and reports whether it was absent. Check and insert
// happen under one write lock.
func (u *Uniqueness) TryAdd(id Identity) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.set[id]; ok {
		return false
	}
	u.set[id] = struct{}{}
	return true
}

// Remove releases id. Releasing an absent identity is a no-op.
func (u *Uniqueness) Remove(id Identity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.set, id)
}

// Contains reports whether id is owned.
func (u *Uniqueness) Contains(id Identity) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.set[id]
	return ok
}

// Len returns the number of owned identities.
func (u *Uniqueness) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.set)
}
