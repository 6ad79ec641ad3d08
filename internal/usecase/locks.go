package usecase

import "sync"

// GroupLocks hands out one mutex per album group id, created lazily. All
// mutation of an album's queued rows happens under its lock so that two
// concurrent arrivals (or an arrival racing the build sweep) cannot corrupt
// the merge state.
type GroupLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

// NewGroupLocks builds an empty lock table.
func NewGroupLocks() *GroupLocks {
	return &GroupLocks{held: map[string]*sync.Mutex{}}
}

func (g *GroupLocks) get(groupID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.held[groupID]; ok {
		return m
	}
	m := &sync.Mutex{}
	g.held[groupID] = m
	return m
}

// Lock acquires the group's mutex.
func (g *GroupLocks) Lock(groupID string) {
	g.get(groupID).Lock()
}

// Unlock releases the group's mutex.
func (g *GroupLocks) Unlock(groupID string) {
	g.get(groupID).Unlock()
}

// Forget drops the group's entry after it finalized, bounding table growth.
// Call only while not holding the group's mutex from another goroutine: a
// late arrival after Forget starts a fresh album with a fresh lock.
func (g *GroupLocks) Forget(groupID string) {
	g.mu.Lock()
	delete(g.held, groupID)
	g.mu.Unlock()
}
