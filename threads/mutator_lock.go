package threads

import (
	"sync"
	"sync/atomic"
)

// MutatorLock is the global execution lock. Runnable threads hold it shared;
// a stop-the-world phase holds it exclusively. Unlike sync.RWMutex it can
// answer "does this thread hold a share" without blocking: ownership queries
// are single atomic loads, safe from signal context even when the interrupted
// thread is mid-acquire.
type MutatorLock struct {
	rw sync.RWMutex

	exclusive atomic.Uint64 // thread id of the exclusive holder, 0 if none
}

func NewMutatorLock() *MutatorLock {
	return &MutatorLock{}
}

func (m *MutatorLock) SharedLock(t *Thread) {
	m.rw.RLock()
	t.mutatorShare.Store(true)
}

func (m *MutatorLock) SharedUnlock(t *Thread) {
	t.mutatorShare.Store(false)
	m.rw.RUnlock()
}

func (m *MutatorLock) ExclusiveLock(t *Thread) {
	m.rw.Lock()
	m.exclusive.Store(t.id)
}

func (m *MutatorLock) ExclusiveUnlock(t *Thread) {
	m.exclusive.Store(0)
	m.rw.Unlock()
}

// IsSharedHeld reports whether t holds a shared lock. Exclusive ownership
// implies a share, matching the stop-the-world semantics.
func (m *MutatorLock) IsSharedHeld(t *Thread) bool {
	if t == nil {
		return false
	}
	return t.mutatorShare.Load() || m.exclusive.Load() == t.id
}

func (m *MutatorLock) IsExclusiveHeld(t *Thread) bool {
	return t != nil && m.exclusive.Load() == t.id
}
