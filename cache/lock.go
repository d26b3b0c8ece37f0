package cache

import (
	"sync"
	"time"
)

// LockOwner identifies the holder of a lease. The grid identifies holders by
// calling thread or cluster member; a Go caller holds an explicit owner
// token instead. Every cache carries a default owner for callers that do not
// manage their own.
type LockOwner struct{ _ byte }

// NewLockOwner mints a distinct lease owner.
func NewLockOwner() *LockOwner { return new(LockOwner) }

type lease struct {
	owner *LockOwner
	depth int
}

// lockMap implements per-key reentrant leases plus one global all-entries
// lease. The global lease conflicts with every key lease: it is granted only
// when no other owner holds a key, and while held it blocks other owners'
// key acquisitions.
type lockMap struct {
	mu     sync.Mutex
	notify chan struct{}
	keys   map[interface{}]*lease
	global *lease
}

func newLockMap() *lockMap {
	return &lockMap{
		notify: make(chan struct{}),
		keys:   make(map[interface{}]*lease),
	}
}

// changed wakes all waiters. Callers hold lm.mu.
func (lm *lockMap) changed() {
	close(lm.notify)
	lm.notify = make(chan struct{})
}

// waitOrDeadline sleeps until the lock state changes or the deadline passes.
func waitOrDeadline(ch <-chan struct{}, deadline <-chan time.Time) bool {
	select {
	case <-ch:
		return true
	case <-deadline:
		return false
	}
}

// lockKey acquires the lease on key for owner. wait 0 tries once; wait < 0
// blocks until acquired. Re-acquisition by the holder nests.
func (lm *lockMap) lockKey(key interface{}, owner *LockOwner, wait time.Duration) bool {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		lm.mu.Lock()
		if lm.globalBlocks(owner) {
			// fall through to wait
		} else if l, held := lm.keys[key]; !held {
			lm.keys[key] = &lease{owner: owner, depth: 1}
			lm.mu.Unlock()
			return true
		} else if l.owner == owner {
			l.depth++
			lm.mu.Unlock()
			return true
		}
		ch := lm.notify
		lm.mu.Unlock()

		if wait == 0 {
			return false
		}
		if !waitOrDeadline(ch, deadline) {
			return false
		}
	}
}

// unlockKey releases one nesting level. Unlocking a lease the owner does not
// hold fails silently.
func (lm *lockMap) unlockKey(key interface{}, owner *LockOwner) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, held := lm.keys[key]
	if !held || l.owner != owner {
		return false
	}
	l.depth--
	if l.depth == 0 {
		delete(lm.keys, key)
		lm.changed()
	}
	return true
}

// globalBlocks reports whether the global lease bars owner. Callers hold
// lm.mu.
func (lm *lockMap) globalBlocks(owner *LockOwner) bool {
	return lm.global != nil && lm.global.owner != owner
}

// lockAll acquires the global lease: no other owner may hold any key lease,
// and none may acquire one until release.
func (lm *lockMap) lockAll(owner *LockOwner, wait time.Duration) bool {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		lm.mu.Lock()
		if lm.global != nil && lm.global.owner == owner {
			lm.global.depth++
			lm.mu.Unlock()
			return true
		}
		if lm.global == nil && !lm.foreignKeyHeld(owner) {
			lm.global = &lease{owner: owner, depth: 1}
			lm.mu.Unlock()
			return true
		}
		ch := lm.notify
		lm.mu.Unlock()

		if wait == 0 {
			return false
		}
		if !waitOrDeadline(ch, deadline) {
			return false
		}
	}
}

func (lm *lockMap) unlockAll(owner *LockOwner) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.global == nil || lm.global.owner != owner {
		return false
	}
	lm.global.depth--
	if lm.global.depth == 0 {
		lm.global = nil
		lm.changed()
	}
	return true
}

// foreignKeyHeld reports whether any key lease belongs to another owner.
// Callers hold lm.mu.
func (lm *lockMap) foreignKeyHeld(owner *LockOwner) bool {
	for _, l := range lm.keys {
		if l.owner != owner {
			return true
		}
	}
	return false
}

// holder returns the owner of the lease on key, if any.
func (lm *lockMap) holder(key interface{}) (*LockOwner, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, held := lm.keys[key]
	if !held {
		return nil, false
	}
	return l.owner, true
}
