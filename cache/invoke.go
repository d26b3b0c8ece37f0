package cache

import "time"

// entryView is the MutableEntry handed to a processor. Effects are recorded
// and committed after the processor returns.
type entryView struct {
	key     interface{}
	value   interface{}
	present bool

	modified bool
	removed  bool
}

func (v *entryView) Key() interface{}   { return v.key }
func (v *entryView) Value() interface{} { return v.value }
func (v *entryView) Present() bool      { return v.present }

func (v *entryView) SetValue(value interface{}) {
	v.value = value
	v.present = true
	v.modified = true
	v.removed = false
}

func (v *entryView) Remove() {
	v.removed = v.present
	v.present = false
	v.modified = false
	v.value = nil
}

// Invoke runs the processor against key under the key's lock: the entry view
// is materialized, the processor runs, its effect commits, the lock is
// released and the resulting event (if any) fires.
func (c *LocalCache) Invoke(key interface{}, p Processor) interface{} {
	owner := NewLockOwner()
	c.locks.lockKey(key, owner, -1)
	defer c.locks.unlockKey(key, owner)
	return c.invokeHeld(key, p)
}

// invokeHeld runs one processor invocation with the key lock already held.
func (c *LocalCache) invokeHeld(key interface{}, p Processor) interface{} {
	now := c.cfg.clock.Millis()

	var events []Event
	c.mu.Lock()
	view := &entryView{key: key}
	if e, ok := c.entries[key]; ok {
		if e.expired(now) {
			events = append(events, c.expelLocked(e, CauseExpired))
		} else {
			view.value = e.value
			view.present = true
		}
	}
	c.mu.Unlock()
	c.deliver(events, false)
	events = events[:0]

	result := p.Process(view)

	c.mu.Lock()
	switch {
	case view.removed:
		if e, ok := c.entries[key]; ok {
			events = append(events, c.expelLocked(e, CauseNatural))
		}
	case view.modified:
		c.putLocked(now, key, view.value, ExpiryDefault, &events)
		c.evictLocked(now, &events)
	}
	c.mu.Unlock()

	c.deliver(events, false)
	return result
}

// InvokeAll runs the processor against every given key. Ordering across keys
// is unspecified; each invocation is atomic for its key.
func (c *LocalCache) InvokeAll(keys []interface{}, p Processor) map[interface{}]interface{} {
	results := make(map[interface{}]interface{}, len(keys))
	for _, k := range keys {
		results[k] = c.Invoke(k, p)
	}
	return results
}

// InvokeAllFilter runs the processor against the entries selected by f.
func (c *LocalCache) InvokeAllFilter(f Filter, p Processor) map[interface{}]interface{} {
	return c.InvokeAll(c.Keys(f), p)
}

// Lock acquires an exclusive lease on key for the cache's default owner.
// wait 0 returns immediately; a negative wait blocks until acquired.
func (c *LocalCache) Lock(key interface{}, wait time.Duration) bool {
	return c.LockWithOwner(c.defaultOwner, key, wait)
}

// LockWithOwner acquires the lease on key for an explicit owner token.
func (c *LocalCache) LockWithOwner(owner *LockOwner, key interface{}, wait time.Duration) bool {
	return c.locks.lockKey(key, owner, wait)
}

// Unlock releases the default owner's lease on key. Unlocking a lease held
// by another owner fails silently.
func (c *LocalCache) Unlock(key interface{}) bool {
	return c.locks.unlockKey(key, c.defaultOwner)
}

// UnlockWithOwner releases an explicit owner's lease on key.
func (c *LocalCache) UnlockWithOwner(owner *LockOwner, key interface{}) bool {
	return c.locks.unlockKey(key, owner)
}

// LockAll acquires the global all-entries lease, which conflicts with every
// per-key lease held by other owners.
func (c *LocalCache) LockAll(wait time.Duration) bool {
	return c.locks.lockAll(c.defaultOwner, wait)
}

// LockAllWithOwner acquires the global lease for an explicit owner token.
func (c *LocalCache) LockAllWithOwner(owner *LockOwner, wait time.Duration) bool {
	return c.locks.lockAll(owner, wait)
}

// UnlockAll releases the default owner's global lease.
func (c *LocalCache) UnlockAll() bool {
	return c.locks.unlockAll(c.defaultOwner)
}

// UnlockAllWithOwner releases an explicit owner's global lease.
func (c *LocalCache) UnlockAllWithOwner(owner *LockOwner) bool {
	return c.locks.unlockAll(owner)
}

// CountAggregator counts processed values.
type CountAggregator struct{ n int64 }

func (a *CountAggregator) Init(final bool)                       { a.n = 0 }
func (a *CountAggregator) Process(value interface{}, final bool) { a.n++ }
func (a *CountAggregator) Finalize(final bool) interface{}       { return a.n }

// SumAggregator sums the numeric attribute extracted from each value.
type SumAggregator struct {
	Extractor Extractor
	sum       float64
}

func (a *SumAggregator) Init(final bool) { a.sum = 0 }

func (a *SumAggregator) Process(value interface{}, final bool) {
	v := value
	if a.Extractor != nil {
		ev, err := a.Extractor.Extract(value)
		if err != nil {
			return
		}
		v = ev
	}
	switch n := v.(type) {
	case int:
		a.sum += float64(n)
	case int32:
		a.sum += float64(n)
	case int64:
		a.sum += float64(n)
	case float32:
		a.sum += float64(n)
	case float64:
		a.sum += n
	}
}

func (a *SumAggregator) Finalize(final bool) interface{} { return a.sum }
