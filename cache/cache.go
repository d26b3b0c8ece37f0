package cache

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// sweepIntervalMillis bounds how often a touch triggers a full expiry scan.
const sweepIntervalMillis = 1024

// cacheEntry is the stored form of one binding.
type cacheEntry struct {
	key   interface{}
	value interface{}

	units        int64
	insertMillis int64
	accessMillis int64
	// expireAt is an absolute monotonic deadline; 0 means never.
	expireAt int64
	touches  int64
}

func (e *cacheEntry) expired(now int64) bool {
	return e.expireAt != 0 && now >= e.expireAt
}

func (e *cacheEntry) stats() EntryStats {
	return EntryStats{
		Key:          e.key,
		Units:        e.units,
		InsertMillis: e.insertMillis,
		AccessMillis: e.accessMillis,
		Touches:      e.touches,
	}
}

// mapEntry is the Entry view used by filters and query results.
type mapEntry struct {
	key   interface{}
	value interface{}
}

func (e mapEntry) Key() interface{}   { return e.key }
func (e mapEntry) Value() interface{} { return e.value }

// Stats counts cache accesses.
type Stats struct {
	Gets   atomic.Int64
	Hits   atomic.Int64
	Misses atomic.Int64
	Puts   atomic.Int64
}

// LocalCache is a bounded in-process cache with expiry, pluggable eviction,
// listeners, indices, filtered queries and entry processors. Keys must be
// comparable.
//
// Mutations hold the store lock only long enough to update state; listener
// delivery happens on the dispatcher goroutine after the lock is released,
// in commit order.
type LocalCache struct {
	name string
	cfg  *config

	highUnits int64
	lowUnits  int64

	mu         sync.Mutex
	entries    map[interface{}]*cacheEntry
	totalUnits int64
	indices    []*Index
	regs       []*registration
	nextSweep  int64

	dispatcher *eventDispatcher
	locks      *lockMap
	// defaultOwner holds leases for callers that do not manage owner tokens.
	defaultOwner *LockOwner

	stats Stats
}

// NewLocalCache creates a named local cache.
func NewLocalCache(name string, opts ...Option) (*LocalCache, error) {
	cfg := applyOptions(opts)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &LocalCache{
		name:         name,
		cfg:          cfg,
		highUnits:    cfg.highUnits,
		entries:      make(map[interface{}]*cacheEntry),
		dispatcher:   newEventDispatcher(cfg.logger),
		locks:        newLockMap(),
		defaultOwner: NewLockOwner(),
	}
	if c.highUnits > 0 {
		c.lowUnits = int64(float64(c.highUnits) * cfg.pruneLevel)
	}
	return c, nil
}

// Name returns the cache name.
func (c *LocalCache) Name() string { return c.name }

// Statistics returns the access counters.
func (c *LocalCache) Statistics() *Stats { return &c.stats }

// TotalUnits returns the summed unit cost of live entries.
func (c *LocalCache) TotalUnits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalUnits
}

// HighUnits returns the configured size bound, 0 when unlimited.
func (c *LocalCache) HighUnits() int64 { return c.highUnits }

// LowUnits returns the level eviction prunes down to.
func (c *LocalCache) LowUnits() int64 { return c.lowUnits }

// Release stops the event dispatcher. The cache must not be used afterwards.
func (c *LocalCache) Release() {
	c.dispatcher.stop()
}

// Truncate is not supported on the local engine; the grid-hosted cache
// supports it.
func (c *LocalCache) Truncate() error { return ErrUnsupported }

// Get returns the value bound to key. An expired entry is observed as
// absent, removed, and its deletion event is delivered before Get returns.
func (c *LocalCache) Get(key interface{}) (interface{}, bool) {
	c.stats.Gets.Add(1)
	now := c.cfg.clock.Millis()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		var events []Event
		c.sweepLocked(now, &events)
		c.mu.Unlock()
		c.deliver(events, false)
		c.stats.Misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		ev := c.expelLocked(e, CauseExpired)
		c.mu.Unlock()
		c.deliver([]Event{ev}, true)
		c.stats.Misses.Add(1)
		return nil, false
	}
	e.accessMillis = now
	e.touches++
	value := e.value
	c.mu.Unlock()

	c.stats.Hits.Add(1)
	return value, true
}

// ContainsKey reports whether a live entry exists for key without counting
// as an access.
func (c *LocalCache) ContainsKey(key interface{}) bool {
	now := c.cfg.clock.Millis()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(now)
}

// Put binds value to key with the default expiry and returns the prior
// value, if any.
func (c *LocalCache) Put(key, value interface{}) interface{} {
	return c.PutWithExpiry(key, value, ExpiryDefault)
}

// PutWithExpiry binds value to key. ttl ExpiryDefault applies the cache
// default; ExpiryNever disables expiry for this entry.
func (c *LocalCache) PutWithExpiry(key, value interface{}, ttl time.Duration) interface{} {
	c.stats.Puts.Add(1)
	now := c.cfg.clock.Millis()

	var events []Event
	c.mu.Lock()
	c.sweepLocked(now, &events)
	old := c.putLocked(now, key, value, ttl, &events)
	c.evictLocked(now, &events)
	c.mu.Unlock()

	c.deliver(events, false)
	return old
}

// PutAll stores every entry of m with the default expiry.
func (c *LocalCache) PutAll(m map[interface{}]interface{}) {
	now := c.cfg.clock.Millis()
	var events []Event

	c.mu.Lock()
	c.sweepLocked(now, &events)
	for k, v := range m {
		c.stats.Puts.Add(1)
		c.putLocked(now, k, v, ExpiryDefault, &events)
	}
	c.evictLocked(now, &events)
	c.mu.Unlock()

	c.deliver(events, false)
}

// Remove unbinds key and returns the removed value, if any.
func (c *LocalCache) Remove(key interface{}) interface{} {
	now := c.cfg.clock.Millis()
	var events []Event

	c.mu.Lock()
	e, ok := c.entries[key]
	var old interface{}
	if ok && !e.expired(now) {
		old = e.value
	}
	if ok {
		cause := CauseNatural
		if e.expired(now) {
			cause = CauseExpired
		}
		events = append(events, c.expelLocked(e, cause))
	}
	c.mu.Unlock()

	c.deliver(events, false)
	return old
}

// GetAll returns the present subset of keys.
func (c *LocalCache) GetAll(keys []interface{}) map[interface{}]interface{} {
	out := make(map[interface{}]interface{})
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Size returns the number of live entries.
func (c *LocalCache) Size() int {
	now := c.cfg.clock.Millis()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// AllKeys returns the keys of all live entries.
func (c *LocalCache) AllKeys() []interface{} {
	now := c.cfg.clock.Millis()
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]interface{}, 0, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clear removes every entry, firing a deletion event per entry.
func (c *LocalCache) Clear() {
	var events []Event
	c.mu.Lock()
	for _, e := range c.entries {
		events = append(events, c.eventFor(e, EventDeleted, CauseNatural, e.value, nil))
	}
	c.entries = make(map[interface{}]*cacheEntry)
	c.totalUnits = 0
	for _, ix := range c.indices {
		ix.inverse = make(map[interface{}]map[interface{}]struct{})
		ix.forward = make(map[interface{}]interface{})
	}
	c.mu.Unlock()
	c.deliver(events, false)
}

// putLocked commits one binding and queues its event. Callers hold c.mu.
func (c *LocalCache) putLocked(now int64, key, value interface{}, ttl time.Duration, events *[]Event) interface{} {
	units := c.cfg.calculator.Units(key, value)

	var expireAt int64
	switch {
	case ttl == ExpiryNever:
		expireAt = 0
	case ttl == ExpiryDefault:
		if c.cfg.defaultExpiry > 0 {
			expireAt = now + c.cfg.defaultExpiry.Milliseconds()
		}
	case ttl > 0:
		expireAt = now + ttl.Milliseconds()
	}

	e, existed := c.entries[key]
	if existed && !e.expired(now) {
		old := e.value
		c.totalUnits += units - e.units
		e.value = value
		e.units = units
		e.accessMillis = now
		e.expireAt = expireAt
		e.touches++
		for _, ix := range c.indices {
			ix.Update(key, old, value)
		}
		*events = append(*events, c.eventFor(e, EventUpdated, CauseNatural, old, value))
		return old
	}
	if existed {
		// Dead entry never observed as present: expel silently as expired.
		*events = append(*events, c.expelLocked(e, CauseExpired))
	}

	e = &cacheEntry{
		key:          key,
		value:        value,
		units:        units,
		insertMillis: now,
		accessMillis: now,
		expireAt:     expireAt,
		touches:      1,
	}
	c.entries[key] = e
	c.totalUnits += units
	for _, ix := range c.indices {
		ix.Insert(key, value)
	}
	*events = append(*events, c.eventFor(e, EventInserted, CauseNatural, nil, value))
	return nil
}

// expelLocked removes one entry from the store and all indices and returns
// its deletion event. Callers hold c.mu.
func (c *LocalCache) expelLocked(e *cacheEntry, cause EventCause) Event {
	delete(c.entries, e.key)
	c.totalUnits -= e.units
	for _, ix := range c.indices {
		ix.Delete(e.key, e.value)
	}
	return c.eventFor(e, EventDeleted, cause, e.value, nil)
}

// evictLocked prunes the cache to low units when a mutation breached the
// high-units mark. Callers hold c.mu.
func (c *LocalCache) evictLocked(now int64, events *[]Event) {
	if c.highUnits <= 0 || c.totalUnits <= c.highUnits {
		return
	}

	stats := make([]EntryStats, 0, len(c.entries))
	for _, e := range c.entries {
		stats = append(stats, e.stats())
	}
	c.cfg.policy.Order(stats, now)

	for _, s := range stats {
		if c.totalUnits <= c.lowUnits {
			break
		}
		if e, ok := c.entries[s.Key]; ok {
			*events = append(*events, c.expelLocked(e, CauseEvicted))
		}
	}
}

// sweepLocked expels expired entries, at most once per sweep interval.
// Callers hold c.mu; events may be nil when the caller cannot carry them.
func (c *LocalCache) sweepLocked(now int64, events *[]Event) {
	if now < c.nextSweep {
		return
	}
	c.nextSweep = now + sweepIntervalMillis

	var local []Event
	if events == nil {
		events = &local
	}
	for _, e := range c.entries {
		if e.expired(now) {
			*events = append(*events, c.expelLocked(e, CauseExpired))
		}
	}
	if events == &local && len(local) > 0 {
		// Caller could not carry the events; deliver asynchronously once
		// the lock is released.
		go c.deliver(local, false)
	}
}

func (c *LocalCache) eventFor(e *cacheEntry, t EventType, cause EventCause, oldV, newV interface{}) Event {
	return Event{
		Cache:    c,
		Type:     t,
		Cause:    cause,
		Key:      e.key,
		OldValue: oldV,
		NewValue: newV,
	}
}

// deliver hands committed events to the dispatcher. wait forces the caller
// to observe delivery before continuing; the expired-read path uses it.
func (c *LocalCache) deliver(events []Event, wait bool) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	regs := make([]*registration, len(c.regs))
	copy(regs, c.regs)
	c.mu.Unlock()
	if len(regs) == 0 {
		return
	}

	for i, ev := range events {
		ev := ev
		last := i == len(events)-1
		c.dispatcher.post(func() {
			for _, r := range regs {
				if !r.matches(ev) {
					continue
				}
				out := ev
				if r.lite {
					out.OldValue, out.NewValue = nil, nil
					out.Lite = true
				}
				c.invokeListener(r.listener, out)
			}
		}, wait && last)
	}
}

func (c *LocalCache) invokeListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.Printf("[ERR] cache %s: listener panic on %s %v: %v", c.name, ev.Type, ev.Key, r)
		}
	}()
	l.OnEvent(ev)
}

// AddListener registers a listener for all events.
func (c *LocalCache) AddListener(l Listener, lite bool) {
	c.addRegistration(&registration{kind: listenAll, listener: l, lite: lite})
}

// AddKeyListener registers a listener for one key's events.
func (c *LocalCache) AddKeyListener(l Listener, key interface{}, lite bool) {
	c.addRegistration(&registration{kind: listenKey, key: key, listener: l, lite: lite})
}

// AddFilterListener registers a listener for events whose entries satisfy
// the filter.
func (c *LocalCache) AddFilterListener(l Listener, f Filter, lite bool) {
	c.addRegistration(&registration{kind: listenFilter, filter: f, listener: l, lite: lite})
}

func (c *LocalCache) addRegistration(r *registration) {
	c.mu.Lock()
	c.regs = append(c.regs, r)
	c.mu.Unlock()
}

// RemoveListener drops every registration of l.
func (c *LocalCache) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.regs[:0]
	for _, r := range c.regs {
		if !sameListener(r.listener, l) {
			kept = append(kept, r)
		}
	}
	c.regs = kept
}

// AddIndex builds an index over extractor from the current live entries and
// maintains it on every mutation.
func (c *LocalCache) AddIndex(extractor Extractor, ordered bool, comparator Comparator) *Index {
	return c.addIndex(NewIndex(extractor, ordered, comparator))
}

// AddConditionalIndex builds an index restricted to entries the filter
// accepts; rejected entries mark the index partial.
func (c *LocalCache) AddConditionalIndex(filter Filter, extractor Extractor, ordered bool, comparator Comparator) *Index {
	return c.addIndex(NewConditionalIndex(filter, extractor, ordered, comparator))
}

func (c *LocalCache) addIndex(ix *Index) *Index {
	now := c.cfg.clock.Millis()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.expired(now) {
			ix.Insert(k, e.value)
		}
	}
	c.indices = append(c.indices, ix)
	return ix
}

// RemoveIndex drops the index built over extractor.
func (c *LocalCache) RemoveIndex(extractor Extractor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.indices[:0]
	for _, ix := range c.indices {
		if !sameExtractor(ix.extractor, extractor) {
			kept = append(kept, ix)
		}
	}
	c.indices = kept
}

// GetIndex returns the index built over extractor, if any.
func (c *LocalCache) GetIndex(extractor Extractor) (*Index, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ix := range c.indices {
		if sameExtractor(ix.extractor, extractor) {
			return ix, true
		}
	}
	return nil, false
}

// selectEntries snapshots the live entries matching f. A nil filter selects
// everything; an index-aware filter is answered from a usable index.
func (c *LocalCache) selectEntries(f Filter) []mapEntry {
	now := c.cfg.clock.Millis()

	c.mu.Lock()
	var candidates map[interface{}]struct{}
	if af, ok := f.(IndexAwareFilter); ok {
		if keys, usable := af.Candidates(c.indices); usable {
			candidates = make(map[interface{}]struct{}, len(keys))
			for _, k := range keys {
				candidates[k] = struct{}{}
			}
		}
	}
	snapshot := make([]mapEntry, 0, len(c.entries))
	for k, e := range c.entries {
		if e.expired(now) {
			continue
		}
		if candidates != nil {
			if _, ok := candidates[k]; !ok {
				continue
			}
		}
		snapshot = append(snapshot, mapEntry{key: k, value: e.value})
	}
	c.mu.Unlock()

	if f == nil || candidates != nil {
		// Index answers are exact: the index is complete and maintained
		// under the same lock as the store.
		return snapshot
	}
	selected := snapshot[:0]
	for _, e := range snapshot {
		if f.Evaluate(e) {
			selected = append(selected, e)
		}
	}
	return selected
}

// Keys returns the keys of entries selected by f.
func (c *LocalCache) Keys(f Filter) []interface{} {
	entries := c.selectEntries(f)
	keys := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Entries returns the entries selected by f.
func (c *LocalCache) Entries(f Filter) []Entry {
	selected := c.selectEntries(f)
	out := make([]Entry, 0, len(selected))
	for _, e := range selected {
		out = append(out, e)
	}
	return out
}

// Values returns the values of entries selected by f. With a comparator the
// values come back ascending; a nil comparator applies natural ordering.
func (c *LocalCache) Values(f Filter, cmp Comparator) []interface{} {
	selected := c.selectEntries(f)
	values := make([]interface{}, 0, len(selected))
	for _, e := range selected {
		values = append(values, e.value)
	}
	sort.SliceStable(values, func(i, j int) bool {
		if cmp != nil {
			return cmp.Compare(values[i], values[j]) < 0
		}
		return naturalCompare(values[i], values[j]) < 0
	})
	return values
}

// Aggregate reduces the values selected by f. The engine drives the
// non-parallel path only.
func (c *LocalCache) Aggregate(f Filter, agg Aggregator) interface{} {
	selected := c.selectEntries(f)
	agg.Init(true)
	for _, e := range selected {
		agg.Process(e.value, true)
	}
	return agg.Finalize(true)
}

// AggregateKeys reduces the values of the given keys.
func (c *LocalCache) AggregateKeys(keys []interface{}, agg Aggregator) interface{} {
	agg.Init(true)
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			agg.Process(v, true)
		}
	}
	return agg.Finalize(true)
}

// sameListener matches listeners for removal: comparable listeners match by
// equality, function adapters by identity.
func sameListener(a, b Listener) bool {
	if a == nil || b == nil {
		return a == b
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() == reflect.Func || rb.Kind() == reflect.Func {
		return ra.Kind() == rb.Kind() && ra.Pointer() == rb.Pointer()
	}
	if ra.Type() != rb.Type() || !ra.Type().Comparable() {
		return false
	}
	return a == b
}
