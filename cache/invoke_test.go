package cache

import (
	"testing"
	"time"
)

func TestInvokeIncrement(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.Put("counter", 10)

	result := c.Invoke("counter", ProcessorFunc(func(e MutableEntry) interface{} {
		if !e.Present() {
			e.SetValue(1)
			return 1
		}
		n := e.Value().(int) + 1
		e.SetValue(n)
		return n
	}))

	if result != 11 {
		t.Fatalf("result = %v", result)
	}
	if v, _ := c.Get("counter"); v != 11 {
		t.Fatalf("stored = %v", v)
	}
}

func TestInvokeCreatesAbsentEntry(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	logr := &eventLog{}
	c.AddListener(logr, false)

	c.Invoke("fresh", ProcessorFunc(func(e MutableEntry) interface{} {
		if e.Present() {
			t.Error("entry should be absent")
		}
		e.SetValue("created")
		return nil
	}))

	if v, ok := c.Get("fresh"); !ok || v != "created" {
		t.Fatalf("stored = %v %v", v, ok)
	}
	evs := logr.waitFor(t, func(evs []Event) bool { return len(evs) == 1 })
	if evs[0].Type != EventInserted {
		t.Fatalf("event = %s", evs[0].Type)
	}
}

func TestInvokeRemove(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.Put("doomed", 1)
	logr := &eventLog{}
	c.AddListener(logr, false)

	c.Invoke("doomed", ProcessorFunc(func(e MutableEntry) interface{} {
		e.Remove()
		return nil
	}))

	if _, ok := c.Get("doomed"); ok {
		t.Fatal("entry survived processor removal")
	}
	evs := logr.waitFor(t, func(evs []Event) bool { return len(evs) == 1 })
	if evs[0].Type != EventDeleted || evs[0].Cause != CauseNatural {
		t.Fatalf("event = %s/%s", evs[0].Type, evs[0].Cause)
	}
}

func TestInvokeReadOnly(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.Put("ro", 7)
	logr := &eventLog{}
	c.AddListener(logr, false)

	got := c.Invoke("ro", ProcessorFunc(func(e MutableEntry) interface{} {
		return e.Value()
	}))
	if got != 7 {
		t.Fatalf("result = %v", got)
	}
	time.Sleep(10 * time.Millisecond)
	if len(logr.snapshot()) != 0 {
		t.Fatal("read-only invoke fired an event")
	}
}

func TestInvokeAllFilter(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 1, "b": 2, "c": 3})

	results := c.InvokeAllFilter(
		FilterFunc(func(e Entry) bool { return e.Value().(int) >= 2 }),
		ProcessorFunc(func(e MutableEntry) interface{} {
			n := e.Value().(int) * 10
			e.SetValue(n)
			return n
		}),
	)

	if len(results) != 2 || results["b"] != 20 || results["c"] != 30 {
		t.Fatalf("results = %v", results)
	}
	if v, _ := c.Get("a"); v != 1 {
		t.Fatalf("a mutated: %v", v)
	}
	if v, _ := c.Get("b"); v != 20 {
		t.Fatalf("b = %v", v)
	}
}

func TestAggregators(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 1, "b": 2, "c": 3, "d": 4})

	if n := c.Aggregate(nil, &CountAggregator{}); n != int64(4) {
		t.Fatalf("count = %v", n)
	}

	sum := c.Aggregate(FilterFunc(func(e Entry) bool { return e.Value().(int)%2 == 0 }), &SumAggregator{})
	if sum != 6.0 {
		t.Fatalf("sum = %v", sum)
	}

	keysSum := c.AggregateKeys([]interface{}{"a", "d", "missing"}, &SumAggregator{})
	if keysSum != 5.0 {
		t.Fatalf("keys sum = %v", keysSum)
	}
}

func TestKeyLockReentrancy(t *testing.T) {
	c := newTestCache(t, &fakeClock{})

	if !c.Lock("k", 0) {
		t.Fatal("first lock failed")
	}
	if !c.Lock("k", 0) {
		t.Fatal("reentrant lock failed")
	}

	other := NewLockOwner()
	if c.LockWithOwner(other, "k", 0) {
		t.Fatal("foreign owner acquired a held lock")
	}

	if !c.Unlock("k") {
		t.Fatal("unlock failed")
	}
	// Still held once: the other owner must keep failing.
	if c.LockWithOwner(other, "k", 0) {
		t.Fatal("lock released too early")
	}
	if !c.Unlock("k") {
		t.Fatal("final unlock failed")
	}
	if !c.LockWithOwner(other, "k", 0) {
		t.Fatal("lock not released")
	}
	c.UnlockWithOwner(other, "k")
}

func TestUnlockByNonHolderFailsSilently(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	owner := NewLockOwner()
	if !c.LockWithOwner(owner, "k", 0) {
		t.Fatal("lock failed")
	}
	if c.Unlock("k") {
		t.Fatal("non-holder unlock reported success")
	}
	if !c.UnlockWithOwner(owner, "k") {
		t.Fatal("holder unlock failed")
	}
}

func TestLockWaitTimeout(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	owner := NewLockOwner()
	c.LockWithOwner(owner, "k", 0)

	start := time.Now()
	if c.Lock("k", 30*time.Millisecond) {
		t.Fatal("acquired a held lock")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("timed lock returned early")
	}

	// Release in the background; a blocking lock must then acquire.
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.UnlockWithOwner(owner, "k")
	}()
	if !c.Lock("k", -1) {
		t.Fatal("indefinite wait failed")
	}
	c.Unlock("k")
}

func TestGlobalLockConflictsWithKeyLocks(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	keyOwner := NewLockOwner()
	allOwner := NewLockOwner()

	if !c.LockWithOwner(keyOwner, "k", 0) {
		t.Fatal("key lock failed")
	}
	if c.LockAllWithOwner(allOwner, 0) {
		t.Fatal("global lock acquired while a foreign key lock is held")
	}
	c.UnlockWithOwner(keyOwner, "k")

	if !c.LockAllWithOwner(allOwner, 0) {
		t.Fatal("global lock failed")
	}
	if c.LockWithOwner(keyOwner, "k", 0) {
		t.Fatal("key lock acquired while the global lock is held")
	}
	// The global holder may still take key locks.
	if !c.LockWithOwner(allOwner, "k", 0) {
		t.Fatal("global holder denied a key lock")
	}
	c.UnlockWithOwner(allOwner, "k")
	c.UnlockAllWithOwner(allOwner)

	if !c.LockWithOwner(keyOwner, "k", 0) {
		t.Fatal("key lock failed after global release")
	}
	c.UnlockWithOwner(keyOwner, "k")
}
