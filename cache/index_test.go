package cache

import (
	"sort"
	"testing"
	"time"
)

func keySet(keys []interface{}) map[interface{}]bool {
	out := make(map[interface{}]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func TestFilteredQueryWithIndexScenario(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 1, "b": 2, "c": 3, "d": 2})

	idx := c.AddIndex(IdentityExtractor{}, false, nil)
	filter := &EqualsFilter{Extractor: IdentityExtractor{}, Value: 2}

	got := keySet(c.Keys(filter))
	if len(got) != 2 || !got["b"] || !got["d"] {
		t.Fatalf("keys(value==2) = %v, want {b,d}", got)
	}

	c.Remove("b")

	got = keySet(c.Keys(filter))
	if len(got) != 1 || !got["d"] {
		t.Fatalf("keys(value==2) after remove = %v, want {d}", got)
	}
	inverse := keySet(idx.Keys(2))
	if len(inverse) != 1 || !inverse["d"] {
		t.Fatalf("inverse set for 2 = %v, want {d}", inverse)
	}
}

func TestIndexConsistencyUnderMutation(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	extract := ExtractorFunc(func(v interface{}) (interface{}, error) {
		return v.(int) % 3, nil
	})
	idx := c.AddIndex(extract, false, nil)

	// Mixed inserts, updates and deletes.
	for i := 0; i < 30; i++ {
		c.Put(i, i)
	}
	for i := 0; i < 30; i += 2 {
		c.Put(i, i+1)
	}
	for i := 0; i < 30; i += 5 {
		c.Remove(i)
	}

	// The inverse map must equal exactly {k : extractor(cache[k]) == v}.
	want := map[interface{}]map[interface{}]bool{}
	for _, k := range c.AllKeys() {
		v, _ := c.Get(k)
		attr := v.(int) % 3
		if want[attr] == nil {
			want[attr] = map[interface{}]bool{}
		}
		want[attr][k] = true
	}
	for attr, keys := range want {
		got := keySet(idx.Keys(attr))
		if len(got) != len(keys) {
			t.Fatalf("attr %v: inverse %v, want %v", attr, got, keys)
		}
		for k := range keys {
			if !got[k] {
				t.Fatalf("attr %v: missing key %v", attr, k)
			}
		}
	}
	if idx.Partial() {
		t.Fatal("index should not be partial")
	}
}

func TestConditionalIndexPartialAndUpdate(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	logr := &eventLog{}

	accept := FilterFunc(func(e Entry) bool { return e.Value().(int) >= 10 })
	idx := c.AddConditionalIndex(accept, IdentityExtractor{}, false, nil)

	c.Put("in", 15)
	if idx.Partial() {
		t.Fatal("index partial before any rejection")
	}
	c.Put("out", 5)
	if !idx.Partial() {
		t.Fatal("rejected entry must mark the index partial")
	}

	c.AddListener(logr, false)
	// An update the filter now rejects deletes from the index and fires the
	// normal update event only.
	c.Put("in", 3)
	if got := len(idx.Keys(15)); got != 0 {
		t.Fatalf("stale inverse entry for 15: %d keys", got)
	}
	evs := logr.waitFor(t, func(evs []Event) bool { return len(evs) >= 1 })
	if evs[0].Type != EventUpdated {
		t.Fatalf("event = %s, want updated", evs[0].Type)
	}
}

func TestIndexDeleteSurvivesExtractorPanic(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	extract := ExtractorFunc(func(v interface{}) (interface{}, error) {
		if v == "poison" {
			panic("extractor fault")
		}
		return v, nil
	})
	idx := c.AddIndex(extract, false, nil)

	c.Put("ok", "fine")
	c.Put("bad", "poison")
	if !idx.Partial() {
		t.Fatal("failed extraction must mark the index partial")
	}

	// Delete is attempted even though extraction panics.
	c.Remove("bad")
	c.Remove("ok")
	if idx.InverseSize() != 0 {
		t.Fatalf("inverse not empty: %d values", idx.InverseSize())
	}
}

func TestIndexBuildFromExistingEntries(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 1, "b": 1, "c": 2})

	idx := c.AddIndex(IdentityExtractor{}, false, nil)
	if got := keySet(idx.Keys(1)); len(got) != 2 || !got["a"] || !got["b"] {
		t.Fatalf("inverse for 1 = %v", got)
	}
}

func TestOrderedIndexValues(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 3, "b": 1, "c": 2})

	idx := c.AddIndex(IdentityExtractor{}, true, nil)
	values := idx.Values()
	if len(values) != 3 {
		t.Fatalf("values = %v", values)
	}
	if !sort.SliceIsSorted(values, func(i, j int) bool {
		return values[i].(int) < values[j].(int)
	}) {
		t.Fatalf("values not ordered: %v", values)
	}
}

func TestRemoveIndex(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.AddIndex(IdentityExtractor{}, false, nil)
	if _, ok := c.GetIndex(IdentityExtractor{}); !ok {
		t.Fatal("index not found")
	}
	c.RemoveIndex(IdentityExtractor{})
	if _, ok := c.GetIndex(IdentityExtractor{}); ok {
		t.Fatal("index survived removal")
	}
}

func TestQueriesWithoutIndex(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	c.PutAll(map[interface{}]interface{}{"a": 1, "b": 2, "c": 3})

	keys := c.Keys(FilterFunc(func(e Entry) bool { return e.Value().(int) > 1 }))
	got := keySet(keys)
	if len(got) != 2 || !got["b"] || !got["c"] {
		t.Fatalf("keys = %v", got)
	}

	entries := c.Entries(nil)
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}

	values := c.Values(nil, nil)
	if len(values) != 3 || values[0] != 1 || values[2] != 3 {
		t.Fatalf("values = %v, want natural ascending", values)
	}

	desc := c.Values(nil, ComparatorFunc(func(a, b interface{}) int {
		return b.(int) - a.(int)
	}))
	if desc[0] != 3 || desc[2] != 1 {
		t.Fatalf("values desc = %v", desc)
	}
}

func TestExpiredEntriesInvisibleToQueries(t *testing.T) {
	clk := &fakeClock{}
	c := newTestCache(t, clk)
	c.PutWithExpiry("gone", 1, 10*time.Millisecond)
	c.Put("kept", 2)

	clk.Advance(20 * time.Millisecond)
	if got := keySet(c.Keys(nil)); len(got) != 1 || !got["kept"] {
		t.Fatalf("keys = %v", got)
	}
}
