package cache

import (
	"testing"
	"time"
)

func TestLFUEviction(t *testing.T) {
	clk := &fakeClock{}
	c := newTestCache(t, clk,
		WithHighUnits(3),
		WithPruneLevel(1.0),
		WithEvictionPolicy("lfu"),
	)

	c.Put("hot", 1)
	c.Put("warm", 2)
	c.Put("cold", 3)
	clk.Advance(time.Millisecond)
	for i := 0; i < 5; i++ {
		c.Get("hot")
	}
	c.Get("warm")
	clk.Advance(time.Millisecond)

	c.Put("new", 4)

	if _, ok := c.Get("cold"); ok {
		t.Fatal("least frequently used entry survived")
	}
	if _, ok := c.Get("hot"); !ok {
		t.Fatal("most frequently used entry evicted")
	}
}

func TestExternalPolicy(t *testing.T) {
	clk := &fakeClock{}
	// Evict the largest key first, regardless of use.
	policy := ExternalPolicy{Less: func(a, b EntryStats) bool {
		return a.Key.(string) > b.Key.(string)
	}}
	c := newTestCache(t, clk,
		WithHighUnits(2),
		WithPruneLevel(1.0),
		WithExternalEvictionPolicy(policy),
	)

	c.Put("a", 1)
	c.Put("z", 2)
	c.Put("m", 3)

	if _, ok := c.Get("z"); ok {
		t.Fatal("external policy ignored")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("wrong victim")
	}
}

func TestHybridPolicyOrdersColdAndRareFirst(t *testing.T) {
	stats := []EntryStats{
		{Key: "hot-recent", AccessMillis: 100, Touches: 50},
		{Key: "cold-rare", AccessMillis: 1, Touches: 1},
		{Key: "cold-frequent", AccessMillis: 2, Touches: 40},
		{Key: "hot-rare", AccessMillis: 90, Touches: 2},
	}
	HybridPolicy{}.Order(stats, 200)

	if stats[0].Key != "cold-rare" {
		t.Fatalf("first victim = %v, want cold-rare", stats[0].Key)
	}
	if stats[len(stats)-1].Key != "hot-recent" {
		t.Fatalf("last victim = %v, want hot-recent", stats[len(stats)-1].Key)
	}
}

func TestPolicyAndCalculatorResolution(t *testing.T) {
	for _, name := range []string{"", "hybrid", "lru", "lfu"} {
		if _, err := NewEvictionPolicy(name); err != nil {
			t.Fatalf("policy %q: %v", name, err)
		}
	}
	if _, err := NewEvictionPolicy("bogus"); err == nil {
		t.Fatal("bogus policy accepted")
	}
	for _, name := range []string{"", "fixed", "binary"} {
		if _, err := NewUnitCalculator(name); err != nil {
			t.Fatalf("calculator %q: %v", name, err)
		}
	}
	if _, err := NewUnitCalculator("bogus"); err == nil {
		t.Fatal("bogus calculator accepted")
	}
}

func TestBinaryCalculatorBoundsBySize(t *testing.T) {
	clk := &fakeClock{}
	c := newTestCache(t, clk,
		WithHighUnits(2048),
		WithUnitCalculator("binary"),
	)

	c.Put("k1", string(make([]byte, 900)))
	clk.Advance(time.Millisecond)
	c.Put("k2", string(make([]byte, 900)))
	clk.Advance(time.Millisecond)
	if c.Size() != 2 {
		t.Fatalf("size = %d", c.Size())
	}

	// The third large value breaches 2048 total units and triggers pruning.
	c.Put("k3", string(make([]byte, 900)))
	if got := c.TotalUnits(); got > 2048 {
		t.Fatalf("total units %d > high units", got)
	}
	if c.Size() >= 3 {
		t.Fatalf("size = %d, want eviction", c.Size())
	}
}

func TestExternalCalculator(t *testing.T) {
	clk := &fakeClock{}
	calc := ExternalCalculator{Cost: func(key, value interface{}) int64 {
		return int64(value.(int))
	}}
	c := newTestCache(t, clk,
		WithHighUnits(10),
		WithPruneLevel(1.0),
		WithExternalUnitCalculator(calc),
		WithEvictionPolicy("lru"),
	)

	c.Put("a", 4)
	clk.Advance(time.Millisecond)
	c.Put("b", 6)
	clk.Advance(time.Millisecond)
	if got := c.TotalUnits(); got != 10 {
		t.Fatalf("total units = %d", got)
	}

	c.Put("c", 3)
	// a (oldest) is evicted; 6+3 fits under 10.
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected LRU eviction of a")
	}
	if got := c.TotalUnits(); got != 9 {
		t.Fatalf("total units = %d", got)
	}
}

func TestUnlimitedCacheNeverEvicts(t *testing.T) {
	c := newTestCache(t, &fakeClock{})
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}
	if c.Size() != 1000 {
		t.Fatalf("size = %d", c.Size())
	}
}
