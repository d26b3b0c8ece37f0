package cache

import "sort"

// EntryStats is the read-only view of an entry the eviction machinery sees.
type EntryStats struct {
	Key          interface{}
	Units        int64
	InsertMillis int64
	AccessMillis int64
	Touches      int64
}

// EvictionPolicy orders entries for eviction. Order sorts stats so that the
// first element is the best eviction victim.
type EvictionPolicy interface {
	Name() string
	Order(stats []EntryStats, nowMillis int64)
}

// NewEvictionPolicy resolves a policy by its configured name:
// "hybrid", "lru", "lfu".
func NewEvictionPolicy(name string) (EvictionPolicy, error) {
	switch name {
	case "", "hybrid":
		return HybridPolicy{}, nil
	case "lru":
		return LRUPolicy{}, nil
	case "lfu":
		return LFUPolicy{}, nil
	}
	return nil, ErrInvalidConfig
}

// LRUPolicy evicts the least recently used entry first.
type LRUPolicy struct{}

func (LRUPolicy) Name() string { return "lru" }

func (LRUPolicy) Order(stats []EntryStats, _ int64) {
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].AccessMillis < stats[j].AccessMillis
	})
}

// LFUPolicy evicts the least frequently used entry first.
type LFUPolicy struct{}

func (LFUPolicy) Name() string { return "lfu" }

func (LFUPolicy) Order(stats []EntryStats, _ int64) {
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Touches != stats[j].Touches {
			return stats[i].Touches < stats[j].Touches
		}
		// Ties go to the colder entry.
		return stats[i].AccessMillis < stats[j].AccessMillis
	})
}

// HybridPolicy combines recency and frequency: each entry's eviction rank is
// the sum of its rank in LRU order and its rank in LFU order, so an entry
// must be both cold and rarely touched to go first. This mirrors the
// weighted scoring of the grid's default policy.
type HybridPolicy struct{}

func (HybridPolicy) Name() string { return "hybrid" }

func (HybridPolicy) Order(stats []EntryStats, _ int64) {
	n := len(stats)
	if n < 2 {
		return
	}

	byRecency := make([]int, n)
	byFrequency := make([]int, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return stats[idx[a]].AccessMillis < stats[idx[b]].AccessMillis
	})
	for rank, i := range idx {
		byRecency[i] = rank
	}
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return stats[idx[a]].Touches < stats[idx[b]].Touches
	})
	for rank, i := range idx {
		byFrequency[i] = rank
	}

	combined := make([]int, n)
	for i := range combined {
		combined[i] = i
	}
	sort.SliceStable(combined, func(a, b int) bool {
		return byRecency[combined[a]]+byFrequency[combined[a]] <
			byRecency[combined[b]]+byFrequency[combined[b]]
	})

	ordered := make([]EntryStats, n)
	for pos, i := range combined {
		ordered[pos] = stats[i]
	}
	copy(stats, ordered)
}

// ExternalPolicy delegates eviction order to a user function.
type ExternalPolicy struct {
	// Less reports whether a should be evicted before b.
	Less func(a, b EntryStats) bool
}

func (ExternalPolicy) Name() string { return "external" }

func (p ExternalPolicy) Order(stats []EntryStats, _ int64) {
	sort.SliceStable(stats, func(i, j int) bool { return p.Less(stats[i], stats[j]) })
}

// UnitCalculator assigns the cost of one entry; the sum over live entries is
// bounded by the cache's high-units mark.
type UnitCalculator interface {
	Name() string
	Units(key, value interface{}) int64
}

// NewUnitCalculator resolves a calculator by its configured name:
// "fixed", "binary".
func NewUnitCalculator(name string) (UnitCalculator, error) {
	switch name {
	case "", "fixed":
		return FixedCalculator{}, nil
	case "binary":
		return BinaryCalculator{}, nil
	}
	return nil, ErrInvalidConfig
}

// FixedCalculator charges one unit per entry.
type FixedCalculator struct{}

func (FixedCalculator) Name() string                       { return "fixed" }
func (FixedCalculator) Units(key, value interface{}) int64 { return 1 }

// BinaryCalculator approximates the memory footprint of an entry in bytes.
type BinaryCalculator struct{}

func (BinaryCalculator) Name() string { return "binary" }

func (BinaryCalculator) Units(key, value interface{}) int64 {
	return entryOverhead + binarySize(key) + binarySize(value)
}

const entryOverhead = 64

func binarySize(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case bool:
		return 1
	default:
		// Boxed scalar: two words. Larger values should use an external
		// calculator.
		return 16
	}
}

// ExternalCalculator delegates unit cost to a user function.
type ExternalCalculator struct {
	Cost func(key, value interface{}) int64
}

func (ExternalCalculator) Name() string { return "external" }

func (c ExternalCalculator) Units(key, value interface{}) int64 { return c.Cost(key, value) }
