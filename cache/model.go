// Package cache implements the in-process cache engine. It mirrors the
// behavior of the grid-hosted caches — sizing, expiry, eviction, listener
// semantics, indices, queries and entry processors — so application code can
// address a local or remote cache transparently.
package cache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported is returned for operations the local engine does not
	// implement, such as Truncate.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrInvalidConfig is returned when options produce an unusable cache.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Expiry sentinels accepted by PutWithExpiry.
const (
	// ExpiryDefault applies the cache-wide default expiry.
	ExpiryDefault time.Duration = 0
	// ExpiryNever disables expiry for the entry.
	ExpiryNever time.Duration = -1
)

// Clock provides monotonic milliseconds. The engine takes a clock so tests
// can drive expiry deterministically.
type Clock interface {
	Millis() int64
}

type systemClock struct{ origin time.Time }

// NewSystemClock returns the default monotonic clock.
func NewSystemClock() Clock { return &systemClock{origin: time.Now()} }

func (c *systemClock) Millis() int64 { return time.Since(c.origin).Milliseconds() }

// Entry is a read-only view of one cache entry.
type Entry interface {
	Key() interface{}
	Value() interface{}
}

// MutableEntry is the view handed to an entry processor while the per-key
// lock is held. Effects are committed when the processor returns.
type MutableEntry interface {
	Entry
	// Present reports whether the entry exists in the cache.
	Present() bool
	// SetValue binds a new value, creating the entry if absent.
	SetValue(v interface{})
	// Remove deletes the entry.
	Remove()
}

// Extractor derives an indexed or queried attribute from a cache value.
type Extractor interface {
	Extract(value interface{}) (interface{}, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(value interface{}) (interface{}, error)

func (f ExtractorFunc) Extract(v interface{}) (interface{}, error) { return f(v) }

// IdentityExtractor extracts the value itself.
type IdentityExtractor struct{}

func (IdentityExtractor) Extract(v interface{}) (interface{}, error) { return v, nil }

// Filter selects entries for queries, conditional indices and filtered
// listeners.
type Filter interface {
	Evaluate(e Entry) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(e Entry) bool

func (f FilterFunc) Evaluate(e Entry) bool { return f(e) }

// IndexAwareFilter is implemented by filters that can answer from an index.
// Candidates returns the matching key set when one of the supplied indices
// applies; ok reports whether an index was usable.
type IndexAwareFilter interface {
	Filter
	Candidates(indices []*Index) (keys []interface{}, ok bool)
}

// EqualsFilter selects entries whose extracted attribute equals Value. It is
// index-aware.
type EqualsFilter struct {
	Extractor Extractor
	Value     interface{}
}

func (f *EqualsFilter) Evaluate(e Entry) bool {
	v, err := f.Extractor.Extract(e.Value())
	if err != nil {
		return false
	}
	return v == f.Value
}

// Candidates answers from a complete index built over the same extractor.
// A partial index cannot answer exactly and is skipped.
func (f *EqualsFilter) Candidates(indices []*Index) ([]interface{}, bool) {
	for _, idx := range indices {
		if !idx.Partial() && sameExtractor(idx.Extractor(), f.Extractor) {
			return idx.Keys(f.Value), true
		}
	}
	return nil, false
}

// Comparator orders values for sorted queries and ordered indices.
type Comparator interface {
	Compare(a, b interface{}) int
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(a, b interface{}) int

func (f ComparatorFunc) Compare(a, b interface{}) int { return f(a, b) }

// naturalCompare orders the common scalar kinds; it backs queries that pass
// no comparator.
func naturalCompare(a, b interface{}) int {
	switch av := a.(type) {
	case int:
		if bv, ok := b.(int); ok {
			return compareInt64(int64(av), int64(bv))
		}
	case int32:
		if bv, ok := b.(int32); ok {
			return compareInt64(int64(av), int64(bv))
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return compareInt64(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	// Fall back to a stable but arbitrary textual order.
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Processor mutates or inspects one entry under its key lock.
type Processor interface {
	Process(entry MutableEntry) interface{}
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(entry MutableEntry) interface{}

func (f ProcessorFunc) Process(e MutableEntry) interface{} { return f(e) }

// Aggregator reduces a stream of values to one result. The engine drives
// only the non-parallel path, passing final=true throughout; the flag exists
// for reducers that also run split-and-combine on a grid.
type Aggregator interface {
	Init(final bool)
	Process(value interface{}, final bool)
	Finalize(final bool) interface{}
}
