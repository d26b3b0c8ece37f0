package cache

import (
	"fmt"
	"reflect"
	"sort"
)

// Index maintains an inverse map from extracted attribute values to the keys
// of the entries that carry them, and optionally a forward map from key to
// extracted value. A conditional index additionally screens entries through
// a filter; entries the filter rejects, or whose extraction fails, mark the
// index partial.
type Index struct {
	extractor  Extractor
	ordered    bool
	comparator Comparator
	filter     Filter

	inverse map[interface{}]map[interface{}]struct{}
	forward map[interface{}]interface{}
	partial bool
}

// NewIndex builds an unconditional index.
func NewIndex(extractor Extractor, ordered bool, comparator Comparator) *Index {
	return &Index{
		extractor:  extractor,
		ordered:    ordered,
		comparator: comparator,
		inverse:    make(map[interface{}]map[interface{}]struct{}),
		forward:    make(map[interface{}]interface{}),
	}
}

// NewConditionalIndex builds an index restricted to entries the filter
// accepts.
func NewConditionalIndex(filter Filter, extractor Extractor, ordered bool, comparator Comparator) *Index {
	idx := NewIndex(extractor, ordered, comparator)
	idx.filter = filter
	return idx
}

// Extractor returns the extractor the index is built over.
func (ix *Index) Extractor() Extractor { return ix.extractor }

// Ordered reports whether ordered traversal was requested.
func (ix *Index) Ordered() bool { return ix.ordered }

// Partial reports whether at least one entry has been left out of the index
// because the filter rejected it or extraction failed. The flag stays set
// after such entries are removed.
func (ix *Index) Partial() bool { return ix.partial }

// Keys returns the keys indexed under the attribute value v.
func (ix *Index) Keys(v interface{}) []interface{} {
	set := ix.inverse[v]
	keys := make([]interface{}, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// Get returns the forward-mapped attribute for key.
func (ix *Index) Get(key interface{}) (interface{}, bool) {
	v, ok := ix.forward[key]
	return v, ok
}

// InverseSize returns the number of distinct attribute values.
func (ix *Index) InverseSize() int { return len(ix.inverse) }

// Values returns the distinct attribute values; when the index is ordered
// they come back sorted by the comparator (natural ordering if none).
func (ix *Index) Values() []interface{} {
	values := make([]interface{}, 0, len(ix.inverse))
	for v := range ix.inverse {
		values = append(values, v)
	}
	if ix.ordered {
		cmp := ix.comparator
		sort.SliceStable(values, func(i, j int) bool {
			if cmp != nil {
				return cmp.Compare(values[i], values[j]) < 0
			}
			return naturalCompare(values[i], values[j]) < 0
		})
	}
	return values
}

// accepts screens an entry through the conditional filter.
func (ix *Index) accepts(key, value interface{}) bool {
	if ix.filter == nil {
		return true
	}
	return ix.filter.Evaluate(mapEntry{key: key, value: value})
}

// Insert indexes one entry.
func (ix *Index) Insert(key, value interface{}) {
	if !ix.accepts(key, value) {
		ix.partial = true
		return
	}
	attr, err := ix.extract(value)
	if err != nil {
		ix.partial = true
		return
	}
	set := ix.inverse[attr]
	if set == nil {
		set = make(map[interface{}]struct{})
		ix.inverse[attr] = set
	}
	set[key] = struct{}{}
	ix.forward[key] = attr
}

// Update re-indexes one entry after its value changed. When the conditional
// filter now rejects the entry it is deleted from the index without firing
// any cache event.
func (ix *Index) Update(key, oldValue, newValue interface{}) {
	ix.Delete(key, oldValue)
	ix.Insert(key, newValue)
}

// Delete removes one entry from the index. The removal is attempted even
// when extraction of the old value fails, so a poisoned entry cannot wedge
// the index; the forward map makes the attempt exact.
func (ix *Index) Delete(key, oldValue interface{}) {
	attr, ok := ix.forward[key]
	if !ok {
		// Not forward-mapped: either never indexed or extraction failed on
		// insert. Try the extractor as a best effort.
		a, err := ix.extract(oldValue)
		if err != nil {
			return
		}
		attr = a
	}
	delete(ix.forward, key)
	if set, ok := ix.inverse[attr]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(ix.inverse, attr)
		}
	}
}

// extract runs the extractor, converting panics into errors so index
// maintenance survives hostile extractors.
func (ix *Index) extract(value interface{}) (attr interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return ix.extractor.Extract(value)
}

// sameExtractor matches extractors for index selection and removal:
// comparable extractors match by equality, functions by identity.
func sameExtractor(a, b Extractor) bool {
	if a == nil || b == nil {
		return a == b
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() == reflect.Func || rb.Kind() == reflect.Func {
		return ra.Kind() == rb.Kind() && ra.Pointer() == rb.Pointer()
	}
	if ra.Type() != rb.Type() {
		return false
	}
	if !ra.Type().Comparable() {
		return false
	}
	return a == b
}
