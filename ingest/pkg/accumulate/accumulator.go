package accumulate

import (
	"github.com/malbeclabs/walflow/ingest/pkg/extract"
)

// Policy decides what happens when a key is added more than once.
type Policy int

const (
	// Append keeps every value added under a key, in insertion order.
	Append Policy = iota
	// Overwrite keeps only the most recent value for a key.
	Overwrite
)

// KeyFunc derives the store key and stored value from a subset. Returning
// ok=false drops the subset.
type KeyFunc[V any] func(extract.Subset) (key *NaturalKey, value V, ok bool)

// Entry is the set of values stored under one key.
type Entry[V any] struct {
	Key    *NaturalKey
	Values []V
}

// Latest returns the most recently added value.
func (e *Entry[V]) Latest() V {
	return e.Values[len(e.Values)-1]
}

// Accumulator is a keyed store that remembers the first-observed key order.
type Accumulator[V any] struct {
	policy  Policy
	keyFn   KeyFunc[V]
	order   []SurrogateKey
	entries map[SurrogateKey]*Entry[V]
	dropped int
}

func NewAccumulator[V any](policy Policy, keyFn KeyFunc[V]) *Accumulator[V] {
	return &Accumulator[V]{
		policy:  policy,
		keyFn:   keyFn,
		entries: make(map[SurrogateKey]*Entry[V]),
	}
}

// Add stores the subset under its derived key. It returns false when the key
// function dropped the subset.
func (a *Accumulator[V]) Add(subset extract.Subset) bool {
	key, value, ok := a.keyFn(subset)
	if !ok {
		a.dropped++
		return false
	}

	sk := key.ToSurrogate()
	entry, exists := a.entries[sk]
	if !exists {
		entry = &Entry[V]{Key: key}
		a.entries[sk] = entry
		a.order = append(a.order, sk)
	}

	switch a.policy {
	case Overwrite:
		entry.Key = key
		entry.Values = []V{value}
	default:
		entry.Values = append(entry.Values, value)
	}
	return true
}

// Get returns the entry stored under key.
func (a *Accumulator[V]) Get(key *NaturalKey) (*Entry[V], bool) {
	entry, ok := a.entries[key.ToSurrogate()]
	return entry, ok
}

// Entries returns all entries in first-observed key order.
func (a *Accumulator[V]) Entries() []*Entry[V] {
	out := make([]*Entry[V], 0, len(a.order))
	for _, sk := range a.order {
		out = append(out, a.entries[sk])
	}
	return out
}

// Len returns the number of distinct keys.
func (a *Accumulator[V]) Len() int {
	return len(a.order)
}

// Dropped returns the number of subsets rejected by the key function.
func (a *Accumulator[V]) Dropped() int {
	return a.dropped
}
