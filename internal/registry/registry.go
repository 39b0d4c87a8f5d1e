// Package registry implements a sparse, growable table of keyed values.
//
// Values are placed into the first empty slot and found by a linear scan,
// so slot numbers are reused after removal. The table is not synchronized,
// owners guard it with their own lock.
package registry

import (
	"errors"
	"fmt"
)

const defaultGrowFactor = 2

var (
	// ErrAlreadyPresent is for inserting a key which is already present.
	ErrAlreadyPresent = errors.New("key already present")

	// ErrNotFound is for removing a key which is not present.
	ErrNotFound = errors.New("key not found")

	// ErrOutOfMemory is for a failed growth of the table.
	ErrOutOfMemory = errors.New("out of memory")
)

// GrowFunc decides if the table may grow to the new capacity.
// It exists to simulate allocation failures.
type GrowFunc func(newCap int) bool

type slot[K comparable, V any] struct {
	used  bool
	key   K
	value V
}

// Table is a sparse table of values identified by unique keys.
type Table[K comparable, V any] struct {
	slots []slot[K, V]
	count int
	grow  GrowFunc
}

// New returns a pointer to a new [Table] with the initial capacity.
func New[K comparable, V any](capacity int) *Table[K, V] {
	return &Table[K, V]{slots: make([]slot[K, V], max(capacity, 0))}
}

// SetGrowFunc installs a hook consulted before every growth.
func (t *Table[K, V]) SetGrowFunc(fn GrowFunc) {
	t.grow = fn
}

// Insert places the value into the first empty slot and returns the slot.
// The table stays unmodified on any error.
func (t *Table[K, V]) Insert(key K, value V) (int, error) {
	free := -1
	for i := range t.slots {
		if !t.slots[i].used {
			if free < 0 {
				free = i
			}

			continue
		}
		if t.slots[i].key == key {
			return -1, ErrAlreadyPresent
		}
	}

	if free < 0 {
		newCap := max(len(t.slots)*defaultGrowFactor, 1)
		if t.grow != nil && !t.grow(newCap) {
			return -1, fmt.Errorf("%w: growing to %d slots", ErrOutOfMemory, newCap)
		}

		grown := make([]slot[K, V], newCap)
		copy(grown, t.slots)
		free = len(t.slots)
		t.slots = grown
	}

	t.slots[free] = slot[K, V]{used: true, key: key, value: value}
	t.count++

	return free, nil
}

// Remove clears the slot holding key.
func (t *Table[K, V]) Remove(key K) (V, error) {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].key == key {
			v := t.slots[i].value
			t.slots[i] = slot[K, V]{}
			t.count--

			return v, nil
		}
	}

	var zero V

	return zero, ErrNotFound
}

// Find returns the value of the first slot holding key.
func (t *Table[K, V]) Find(key K) (V, bool) {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].key == key {
			return t.slots[i].value, true
		}
	}

	var zero V

	return zero, false
}

// FindFunc returns the first value for which match returns true.
func (t *Table[K, V]) FindFunc(match func(K, V) bool) (V, bool) {
	for i := range t.slots {
		if t.slots[i].used && match(t.slots[i].key, t.slots[i].value) {
			return t.slots[i].value, true
		}
	}

	var zero V

	return zero, false
}

// Each calls fn for every occupied slot until it returns false.
func (t *Table[K, V]) Each(fn func(key K, value V) bool) {
	for i := range t.slots {
		if t.slots[i].used && !fn(t.slots[i].key, t.slots[i].value) {
			return
		}
	}
}

// Values returns the values of all occupied slots by slot order.
func (t *Table[K, V]) Values() []V {
	out := make([]V, 0, t.count)
	for i := range t.slots {
		if t.slots[i].used {
			out = append(out, t.slots[i].value)
		}
	}

	return out
}

// Len returns the amount of occupied slots.
func (t *Table[K, V]) Len() int {
	return t.count
}

// Cap returns the amount of allocated slots.
func (t *Table[K, V]) Cap() int {
	return len(t.slots)
}

// Occupied returns the amount of used slots by scanning the table,
// which is equal to [Table.Len] for a consistent table.
func (t *Table[K, V]) Occupied() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].used {
			n++
		}
	}

	return n
}
