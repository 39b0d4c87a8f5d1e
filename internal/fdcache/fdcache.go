// Package fdcache implements the open file descriptor cache of a mount.
//
// Descriptors are indexes into a table of slots. All occupied slots are
// additionally threaded onto a singly linked list (by slot index), which
// allows visiting every open file independent of the table layout.
// A descriptor index stays valid until it is released, neither growth
// nor shrinking of the table moves an occupied slot.
//
// A [Cache] is not synchronized, it is guarded by the lock of its mount.
package fdcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	DefaultInitialSize   = 4
	DefaultReallocFactor = 2
	DefaultMinSize       = 4
	DefaultHysteresis    = 4
	DefaultMaxSize       = 20

	none = -1
)

var (
	// ErrNoFreeSlot is for an allocation with all slots up to the maximum in use.
	ErrNoFreeSlot = errors.New("no free descriptor slot")

	// ErrOutOfMemory is for an allocation where the table could not grow.
	ErrOutOfMemory = errors.New("descriptor table growth failed")

	// ErrBadIndex is for an index outside of the table.
	ErrBadIndex = errors.New("descriptor index out of range")

	// ErrNotAllocated is for an index of an empty slot.
	ErrNotAllocated = errors.New("descriptor not allocated")

	errInvalidPolicy = errors.New("invalid policy")
)

// Policy describes the growth and shrinking of the table.
type Policy struct {
	// InitialSize is the capacity of a new table.
	InitialSize int

	// ReallocFactor is the multiplier of the capacity on growth.
	ReallocFactor int

	// MinSize is the capacity a shrink never goes below.
	MinSize int

	// Hysteresis is the amount of trailing empty slots kept on a shrink.
	Hysteresis int

	// MaxSize bounds the capacity, being the limit of open files.
	MaxSize int

	// ShrinkOnRelease runs [Cache.Shrink] after every release.
	ShrinkOnRelease bool

	// HashOnly identifies paths by their 32-bit hash alone and does not
	// keep the path. Two paths sharing a hash are then taken for the same
	// file, so an open file may wrongly block unlink or rename of another.
	HashOnly bool
}

// DefaultPolicy returns a [Policy] with the default values.
func DefaultPolicy() Policy {
	return Policy{
		InitialSize:     DefaultInitialSize,
		ReallocFactor:   DefaultReallocFactor,
		MinSize:         DefaultMinSize,
		Hysteresis:      DefaultHysteresis,
		MaxSize:         DefaultMaxSize,
		ShrinkOnRelease: true,
	}
}

// Validate checks the policy for consistency.
func (p Policy) Validate() error {
	switch {
	case p.MaxSize <= 0:
		return fmt.Errorf("%w: max size must be positive", errInvalidPolicy)
	case p.InitialSize <= 0 || p.InitialSize > p.MaxSize:
		return fmt.Errorf("%w: initial size %d not in (0, %d]", errInvalidPolicy, p.InitialSize, p.MaxSize)
	case p.ReallocFactor < 1:
		return fmt.Errorf("%w: realloc factor must be at least 1", errInvalidPolicy)
	case p.MinSize < 1 || p.MinSize > p.MaxSize:
		return fmt.Errorf("%w: min size %d not in [1, %d]", errInvalidPolicy, p.MinSize, p.MaxSize)
	case p.Hysteresis < 0:
		return fmt.Errorf("%w: hysteresis must not be negative", errInvalidPolicy)
	}

	return nil
}

// ReserveFunc decides if the table may grow to the new capacity.
// It exists to simulate allocation failures.
type ReserveFunc func(newCap int) bool

// HashFunc computes the path identity hash.
type HashFunc func(path string) uint32

// Hash is the default [HashFunc], the first 32 bits of BLAKE3.
func Hash(path string) uint32 {
	sum := blake3.Sum256([]byte(path))

	return binary.LittleEndian.Uint32(sum[:4])
}

// Entry is an occupied slot.
type Entry[T any] struct {
	Value T

	hash uint32
	path string
	next int
}

// Hash returns the path hash of the entry.
func (e *Entry[T]) Hash() uint32 {
	return e.hash
}

// Path returns the path of the entry, empty in hash-only mode.
func (e *Entry[T]) Path() string {
	return e.path
}

// Stats contains the lifetime counters of a [Cache].
type Stats struct {
	Grows    int
	Shrinks  int
	Failures int
}

// Cache is the descriptor table of one mount.
type Cache[T any] struct {
	policy  Policy
	reserve ReserveFunc
	hash    HashFunc

	slots []*Entry[T]
	head  int
	count int
	stats Stats
}

// New returns a pointer to a new empty [Cache].
func New[T any](policy Policy) (*Cache[T], error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Cache[T]{
		policy: policy,
		hash:   Hash,
		slots:  make([]*Entry[T], policy.InitialSize),
		head:   none,
	}, nil
}

// SetReserveFunc installs a hook consulted before every growth.
func (c *Cache[T]) SetReserveFunc(fn ReserveFunc) {
	c.reserve = fn
}

// SetHashFunc replaces the path hash function. It must be set before
// the first allocation.
func (c *Cache[T]) SetHashFunc(fn HashFunc) {
	c.hash = fn
}

// Policy returns the policy of the cache.
func (c *Cache[T]) Policy() Policy {
	return c.policy
}

// Allocate places a new entry for path into the first empty slot,
// growing the table when there is none. On error the cache is unchanged.
func (c *Cache[T]) Allocate(path string) (int, *Entry[T], error) {
	if c.count == len(c.slots) {
		if err := c.grow(); err != nil {
			return none, nil, err
		}
	}

	idx := none
	for i, s := range c.slots {
		if s == nil {
			idx = i

			break
		}
	}

	e := &Entry[T]{hash: c.hash(path), next: c.head}
	if !c.policy.HashOnly {
		e.path = path
	}

	c.slots[idx] = e
	c.head = idx
	c.count++

	return idx, e, nil
}

func (c *Cache[T]) grow() error {
	cur := len(c.slots)
	if cur >= c.policy.MaxSize {
		return fmt.Errorf("%w: all %d in use", ErrNoFreeSlot, cur)
	}

	newCap := min(cur*c.policy.ReallocFactor, c.policy.MaxSize)
	if newCap <= cur || !c.mayReserve(newCap) {
		newCap = cur + 1
		if !c.mayReserve(newCap) {
			c.stats.Failures++

			return fmt.Errorf("%w: growing from %d slots", ErrOutOfMemory, cur)
		}
	}

	grown := make([]*Entry[T], newCap)
	copy(grown, c.slots)
	c.slots = grown
	c.stats.Grows++

	return nil
}

func (c *Cache[T]) mayReserve(newCap int) bool {
	return c.reserve == nil || c.reserve(newCap)
}

// Get returns the entry at idx.
func (c *Cache[T]) Get(idx int) (*Entry[T], error) {
	if idx < 0 || idx >= len(c.slots) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadIndex, idx, len(c.slots))
	}
	if c.slots[idx] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotAllocated, idx)
	}

	return c.slots[idx], nil
}

// Release detaches the entry at idx from the list and clears the slot.
func (c *Cache[T]) Release(idx int) (*Entry[T], error) {
	e, err := c.Get(idx)
	if err != nil {
		return nil, err
	}

	if c.head == idx {
		c.head = e.next
	} else {
		prev := c.head
		for prev != none && c.slots[prev].next != idx {
			prev = c.slots[prev].next
		}
		if prev == none {
			panic("fdcache: occupied slot missing from the list")
		}
		c.slots[prev].next = e.next
	}

	e.next = none
	c.slots[idx] = nil
	c.count--

	if c.policy.ShrinkOnRelease {
		c.Shrink()
	}

	return e, nil
}

// Shrink cuts the capacity when the trailing run of empty slots is
// longer than the hysteresis, keeping the hysteresis as headroom and
// never going below the minimum size. It returns if the table shrunk.
func (c *Cache[T]) Shrink() bool {
	last := len(c.slots) - 1
	for last >= 0 && c.slots[last] == nil {
		last--
	}

	trailing := len(c.slots) - 1 - last
	if trailing <= c.policy.Hysteresis {
		return false
	}

	target := max(last+1+c.policy.Hysteresis, c.policy.MinSize)
	if target >= len(c.slots) {
		return false
	}

	shrunk := make([]*Entry[T], target)
	copy(shrunk, c.slots[:target])
	c.slots = shrunk
	c.stats.Shrinks++

	return true
}

// FindByPath returns the index of the first open entry for path.
func (c *Cache[T]) FindByPath(path string) (int, bool) {
	h := c.hash(path)

	for idx := c.head; idx != none; idx = c.slots[idx].next {
		e := c.slots[idx]
		if e.hash != h {
			continue
		}
		if c.policy.HashOnly || e.path == path {
			return idx, true
		}
	}

	return none, false
}

// Walk calls fn for every entry in list order until it returns false.
func (c *Cache[T]) Walk(fn func(idx int, e *Entry[T]) bool) {
	for idx := c.head; idx != none; {
		next := c.slots[idx].next
		if !fn(idx, c.slots[idx]) {
			return
		}
		idx = next
	}
}

// Drain releases all entries without shrinking and returns them in list
// order. The table keeps its capacity.
func (c *Cache[T]) Drain() []*Entry[T] {
	out := make([]*Entry[T], 0, c.count)
	for idx := c.head; idx != none; {
		e := c.slots[idx]
		next := e.next
		e.next = none
		c.slots[idx] = nil
		out = append(out, e)
		idx = next
	}
	c.head = none
	c.count = 0

	return out
}

// Len returns the amount of occupied slots.
func (c *Cache[T]) Len() int {
	return c.count
}

// Cap returns the capacity of the table.
func (c *Cache[T]) Cap() int {
	return len(c.slots)
}

// ListLen returns the length of the list by traversing it.
func (c *Cache[T]) ListLen() int {
	n := 0
	for idx := c.head; idx != none; idx = c.slots[idx].next {
		n++
		if n > len(c.slots) {
			panic("fdcache: cycle in the list")
		}
	}

	return n
}

// Stats returns the lifetime counters.
func (c *Cache[T]) Stats() Stats {
	return c.stats
}
