package lfs

import "fmt"

// allocator tracks the block usage of a mounted filesystem.
// Allocation is next-fit from a rotating cursor, spreading writes
// over the whole device instead of reusing the lowest free blocks.
type allocator struct {
	used  []bool
	free  int
	next  uint32
	count uint32
}

func newAllocator(count uint32) *allocator {
	return &allocator{
		used:  make([]bool, count),
		free:  int(count),
		count: count,
	}
}

// mark claims a block found in use while rebuilding from metadata.
func (a *allocator) mark(block uint32) error {
	if block >= a.count {
		return fmt.Errorf("%w: block %d beyond device", ErrCorrupt, block)
	}
	if a.used[block] {
		return fmt.Errorf("%w: block %d referenced twice", ErrCorrupt, block)
	}
	a.used[block] = true
	a.free--

	return nil
}

// alloc claims n free blocks, either all of them or none.
func (a *allocator) alloc(n int) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	if n > a.free {
		return nil, ErrNoSpc
	}

	out := make([]uint32, 0, n)
	for scanned := uint32(0); scanned < a.count && len(out) < n; scanned++ {
		b := a.next
		a.next = (a.next + 1) % a.count
		if !a.used[b] {
			a.used[b] = true
			out = append(out, b)
		}
	}
	a.free -= len(out)

	return out, nil
}

// release returns blocks to the free pool.
func (a *allocator) release(blocks []uint32) {
	for _, b := range blocks {
		if b < a.count && a.used[b] {
			a.used[b] = false
			a.free++
		}
	}
}

func (a *allocator) inUse() int {
	return int(a.count) - a.free
}
