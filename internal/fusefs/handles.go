package fusefs

import (
	"slices"
	"sync"

	"bazil.org/fuse"
)

// handleTable tracks the open file handles, so that a size change of an
// open file goes through its descriptor instead of a second engine handle.
// The kernel only names a handle by its id, which is learned from the
// first request carrying it.
type handleTable struct {
	mu     sync.Mutex
	byID   map[fuse.HandleID]*fileHandle
	byPath map[string][]*fileHandle
}

func newHandleTable() *handleTable {
	return &handleTable{
		byID:   make(map[fuse.HandleID]*fileHandle),
		byPath: make(map[string][]*fileHandle),
	}
}

func (t *handleTable) add(h *fileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := h.node.path
	t.byPath[p] = append(t.byPath[p], h)
}

// seen records the id of a handle.
func (t *handleTable) seen(id fuse.HandleID, h *fileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[id] = h
}

func (t *handleTable) remove(id fuse.HandleID, h *fileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byID[id] == h {
		delete(t.byID, id)
	}

	p := h.node.path
	t.byPath[p] = slices.DeleteFunc(t.byPath[p], func(o *fileHandle) bool { return o == h })
	if len(t.byPath[p]) == 0 {
		delete(t.byPath, p)
	}
}

// writer returns the writable handle a size change of p goes through:
// the handle of the request when known, else the only writable handle
// of p. It returns nil when there is none or the choice is ambiguous.
func (t *handleTable) writer(id fuse.HandleID, hasID bool, p string) *fileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hasID {
		if h, ok := t.byID[id]; ok && h.writable && h.node.path == p {
			return h
		}
	}

	var found *fileHandle
	for _, h := range t.byPath[p] {
		if !h.writable {
			continue
		}
		if found != nil {
			return nil
		}
		found = h
	}

	return found
}
