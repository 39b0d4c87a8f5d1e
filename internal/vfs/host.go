package vfs

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
)

// Host routes absolute host paths to the instance mounted at their
// longest matching mount point.
type Host struct {
	mu     sync.RWMutex
	mounts map[string]*Instance
}

// NewHost returns a pointer to a new empty [Host].
func NewHost() *Host {
	return &Host{mounts: make(map[string]*Instance)}
}

// Register publishes inst at the mount point mp.
func (h *Host) Register(mp string, inst *Instance) error {
	if err := ValidateMountPoint(mp); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.mounts[mp]; ok {
		return fmt.Errorf("%w: %q", ErrMountPointInUse, mp)
	}
	h.mounts[mp] = inst

	return nil
}

// Unregister removes the mount point mp, reporting if it was present.
func (h *Host) Unregister(mp string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.mounts[mp]; !ok {
		return false
	}
	delete(h.mounts, mp)

	return true
}

// Resolve returns the instance serving the host path p, together with
// the path relative to its mount point.
func (h *Host) Resolve(p string) (*Instance, string, error) {
	p = path.Clean("/" + p)

	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		best    *Instance
		bestLen int
		rel     string
	)
	for mp, inst := range h.mounts {
		if len(mp) <= bestLen {
			continue
		}
		switch {
		case p == mp:
			best, bestLen, rel = inst, len(mp), "/"
		case strings.HasPrefix(p, mp+"/"):
			best, bestLen, rel = inst, len(mp), p[len(mp):]
		}
	}

	if best == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrNotFound, p)
	}

	return best, rel, nil
}

// MountPoints returns the registered mount points in sorted order.
func (h *Host) MountPoints() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.mounts))
	for mp := range h.mounts {
		out = append(out, mp)
	}
	slices.Sort(out)

	return out
}
