package blockdev

import (
	"fmt"
	"sync"
)

var _ Device = (*Memory)(nil)

// Memory is a [Device] on a reserved memory region.
type Memory struct {
	mu   sync.RWMutex
	geo  Geometry
	data []byte
}

// NewMemory returns a pointer to a new [Memory] device.
// The region starts out erased.
func NewMemory(blockSize, blockCount uint32) (*Memory, error) {
	if blockSize == 0 || blockCount == 0 {
		return nil, fmt.Errorf("%w: need a non-zero geometry", errInvalidArgument)
	}

	m := &Memory{
		geo:  Geometry{BlockSize: blockSize, BlockCount: blockCount},
		data: make([]byte, uint64(blockSize)*uint64(blockCount)),
	}
	for i := range m.data {
		m.data[i] = ErasePattern
	}

	return m, nil
}

// Geometry returns the geometry of the region.
func (m *Memory) Geometry() Geometry {
	return m.geo
}

func (m *Memory) Read(block, off uint32, buf []byte) error {
	if err := checkRange(m.geo, block, off, len(buf)); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	copy(buf, m.data[m.offset(block, off):])

	return nil
}

func (m *Memory) Prog(block, off uint32, buf []byte) error {
	if err := checkRange(m.geo, block, off, len(buf)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.data[m.offset(block, off):], buf)

	return nil
}

// Erase fills the block with [ErasePattern].
func (m *Memory) Erase(block uint32) error {
	if err := checkRange(m.geo, block, 0, 0); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.offset(block, 0)
	for i := start; i < start+uint64(m.geo.BlockSize); i++ {
		m.data[i] = ErasePattern
	}

	return nil
}

// Sync is a no-op for memory.
func (m *Memory) Sync() error {
	return nil
}

// Bytes returns a copy of the whole region.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)

	return out
}

func (m *Memory) offset(block, off uint32) uint64 {
	return uint64(block)*uint64(m.geo.BlockSize) + uint64(off)
}
