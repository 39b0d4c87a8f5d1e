package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var _ Device = (*Partition)(nil)

// Partition is a [Device] on a flash partition within an image file.
// The partition spans size bytes starting at offset of the image.
type Partition struct {
	mu     sync.Mutex
	file   *os.File
	label  string
	offset int64
	geo    Geometry
}

// OpenPartition opens (or creates) the image at path and returns the
// partition at offset. The image is extended when it is too short for it,
// with the appended region reading as erased flash.
func OpenPartition(path, label string, offset, size int64) (*Partition, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: need an image path", errInvalidArgument)
	}
	if offset < 0 || size < FlashBlockSize {
		return nil, fmt.Errorf("%w: partition needs at least one %d byte block", errInvalidArgument, FlashBlockSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:mnd
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	p := &Partition{
		file:   f,
		label:  label,
		offset: offset,
		geo: Geometry{
			BlockSize:  FlashBlockSize,
			BlockCount: uint32(size / FlashBlockSize),
		},
	}

	if err := p.extend(); err != nil {
		f.Close()

		return nil, err
	}

	return p, nil
}

func (p *Partition) extend() error {
	st, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image: %w", err)
	}

	end := p.offset + int64(p.geo.Size())
	if st.Size() >= end {
		return nil
	}

	fill := make([]byte, FlashBlockSize)
	for i := range fill {
		fill[i] = ErasePattern
	}
	for pos := st.Size(); pos < end; pos += int64(len(fill)) {
		n := min(int64(len(fill)), end-pos)
		if _, err := p.file.WriteAt(fill[:n], pos); err != nil {
			return fmt.Errorf("failed to extend image: %w", err)
		}
	}

	return nil
}

// Label returns the partition label.
func (p *Partition) Label() string {
	return p.label
}

// Geometry returns the geometry of the partition.
func (p *Partition) Geometry() Geometry {
	return p.geo
}

func (p *Partition) Read(block, off uint32, buf []byte) error {
	if err := checkRange(p.geo, block, off, len(buf)); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.file.ReadAt(buf, p.pos(block, off))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read block %d: %w", block, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: read %d of %d bytes", ErrShortIO, n, len(buf))
	}

	return nil
}

func (p *Partition) Prog(block, off uint32, buf []byte) error {
	if err := checkRange(p.geo, block, off, len(buf)); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.file.WriteAt(buf, p.pos(block, off))
	if err != nil {
		return fmt.Errorf("failed to program block %d: %w", block, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortIO, n, len(buf))
	}

	return nil
}

// Erase writes [ErasePattern] over the whole block.
func (p *Partition) Erase(block uint32) error {
	if err := checkRange(p.geo, block, 0, 0); err != nil {
		return err
	}

	fill := make([]byte, p.geo.BlockSize)
	for i := range fill {
		fill[i] = ErasePattern
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.file.WriteAt(fill, p.pos(block, 0)); err != nil {
		return fmt.Errorf("failed to erase block %d: %w", block, err)
	}

	return nil
}

// Sync flushes the written data of the image to stable storage.
func (p *Partition) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := unix.Fdatasync(int(p.file.Fd())); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}

	return nil
}

// Close closes the underlying image file.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.file.Close()
}

func (p *Partition) pos(block, off uint32) int64 {
	return p.offset + int64(block)*int64(p.geo.BlockSize) + int64(off)
}
