// Package blockdev implements the block devices backing a filesystem.
package blockdev

import (
	"errors"
	"fmt"
)

const (
	// ErasePattern is the value of every byte of an erased flash block.
	ErasePattern = 0xFF

	// FlashBlockSize is the erase unit of the flash partition device.
	FlashBlockSize = 4096
)

var (
	// ErrOutOfRange is for an access outside of the device geometry.
	ErrOutOfRange = errors.New("access out of range")

	// ErrShortIO is for a transfer moving fewer bytes than requested.
	ErrShortIO = errors.New("short transfer")

	errInvalidArgument = errors.New("invalid argument")
)

// Geometry describes the fixed block layout of a device.
type Geometry struct {
	BlockSize  uint32
	BlockCount uint32
}

// Size returns the total amount of bytes addressable on the device.
func (g Geometry) Size() uint64 {
	return uint64(g.BlockSize) * uint64(g.BlockCount)
}

// Device is the capability set the filesystem engine consumes.
// Offsets are relative to the start of the given block.
type Device interface {
	Read(block, off uint32, buf []byte) error
	Prog(block, off uint32, buf []byte) error
	Erase(block uint32) error
	Sync() error
	Geometry() Geometry
}

// checkRange validates a transfer against the device geometry.
func checkRange(g Geometry, block, off uint32, n int) error {
	if block >= g.BlockCount {
		return fmt.Errorf("%w: block %d of %d", ErrOutOfRange, block, g.BlockCount)
	}
	if uint64(off)+uint64(n) > uint64(g.BlockSize) {
		return fmt.Errorf("%w: %d bytes at offset %d of block size %d", ErrOutOfRange, n, off, g.BlockSize)
	}

	return nil
}
