package lfs

import "fmt"

const (
	DefaultNameMax = 255
	DefaultFileMax = 2147483647
	DefaultAttrMax = 1022

	defaultLookahead = 8
	minBlockSize     = 128
)

// Config describes the geometry and buffer sizes of a filesystem.
// Zero fields are filled in with defaults by [New].
type Config struct {
	// ReadSize is the minimum size of a device read.
	ReadSize uint32

	// ProgSize is the minimum size of a device program.
	ProgSize uint32

	// BlockSize is the size of an erasable block.
	BlockSize uint32

	// BlockCount is the amount of erasable blocks on the device.
	BlockCount uint32

	// CacheSize is the size of the transfer chunks, a multiple of the
	// read and program sizes and a divisor of the block size.
	CacheSize uint32

	// LookaheadSize is the size of the allocation lookahead in bytes,
	// a multiple of eight.
	LookaheadSize uint32

	// BlockCycles is the erase-cycle budget of a metadata block before
	// it is rotated; -1 disables rotation.
	BlockCycles int32

	NameMax uint32
	FileMax uint32
	AttrMax uint32
}

func (c Config) withDefaults() Config {
	if c.ReadSize == 0 {
		c.ReadSize = 1
	}
	if c.ProgSize == 0 {
		c.ProgSize = 1
	}
	if c.CacheSize == 0 {
		c.CacheSize = c.BlockSize
	}
	if c.LookaheadSize == 0 {
		c.LookaheadSize = defaultLookahead
	}
	if c.BlockCycles == 0 {
		c.BlockCycles = -1
	}
	if c.NameMax == 0 {
		c.NameMax = DefaultNameMax
	}
	if c.FileMax == 0 {
		c.FileMax = DefaultFileMax
	}
	if c.AttrMax == 0 {
		c.AttrMax = DefaultAttrMax
	}

	return c
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	c = c.withDefaults()

	switch {
	case c.BlockSize < minBlockSize:
		return fmt.Errorf("%w: block size %d below %d", ErrInval, c.BlockSize, minBlockSize)
	case c.BlockCount < 2: //nolint:mnd
		return fmt.Errorf("%w: need at least two blocks for the metadata pair", ErrInval)
	case c.CacheSize%c.ReadSize != 0:
		return fmt.Errorf("%w: cache size %d not a multiple of read size %d", ErrInval, c.CacheSize, c.ReadSize)
	case c.CacheSize%c.ProgSize != 0:
		return fmt.Errorf("%w: cache size %d not a multiple of prog size %d", ErrInval, c.CacheSize, c.ProgSize)
	case c.BlockSize%c.CacheSize != 0:
		return fmt.Errorf("%w: block size %d not a multiple of cache size %d", ErrInval, c.BlockSize, c.CacheSize)
	case c.LookaheadSize%8 != 0:
		return fmt.Errorf("%w: lookahead size %d not a multiple of 8", ErrInval, c.LookaheadSize)
	}

	return nil
}
