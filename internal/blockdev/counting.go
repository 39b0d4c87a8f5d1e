package blockdev

import "sync/atomic"

var _ Device = (*Counting)(nil)

// Stats contains the transfer counters of a [Counting] device.
type Stats struct {
	// Reads is the amount of block reads.
	Reads atomic.Int64

	// Progs is the amount of block programs.
	Progs atomic.Int64

	// Erases is the amount of block erases.
	Erases atomic.Int64

	// Syncs is the amount of device syncs.
	Syncs atomic.Int64

	// ReadBytes is the amount of bytes read.
	ReadBytes atomic.Int64

	// ProgBytes is the amount of bytes programmed.
	ProgBytes atomic.Int64

	// Errors is the amount of failed device operations.
	Errors atomic.Int64
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.Reads.Store(0)
	s.Progs.Store(0)
	s.Erases.Store(0)
	s.Syncs.Store(0)
	s.ReadBytes.Store(0)
	s.ProgBytes.Store(0)
	s.Errors.Store(0)
}

// Counting wraps a [Device] and counts all operations passing through.
type Counting struct {
	Device

	Stats *Stats
}

// NewCounting returns a pointer to a new [Counting] around dev.
func NewCounting(dev Device) *Counting {
	return &Counting{Device: dev, Stats: &Stats{}}
}

func (c *Counting) Read(block, off uint32, buf []byte) error {
	c.Stats.Reads.Add(1)
	if err := c.Device.Read(block, off, buf); err != nil {
		c.Stats.Errors.Add(1)

		return err
	}
	c.Stats.ReadBytes.Add(int64(len(buf)))

	return nil
}

func (c *Counting) Prog(block, off uint32, buf []byte) error {
	c.Stats.Progs.Add(1)
	if err := c.Device.Prog(block, off, buf); err != nil {
		c.Stats.Errors.Add(1)

		return err
	}
	c.Stats.ProgBytes.Add(int64(len(buf)))

	return nil
}

func (c *Counting) Erase(block uint32) error {
	c.Stats.Erases.Add(1)
	if err := c.Device.Erase(block); err != nil {
		c.Stats.Errors.Add(1)

		return err
	}

	return nil
}

func (c *Counting) Sync() error {
	c.Stats.Syncs.Add(1)
	if err := c.Device.Sync(); err != nil {
		c.Stats.Errors.Add(1)

		return err
	}

	return nil
}
