package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	_ Device       = (*SDCard)(nil)
	_ SectorDevice = (*FileSectors)(nil)
	_ SectorDevice = (*MemorySectors)(nil)
)

// SectorDevice is the sector-level interface of an SD card driver.
type SectorDevice interface {
	ReadSectors(dst []byte, start, count uint32) error
	WriteSectors(src []byte, start, count uint32) error
	SectorSize() uint32
	SectorCount() uint32
}

// SDCard is a [Device] on the sectors of an SD card, where one
// filesystem block is exactly one sector. Sub-sector programs are done
// as read-modify-write of the whole sector.
type SDCard struct {
	mu      sync.Mutex
	card    SectorDevice
	geo     Geometry
	staging []byte // nil unless DMA staging is enabled
}

// NewSDCard returns a pointer to a new [SDCard]. With dma set, every
// transfer goes through a single preallocated staging sector.
func NewSDCard(card SectorDevice, dma bool) (*SDCard, error) {
	if card == nil {
		return nil, fmt.Errorf("%w: need a sector device", errInvalidArgument)
	}
	if card.SectorSize() == 0 || card.SectorCount() == 0 {
		return nil, fmt.Errorf("%w: card reports an empty geometry", errInvalidArgument)
	}

	sd := &SDCard{
		card: card,
		geo: Geometry{
			BlockSize:  card.SectorSize(),
			BlockCount: card.SectorCount(),
		},
	}
	if dma {
		sd.staging = make([]byte, card.SectorSize())
	}

	return sd, nil
}

// Geometry returns the sector geometry of the card.
func (sd *SDCard) Geometry() Geometry {
	return sd.geo
}

// DMA reports if transfers are staged.
func (sd *SDCard) DMA() bool {
	return sd.staging != nil
}

func (sd *SDCard) sector() []byte {
	if sd.staging != nil {
		return sd.staging
	}

	return make([]byte, sd.geo.BlockSize)
}

func (sd *SDCard) Read(block, off uint32, buf []byte) error {
	if err := checkRange(sd.geo, block, off, len(buf)); err != nil {
		return err
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	if off == 0 && len(buf) == int(sd.geo.BlockSize) && sd.staging == nil {
		return sd.card.ReadSectors(buf, block, 1)
	}

	sec := sd.sector()
	if err := sd.card.ReadSectors(sec, block, 1); err != nil {
		return fmt.Errorf("failed to read sector %d: %w", block, err)
	}
	copy(buf, sec[off:])

	return nil
}

func (sd *SDCard) Prog(block, off uint32, buf []byte) error {
	if err := checkRange(sd.geo, block, off, len(buf)); err != nil {
		return err
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	if off == 0 && len(buf) == int(sd.geo.BlockSize) && sd.staging == nil {
		return sd.card.WriteSectors(buf, block, 1)
	}

	sec := sd.sector()
	if off != 0 || len(buf) != int(sd.geo.BlockSize) {
		if err := sd.card.ReadSectors(sec, block, 1); err != nil {
			return fmt.Errorf("failed to read sector %d: %w", block, err)
		}
	}
	copy(sec[off:], buf)

	if err := sd.card.WriteSectors(sec, block, 1); err != nil {
		return fmt.Errorf("failed to write sector %d: %w", block, err)
	}

	return nil
}

// Erase is a no-op, the card manages erasure internally.
func (sd *SDCard) Erase(block uint32) error {
	return checkRange(sd.geo, block, 0, 0)
}

// Sync is a no-op, sector writes are not cached here.
func (sd *SDCard) Sync() error {
	return nil
}

// FileSectors is a [SectorDevice] on a raw card image file.
type FileSectors struct {
	mu         sync.Mutex
	file       *os.File
	sectorSize uint32
	count      uint32
}

// OpenFileSectors opens the card image at path, creating it with
// count sectors of sectorSize when it does not exist.
func OpenFileSectors(path string, sectorSize, count uint32) (*FileSectors, error) {
	if sectorSize == 0 || count == 0 {
		return nil, fmt.Errorf("%w: need a non-zero geometry", errInvalidArgument)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:mnd
	if err != nil {
		return nil, fmt.Errorf("failed to open card image: %w", err)
	}

	size := int64(sectorSize) * int64(count)
	if st, err := f.Stat(); err == nil && st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()

			return nil, fmt.Errorf("failed to size card image: %w", err)
		}
	}

	return &FileSectors{file: f, sectorSize: sectorSize, count: count}, nil
}

func (fs *FileSectors) ReadSectors(dst []byte, start, count uint32) error {
	if err := fs.check(dst, start, count); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.file.ReadAt(dst[:count*fs.sectorSize], int64(start)*int64(fs.sectorSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read sectors: %w", err)
	}
	if n != int(count*fs.sectorSize) {
		return fmt.Errorf("%w: read %d bytes", ErrShortIO, n)
	}

	return nil
}

func (fs *FileSectors) WriteSectors(src []byte, start, count uint32) error {
	if err := fs.check(src, start, count); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.file.WriteAt(src[:count*fs.sectorSize], int64(start)*int64(fs.sectorSize)); err != nil {
		return fmt.Errorf("failed to write sectors: %w", err)
	}

	return nil
}

func (fs *FileSectors) SectorSize() uint32  { return fs.sectorSize }
func (fs *FileSectors) SectorCount() uint32 { return fs.count }

// Close closes the underlying card image.
func (fs *FileSectors) Close() error {
	return fs.file.Close()
}

func (fs *FileSectors) check(buf []byte, start, count uint32) error {
	if uint64(start)+uint64(count) > uint64(fs.count) {
		return fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, start, count, fs.count)
	}
	if uint64(len(buf)) < uint64(count)*uint64(fs.sectorSize) {
		return fmt.Errorf("%w: buffer holds %d bytes", ErrShortIO, len(buf))
	}

	return nil
}

// MemorySectors is a [SectorDevice] held in memory.
type MemorySectors struct {
	mu         sync.Mutex
	data       []byte
	sectorSize uint32
	count      uint32
}

// NewMemorySectors returns a pointer to a new zeroed [MemorySectors].
func NewMemorySectors(sectorSize, count uint32) *MemorySectors {
	return &MemorySectors{
		data:       make([]byte, uint64(sectorSize)*uint64(count)),
		sectorSize: sectorSize,
		count:      count,
	}
}

func (ms *MemorySectors) ReadSectors(dst []byte, start, count uint32) error {
	if uint64(start)+uint64(count) > uint64(ms.count) {
		return fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, start, count, ms.count)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := copy(dst, ms.data[start*ms.sectorSize:(start+count)*ms.sectorSize])
	if n != int(count*ms.sectorSize) {
		return fmt.Errorf("%w: read %d bytes", ErrShortIO, n)
	}

	return nil
}

func (ms *MemorySectors) WriteSectors(src []byte, start, count uint32) error {
	if uint64(start)+uint64(count) > uint64(ms.count) {
		return fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, start, count, ms.count)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	n := copy(ms.data[start*ms.sectorSize:(start+count)*ms.sectorSize], src)
	if n != int(count*ms.sectorSize) {
		return fmt.Errorf("%w: wrote %d bytes", ErrShortIO, n)
	}

	return nil
}

func (ms *MemorySectors) SectorSize() uint32  { return ms.sectorSize }
func (ms *MemorySectors) SectorCount() uint32 { return ms.count }
