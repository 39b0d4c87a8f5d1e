package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/desertwitch/lfsvfs/internal/blockdev"
	"github.com/klauspost/compress/zstd"
)

// snapshotMagic starts every snapshot stream, followed by the geometry.
var snapshotMagic = [8]byte{'L', 'F', 'S', 'V', 'S', 'N', 'P', '1'}

var (
	// ErrBadSnapshot is for streams not written by [Snapshot].
	ErrBadSnapshot = errors.New("not a snapshot")

	// ErrGeometryMismatch is for restoring onto a device of another geometry.
	ErrGeometryMismatch = errors.New("geometry mismatch")
)

type snapshotHeader struct {
	Magic      [8]byte
	BlockSize  uint32
	BlockCount uint32
}

// Snapshot writes every block of dev as a zstd stream to w.
// The device must not be modified during the snapshot.
func Snapshot(w io.Writer, dev blockdev.Device) (int64, error) {
	if dev == nil {
		return 0, fmt.Errorf("%w: need a device", errMissingArgument)
	}
	geo := dev.Geometry()

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("failed to create encoder: %w", err)
	}

	hdr := snapshotHeader{Magic: snapshotMagic, BlockSize: geo.BlockSize, BlockCount: geo.BlockCount}
	if err := binary.Write(enc, binary.LittleEndian, hdr); err != nil {
		_ = enc.Close()

		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	var total int64
	buf := make([]byte, geo.BlockSize)

	for block := range geo.BlockCount {
		if err := dev.Read(block, 0, buf); err != nil {
			_ = enc.Close()

			return total, fmt.Errorf("failed to read block %d: %w", block, err)
		}
		n, err := enc.Write(buf)
		total += int64(n)
		if err != nil {
			_ = enc.Close()

			return total, fmt.Errorf("failed to write block %d: %w", block, err)
		}
	}

	if err := enc.Close(); err != nil {
		return total, fmt.Errorf("failed to finish snapshot: %w", err)
	}

	return total, nil
}

// Restore writes a stream of [Snapshot] back onto dev, which needs to
// have the geometry of the snapshotted device. Every block is erased
// and programmed, as the block erase of an SD card leaves its data.
func Restore(r io.Reader, dev blockdev.Device) (int64, error) {
	if dev == nil {
		return 0, fmt.Errorf("%w: need a device", errMissingArgument)
	}
	geo := dev.Geometry()

	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	var hdr snapshotHeader
	if err := binary.Read(dec, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}
	if hdr.Magic != snapshotMagic {
		return 0, ErrBadSnapshot
	}
	if hdr.BlockSize != geo.BlockSize || hdr.BlockCount != geo.BlockCount {
		return 0, fmt.Errorf("%w: snapshot %dx%d, device %dx%d", ErrGeometryMismatch,
			hdr.BlockCount, hdr.BlockSize, geo.BlockCount, geo.BlockSize)
	}

	var total int64
	buf := make([]byte, geo.BlockSize)

	for block := range geo.BlockCount {
		if _, err := io.ReadFull(dec, buf); err != nil {
			return total, fmt.Errorf("failed to read block %d: %w", block, err)
		}
		if err := dev.Erase(block); err != nil {
			return total, fmt.Errorf("failed to erase block %d: %w", block, err)
		}
		if err := dev.Prog(block, 0, buf); err != nil {
			return total, fmt.Errorf("failed to program block %d: %w", block, err)
		}
		total += int64(len(buf))
	}

	if err := dev.Sync(); err != nil {
		return total, fmt.Errorf("failed to sync device: %w", err)
	}

	return total, nil
}
