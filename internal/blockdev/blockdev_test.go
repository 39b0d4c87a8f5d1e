package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Expectation: A new memory device should read back as erased flash.
func Test_NewMemory_Erased_Success(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(128, 4)
	require.NoError(t, err)

	buf := make([]byte, 128)
	require.NoError(t, m.Read(3, 0, buf))
	require.Equal(t, bytes.Repeat([]byte{ErasePattern}, 128), buf)
}

// Expectation: A zero geometry should be rejected.
func Test_NewMemory_ZeroGeometry_Error(t *testing.T) {
	t.Parallel()

	_, err := NewMemory(0, 4)
	require.ErrorIs(t, err, errInvalidArgument)
}

// Expectation: Programmed data should be readable and erase should restore the pattern.
func Test_Memory_ProgEraseRead_Success(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(64, 2)
	require.NoError(t, err)

	require.NoError(t, m.Prog(1, 10, []byte("hello")))

	buf := make([]byte, 5)
	require.NoError(t, m.Read(1, 10, buf))
	require.Equal(t, "hello", string(buf))

	require.NoError(t, m.Erase(1))
	require.NoError(t, m.Read(1, 10, buf))
	require.Equal(t, bytes.Repeat([]byte{ErasePattern}, 5), buf)
}

// Expectation: Accesses beyond the geometry should return ErrOutOfRange.
func Test_Memory_OutOfRange_Error(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(64, 2)
	require.NoError(t, err)

	require.ErrorIs(t, m.Read(2, 0, make([]byte, 1)), ErrOutOfRange)
	require.ErrorIs(t, m.Prog(0, 60, make([]byte, 8)), ErrOutOfRange)
	require.ErrorIs(t, m.Erase(5), ErrOutOfRange)
}

// Expectation: A partition should persist data at its offset within the image.
func Test_OpenPartition_Persist_Success(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flash.img")

	p, err := OpenPartition(path, "storage", 8192, 4*FlashBlockSize)
	require.NoError(t, err)
	require.Equal(t, uint32(4), p.Geometry().BlockCount)
	require.Equal(t, "storage", p.Label())

	require.NoError(t, p.Erase(2))
	require.NoError(t, p.Prog(2, 100, []byte("flash")))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	p, err = OpenPartition(path, "storage", 8192, 4*FlashBlockSize)
	require.NoError(t, err)
	defer p.Close()

	buf := make([]byte, 5)
	require.NoError(t, p.Read(2, 100, buf))
	require.Equal(t, "flash", string(buf))

	require.NoError(t, p.Read(3, 0, buf))
	require.Equal(t, bytes.Repeat([]byte{ErasePattern}, 5), buf)
}

// Expectation: A partition smaller than one block should be rejected.
func Test_OpenPartition_TooSmall_Error(t *testing.T) {
	t.Parallel()

	_, err := OpenPartition(filepath.Join(t.TempDir(), "x.img"), "", 0, 100)
	require.ErrorIs(t, err, errInvalidArgument)
}

// Expectation: Partial programs on an SD card should keep the rest of the sector, with and without DMA staging.
func Test_SDCard_PartialProg_Success(t *testing.T) {
	t.Parallel()

	for _, dma := range []bool{false, true} {
		sd, err := NewSDCard(NewMemorySectors(512, 8), dma)
		require.NoError(t, err)
		require.Equal(t, dma, sd.DMA())

		full := bytes.Repeat([]byte{0xAB}, 512)
		require.NoError(t, sd.Prog(3, 0, full))
		require.NoError(t, sd.Prog(3, 100, []byte("card")))

		got := make([]byte, 512)
		require.NoError(t, sd.Read(3, 0, got))

		want := bytes.Repeat([]byte{0xAB}, 512)
		copy(want[100:], "card")
		require.Equal(t, want, got)

		require.NoError(t, sd.Erase(3))
		require.NoError(t, sd.Read(3, 0, got))
		require.Equal(t, want, got)
	}
}

// Expectation: A file backed card image should round trip sectors.
func Test_FileSectors_ReadWrite_Success(t *testing.T) {
	t.Parallel()

	fs, err := OpenFileSectors(filepath.Join(t.TempDir(), "sd.img"), 512, 16)
	require.NoError(t, err)
	defer fs.Close()

	src := bytes.Repeat([]byte{7}, 1024)
	require.NoError(t, fs.WriteSectors(src, 4, 2))

	dst := make([]byte, 1024)
	require.NoError(t, fs.ReadSectors(dst, 4, 2))
	require.Equal(t, src, dst)

	require.ErrorIs(t, fs.ReadSectors(dst, 15, 2), ErrOutOfRange)
}

// Expectation: The counting wrapper should count each kind of operation.
func Test_Counting_Stats_Success(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(64, 2)
	require.NoError(t, err)

	c := NewCounting(m)
	require.NoError(t, c.Prog(0, 0, make([]byte, 16)))
	require.NoError(t, c.Read(0, 0, make([]byte, 8)))
	require.NoError(t, c.Erase(1))
	require.NoError(t, c.Sync())
	require.Error(t, c.Read(9, 0, make([]byte, 1)))

	require.Equal(t, int64(2), c.Stats.Reads.Load())
	require.Equal(t, int64(1), c.Stats.Progs.Load())
	require.Equal(t, int64(1), c.Stats.Erases.Load())
	require.Equal(t, int64(1), c.Stats.Syncs.Load())
	require.Equal(t, int64(8), c.Stats.ReadBytes.Load())
	require.Equal(t, int64(16), c.Stats.ProgBytes.Load())
	require.Equal(t, int64(1), c.Stats.Errors.Load())

	c.Stats.Reset()
	require.Zero(t, c.Stats.Reads.Load())
}
