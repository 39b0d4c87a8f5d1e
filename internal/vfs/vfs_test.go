package vfs

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertwitch/lfsvfs/internal/blockdev"
	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	testBlockSize = 4096
	kib64Blocks   = 16
	mib1Blocks    = 256
)

var errInjected = errors.New("injected device failure")

// faultyDevice fails all programs while failProg is set.
type faultyDevice struct {
	blockdev.Device

	failProg atomic.Bool
}

func (d *faultyDevice) Prog(block, off uint32, buf []byte) error {
	if d.failProg.Load() {
		return errInjected
	}

	return d.Device.Prog(block, off, buf)
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func testEngine(t *testing.T, dev blockdev.Device) *lfs.FS {
	t.Helper()

	if dev == nil {
		mem, err := blockdev.NewMemory(testBlockSize, mib1Blocks)
		require.NoError(t, err)
		dev = mem
	}

	fs, err := lfs.New(dev, lfs.Config{})
	require.NoError(t, err)

	return fs
}

func testConfig(fs *lfs.FS) MountConfig {
	return MountConfig{
		BasePath:            DefaultBasePath,
		Label:               "test",
		FS:                  fs,
		MaxFiles:            MaxFiles,
		FormatIfMountFailed: true,
	}
}

func testMount(t *testing.T, mutate func(*MountConfig)) (*Registry, *Instance) {
	t.Helper()

	r := NewRegistry(nil, testLogger())

	conf := testConfig(testEngine(t, nil))
	if mutate != nil {
		mutate(&conf)
	}

	inst, err := r.Mount(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Reset() })

	return r, inst
}

func writeFile(t *testing.T, inst *Instance, p string, data []byte) {
	t.Helper()

	fd, err := inst.Open(p, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC)
	require.NoError(t, err)

	n, err := inst.Write(fd, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, inst.Close(fd))
}

func readFile(t *testing.T, inst *Instance, p string) []byte {
	t.Helper()

	fd, err := inst.Open(p, unix.O_RDONLY)
	require.NoError(t, err)
	defer func() { require.NoError(t, inst.Close(fd)) }()

	var out []byte
	buf := make([]byte, 1000)
	for {
		n, err := inst.Read(fd, buf)
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func usedBytes(t *testing.T, inst *Instance) uint64 {
	t.Helper()

	_, used, err := inst.Info()
	require.NoError(t, err)

	return used
}

// Expectation: A fresh 64 KiB medium should only use the two metadata blocks.
func Test_Info_Baseline64KiB_Success(t *testing.T) {
	t.Parallel()

	mem, err := blockdev.NewMemory(testBlockSize, kib64Blocks)
	require.NoError(t, err)

	r := NewRegistry(nil, testLogger())
	inst, err := r.Mount(testConfig(testEngine(t, mem)))
	require.NoError(t, err)

	total, used, err := inst.Info()
	require.NoError(t, err)
	require.Equal(t, uint64(64*1024), total)
	require.Equal(t, uint64(2*testBlockSize), used)

	require.NoError(t, r.Unmount(inst.FS()))
}

// Expectation: Writing and deleting a 100,000 byte file should move the used bytes accordingly.
func Test_Info_EndToEnd_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	baseline := usedBytes(t, inst)
	require.Equal(t, uint64(2*testBlockSize), baseline)

	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	writeFile(t, inst, "/big.bin", data)

	delta := float64(usedBytes(t, inst) - baseline)
	require.InDelta(t, 100_000, delta, 2*testBlockSize)
	require.Equal(t, data, readFile(t, inst, "/big.bin"))

	require.NoError(t, inst.Unlink("/big.bin"))
	require.Equal(t, baseline, usedBytes(t, inst))
}

// Expectation: Mounting the same engine handle twice should fail and keep the count.
func Test_Mount_Duplicate_Error(t *testing.T) {
	t.Parallel()

	r, inst := testMount(t, nil)

	conf := testConfig(inst.FS())
	conf.BasePath = "/other"

	_, err := r.Mount(conf)
	require.ErrorIs(t, err, ErrAlreadyMounted)
	require.Equal(t, 1, r.Len())
	require.Equal(t, unix.EBUSY, Errno(err))
}

// Expectation: Concurrent mounts of one engine handle should leave exactly one live instance.
func Test_Mount_ConcurrentDuplicate_Error(t *testing.T) {
	t.Parallel()

	for range 20 {
		r := NewRegistry(nil, testLogger())
		fs := testEngine(t, nil)

		var mounted, dup atomic.Int32
		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				_, err := r.Mount(testConfig(fs))
				switch {
				case err == nil:
					mounted.Add(1)
				case errors.Is(err, ErrAlreadyMounted):
					dup.Add(1)
				}
			})
		}
		wg.Wait()

		require.Equal(t, int32(1), mounted.Load())
		require.Equal(t, int32(3), dup.Load())
		require.Equal(t, 1, r.Len())
		require.True(t, fs.Mounted())

		inst, ok := r.Find(fs)
		require.True(t, ok)
		writeFile(t, inst, "/f", []byte("x"))

		require.NoError(t, r.Unmount(fs))
		require.False(t, fs.Mounted())

		_, err := r.Mount(testConfig(fs))
		require.NoError(t, err)
		require.NoError(t, r.Reset())
	}
}

// Expectation: A taken mount point should fail the mount and unmount the engine again.
func Test_Mount_MountPointInUse_Error(t *testing.T) {
	t.Parallel()

	r, _ := testMount(t, nil)

	fs := testEngine(t, nil)
	_, err := r.Mount(testConfig(fs))
	require.ErrorIs(t, err, ErrMountPointInUse)
	require.False(t, fs.Mounted())
	require.Equal(t, 1, r.Len())
}

// Expectation: A failed registry growth should fail the mount without registering it.
func Test_Mount_GrowFailure_Error(t *testing.T) {
	t.Parallel()

	r, _ := testMount(t, nil)
	r.SetGrowFunc(func(int) bool { return false })

	fs := testEngine(t, nil)
	conf := testConfig(fs)
	conf.BasePath = "/second"

	_, err := r.Mount(conf)
	require.ErrorIs(t, err, registry.ErrOutOfMemory)
	require.Equal(t, unix.ENOMEM, Errno(err))
	require.False(t, fs.Mounted())
	require.Equal(t, 1, r.Len())
}

// Expectation: An unformatted medium should not mount without the format flag.
func Test_Mount_Unformatted_Error(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, testLogger())

	conf := testConfig(testEngine(t, nil))
	conf.FormatIfMountFailed = false

	_, err := r.Mount(conf)
	require.Error(t, err)
	require.True(t, lfs.IsCode(err, lfs.ErrCorrupt))
	require.Zero(t, r.Len())
}

// Expectation: Invalid configurations should be rejected before the engine is touched.
func Test_MountConfig_Validate_Error(t *testing.T) {
	t.Parallel()

	fs := testEngine(t, nil)
	bad := []func(*MountConfig){
		func(c *MountConfig) { c.FS = nil },
		func(c *MountConfig) { c.BasePath = "" },
		func(c *MountConfig) { c.BasePath = "littlefs" },
		func(c *MountConfig) { c.BasePath = "/littlefs/" },
		func(c *MountConfig) { c.BasePath = "/a-very-long-mount" },
		func(c *MountConfig) { c.MaxFiles = 0 },
		func(c *MountConfig) { c.MaxFiles = MaxFiles + 1 },
		func(c *MountConfig) { c.Policy = &fdcache.Policy{InitialSize: 1, ReallocFactor: 0, MinSize: 1} },
	}

	r := NewRegistry(nil, testLogger())
	for i, mutate := range bad {
		conf := testConfig(fs)
		mutate(&conf)

		_, err := r.Mount(conf)
		require.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
		require.Equal(t, unix.EINVAL, Errno(err))
	}
	require.False(t, fs.Mounted())
}

// Expectation: Unmounting on a registry without mounts should report it as not initialized.
func Test_Unmount_NotInitialized_Error(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, testLogger())

	require.ErrorIs(t, r.Unmount(testEngine(t, nil)), ErrNotInitialized)
	require.ErrorIs(t, r.UnmountPoint("/x"), ErrNotInitialized)
	require.Empty(t, r.Instances())
}

// Expectation: A second unmount should report not found and change nothing.
func Test_Unmount_Twice_Error(t *testing.T) {
	t.Parallel()

	r, inst := testMount(t, nil)

	require.NoError(t, r.Unmount(inst.FS()))
	require.False(t, inst.FS().Mounted())
	require.Zero(t, r.Len())

	require.ErrorIs(t, r.Unmount(inst.FS()), ErrNotFound)
	require.Zero(t, r.Len())

	_, _, err := r.Host().Resolve("/littlefs/a")
	require.ErrorIs(t, err, ErrNotFound)
}

// Expectation: Unmounting should free open descriptors and make the instance unusable.
func Test_Unmount_OpenFiles_Success(t *testing.T) {
	t.Parallel()

	r, inst := testMount(t, nil)

	fd, err := inst.Open("/a.txt", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)

	require.NoError(t, r.UnmountPoint(DefaultBasePath))

	open, _ := inst.Descriptors()
	require.Zero(t, open)
	require.Zero(t, inst.Metrics.OpenFiles.Load())

	_, err = inst.Write(fd, []byte("x"))
	require.ErrorIs(t, err, ErrUnmounted)
	require.Equal(t, unix.ENODEV, Errno(err))
}

// Expectation: An engine handle mounted by the caller should stay mounted after unmount.
func Test_Unmount_CallerMounted_Success(t *testing.T) {
	t.Parallel()

	fs := testEngine(t, nil)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())

	r := NewRegistry(nil, testLogger())
	inst, err := r.Mount(testConfig(fs))
	require.NoError(t, err)

	mp, err := r.MountPoint(fs)
	require.NoError(t, err)
	require.Equal(t, DefaultBasePath, mp)

	require.NoError(t, r.Unmount(inst.FS()))
	require.True(t, fs.Mounted())

	_, err = r.MountPoint(fs)
	require.ErrorIs(t, err, ErrNotFound)
}

// Expectation: Lookups by handle should find the instance and allow grouping under its lock.
func Test_Registry_FindLock_Success(t *testing.T) {
	t.Parallel()

	r, inst := testMount(t, nil)

	got, ok := r.Find(inst.FS())
	require.True(t, ok)
	require.Same(t, inst, got)
	require.Equal(t, []*Instance{inst}, r.Instances())

	require.NoError(t, r.Lock(inst.FS()))
	writeFile(t, inst, "/grouped.txt", []byte("abc"))
	st, err := inst.Stat("/grouped.txt")
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Size)
	require.NoError(t, r.Unlock(inst.FS()))

	require.ErrorIs(t, r.Lock(testEngine(t, nil)), ErrNotFound)
}

// Expectation: Creating a nested file should create its ancestors and unlinking it should prune them.
func Test_DirCompat_RoundTrip_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.DirCompat = true })

	writeFile(t, inst, "/a/b/c.txt", []byte("c"))

	st, err := inst.Stat("/a/b")
	require.NoError(t, err)
	require.True(t, st.IsDir())

	require.NoError(t, inst.Unlink("/a/b/c.txt"))

	_, err = inst.Stat("/a")
	require.True(t, lfs.IsCode(err, lfs.ErrNoEnt))
	st, err = inst.Stat("/")
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

// Expectation: A non-empty ancestor should survive the unlink of a sibling.
func Test_DirCompat_NonEmptyAncestor_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.DirCompat = true })

	writeFile(t, inst, "/a/b/c.txt", []byte("c"))
	writeFile(t, inst, "/a/b/d.txt", []byte("d"))

	require.NoError(t, inst.Unlink("/a/b/c.txt"))

	_, err := inst.Stat("/a/b")
	require.NoError(t, err)
	require.Equal(t, []byte("d"), readFile(t, inst, "/a/b/d.txt"))
}

// Expectation: Without directory compatibility a missing parent should fail the open.
func Test_Open_MissingParent_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	_, err := inst.Open("/a/b.txt", unix.O_WRONLY|unix.O_CREAT)
	require.True(t, lfs.IsCode(err, lfs.ErrNoEnt))
	require.Equal(t, unix.ENOENT, Errno(err))

	open, _ := inst.Descriptors()
	require.Zero(t, open)
}

// Expectation: A rename in compatibility mode should create the target parents and prune the source ones.
func Test_DirCompat_Rename_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.DirCompat = true })

	writeFile(t, inst, "/a/x.txt", []byte("x"))
	require.NoError(t, inst.Rename("/a/x.txt", "/b/c/y.txt"))

	require.Equal(t, []byte("x"), readFile(t, inst, "/b/c/y.txt"))
	_, err := inst.Stat("/a")
	require.True(t, lfs.IsCode(err, lfs.ErrNoEnt))
}

// Expectation: An open path should block unlink and rename until it is closed.
func Test_PathOpen_Exclusivity_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	writeFile(t, inst, "/other.txt", []byte("o"))
	fd, err := inst.Open("/x.txt", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)

	require.ErrorIs(t, inst.Unlink("/x.txt"), ErrPathOpen)
	require.ErrorIs(t, inst.Rename("/x.txt", "/y.txt"), ErrPathOpen)
	require.ErrorIs(t, inst.Rename("/other.txt", "/x.txt"), ErrPathOpen)
	require.Equal(t, unix.EBUSY, Errno(inst.Unlink("x.txt")))

	require.NoError(t, inst.Close(fd))
	require.NoError(t, inst.Rename("/x.txt", "/y.txt"))
	require.NoError(t, inst.Unlink("/y.txt"))
}

// Expectation: A directory should not be renamed while a file below it is open.
func Test_Rename_OpenBelowDir_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	require.NoError(t, inst.Mkdir("/d"))
	require.NoError(t, inst.Mkdir("/dd"))

	fd, err := inst.Open("/d/f", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)
	_, err = inst.Write(fd, []byte("data"))
	require.NoError(t, err)

	require.ErrorIs(t, inst.Rename("/d", "/e"), ErrPathOpen)
	require.NoError(t, inst.Rename("/dd", "/ee"))

	require.NoError(t, inst.Close(fd))
	open, _ := inst.Descriptors()
	require.Zero(t, open)

	require.NoError(t, inst.Rename("/d", "/e"))
	require.Equal(t, []byte("data"), readFile(t, inst, "/e/f"))
}

// Expectation: Without stored paths a directory should not be renamed while any file is open.
func Test_Rename_OpenBelowDir_HashOnly_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.HashOnly = true })

	require.NoError(t, inst.Mkdir("/d"))
	writeFile(t, inst, "/other.txt", []byte("o"))

	fd, err := inst.Open("/x.txt", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)

	require.ErrorIs(t, inst.Rename("/d", "/e"), ErrPathOpen)
	require.NoError(t, inst.Rename("/other.txt", "/moved.txt"))

	require.NoError(t, inst.Close(fd))
	require.NoError(t, inst.Rename("/d", "/e"))
}

// Expectation: An open file should only be truncated through its descriptor.
func Test_Truncate_OpenFile_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/t", []byte("truncate me"))

	fd, err := inst.Open("/t", unix.O_WRONLY)
	require.NoError(t, err)

	err = inst.Truncate("/t", 1)
	require.ErrorIs(t, err, ErrPathOpen)
	require.Equal(t, unix.EBUSY, Errno(err))

	require.NoError(t, inst.Ftruncate(fd, 2))
	require.NoError(t, inst.Close(fd))

	require.Equal(t, []byte("tr"), readFile(t, inst, "/t"))
}

// Expectation: The expected stops of the directory emulation should not count as errors.
func Test_DirCompat_ErrorCount_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.DirCompat = true })

	writeFile(t, inst, "/a/b/c.txt", []byte("c"))
	writeFile(t, inst, "/a/b/d.txt", []byte("d"))
	require.NoError(t, inst.Unlink("/a/b/c.txt"))
	require.NoError(t, inst.Rename("/a/b/d.txt", "/a/e/d.txt"))

	require.Zero(t, inst.Metrics.TotalErrors.Load())

	_, err := inst.Stat("/a/b")
	require.True(t, lfs.IsCode(err, lfs.ErrNoEnt))
	require.Equal(t, int64(1), inst.Metrics.TotalErrors.Load())
}

// Expectation: The same path should be openable several times for reading.
func Test_Open_ConcurrentReaders_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/r.txt", []byte("read"))

	fd1, err := inst.Open("/r.txt", unix.O_RDONLY)
	require.NoError(t, err)
	fd2, err := inst.Open("/r.txt", unix.O_RDONLY)
	require.NoError(t, err)
	require.NotEqual(t, fd1, fd2)

	require.NoError(t, inst.Close(fd1))
	require.NoError(t, inst.Close(fd2))
}

// Expectation: Unlinking a directory should fail with is a directory.
func Test_Unlink_Directory_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	require.NoError(t, inst.Mkdir("/d"))

	err := inst.Unlink("/d")
	require.True(t, lfs.IsCode(err, lfs.ErrIsDir))
	require.Equal(t, unix.EISDIR, Errno(err))

	err = inst.Unlink("/missing")
	require.Equal(t, unix.ENOENT, Errno(err))
}

// Expectation: Rmdir should only remove empty directories.
func Test_Rmdir_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	require.NoError(t, inst.Mkdir("/d"))
	writeFile(t, inst, "/d/f", []byte("f"))

	require.Equal(t, unix.ENOTEMPTY, Errno(inst.Rmdir("/d")))
	require.Equal(t, unix.ENOTDIR, Errno(inst.Rmdir("/d/f")))

	require.NoError(t, inst.Unlink("/d/f"))
	require.NoError(t, inst.Rmdir("/d"))
	require.NoError(t, inst.Mkdir("/e"))
	require.Equal(t, unix.EEXIST, Errno(inst.Mkdir("/e")))
}

// Expectation: A failed close should keep the descriptor so that the close can be retried.
func Test_Close_Failure_Retained_Success(t *testing.T) {
	t.Parallel()

	mem, err := blockdev.NewMemory(testBlockSize, mib1Blocks)
	require.NoError(t, err)
	dev := &faultyDevice{Device: mem}

	r := NewRegistry(nil, testLogger())
	inst, err := r.Mount(testConfig(testEngine(t, dev)))
	require.NoError(t, err)

	fd, err := inst.Open("/f.txt", unix.O_WRONLY|unix.O_CREAT)
	require.NoError(t, err)
	_, err = inst.Write(fd, []byte("pending"))
	require.NoError(t, err)

	dev.failProg.Store(true)
	err = inst.Close(fd)
	require.Error(t, err)
	require.Equal(t, unix.EIO, Errno(err))

	open, _ := inst.Descriptors()
	require.Equal(t, 1, open)

	dev.failProg.Store(false)
	require.NoError(t, inst.Close(fd))

	open, _ = inst.Descriptors()
	require.Zero(t, open)
	require.Equal(t, []byte("pending"), readFile(t, inst, "/f.txt"))
	require.NoError(t, r.Unmount(inst.FS()))
}

// Expectation: Opening more files than allowed should fail without a free slot.
func Test_Open_TooMany_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.MaxFiles = 2 })

	for i := range 2 {
		_, err := inst.Open(fmt.Sprintf("/f%d", i), unix.O_WRONLY|unix.O_CREAT)
		require.NoError(t, err)
	}

	_, err := inst.Open("/f2", unix.O_WRONLY|unix.O_CREAT)
	require.ErrorIs(t, err, fdcache.ErrNoFreeSlot)
	require.Equal(t, unix.ENFILE, Errno(err))
}

// Expectation: Bad descriptors should be rejected as such.
func Test_Descriptor_Bad_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	_, err := inst.Read(99, make([]byte, 1))
	require.ErrorIs(t, err, fdcache.ErrBadIndex)
	require.Equal(t, unix.EBADF, Errno(err))

	require.ErrorIs(t, inst.Close(0), fdcache.ErrNotAllocated)
	require.Equal(t, unix.EBADF, Errno(inst.Fsync(0)))
}

// Expectation: A read-only mount should reject modifications but allow reads.
func Test_ReadOnly_Error(t *testing.T) {
	t.Parallel()

	fs := testEngine(t, nil)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())

	r := NewRegistry(nil, testLogger())
	rw, err := r.Mount(testConfig(fs))
	require.NoError(t, err)
	writeFile(t, rw, "/a.txt", []byte("a"))
	require.NoError(t, r.Unmount(fs))

	conf := testConfig(fs)
	conf.ReadOnly = true
	ro, err := r.Mount(conf)
	require.NoError(t, err)

	_, err = ro.Open("/a.txt", unix.O_RDWR)
	require.Equal(t, unix.EROFS, Errno(err))
	require.Equal(t, unix.EROFS, Errno(ro.Unlink("/a.txt")))
	require.Equal(t, unix.EROFS, Errno(ro.Mkdir("/d")))
	require.Equal(t, unix.EROFS, Errno(ro.Access("/a.txt", unix.W_OK)))
	require.NoError(t, ro.Access("/a.txt", unix.R_OK))
	require.Equal(t, []byte("a"), readFile(t, ro, "/a.txt"))
}

// Expectation: Positional reads and writes should not move the descriptor position.
func Test_PreadPwrite_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	fd, err := inst.Open("/p.txt", unix.O_RDWR|unix.O_CREAT)
	require.NoError(t, err)

	_, err = inst.Write(fd, []byte("hello world"))
	require.NoError(t, err)
	_, err = inst.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := inst.Pread(fd, buf, 6)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))

	_, err = inst.Pwrite(fd, []byte("HELLO"), 0)
	require.NoError(t, err)

	n, err = inst.Read(fd, buf)
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(buf[:n]))

	st, err := inst.Fstat(fd)
	require.NoError(t, err)
	require.Equal(t, int64(11), st.Size)
	require.Equal(t, "p.txt", st.Name)

	require.NoError(t, inst.Ftruncate(fd, 5))
	require.NoError(t, inst.Fsync(fd))
	require.NoError(t, inst.Close(fd))
	require.Equal(t, []byte("HELLO"), readFile(t, inst, "/p.txt"))
}

// Expectation: Appending opens should always write at the end.
func Test_Open_Append_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/log", []byte("one"))

	fd, err := inst.Open("/log", unix.O_APPEND)
	require.NoError(t, err)
	_, err = inst.Write(fd, []byte("two"))
	require.NoError(t, err)
	require.NoError(t, inst.Close(fd))

	require.Equal(t, []byte("onetwo"), readFile(t, inst, "/log"))
}

// Expectation: Truncate by path should resize an existing file.
func Test_Truncate_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/t", []byte("truncate me"))

	require.NoError(t, inst.Truncate("/t", 8))
	require.Equal(t, []byte("truncate"), readFile(t, inst, "/t"))
	require.Equal(t, unix.ENOENT, Errno(inst.Truncate("/missing", 1)))
}

// Expectation: Utime should store the given time and stat should report it.
func Test_Utime_Seconds_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) { c.UseMtime = true })
	writeFile(t, inst, "/m", []byte("m"))

	st, err := inst.Stat("/m")
	require.NoError(t, err)
	require.False(t, st.Mtime.IsZero())

	require.NoError(t, inst.Utime("/m", time.Unix(1000, 0)))
	st, err = inst.Stat("/m")
	require.NoError(t, err)
	require.Equal(t, int64(1000), st.Mtime.Unix())

	require.Equal(t, unix.ENOENT, Errno(inst.Utime("/missing", time.Time{})))
}

// Expectation: In nonce mode every update should advance the stored value by one.
func Test_Utime_Nonce_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, func(c *MountConfig) {
		c.UseMtime = true
		c.MtimeMode = MtimeNonce
	})
	writeFile(t, inst, "/n", []byte("n"))

	first := inst.getMtime("/n")
	require.NotZero(t, first)

	require.NoError(t, inst.Utime("/n", time.Time{}))
	require.Equal(t, first+1, inst.getMtime("/n"))
}

// Expectation: Utime without mtime support should not be supported.
func Test_Utime_Disabled_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/m", []byte("m"))

	require.Equal(t, unix.ENOTSUP, Errno(inst.Utime("/m", time.Time{})))
}

// Expectation: Directory reads should skip the dot entries and seekdir should rewind for backward seeks.
func Test_Dir_Seekdir_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	require.NoError(t, inst.Mkdir("/d"))
	for i := 1; i <= 5; i++ {
		writeFile(t, inst, fmt.Sprintf("/d/f%d", i), []byte{byte(i)})
	}

	d, err := inst.Opendir("/d")
	require.NoError(t, err)

	var names []string
	for {
		ent, err := d.Readdir()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, ent.Name)
	}
	require.Equal(t, []string{"f1", "f2", "f3", "f4", "f5"}, names)

	off, err := d.Telldir()
	require.NoError(t, err)
	require.Equal(t, 5, off)

	require.NoError(t, d.Seekdir(1))
	ent, err := d.Readdir()
	require.NoError(t, err)
	require.Equal(t, "f2", ent.Name)

	require.NoError(t, d.Seekdir(4))
	ent, err = d.Readdir()
	require.NoError(t, err)
	require.Equal(t, "f5", ent.Name)

	require.NoError(t, d.Seekdir(10))
	_, err = d.Readdir()
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, d.Rewinddir())
	ent, err = d.Readdir()
	require.NoError(t, err)
	require.Equal(t, "f1", ent.Name)

	require.NoError(t, d.Closedir())
	_, err = d.Readdir()
	require.Equal(t, unix.EBADF, Errno(err))
}

// Expectation: Opening a file as directory should fail with not a directory.
func Test_Opendir_File_Error(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/f", []byte("f"))

	_, err := inst.Opendir("/f")
	require.Equal(t, unix.ENOTDIR, Errno(err))
}

// Expectation: Format should empty the instance and free its descriptors.
func Test_Format_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)
	writeFile(t, inst, "/keep.txt", make([]byte, 3*testBlockSize))
	_, err := inst.Open("/keep.txt", unix.O_RDONLY)
	require.NoError(t, err)

	require.NoError(t, inst.Format())

	open, _ := inst.Descriptors()
	require.Zero(t, open)
	require.Equal(t, uint64(2*testBlockSize), usedBytes(t, inst))

	_, err = inst.Stat("/keep.txt")
	require.True(t, lfs.IsCode(err, lfs.ErrNoEnt))
}

// Expectation: Concurrent users of one instance should not interfere.
func Test_Instance_Concurrent_Success(t *testing.T) {
	t.Parallel()

	_, inst := testMount(t, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Go(func() {
			p := fmt.Sprintf("/c%d", i)
			want := []byte(p)

			fd, err := inst.Open(p, unix.O_RDWR|unix.O_CREAT)
			if err != nil {
				errs <- err

				return
			}
			if _, err := inst.Write(fd, want); err != nil {
				errs <- err

				return
			}
			if err := inst.Close(fd); err != nil {
				errs <- err

				return
			}

			st, err := inst.Stat(p)
			if err != nil {
				errs <- err

				return
			}
			if st.Size != int64(len(want)) {
				errs <- fmt.Errorf("%s: size %d", p, st.Size)
			}
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(8), inst.Metrics.TotalOpens.Load())
	require.Equal(t, int64(8), inst.Metrics.TotalCloses.Load())
}
