package vfs

import (
	"io"
	"time"

	"github.com/desertwitch/lfsvfs/internal/dircompat"
	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
)

// Stat describes a file or directory of an instance.
type Stat struct {
	Name  string
	Type  lfs.Type
	Size  int64
	Mtime time.Time // zero without a stored modification time
}

// IsDir reports if the entry is a directory.
func (s Stat) IsDir() bool {
	return s.Type == lfs.TypeDir
}

func (inst *Instance) modeAllowed(flags lfs.OpenFlag) bool {
	return !inst.conf.ReadOnly || (!flags.Writable() && flags&(lfs.OCreat|lfs.OTrunc) == 0)
}

// Open opens the file at p with unix open flags and returns its descriptor.
func (inst *Instance) Open(p string, flags int) (int, error) {
	p = clean(p)
	lflags := OpenFlags(flags)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return -1, err
	}
	if !inst.modeAllowed(lflags) {
		return -1, inst.fail("open", p, ErrReadOnly)
	}

	fd, entry, err := inst.files.Allocate(p)
	if err != nil {
		return -1, inst.fail("open", p, err)
	}

	if inst.conf.DirCompat && (lflags.Writable() || lflags&lfs.OCreat != 0) {
		dircompat.MkdirAll(compat{inst}, p, isExist, inst.compatLog())
	}

	f, err := inst.fs.OpenFile(p, lflags)
	if err != nil {
		_, _ = inst.files.Release(fd)

		return -1, inst.fail("open", p, err)
	}

	// Reclaims the blocks of a truncated file right away.
	if err := f.Sync(); err != nil {
		inst.log.WithError(err).WithField("path", p).Warn("failed to sync after open")
	}

	entry.Value = &openFile{file: f, flags: lflags}

	if inst.conf.UseMtime && lflags.Writable() {
		inst.touch(p)
	}

	inst.Metrics.OpenFiles.Add(1)
	inst.Metrics.TotalOpens.Add(1)

	return fd, nil
}

func isExist(err error) bool {
	return lfs.IsCode(err, lfs.ErrExist)
}

// lookupFD resolves a descriptor, the instance lock must be held.
func (inst *Instance) lookupFD(op string, fd int) (*fdcache.Entry[*openFile], error) {
	if err := inst.check(); err != nil {
		return nil, err
	}

	e, err := inst.files.Get(fd)
	if err != nil {
		return nil, inst.fail(op, "", err)
	}

	return e, nil
}

// Read reads from the current position of fd, returning 0 at end of file.
func (inst *Instance) Read(fd int, buf []byte) (int, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("read", fd)
	if err != nil {
		return 0, err
	}

	n, err := e.Value.file.Read(buf)
	if err != nil {
		return n, inst.fail("read", e.Path(), err)
	}
	inst.Metrics.TotalReadBytes.Add(int64(n))

	return n, nil
}

// Write writes at the current position of fd.
func (inst *Instance) Write(fd int, buf []byte) (int, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("write", fd)
	if err != nil {
		return 0, err
	}

	n, err := e.Value.file.Write(buf)
	if err != nil {
		return n, inst.fail("write", e.Path(), err)
	}
	inst.Metrics.TotalWrittenBytes.Add(int64(n))

	return n, nil
}

// Pread reads at off without moving the position of fd.
func (inst *Instance) Pread(fd int, buf []byte, off int64) (int, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("pread", fd)
	if err != nil {
		return 0, err
	}

	var n int
	err = inst.atOffset(e.Value.file, off, func(f *lfs.File) error {
		var rerr error
		n, rerr = f.Read(buf)

		return rerr
	})
	if err != nil {
		return n, inst.fail("pread", e.Path(), err)
	}
	inst.Metrics.TotalReadBytes.Add(int64(n))

	return n, nil
}

// Pwrite writes at off without moving the position of fd.
func (inst *Instance) Pwrite(fd int, buf []byte, off int64) (int, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("pwrite", fd)
	if err != nil {
		return 0, err
	}

	var n int
	err = inst.atOffset(e.Value.file, off, func(f *lfs.File) error {
		var werr error
		n, werr = f.Write(buf)

		return werr
	})
	if err != nil {
		return n, inst.fail("pwrite", e.Path(), err)
	}
	inst.Metrics.TotalWrittenBytes.Add(int64(n))

	return n, nil
}

// atOffset runs fn at off and restores the previous position after.
func (inst *Instance) atOffset(f *lfs.File, off int64, fn func(*lfs.File) error) error {
	pos, err := f.Tell()
	if err != nil {
		return err
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return err
	}

	ferr := fn(f)

	if _, err := f.Seek(pos, io.SeekStart); err != nil && ferr == nil {
		return err
	}

	return ferr
}

// Seek moves the position of fd and returns the new position.
func (inst *Instance) Seek(fd int, off int64, whence int) (int64, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("seek", fd)
	if err != nil {
		return 0, err
	}

	pos, err := e.Value.file.Seek(off, whence)
	if err != nil {
		return 0, inst.fail("seek", e.Path(), err)
	}

	return pos, nil
}

// Fsync commits the buffered contents of fd.
func (inst *Instance) Fsync(fd int) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("fsync", fd)
	if err != nil {
		return err
	}

	if err := e.Value.file.Sync(); err != nil {
		return inst.fail("fsync", e.Path(), err)
	}

	return nil
}

// Fstat describes the open file fd. Without a known path (hash-only
// mode) there is neither a name nor a modification time.
func (inst *Instance) Fstat(fd int) (Stat, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("fstat", fd)
	if err != nil {
		return Stat{}, err
	}

	size, err := e.Value.file.FileSize()
	if err != nil {
		return Stat{}, inst.fail("fstat", e.Path(), err)
	}

	st := Stat{Type: lfs.TypeReg, Size: size}
	if p := e.Path(); p != "" {
		st.Name = baseName(p)
		if inst.conf.UseMtime {
			st.Mtime = inst.mtimeOf(p)
		}
	}

	return st, nil
}

// Ftruncate resizes the open file fd.
func (inst *Instance) Ftruncate(fd int, size int64) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("ftruncate", fd)
	if err != nil {
		return err
	}

	if err := e.Value.file.Truncate(size); err != nil {
		return inst.fail("ftruncate", e.Path(), err)
	}

	return nil
}

// Close syncs and closes fd. The descriptor is only released when the
// engine closed the file, so that a failed close can be retried.
func (inst *Instance) Close(fd int) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e, err := inst.lookupFD("close", fd)
	if err != nil {
		return err
	}

	if err := e.Value.file.Close(); err != nil {
		return inst.fail("close", e.Path(), err)
	}

	if _, err := inst.files.Release(fd); err != nil {
		return inst.fail("close", e.Path(), err)
	}

	inst.Metrics.OpenFiles.Add(-1)
	inst.Metrics.TotalCloses.Add(1)

	return nil
}
