package vfs

import (
	"path"
	"strings"
	"time"

	"github.com/desertwitch/lfsvfs/internal/dircompat"
	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"golang.org/x/sys/unix"
)

func baseName(p string) string {
	if p == "/" {
		return "/"
	}

	return path.Base(p)
}

func (inst *Instance) mtimeOf(p string) time.Time {
	if v := inst.getMtime(p); v != 0 {
		return time.Unix(v, 0)
	}

	return time.Time{}
}

func (inst *Instance) writable(op, p string) error {
	if err := inst.check(); err != nil {
		return err
	}
	if inst.conf.ReadOnly {
		return inst.fail(op, p, ErrReadOnly)
	}

	return nil
}

// Stat describes the entry at p.
func (inst *Instance) Stat(p string) (Stat, error) {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return Stat{}, err
	}

	info, err := inst.fs.Stat(p)
	if err != nil {
		return Stat{}, inst.fail("stat", p, err)
	}

	st := Stat{Name: baseName(p), Type: info.Type, Size: info.Size}
	if inst.conf.UseMtime && p != "/" {
		st.Mtime = inst.mtimeOf(p)
	}

	return st, nil
}

// Unlink removes the file at p. It fails for directories and for files
// with an open descriptor. The emptied ancestors are pruned afterwards
// in directory compatibility mode.
func (inst *Instance) Unlink(p string) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("unlink", p); err != nil {
		return err
	}

	info, err := inst.fs.Stat(p)
	if err != nil {
		return inst.fail("unlink", p, err)
	}
	if info.IsDir() {
		return inst.fail("unlink", p, lfs.ErrIsDir)
	}
	if _, open := inst.files.FindByPath(p); open {
		return inst.fail("unlink", p, ErrPathOpen)
	}

	if err := inst.fs.Remove(p); err != nil {
		return inst.fail("unlink", p, err)
	}

	if inst.conf.DirCompat {
		dircompat.PruneEmpty(compat{inst}, p, inst.compatLog())
	}

	return nil
}

// Rename moves src to dst, neither of which may have an open descriptor.
// A directory is not moved while a file below it is open.
func (inst *Instance) Rename(src, dst string) error {
	src, dst = clean(src), clean(dst)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("rename", src); err != nil {
		return err
	}

	info, err := inst.fs.Stat(src)
	if err != nil {
		return inst.fail("rename", src, err)
	}
	if inst.busy(src, info.IsDir()) {
		return inst.fail("rename", src, ErrPathOpen)
	}
	if inst.busy(dst, false) {
		return inst.fail("rename", dst, ErrPathOpen)
	}

	if inst.conf.DirCompat {
		dircompat.MkdirAll(compat{inst}, dst, isExist, inst.compatLog())
	}

	if err := inst.fs.Rename(src, dst); err != nil {
		return inst.fail("rename", src, err)
	}

	if inst.conf.DirCompat {
		dircompat.PruneEmpty(compat{inst}, src, inst.compatLog())
	}

	return nil
}

// Mkdir creates the directory at p, its parent must exist.
func (inst *Instance) Mkdir(p string) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("mkdir", p); err != nil {
		return err
	}

	if err := inst.fs.Mkdir(p); err != nil {
		return inst.fail("mkdir", p, err)
	}

	return nil
}

// Rmdir removes the empty directory at p.
func (inst *Instance) Rmdir(p string) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("rmdir", p); err != nil {
		return err
	}

	info, err := inst.fs.Stat(p)
	if err != nil {
		return inst.fail("rmdir", p, err)
	}
	if !info.IsDir() {
		return inst.fail("rmdir", p, lfs.ErrNotDir)
	}

	if err := inst.fs.Remove(p); err != nil {
		return inst.fail("rmdir", p, err)
	}

	return nil
}

// Utime sets the modification time of p, a zero mtime being the current
// time. In nonce mode the stored counter advances instead.
func (inst *Instance) Utime(p string, mtime time.Time) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("utime", p); err != nil {
		return err
	}
	if !inst.conf.UseMtime {
		return inst.fail("utime", p, ErrNotSupported)
	}

	if _, err := inst.fs.Stat(p); err != nil {
		return inst.fail("utime", p, err)
	}
	if err := inst.setMtime(p, inst.nextMtime(p, mtime)); err != nil {
		return inst.fail("utime", p, err)
	}

	return nil
}

// Truncate resizes the file at p, which must not have an open descriptor.
// An open file is resized through its descriptor, see [Instance.Ftruncate].
func (inst *Instance) Truncate(p string, size int64) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.writable("truncate", p); err != nil {
		return err
	}
	if _, open := inst.files.FindByPath(p); open {
		return inst.fail("truncate", p, ErrPathOpen)
	}

	f, err := inst.fs.OpenFile(p, lfs.OWrOnly)
	if err != nil {
		return inst.fail("truncate", p, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()

		return inst.fail("truncate", p, err)
	}
	if err := f.Close(); err != nil {
		return inst.fail("truncate", p, err)
	}

	if inst.conf.UseMtime {
		inst.touch(p)
	}

	return nil
}

// Access checks that p exists, and that it can be written when mode
// asks for [unix.W_OK].
func (inst *Instance) Access(p string, mode uint32) error {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return err
	}

	if _, err := inst.fs.Stat(p); err != nil {
		return inst.fail("access", p, err)
	}
	if mode&unix.W_OK != 0 && inst.conf.ReadOnly {
		return inst.fail("access", p, ErrReadOnly)
	}

	return nil
}

// busy reports if p has an open descriptor. For a directory, any open
// file below it counts as well. Hash-only descriptors keep no path, so
// there a directory is busy while any file of the instance is open.
func (inst *Instance) busy(p string, dir bool) bool {
	if _, open := inst.files.FindByPath(p); open {
		return true
	}
	if !dir || inst.files.Len() == 0 {
		return false
	}
	if inst.files.Policy().HashOnly {
		return true
	}

	prefix := strings.TrimSuffix(p, "/") + "/"
	found := false
	inst.files.Walk(func(_ int, e *fdcache.Entry[*openFile]) bool {
		if strings.HasPrefix(e.Path(), prefix) {
			found = true

			return false
		}

		return true
	})

	return found
}
