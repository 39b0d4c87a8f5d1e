package vfs

import (
	"errors"
	"fmt"
	"io"

	"github.com/desertwitch/lfsvfs/internal/lfs"
)

var errDirClosed = errors.New("directory closed")

// Dirent is one entry read from a [Dir].
type Dirent struct {
	Name string
	Type lfs.Type
	Size int64
}

// Dir is an open directory of an instance. The "." and ".." entries
// are never returned.
type Dir struct {
	inst   *Instance
	path   string
	dir    *lfs.Dir
	offset int
	closed bool
}

// Opendir opens the directory at p.
func (inst *Instance) Opendir(p string) (*Dir, error) {
	p = clean(p)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return nil, err
	}

	d, err := inst.fs.OpenDir(p)
	if err != nil {
		return nil, inst.fail("opendir", p, err)
	}

	return &Dir{inst: inst, path: p, dir: d}, nil
}

// Path returns the path of the directory.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) check(op string) error {
	if err := d.inst.check(); err != nil {
		return err
	}
	if d.closed {
		return d.inst.fail(op, d.path, fmt.Errorf("%w: %w", lfs.ErrBadF, errDirClosed))
	}

	return nil
}

// next reads the next entry past the dot entries, the lock must be held.
func (d *Dir) next() (Dirent, error) {
	for {
		info, err := d.dir.Read()
		if err != nil {
			return Dirent{}, err
		}
		if info.Name == "." || info.Name == ".." {
			continue
		}
		d.offset++

		return Dirent{Name: info.Name, Type: info.Type, Size: info.Size}, nil
	}
}

// Readdir returns the next entry, or [io.EOF] after the last one.
func (d *Dir) Readdir() (Dirent, error) {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()

	if err := d.check("readdir"); err != nil {
		return Dirent{}, err
	}

	ent, err := d.next()
	if errors.Is(err, io.EOF) {
		return Dirent{}, io.EOF
	}
	if err != nil {
		return Dirent{}, d.inst.fail("readdir", d.path, err)
	}

	return ent, nil
}

// Telldir returns the amount of entries returned since the last rewind.
func (d *Dir) Telldir() (int, error) {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()

	if err := d.check("telldir"); err != nil {
		return 0, err
	}

	return d.offset, nil
}

// Seekdir moves to the entry at off. Seeking backwards rewinds and reads
// forward again, seeking past the end stops at the end.
func (d *Dir) Seekdir(off int) error {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()

	if err := d.check("seekdir"); err != nil {
		return err
	}
	if off < 0 {
		return d.inst.fail("seekdir", d.path, lfs.ErrInval)
	}

	if off < d.offset {
		if err := d.rewind(); err != nil {
			return d.inst.fail("seekdir", d.path, err)
		}
	}

	for d.offset < off {
		if _, err := d.next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return d.inst.fail("seekdir", d.path, err)
		}
	}

	return nil
}

func (d *Dir) rewind() error {
	if err := d.dir.Rewind(); err != nil {
		return err
	}
	d.offset = 0

	return nil
}

// Rewinddir returns to the first entry with the current contents.
func (d *Dir) Rewinddir() error {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()

	if err := d.check("rewinddir"); err != nil {
		return err
	}

	if err := d.rewind(); err != nil {
		return d.inst.fail("rewinddir", d.path, err)
	}

	return nil
}

// Closedir closes the directory.
func (d *Dir) Closedir() error {
	d.inst.mu.Lock()
	defer d.inst.mu.Unlock()

	if err := d.check("closedir"); err != nil {
		return err
	}

	d.closed = true
	if err := d.dir.Close(); err != nil {
		return d.inst.fail("closedir", d.path, err)
	}

	return nil
}
