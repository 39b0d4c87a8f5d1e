package lfs

import (
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
)

// Dir is an open directory. It lists a snapshot taken when opened or
// rewound, starting with the "." and ".." entries.
type Dir struct {
	fs     *FS
	gen    uint64
	path   string
	list   []Info
	pos    int
	closed bool
}

// OpenDir opens the directory at p.
func (fs *FS) OpenDir(p string) (*Dir, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	p, err := fs.clean(p)
	if err != nil {
		return nil, err
	}

	e, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}
	if e.Type != typeDir {
		return nil, ErrNotDir
	}

	d := &Dir{fs: fs, gen: fs.gen, path: p}
	d.snapshot()

	return d, nil
}

func (d *Dir) snapshot() {
	d.list = []Info{
		{Type: TypeDir, Name: "."},
		{Type: TypeDir, Name: ".."},
	}

	var children []Info
	for p, e := range d.fs.entries {
		if p != d.path && path.Dir(p) == d.path {
			children = append(children, infoOf(e))
		}
	}
	slices.SortFunc(children, func(a, b Info) int {
		return strings.Compare(a.Name, b.Name)
	})

	d.list = append(d.list, children...)
	d.pos = 0
}

func (d *Dir) check() error {
	if d.closed {
		return fmt.Errorf("%w: directory closed", ErrBadF)
	}

	return d.fs.checkGen(d.gen)
}

// Read returns the next entry, or [io.EOF] after the last one.
func (d *Dir) Read() (Info, error) {
	if err := d.check(); err != nil {
		return Info{}, err
	}
	if d.pos >= len(d.list) {
		return Info{}, io.EOF
	}

	info := d.list[d.pos]
	d.pos++

	return info, nil
}

// Rewind returns to the first entry with a fresh snapshot.
func (d *Dir) Rewind() error {
	if err := d.check(); err != nil {
		return err
	}
	d.snapshot()

	return nil
}

// Tell returns the amount of entries read since the last rewind.
func (d *Dir) Tell() (int, error) {
	if err := d.check(); err != nil {
		return 0, err
	}

	return d.pos, nil
}

// Close closes the directory.
func (d *Dir) Close() error {
	if err := d.check(); err != nil {
		return err
	}
	d.closed = true
	d.list = nil

	return nil
}
