package lfs

import (
	"fmt"
	"io"
)

// File is an open file. Writes are buffered until [File.Sync] or
// [File.Close], which write the contents to fresh blocks.
type File struct {
	fs    *FS
	gen   uint64
	path  string
	flags OpenFlag

	pos    int64
	data   []byte
	dirty  bool
	closed bool
}

// OpenFile opens the file at p. With [OCreat] the file is created (and
// committed) when missing, its parent directory must then exist.
func (fs *FS) OpenFile(p string, flags OpenFlag) (*File, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}
	if flags&oAccMode == 0 {
		return nil, fmt.Errorf("%w: no access mode", ErrInval)
	}

	p, err := fs.clean(p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, ErrIsDir
	}

	e, err := fs.lookup(p)
	switch {
	case err != nil && flags&OCreat == 0:
		return nil, err
	case err != nil:
		if err := fs.checkParent(p); err != nil {
			return nil, err
		}
		e = &entry{Path: p, Type: typeReg}
		entries := fs.entries.clone()
		entries[p] = e
		if err := fs.commit(entries); err != nil {
			return nil, err
		}
	case flags&(OCreat|OExcl) == OCreat|OExcl:
		return nil, ErrExist
	case e.Type == typeDir:
		return nil, ErrIsDir
	}

	f := &File{
		fs:    fs,
		gen:   fs.gen,
		path:  p,
		flags: flags,
	}

	if flags&OTrunc != 0 && flags.Writable() {
		f.dirty = e.Size > 0
	} else {
		if f.data, err = fs.load(e); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (fs *FS) load(e *entry) ([]byte, error) {
	if e.Size == 0 {
		return nil, nil
	}
	if len(e.Blocks) != fs.blocksFor(e.Size) {
		return nil, fmt.Errorf("%w: %q has %d blocks for %d bytes", ErrCorrupt, e.Path, len(e.Blocks), e.Size)
	}

	bs := int64(fs.cfg.BlockSize)
	data := make([]byte, e.Size)
	for i, b := range e.Blocks {
		off := int64(i) * bs
		if err := fs.readAt(b, 0, data[off:min(off+bs, e.Size)]); err != nil {
			return nil, err
		}
	}

	return data, nil
}

func (f *File) check() error {
	if f.closed {
		return fmt.Errorf("%w: file closed", ErrBadF)
	}

	return f.fs.checkGen(f.gen)
}

// Path returns the cleaned path of the file.
func (f *File) Path() string {
	return f.path
}

// Flags returns the flags the file was opened with.
func (f *File) Flags() OpenFlag {
	return f.flags
}

// Read reads from the current position, returning 0 at end of file.
func (f *File) Read(buf []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.flags.Readable() {
		return 0, fmt.Errorf("%w: not open for reading", ErrBadF)
	}
	if f.pos >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(buf, f.data[f.pos:])
	f.pos += int64(n)

	return n, nil
}

// Write writes at the current position, or at the end with [OAppend].
func (f *File) Write(buf []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.flags.Writable() {
		return 0, fmt.Errorf("%w: not open for writing", ErrBadF)
	}
	if f.flags&OAppend != 0 {
		f.pos = int64(len(f.data))
	}

	end := f.pos + int64(len(buf))
	if err := f.reserve(end); err != nil {
		return 0, err
	}

	if end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[f.pos:], buf)
	f.pos = end
	f.dirty = true

	return len(buf), nil
}

// reserve checks that a file of size bytes can still be written out.
func (f *File) reserve(size int64) error {
	if size > int64(f.fs.cfg.FileMax) {
		return fmt.Errorf("%w: %d bytes", ErrFBig, size)
	}
	if f.fs.blocksFor(size) > f.fs.alloc.free {
		return fmt.Errorf("%w: %d bytes need %d blocks", ErrNoSpc, size, f.fs.blocksFor(size))
	}

	return nil
}

// Seek sets the position as in [io.Seeker].
func (f *File) Seek(off int64, whence int) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = off
	case io.SeekCurrent:
		pos = f.pos + off
	case io.SeekEnd:
		pos = int64(len(f.data)) + off
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInval, whence)
	}
	if pos < 0 || pos > int64(f.fs.cfg.FileMax) {
		return 0, fmt.Errorf("%w: position %d", ErrInval, pos)
	}
	f.pos = pos

	return pos, nil
}

// Tell returns the current position.
func (f *File) Tell() (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	return f.pos, nil
}

// FileSize returns the size including unsynced writes.
func (f *File) FileSize() (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	return int64(len(f.data)), nil
}

// Truncate changes the size of the file.
func (f *File) Truncate(size int64) error {
	if err := f.check(); err != nil {
		return err
	}
	if !f.flags.Writable() {
		return fmt.Errorf("%w: not open for writing", ErrBadF)
	}
	if size < 0 {
		return fmt.Errorf("%w: size %d", ErrInval, size)
	}
	if err := f.reserve(size); err != nil {
		return err
	}

	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.data = append(f.data, make([]byte, size-int64(len(f.data)))...)
	}
	f.dirty = true

	return nil
}

// Sync writes buffered contents to new blocks and commits them.
func (f *File) Sync() error {
	if err := f.check(); err != nil {
		return err
	}
	if !f.dirty {
		return nil
	}

	fs := f.fs
	e, err := fs.lookup(f.path)
	if err != nil {
		return err
	}

	blocks, err := fs.alloc.alloc(fs.blocksFor(int64(len(f.data))))
	if err != nil {
		return err
	}

	bs := int(fs.cfg.BlockSize)
	for i, b := range blocks {
		off := i * bs
		if err := fs.progBlock(b, f.data[off:min(off+bs, len(f.data))]); err != nil {
			fs.alloc.release(blocks)

			return err
		}
	}

	ne := e.clone()
	ne.Size = int64(len(f.data))
	ne.Blocks = blocks

	entries := fs.entries.clone()
	entries[f.path] = ne
	if err := fs.commit(entries); err != nil {
		fs.alloc.release(blocks)

		return err
	}
	fs.alloc.release(e.Blocks)
	f.dirty = false

	return nil
}

// Close syncs and closes the file. When the sync fails the file
// stays open, so that the close can be retried.
func (f *File) Close() error {
	if err := f.Sync(); err != nil {
		return err
	}
	f.closed = true
	f.data = nil

	return nil
}
