// Package lfs implements a small copy-on-write filesystem engine on top of
// a [blockdev.Device], with the error codes and open flags of littlefs.
//
// The metadata of all entries lives in a table committed alternately to
// blocks 0 and 1 (the metadata pair), so a fresh filesystem uses exactly
// two blocks. File contents are written to newly allocated blocks on
// sync and the blocks they replace are released after the commit.
//
// An [FS] is not safe for concurrent use, callers must serialize access.
package lfs

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/desertwitch/lfsvfs/internal/blockdev"
	"github.com/google/uuid"
)

// OpenFlag is an engine open flag.
type OpenFlag uint32

const (
	ORdOnly OpenFlag = 1      // Open a file as read only
	OWrOnly OpenFlag = 2      // Open a file as write only
	ORdWr   OpenFlag = 3      // Open a file as read and write
	OCreat  OpenFlag = 0x0100 // Create a file if it does not exist
	OExcl   OpenFlag = 0x0200 // Fail if a file already exists
	OTrunc  OpenFlag = 0x0400 // Truncate the existing file to zero size
	OAppend OpenFlag = 0x0800 // Move to end of file on every write

	oAccMode OpenFlag = 3
)

// Readable reports if the flags allow reading.
func (f OpenFlag) Readable() bool { return f&ORdOnly != 0 }

// Writable reports if the flags allow writing.
func (f OpenFlag) Writable() bool { return f&OWrOnly != 0 }

// Type is the type of a directory entry.
type Type uint8

const (
	TypeReg Type = Type(typeReg)
	TypeDir Type = Type(typeDir)
)

func (t Type) String() string {
	switch t {
	case TypeReg:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Info describes a directory entry.
type Info struct {
	Type Type
	Size int64
	Name string
}

// IsDir reports if the entry is a directory.
func (i Info) IsDir() bool { return i.Type == TypeDir }

// FS is a filesystem on a block device.
type FS struct {
	dev blockdev.Device
	cfg Config

	mounted bool
	gen     uint64 // bumped on every mount and unmount

	active  uint32 // pair block holding the current revision
	rev     uint32
	volume  uuid.UUID
	spill   []uint32
	entries entryMap
	alloc   *allocator
}

// New returns a pointer to a new unmounted [FS] on dev.
// The geometry of cfg falls back to that of the device when empty.
func New(dev blockdev.Device, cfg Config) (*FS, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: need a block device", ErrInval)
	}

	geo := dev.Geometry()
	if cfg.BlockSize == 0 {
		cfg.BlockSize = geo.BlockSize
	}
	if cfg.BlockCount == 0 {
		cfg.BlockCount = geo.BlockCount
	}
	if cfg.BlockSize != geo.BlockSize || cfg.BlockCount > geo.BlockCount {
		return nil, fmt.Errorf("%w: configured geometry %dx%d does not fit device %dx%d",
			ErrInval, cfg.BlockSize, cfg.BlockCount, geo.BlockSize, geo.BlockCount)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FS{dev: dev, cfg: cfg}, nil
}

// Config returns the effective configuration.
func (fs *FS) Config() Config {
	return fs.cfg
}

// Device returns the underlying block device.
func (fs *FS) Device() blockdev.Device {
	return fs.dev
}

// Mounted reports if the filesystem is mounted.
func (fs *FS) Mounted() bool {
	return fs.mounted
}

// VolumeID returns the identity written at format time.
func (fs *FS) VolumeID() uuid.UUID {
	return fs.volume
}

// Format writes an empty filesystem. It must not be mounted.
func (fs *FS) Format() error {
	if fs.mounted {
		return fmt.Errorf("%w: format of a mounted filesystem", ErrInval)
	}

	table, err := encodeTable(entryMap{})
	if err != nil {
		return err
	}

	if err := fs.dev.Erase(1); err != nil {
		return ioError("erase", err)
	}
	if err := fs.writePair(0, 1, uuid.New(), table, nil); err != nil {
		return err
	}

	return nil
}

// Mount loads the newest valid revision of the metadata pair.
func (fs *FS) Mount() error {
	if fs.mounted {
		return nil
	}

	var best *pairState
	var bestPair uint32
	var firstErr error

	for pair := range uint32(2) { //nolint:mnd
		st, err := fs.readPair(pair)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}
		if best == nil || st.rev > best.rev {
			best, bestPair = st, pair
		}
	}
	if best == nil {
		if firstErr == nil {
			firstErr = ErrCorrupt
		}

		return firstErr
	}

	alloc := newAllocator(fs.cfg.BlockCount)
	for _, b := range append([]uint32{0, 1}, best.spill...) {
		if err := alloc.mark(b); err != nil {
			return err
		}
	}
	for _, e := range best.entries {
		for _, b := range e.Blocks {
			if err := alloc.mark(b); err != nil {
				return err
			}
		}
	}

	fs.active = bestPair
	fs.rev = best.rev
	fs.volume = best.volume
	fs.spill = best.spill
	fs.entries = best.entries
	fs.alloc = alloc
	fs.mounted = true
	fs.gen++

	return nil
}

// Unmount releases the in-memory state. Files and directories still
// open become invalid and report [ErrBadF].
func (fs *FS) Unmount() error {
	if !fs.mounted {
		return fmt.Errorf("%w: not mounted", ErrInval)
	}

	fs.mounted = false
	fs.gen++
	fs.entries = nil
	fs.alloc = nil
	fs.spill = nil

	if err := fs.dev.Sync(); err != nil {
		return ioError("sync", err)
	}

	return nil
}

// FsSize returns the amount of blocks in use.
func (fs *FS) FsSize() (int, error) {
	if !fs.mounted {
		return 0, fmt.Errorf("%w: not mounted", ErrInval)
	}

	return fs.alloc.inUse(), nil
}

// commit writes entries as the next revision, replacing the current
// table only when that succeeded.
func (fs *FS) commit(entries entryMap) error {
	table, err := encodeTable(entries)
	if err != nil {
		return err
	}

	n, err := spillFor(len(table), fs.cfg.BlockSize)
	if err != nil {
		return err
	}

	spill, err := fs.alloc.alloc(n)
	if err != nil {
		return err
	}

	target := 1 - fs.active
	if err := fs.writePair(target, fs.rev+1, fs.volume, table, spill); err != nil {
		fs.alloc.release(spill)

		return err
	}

	fs.alloc.release(fs.spill)
	fs.spill = spill
	fs.active = target
	fs.rev++
	fs.entries = entries

	return nil
}

// clean normalizes p to an absolute path and checks the name lengths.
func (fs *FS) clean(p string) (string, error) {
	p = path.Clean("/" + p)
	for _, name := range strings.Split(p[1:], "/") {
		if uint32(len(name)) > fs.cfg.NameMax {
			return "", fmt.Errorf("%w: %q", ErrNameTooLong, name)
		}
	}

	return p, nil
}

func (fs *FS) checkMounted() error {
	if !fs.mounted {
		return fmt.Errorf("%w: not mounted", ErrInval)
	}

	return nil
}

// lookup returns the entry at the cleaned path, the root being a
// synthetic directory.
func (fs *FS) lookup(p string) (*entry, error) {
	if p == "/" {
		return &entry{Path: "/", Type: typeDir}, nil
	}

	e, ok := fs.entries[p]
	if !ok {
		return nil, ErrNoEnt
	}

	return e, nil
}

// checkParent validates that the parent of p is an existing directory.
func (fs *FS) checkParent(p string) error {
	parent, err := fs.lookup(path.Dir(p))
	if err != nil {
		return err
	}
	if parent.Type != typeDir {
		return ErrNotDir
	}

	return nil
}

func (fs *FS) hasChildren(dir string) bool {
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	for p := range fs.entries {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}

	return false
}

// Stat returns information on the entry at p.
func (fs *FS) Stat(p string) (Info, error) {
	if err := fs.checkMounted(); err != nil {
		return Info{}, err
	}

	p, err := fs.clean(p)
	if err != nil {
		return Info{}, err
	}

	e, err := fs.lookup(p)
	if err != nil {
		return Info{}, err
	}

	return infoOf(e), nil
}

func infoOf(e *entry) Info {
	return Info{Type: Type(e.Type), Size: e.Size, Name: path.Base(e.Path)}
}

// Mkdir creates the directory at p, its parent must exist.
func (fs *FS) Mkdir(p string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}

	p, err := fs.clean(p)
	if err != nil {
		return err
	}
	if _, err := fs.lookup(p); err == nil {
		return ErrExist
	}
	if err := fs.checkParent(p); err != nil {
		return err
	}

	entries := fs.entries.clone()
	entries[p] = &entry{Path: p, Type: typeDir}

	return fs.commit(entries)
}

// Remove removes the file or empty directory at p.
func (fs *FS) Remove(p string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}

	p, err := fs.clean(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: cannot remove the root", ErrInval)
	}

	e, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if e.Type == typeDir && fs.hasChildren(p) {
		return ErrNotEmpty
	}

	entries := fs.entries.clone()
	delete(entries, p)

	if err := fs.commit(entries); err != nil {
		return err
	}
	fs.alloc.release(e.Blocks)

	return nil
}

// Rename moves the entry at oldpath to newpath, replacing a file or
// empty directory of the same kind at newpath. Directories are moved
// along with their contents.
func (fs *FS) Rename(oldpath, newpath string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}

	src, err := fs.clean(oldpath)
	if err != nil {
		return err
	}
	dst, err := fs.clean(newpath)
	if err != nil {
		return err
	}
	if src == "/" || dst == "/" {
		return fmt.Errorf("%w: cannot rename the root", ErrInval)
	}

	se, err := fs.lookup(src)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if se.Type == typeDir && strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("%w: cannot move a directory into itself", ErrInval)
	}
	if err := fs.checkParent(dst); err != nil {
		return err
	}

	var replaced []uint32
	if de, err := fs.lookup(dst); err == nil {
		switch {
		case se.Type == typeDir && de.Type != typeDir:
			return ErrNotDir
		case se.Type != typeDir && de.Type == typeDir:
			return ErrIsDir
		case de.Type == typeDir && fs.hasChildren(dst):
			return ErrNotEmpty
		}
		replaced = de.Blocks
	}

	entries := fs.entries.clone()
	delete(entries, dst)
	delete(entries, src)

	moved := se.clone()
	moved.Path = dst
	entries[dst] = moved

	if se.Type == typeDir {
		prefix := src + "/"
		for p, e := range fs.entries {
			if rest, ok := strings.CutPrefix(p, prefix); ok {
				delete(entries, p)
				child := e.clone()
				child.Path = dst + "/" + rest
				entries[child.Path] = child
			}
		}
	}

	if err := fs.commit(entries); err != nil {
		return err
	}
	fs.alloc.release(replaced)

	return nil
}

// GetAttr copies the attribute typ of the entry at p into buf and
// returns the full size of the stored attribute.
func (fs *FS) GetAttr(p string, typ uint8, buf []byte) (int, error) {
	if err := fs.checkMounted(); err != nil {
		return 0, err
	}

	p, err := fs.clean(p)
	if err != nil {
		return 0, err
	}

	e, err := fs.lookup(p)
	if err != nil {
		return 0, err
	}

	v, ok := e.Attrs[typ]
	if !ok {
		return 0, ErrNoAttr
	}
	copy(buf, v)

	return len(v), nil
}

// SetAttr stores the attribute typ on the entry at p.
func (fs *FS) SetAttr(p string, typ uint8, value []byte) error {
	return fs.updateAttr(p, typ, value, false)
}

// RemoveAttr removes the attribute typ from the entry at p.
func (fs *FS) RemoveAttr(p string, typ uint8) error {
	return fs.updateAttr(p, typ, nil, true)
}

func (fs *FS) updateAttr(p string, typ uint8, value []byte, remove bool) error {
	if err := fs.checkMounted(); err != nil {
		return err
	}
	if uint32(len(value)) > fs.cfg.AttrMax {
		return fmt.Errorf("%w: attribute of %d bytes", ErrNoSpc, len(value))
	}

	p, err := fs.clean(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%w: no attributes on the root", ErrInval)
	}

	e, err := fs.lookup(p)
	if err != nil {
		return err
	}

	ne := e.clone()
	if remove {
		if _, ok := ne.Attrs[typ]; !ok {
			return nil
		}
		delete(ne.Attrs, typ)
	} else {
		if ne.Attrs == nil {
			ne.Attrs = make(map[uint8][]byte)
		}
		ne.Attrs[typ] = append([]byte(nil), value...)
	}

	entries := fs.entries.clone()
	entries[p] = ne

	return fs.commit(entries)
}

// blocksFor returns the amount of blocks holding size bytes.
func (fs *FS) blocksFor(size int64) int {
	bs := int64(fs.cfg.BlockSize)

	return int((size + bs - 1) / bs)
}

var errStale = errors.New("stale handle")

func (fs *FS) checkGen(gen uint64) error {
	if !fs.mounted || gen != fs.gen {
		return fmt.Errorf("%w: %w", ErrBadF, errStale)
	}

	return nil
}
