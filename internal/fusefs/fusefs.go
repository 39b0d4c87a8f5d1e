// Package fusefs publishes a mounted instance on the host through FUSE.
//
// Every FUSE operation is forwarded to the path and descriptor surface of
// the [vfs.Instance], so the descriptor limits, the directory emulation and
// the modification times of the mount apply to the host as well. Stat
// results are kept in a short-lived attribute cache keyed by path, which
// is invalidated by every modifying operation.
package fusefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

const (
	fileBasePerm = 0o644
	dirBasePerm  = 0o755

	rootInode = 1

	defaultAttrTTL      = time.Second
	defaultAttrCapacity = 1024
)

var (
	_ fs.FS               = (*FS)(nil)
	_ fs.FSStatfser       = (*FS)(nil)
	_ fs.FSInodeGenerator = (*FS)(nil)

	errMissingArgument = errors.New("missing argument")
)

// Options contains the settings of the FUSE adapter.
type Options struct {
	// AttrTTL is both the lifetime of a cached stat result and the
	// attribute validity reported to the kernel.
	AttrTTL time.Duration

	// AttrCapacity bounds the amount of cached stat results.
	AttrCapacity uint64

	// UID and GID own every entry of the filesystem.
	UID uint32
	GID uint32
}

// DefaultOptions returns a pointer to [Options] with the default values.
func DefaultOptions() *Options {
	return &Options{
		AttrTTL:      defaultAttrTTL,
		AttrCapacity: defaultAttrCapacity,
		UID:          uint32(os.Getuid()), //nolint:gosec
		GID:          uint32(os.Getgid()), //nolint:gosec
	}
}

// FS is the FUSE filesystem of one [vfs.Instance].
type FS struct {
	inst    *vfs.Instance
	opts    *Options
	attrs   *ttlcache.Cache[string, vfs.Stat]
	handles *handleTable
	mounted time.Time
	log     logrus.FieldLogger
}

// NewFS returns a pointer to a new [FS] for the mounted instance.
func NewFS(inst *vfs.Instance, opts *Options, log logrus.FieldLogger) (*FS, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: need an instance", errMissingArgument)
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &FS{
		inst: inst,
		opts: opts,
		attrs: ttlcache.New(
			ttlcache.WithTTL[string, vfs.Stat](opts.AttrTTL),
			ttlcache.WithCapacity[string, vfs.Stat](max(opts.AttrCapacity, 1)),
			ttlcache.WithDisableTouchOnHit[string, vfs.Stat](),
		),
		handles: newHandleTable(),
		mounted: time.Now(),
		log:     log.WithField("tag", "LFS_FUSE"),
	}, nil
}

// Root returns the entry-point [fs.Node] of the filesystem.
func (fsys *FS) Root() (fs.Node, error) {
	return &dirNode{fsys: fsys, inode: rootInode, path: "/"}, nil
}

// GenerateInode implements [fs.FSInodeGenerator]. All nodes carry the
// inode of their path, so this is only reached for a zero inode.
func (fsys *FS) GenerateInode(parent uint64, name string) uint64 {
	return fs.GenerateDynamicInode(parent, name)
}

// Statfs reports the capacity of the medium.
func (fsys *FS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	total, used, err := fsys.inst.Info()
	if err != nil {
		return fsys.toFuseErr("statfs", "/", err)
	}

	cfg := fsys.inst.FS().Config()
	bsize := uint64(cfg.BlockSize)

	resp.Bsize = cfg.BlockSize
	resp.Frsize = cfg.BlockSize
	resp.Blocks = total / bsize
	resp.Bfree = (total - used) / bsize
	resp.Bavail = resp.Bfree
	resp.Namelen = cfg.NameMax

	return nil
}

// inodeOf returns the stable inode of a path.
func inodeOf(p string) uint64 {
	if p == "/" {
		return rootInode
	}

	return fs.GenerateDynamicInode(rootInode, p)
}

func childPath(dir, name string) string {
	return path.Join(dir, name)
}

// stat returns the (cached) stat result of a path.
func (fsys *FS) stat(p string) (vfs.Stat, error) {
	if item := fsys.attrs.Get(p); item != nil {
		return item.Value(), nil
	}

	st, err := fsys.inst.Stat(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	fsys.attrs.Set(p, st, ttlcache.DefaultTTL)

	return st, nil
}

// invalidate drops the cached stat results of the paths.
func (fsys *FS) invalidate(paths ...string) {
	for _, p := range paths {
		fsys.attrs.Delete(p)
	}
}

// fillAttr fills in a [fuse.Attr] from a stat result.
func (fsys *FS) fillAttr(p string, st vfs.Stat, a *fuse.Attr) {
	a.Inode = inodeOf(p)
	a.Uid = fsys.opts.UID
	a.Gid = fsys.opts.GID
	a.Valid = fsys.opts.AttrTTL
	a.BlockSize = fsys.inst.FS().Config().BlockSize

	if st.IsDir() {
		a.Mode = os.ModeDir | dirBasePerm
		a.Nlink = 2 //nolint:mnd
	} else {
		a.Mode = fileBasePerm
		a.Nlink = 1
		a.Size = uint64(max(st.Size, 0))
		a.Blocks = (a.Size + 511) / 512 //nolint:mnd
	}
	if fsys.inst.Config().ReadOnly {
		a.Mode &^= 0o222
	}

	mtime := st.Mtime
	if mtime.IsZero() {
		mtime = fsys.mounted
	}
	a.Atime = mtime
	a.Ctime = mtime
	a.Mtime = mtime
}

// toFuseErr logs a failed operation and converts it to a FUSE error.
func (fsys *FS) toFuseErr(op, p string, err error) error {
	errno := vfs.Errno(err)

	fsys.log.WithFields(logrus.Fields{
		"op":    op,
		"path":  p,
		"errno": errno.Error(),
	}).Debug("FUSE request failed")

	return fuse.ToErrno(errno)
}
