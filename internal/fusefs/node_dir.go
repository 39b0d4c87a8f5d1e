package fusefs

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"golang.org/x/sys/unix"
)

var (
	_ fs.Node               = (*dirNode)(nil)
	_ fs.NodeStringLookuper = (*dirNode)(nil)
	_ fs.HandleReadDirAller = (*dirNode)(nil)
	_ fs.NodeMkdirer        = (*dirNode)(nil)
	_ fs.NodeCreater        = (*dirNode)(nil)
	_ fs.NodeRemover        = (*dirNode)(nil)
	_ fs.NodeRenamer        = (*dirNode)(nil)
)

// dirNode is a directory of the instance.
type dirNode struct {
	fsys  *FS
	inode uint64
	path  string
}

func (d *dirNode) Attr(_ context.Context, a *fuse.Attr) error {
	st, err := d.fsys.stat(d.path)
	if err != nil {
		return d.fsys.toFuseErr("attr", d.path, err)
	}
	d.fsys.fillAttr(d.path, st, a)

	return nil
}

// node returns the node of a child entry.
func (d *dirNode) node(name string) (fs.Node, error) {
	p := childPath(d.path, name)

	st, err := d.fsys.stat(p)
	if err != nil {
		return nil, d.fsys.toFuseErr("lookup", p, err)
	}

	if st.IsDir() {
		return &dirNode{fsys: d.fsys, inode: inodeOf(p), path: p}, nil
	}

	return &fileNode{fsys: d.fsys, inode: inodeOf(p), path: p}, nil
}

func (d *dirNode) Lookup(_ context.Context, name string) (fs.Node, error) {
	return d.node(name)
}

func (d *dirNode) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dir, err := d.fsys.inst.Opendir(d.path)
	if err != nil {
		return nil, d.fsys.toFuseErr("readdir", d.path, err)
	}
	defer dir.Closedir() //nolint:errcheck

	resp := []fuse.Dirent{}
	for {
		ent, err := dir.Readdir()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, d.fsys.toFuseErr("readdir", d.path, err)
		}

		de := fuse.Dirent{
			Name:  ent.Name,
			Type:  fuse.DT_File,
			Inode: inodeOf(childPath(d.path, ent.Name)),
		}
		if ent.Type == lfs.TypeDir {
			de.Type = fuse.DT_Dir
		}
		resp = append(resp, de)
	}

	slices.SortFunc(resp, func(a, b fuse.Dirent) int {
		if a.Type == b.Type {
			return strings.Compare(a.Name, b.Name)
		}
		if a.Type == fuse.DT_Dir {
			return -1
		}

		return 1
	})

	return resp, nil
}

func (d *dirNode) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	p := childPath(d.path, req.Name)

	if err := d.fsys.inst.Mkdir(p); err != nil {
		return nil, d.fsys.toFuseErr("mkdir", p, err)
	}
	d.fsys.invalidate(d.path, p)

	return &dirNode{fsys: d.fsys, inode: inodeOf(p), path: p}, nil
}

func (d *dirNode) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	p := childPath(d.path, req.Name)

	fd, err := d.fsys.inst.Open(p, int(req.Flags)|unix.O_CREAT)
	if err != nil {
		return nil, nil, d.fsys.toFuseErr("create", p, err)
	}
	d.fsys.invalidate(d.path, p)

	node := &fileNode{fsys: d.fsys, inode: inodeOf(p), path: p}
	resp.Flags |= fuse.OpenDirectIO

	return node, d.fsys.newHandle(node, fd, req.Flags), nil
}

func (d *dirNode) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	p := childPath(d.path, req.Name)

	var err error
	if req.Dir {
		err = d.fsys.inst.Rmdir(p)
	} else {
		err = d.fsys.inst.Unlink(p)
	}
	if err != nil {
		return d.fsys.toFuseErr("remove", p, err)
	}

	// Unlinks may prune emptied ancestors in directory compatibility mode.
	d.fsys.attrs.DeleteAll()

	return nil
}

func (d *dirNode) Rename(_ context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*dirNode)
	if !ok {
		return fuse.ToErrno(unix.EXDEV)
	}

	src := childPath(d.path, req.OldName)
	dst := childPath(target.path, req.NewName)

	if err := d.fsys.inst.Rename(src, dst); err != nil {
		return d.fsys.toFuseErr("rename", src, err)
	}
	d.fsys.attrs.DeleteAll()

	return nil
}
