package fusefs

import (
	"context"
	"errors"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/desertwitch/lfsvfs/internal/vfs"
)

var (
	_ fs.Node           = (*fileNode)(nil)
	_ fs.NodeOpener     = (*fileNode)(nil)
	_ fs.NodeSetattrer  = (*fileNode)(nil)
	_ fs.NodeFsyncer    = (*fileNode)(nil)
	_ fs.HandleReader   = (*fileHandle)(nil)
	_ fs.HandleWriter   = (*fileHandle)(nil)
	_ fs.HandleFlusher  = (*fileHandle)(nil)
	_ fs.HandleReleaser = (*fileHandle)(nil)
)

// fileNode is a regular file of the instance.
type fileNode struct {
	fsys  *FS
	inode uint64
	path  string
}

func (f *fileNode) Attr(_ context.Context, a *fuse.Attr) error {
	st, err := f.fsys.stat(f.path)
	if err != nil {
		return f.fsys.toFuseErr("attr", f.path, err)
	}
	f.fsys.fillAttr(f.path, st, a)

	return nil
}

func (f *fileNode) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	fd, err := f.fsys.inst.Open(f.path, int(req.Flags))
	if err != nil {
		return nil, f.fsys.toFuseErr("open", f.path, err)
	}
	if req.Flags.IsWriteOnly() || req.Flags.IsReadWrite() {
		f.fsys.invalidate(f.path)
	}
	resp.Flags |= fuse.OpenDirectIO

	return f.fsys.newHandle(f, fd, req.Flags), nil
}

func (f *fileNode) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := f.truncate(req.Handle, req.Valid.Handle(), int64(req.Size)); err != nil { //nolint:gosec
			f.fsys.invalidate(f.path)

			return f.fsys.toFuseErr("truncate", f.path, err)
		}
	}

	if req.Valid.Mtime() {
		err := f.fsys.inst.Utime(f.path, req.Mtime)
		if err != nil && !errors.Is(err, vfs.ErrNotSupported) {
			return f.fsys.toFuseErr("utime", f.path, err)
		}
	}

	f.fsys.invalidate(f.path)

	return f.Attr(ctx, &resp.Attr)
}

// truncate resizes the file through its open writable handle, syncing
// it so that the new size is visible at once, or by path when not open.
func (f *fileNode) truncate(id fuse.HandleID, hasID bool, size int64) error {
	h := f.fsys.handles.writer(id, hasID, f.path)
	if h == nil {
		return f.fsys.inst.Truncate(f.path, size) //nolint:wrapcheck
	}

	if err := f.fsys.inst.Ftruncate(h.fd, size); err != nil {
		return err //nolint:wrapcheck
	}

	return f.fsys.inst.Fsync(h.fd) //nolint:wrapcheck
}

// Fsync is a no-op, as written data is synced on flush and release.
func (f *fileNode) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return nil
}

// fileHandle is an open descriptor of a [fileNode].
type fileHandle struct {
	node     *fileNode
	fd       int
	writable bool
}

func (fsys *FS) newHandle(node *fileNode, fd int, flags fuse.OpenFlags) *fileHandle {
	h := &fileHandle{
		node:     node,
		fd:       fd,
		writable: flags.IsWriteOnly() || flags.IsReadWrite(),
	}
	fsys.handles.add(h)

	return h
}

func (h *fileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.node.fsys.handles.seen(req.Handle, h)

	buf := make([]byte, req.Size)

	n, err := h.node.fsys.inst.Pread(h.fd, buf, req.Offset)
	if err != nil {
		return h.node.fsys.toFuseErr("read", h.node.path, err)
	}
	resp.Data = buf[:n]

	return nil
}

func (h *fileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.node.fsys.handles.seen(req.Handle, h)

	n, err := h.node.fsys.inst.Pwrite(h.fd, req.Data, req.Offset)
	if err != nil {
		return h.node.fsys.toFuseErr("write", h.node.path, err)
	}
	resp.Size = n
	h.node.fsys.invalidate(h.node.path)

	return nil
}

func (h *fileHandle) Flush(_ context.Context, req *fuse.FlushRequest) error {
	h.node.fsys.handles.seen(req.Handle, h)

	if err := h.node.fsys.inst.Fsync(h.fd); err != nil {
		return h.node.fsys.toFuseErr("flush", h.node.path, err)
	}
	h.node.fsys.invalidate(h.node.path)

	return nil
}

func (h *fileHandle) Release(_ context.Context, req *fuse.ReleaseRequest) error {
	if err := h.node.fsys.inst.Close(h.fd); err != nil {
		return h.node.fsys.toFuseErr("release", h.node.path, err)
	}
	h.node.fsys.handles.remove(req.Handle, h)
	h.node.fsys.invalidate(h.node.path)

	return nil
}
