package fusefs

import (
	"context"
	"fmt"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

const unmountRetry = time.Second

// MountOptions control the host mount of an [FS].
type MountOptions struct {
	// AllowOther lets users other than the mounting one access the mount.
	AllowOther bool

	// Ready is called once the mount is established.
	Ready func()
}

func (fsys *FS) mountOptions(opts MountOptions) []fuse.MountOption {
	mopts := []fuse.MountOption{
		fuse.FSName("lfsvfs:" + fsys.inst.Label()),
		fuse.Subtype("lfsvfs"),
	}
	if fsys.inst.Config().ReadOnly {
		mopts = append(mopts, fuse.ReadOnly())
	}
	if opts.AllowOther {
		mopts = append(mopts, fuse.AllowOther())
	}

	return mopts
}

// Serve mounts the filesystem at dir and serves it until it is unmounted
// externally or ctx is done. Once ctx is done, the unmount is retried for
// as long as the mount is busy.
func (fsys *FS) Serve(ctx context.Context, dir string, opts MountOptions) error {
	c, err := fuse.Mount(dir, fsys.mountOptions(opts)...)
	if err != nil {
		return fmt.Errorf("fs mount error: %w", err)
	}
	defer c.Close()

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := fs.Serve(c, fsys); err != nil {
			errChan <- fmt.Errorf("fs serve error: %w", err)
		}
	}()

	fsys.log.WithField("dir", dir).Info("serving filesystem")
	if opts.Ready != nil {
		opts.Ready()
	}

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	ticker := time.NewTicker(unmountRetry)
	defer ticker.Stop()

	for {
		err := fuse.Unmount(dir)
		if err == nil {
			return <-errChan
		}
		fsys.log.WithError(err).Warn("unmount failed (retrying)")

		select {
		case err := <-errChan:
			return err
		case <-ticker.C:
		}
	}
}
