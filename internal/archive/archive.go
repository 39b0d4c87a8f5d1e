// Package archive moves filesystem contents in and out of a mounted instance.
//
// Trees are exchanged as zip archives, with one entry per file and per
// directory and the modification times carried in the entry headers.
// Whole media are exchanged as zstd-compressed block snapshots, see
// [Snapshot] and [Restore].
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrUnsafePath is for archive entries escaping the instance root.
	ErrUnsafePath = errors.New("unsafe entry path")

	errMissingArgument = errors.New("missing argument")
)

// Stats summarizes a transfer.
type Stats struct {
	Files int
	Dirs  int
	Bytes int64
}

// Export writes the tree below root of the instance as a zip archive to w.
func Export(w io.Writer, inst *vfs.Instance, root string, log logrus.FieldLogger) (Stats, error) {
	var st Stats

	if inst == nil {
		return st, fmt.Errorf("%w: need an instance", errMissingArgument)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("tag", "LFS_ARCHIVE")

	zw := zip.NewWriter(w)

	if err := exportDir(zw, inst, path.Clean("/"+root), "", &st, log); err != nil {
		_ = zw.Close()

		return st, err
	}
	if err := zw.Close(); err != nil {
		return st, fmt.Errorf("failed to finish archive: %w", err)
	}

	log.WithFields(logrus.Fields{
		"files": st.Files,
		"dirs":  st.Dirs,
		"bytes": st.Bytes,
	}).Info("exported tree")

	return st, nil
}

// readDir returns the sorted entries of the directory at p.
func readDir(inst *vfs.Instance, p string) ([]vfs.Dirent, error) {
	dir, err := inst.Opendir(p)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	defer dir.Closedir() //nolint:errcheck

	var ents []vfs.Dirent
	for {
		ent, err := dir.Readdir()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		ents = append(ents, ent)
	}

	slices.SortFunc(ents, func(a, b vfs.Dirent) int {
		return strings.Compare(a.Name, b.Name)
	})

	return ents, nil
}

func exportDir(zw *zip.Writer, inst *vfs.Instance, dir, prefix string, st *Stats, log logrus.FieldLogger) error {
	ents, err := readDir(inst, dir)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", dir, err)
	}

	for _, ent := range ents {
		src := path.Join(dir, ent.Name)
		name := prefix + ent.Name

		stat, err := inst.Stat(src)
		if err != nil {
			return fmt.Errorf("failed to stat %q: %w", src, err)
		}

		if ent.Type == lfs.TypeDir {
			fh := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: stat.Mtime}
			fh.SetMode(os.ModeDir | 0o755) //nolint:mnd
			if _, err := zw.CreateHeader(fh); err != nil {
				return fmt.Errorf("failed to add %q: %w", name, err)
			}
			st.Dirs++

			if err := exportDir(zw, inst, src, name+"/", st, log); err != nil {
				return err
			}

			continue
		}

		n, err := exportFile(zw, inst, src, name, stat.Mtime)
		if err != nil {
			return err
		}
		st.Files++
		st.Bytes += n

		log.WithFields(logrus.Fields{"path": src, "size": n}).Debug("exported file")
	}

	return nil
}

func exportFile(zw *zip.Writer, inst *vfs.Instance, src, name string, mtime time.Time) (int64, error) {
	fh := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: mtime}
	fh.SetMode(0o644) //nolint:mnd

	w, err := zw.CreateHeader(fh)
	if err != nil {
		return 0, fmt.Errorf("failed to add %q: %w", name, err)
	}

	return CopyOut(w, inst, src)
}

// Import extracts the zip archive r of the given size below root of the
// instance, replacing existing files of the same name.
func Import(r io.ReaderAt, size int64, inst *vfs.Instance, root string, log logrus.FieldLogger) (Stats, error) {
	var st Stats

	if inst == nil {
		return st, fmt.Errorf("%w: need an instance", errMissingArgument)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("tag", "LFS_ARCHIVE")

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return st, fmt.Errorf("failed to open archive: %w", err)
	}

	root = path.Clean("/" + root)

	for _, f := range zr.File {
		dst, err := entryPath(root, f.Name)
		if err != nil {
			return st, err
		}
		if dst == root {
			continue
		}

		if err := mkdirAll(inst, path.Dir(dst)); err != nil {
			return st, err
		}

		if f.FileInfo().IsDir() {
			if err := mkdirAll(inst, dst); err != nil {
				return st, err
			}
			setMtime(inst, dst, f.Modified, log)
			st.Dirs++

			continue
		}

		n, err := importFile(inst, f, dst)
		if err != nil {
			return st, err
		}
		setMtime(inst, dst, f.Modified, log)
		st.Files++
		st.Bytes += n

		log.WithFields(logrus.Fields{"path": dst, "size": n}).Debug("imported file")
	}

	log.WithFields(logrus.Fields{
		"files": st.Files,
		"dirs":  st.Dirs,
		"bytes": st.Bytes,
	}).Info("imported archive")

	return st, nil
}

// entryPath returns the instance path of an archive entry, rejecting
// entries which would land outside of root.
func entryPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) || slices.Contains(strings.Split(name, "/"), "..") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	return path.Join(root, name), nil
}

func importFile(inst *vfs.Instance, f *zip.File, dst string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	return CopyIn(inst, dst, rc)
}

// CopyOut writes the contents of the file at p to w.
func CopyOut(w io.Writer, inst *vfs.Instance, p string) (int64, error) {
	fd, err := inst.Open(p, unix.O_RDONLY)
	if err != nil {
		return 0, fmt.Errorf("failed to open %q: %w", p, err)
	}
	defer inst.Close(fd) //nolint:errcheck

	n, err := io.Copy(w, &fileReader{inst: inst, fd: fd})
	if err != nil {
		return n, fmt.Errorf("failed to copy %q: %w", p, err)
	}

	return n, nil
}

// CopyIn replaces the file at p with the contents of r.
func CopyIn(inst *vfs.Instance, p string, r io.Reader) (int64, error) {
	fd, err := inst.Open(p, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", p, err)
	}

	n, err := io.Copy(&fileWriter{inst: inst, fd: fd}, r)
	if err != nil {
		_ = inst.Close(fd)

		return n, fmt.Errorf("failed to copy %q: %w", p, err)
	}

	if err := inst.Close(fd); err != nil {
		return n, fmt.Errorf("failed to close %q: %w", p, err)
	}

	return n, nil
}

// MkdirAll creates p and all of its missing ancestors.
func MkdirAll(inst *vfs.Instance, p string) error {
	return mkdirAll(inst, path.Clean("/"+p))
}

// mkdirAll creates p and all of its missing ancestors.
func mkdirAll(inst *vfs.Instance, p string) error {
	if p == "/" {
		return nil
	}

	st, err := inst.Stat(p)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("failed to create %q: %w", p, unix.ENOTDIR)
		}

		return nil
	}

	if err := mkdirAll(inst, path.Dir(p)); err != nil {
		return err
	}
	if err := inst.Mkdir(p); err != nil && vfs.Errno(err) != unix.EEXIST {
		return fmt.Errorf("failed to create %q: %w", p, err)
	}

	return nil
}

// setMtime stores the entry time on p, entries without one carry the
// zero MS-DOS date of 1980.
func setMtime(inst *vfs.Instance, p string, mtime time.Time, log logrus.FieldLogger) {
	if mtime.Year() <= 1980 {
		return
	}

	err := inst.Utime(p, mtime)
	if err != nil && !errors.Is(err, vfs.ErrNotSupported) {
		log.WithError(err).WithField("path", p).Warn("failed to set mtime")
	}
}

// fileReader is an [io.Reader] over an open descriptor.
type fileReader struct {
	inst *vfs.Instance
	fd   int
}

func (r *fileReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err := r.inst.Read(r.fd, p)
	if err != nil {
		return n, err //nolint:wrapcheck
	}
	if n == 0 {
		return 0, io.EOF
	}

	return n, nil
}

// fileWriter is an [io.Writer] over an open descriptor.
type fileWriter struct {
	inst *vfs.Instance
	fd   int
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.inst.Write(w.fd, p) //nolint:wrapcheck
}
