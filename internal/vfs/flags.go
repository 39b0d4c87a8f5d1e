package vfs

import (
	"errors"
	"io/fs"

	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/registry"
	"golang.org/x/sys/unix"
)

// PathError records a failed operation together with its path.
type PathError = fs.PathError

// OpenFlags converts unix open flags to engine open flags.
// A bare [unix.O_APPEND] opens for appending writes.
func OpenFlags(flags int) lfs.OpenFlag {
	if flags == unix.O_APPEND {
		return lfs.OWrOnly | lfs.OAppend
	}

	var out lfs.OpenFlag
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		out = lfs.ORdOnly
	case unix.O_WRONLY:
		out = lfs.OWrOnly
	default:
		out = lfs.ORdWr
	}

	if flags&unix.O_CREAT != 0 {
		out |= lfs.OCreat
	}
	if flags&unix.O_EXCL != 0 {
		out |= lfs.OExcl
	}
	if flags&unix.O_TRUNC != 0 {
		out |= lfs.OTrunc
	}
	if flags&unix.O_APPEND != 0 {
		out |= lfs.OAppend
	}

	return out
}

var engineErrno = map[lfs.Error]unix.Errno{
	lfs.ErrIO:          unix.EIO,
	lfs.ErrCorrupt:     unix.EILSEQ,
	lfs.ErrNoEnt:       unix.ENOENT,
	lfs.ErrExist:       unix.EEXIST,
	lfs.ErrNotDir:      unix.ENOTDIR,
	lfs.ErrIsDir:       unix.EISDIR,
	lfs.ErrNotEmpty:    unix.ENOTEMPTY,
	lfs.ErrBadF:        unix.EBADF,
	lfs.ErrFBig:        unix.EFBIG,
	lfs.ErrInval:       unix.EINVAL,
	lfs.ErrNoSpc:       unix.ENOSPC,
	lfs.ErrNoMem:       unix.ENOMEM,
	lfs.ErrNoAttr:      unix.ENODATA,
	lfs.ErrNameTooLong: unix.ENAMETOOLONG,
}

// Errno maps an error of this package or of the engine onto an errno.
// Nil maps to 0 and unknown errors to [unix.EIO].
func Errno(err error) unix.Errno {
	var errno unix.Errno

	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, fdcache.ErrNoFreeSlot):
		return unix.ENFILE
	case errors.Is(err, fdcache.ErrOutOfMemory), errors.Is(err, registry.ErrOutOfMemory):
		return unix.ENOMEM
	case errors.Is(err, fdcache.ErrBadIndex), errors.Is(err, fdcache.ErrNotAllocated):
		return unix.EBADF
	case errors.Is(err, ErrAlreadyMounted), errors.Is(err, ErrMountPointInUse), errors.Is(err, ErrPathOpen):
		return unix.EBUSY
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrInvalidConfig):
		return unix.EINVAL
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrReadOnly):
		return unix.EROFS
	case errors.Is(err, ErrUnmounted):
		return unix.ENODEV
	case errors.Is(err, ErrNotSupported):
		return unix.ENOTSUP
	}

	var code lfs.Error
	if errors.As(err, &code) {
		if e, ok := engineErrno[code]; ok {
			return e
		}
	}

	return unix.EIO
}
