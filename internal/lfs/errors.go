package lfs

import (
	"errors"
	"fmt"
)

// Error is an engine error code. The values are those of littlefs.
type Error int

const (
	ErrIO          Error = -5  // Error during device operation
	ErrCorrupt     Error = -84 // Corrupted
	ErrNoEnt       Error = -2  // No directory entry
	ErrExist       Error = -17 // Entry already exists
	ErrNotDir      Error = -20 // Entry is not a dir
	ErrIsDir       Error = -21 // Entry is a dir
	ErrNotEmpty    Error = -39 // Dir is not empty
	ErrBadF        Error = -9  // Bad file number
	ErrFBig        Error = -27 // File too large
	ErrInval       Error = -22 // Invalid parameter
	ErrNoSpc       Error = -28 // No space left on device
	ErrNoMem       Error = -12 // No more memory available
	ErrNoAttr      Error = -61 // No data/attr available
	ErrNameTooLong Error = -36 // File name too long
)

var errorNames = map[Error]string{
	ErrIO:          "LFS_ERR_IO",
	ErrCorrupt:     "LFS_ERR_CORRUPT",
	ErrNoEnt:       "LFS_ERR_NOENT",
	ErrExist:       "LFS_ERR_EXIST",
	ErrNotDir:      "LFS_ERR_NOTDIR",
	ErrIsDir:       "LFS_ERR_ISDIR",
	ErrNotEmpty:    "LFS_ERR_NOTEMPTY",
	ErrBadF:        "LFS_ERR_BADF",
	ErrFBig:        "LFS_ERR_FBIG",
	ErrInval:       "LFS_ERR_INVAL",
	ErrNoSpc:       "LFS_ERR_NOSPC",
	ErrNoMem:       "LFS_ERR_NOMEM",
	ErrNoAttr:      "LFS_ERR_NOATTR",
	ErrNameTooLong: "LFS_ERR_NAMETOOLONG",
}

var errorText = map[Error]string{
	ErrIO:          "device i/o error",
	ErrCorrupt:     "filesystem corrupted",
	ErrNoEnt:       "no such file or directory",
	ErrExist:       "file exists",
	ErrNotDir:      "not a directory",
	ErrIsDir:       "is a directory",
	ErrNotEmpty:    "directory not empty",
	ErrBadF:        "bad file descriptor",
	ErrFBig:        "file too large",
	ErrInval:       "invalid argument",
	ErrNoSpc:       "no space left on device",
	ErrNoMem:       "out of memory",
	ErrNoAttr:      "no such attribute",
	ErrNameTooLong: "file name too long",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return "lfs: " + s
	}

	return fmt.Sprintf("lfs: error %d", int(e))
}

// Name returns the symbolic name of the code (e.g. "LFS_ERR_NOENT").
func (e Error) Name() string {
	if e == 0 {
		return "LFS_ERR_OK"
	}
	if s, ok := errorNames[e]; ok {
		return s
	}

	return "LFS_ERR_UNDEFINED"
}

// Code returns the engine code carried by err, 0 for a nil err and
// [ErrIO] for an error not originating from the engine.
func Code(err error) Error {
	if err == nil {
		return 0
	}

	var e Error
	if errors.As(err, &e) {
		return e
	}

	return ErrIO
}

// IsCode reports if err carries the engine code.
func IsCode(err error, code Error) bool {
	return Code(err) == code
}

// ioError wraps a device error as [ErrIO].
func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
