package vfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Expectation: Unix open flags should convert to the matching engine flags.
func Test_OpenFlags_Success(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want lfs.OpenFlag
	}{
		{unix.O_RDONLY, lfs.ORdOnly},
		{unix.O_WRONLY, lfs.OWrOnly},
		{unix.O_RDWR, lfs.ORdWr},
		{unix.O_APPEND, lfs.OWrOnly | lfs.OAppend},
		{unix.O_WRONLY | unix.O_APPEND, lfs.OWrOnly | lfs.OAppend},
		{unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, lfs.OWrOnly | lfs.OCreat | lfs.OTrunc},
		{unix.O_RDWR | unix.O_CREAT | unix.O_EXCL, lfs.ORdWr | lfs.OCreat | lfs.OExcl},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, OpenFlags(tt.in), "flags %#x", tt.in)
	}
}

// Expectation: Engine codes and wrapper conditions should map onto distinct errnos.
func Test_Errno_Success(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{lfs.ErrNoEnt, unix.ENOENT},
		{fmt.Errorf("wrapped: %w", lfs.ErrNoSpc), unix.ENOSPC},
		{&PathError{Op: "open", Path: "/x", Err: lfs.ErrNameTooLong}, unix.ENAMETOOLONG},
		{lfs.ErrNoAttr, unix.ENODATA},
		{lfs.ErrCorrupt, unix.EILSEQ},
		{fdcache.ErrNoFreeSlot, unix.ENFILE},
		{fdcache.ErrOutOfMemory, unix.ENOMEM},
		{ErrAlreadyMounted, unix.EBUSY},
		{ErrPathOpen, unix.EBUSY},
		{ErrNotInitialized, unix.EINVAL},
		{ErrNotFound, unix.ENOENT},
		{unix.EACCES, unix.EACCES},
		{errors.New("other"), unix.EIO},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Errno(tt.err), "error %v", tt.err)
	}
}

// Expectation: Paths should resolve to the longest matching mount point.
func Test_Host_Resolve_Success(t *testing.T) {
	t.Parallel()

	h := NewHost()
	a, b := &Instance{}, &Instance{}
	require.NoError(t, h.Register("/data", a))
	require.NoError(t, h.Register("/data/sd", b))

	inst, rel, err := h.Resolve("/data/x.txt")
	require.NoError(t, err)
	require.Same(t, a, inst)
	require.Equal(t, "/x.txt", rel)

	inst, rel, err = h.Resolve("/data/sd/y/z")
	require.NoError(t, err)
	require.Same(t, b, inst)
	require.Equal(t, "/y/z", rel)

	inst, rel, err = h.Resolve("/data/sd")
	require.NoError(t, err)
	require.Same(t, b, inst)
	require.Equal(t, "/", rel)

	_, _, err = h.Resolve("/datax/y")
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, []string{"/data", "/data/sd"}, h.MountPoints())
}

// Expectation: Registering a mount point twice or an invalid one should fail.
func Test_Host_Register_Error(t *testing.T) {
	t.Parallel()

	h := NewHost()
	require.NoError(t, h.Register("/a", &Instance{}))
	require.ErrorIs(t, h.Register("/a", &Instance{}), ErrMountPointInUse)
	require.ErrorIs(t, h.Register("a", &Instance{}), ErrInvalidConfig)

	require.True(t, h.Unregister("/a"))
	require.False(t, h.Unregister("/a"))
}

// Expectation: Mtime modes should parse from their names.
func Test_ParseMtimeMode_Success(t *testing.T) {
	t.Parallel()

	m, err := ParseMtimeMode("")
	require.NoError(t, err)
	require.Equal(t, MtimeSeconds, m)

	m, err = ParseMtimeMode("nonce")
	require.NoError(t, err)
	require.Equal(t, "nonce", m.String())

	_, err = ParseMtimeMode("check")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
