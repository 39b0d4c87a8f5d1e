package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/stretchr/testify/require"
)

const testConfig = `
dashboard: "127.0.0.1:8000"
log_level: debug
mounts:
  - label: data
    medium: flash
    image: /tmp/flash.img
    offset: 64KiB
    size: 1MiB
    mount_point: /data
    max_files: 10
    dircompat: true
    mtime: true
    mtime_mode: nonce
    format_if_mount_failed: true
    fd_policy:
      initial_size: 2
      shrink: false
  - medium: sd
    sector_count: 2048
    dma: true
    engine:
      block_count: 1024
      lookahead_size: 64
`

// Expectation: A configuration should be parsed with sizes and defaults applied.
func Test_Parse_Success(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8000", f.Dashboard)
	require.Equal(t, 500, f.LogBuffer)
	require.Len(t, f.Mounts, 2)

	data := f.Mounts[0]
	require.Equal(t, Size(64*1024), data.Offset)
	require.Equal(t, Size(1<<20), data.Size)
	require.True(t, data.DirCompat)

	sd := f.Mounts[1]
	require.Equal(t, DefaultLabel, sd.Label)
	require.Equal(t, vfs.DefaultBasePath, sd.MountPoint)
	require.Equal(t, Size(DefaultSectorSize), sd.SectorSize)
	require.Equal(t, DefaultMaxFiles, sd.MaxFiles)

	m, ok := f.Find("data")
	require.True(t, ok)
	require.Equal(t, "/data", m.MountPoint)

	_, ok = f.Find("missing")
	require.False(t, ok)
}

// Expectation: Load should read the configuration from a file.
func Test_Load_Success(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "lfsvfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Mounts, 2)
}

// Expectation: Load should fail on a missing file.
func Test_Load_Error(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

// Expectation: Invalid configurations should be rejected.
func Test_Parse_Invalid_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{"bad size", "mounts:\n  - size: lots\n", ErrInvalid},
		{"bad medium", "mounts:\n  - medium: tape\n", ErrInvalid},
		{"flash without image", "mounts:\n  - medium: flash\n    size: 1MiB\n", ErrInvalid},
		{"sd without sectors", "mounts:\n  - medium: sd\n", ErrInvalid},
		{"tiny ram", "mounts:\n  - size: 100\n", ErrInvalid},
		{"too many files", "mounts:\n  - max_files: 21\n", ErrInvalid},
		{"mount point", "mounts:\n  - mount_point: relative\n", vfs.ErrInvalidConfig},
		{"mtime mode", "mounts:\n  - mtime_mode: sometimes\n", vfs.ErrInvalidConfig},
		{"policy", "mounts:\n  - fd_policy:\n      hysteresis: -1\n", nil},
		{"duplicate point", "mounts:\n  - label: a\n  - label: b\n", ErrInvalid},
		{"duplicate label", "mounts:\n  - mount_point: /a\n  - mount_point: /b\n", ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

// Expectation: A mount should translate into a medium, its options and a mount configuration.
func Test_Mount_Conversion_Success(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	data := &f.Mounts[0]

	medium, err := data.StorageMedium()
	require.NoError(t, err)
	require.Equal(t, storage.KindFlash, medium.Kind)
	require.Equal(t, int64(64*1024), medium.Offset)

	opts := data.StorageOptions(medium)
	require.True(t, opts.FormatOnError)
	require.Nil(t, opts.Config)

	fs := &lfs.FS{}
	conf, err := data.MountConfig(fs)
	require.NoError(t, err)
	require.Same(t, fs, conf.FS)
	require.Equal(t, vfs.MtimeNonce, conf.MtimeMode)
	require.Equal(t, 2, conf.Policy.InitialSize)
	require.False(t, conf.Policy.ShrinkOnRelease)
	require.Equal(t, 10, conf.Policy.MaxSize)

	sd := &f.Mounts[1]
	medium, err = sd.StorageMedium()
	require.NoError(t, err)
	require.True(t, medium.DMA)

	opts = sd.StorageOptions(medium)
	require.NotNil(t, opts.Config)
	require.Equal(t, uint32(512), opts.Config.BlockSize)
	require.Equal(t, uint32(1024), opts.Config.BlockCount)
	require.Equal(t, uint32(64), opts.Config.LookaheadSize)
}

// Expectation: Sizes should be printed in a human readable form.
func Test_Size_String_Success(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1.0 MiB", Size(1<<20).String())

	v, err := Size(4096).MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, "4.0 KiB", v)
}

// Expectation: Sizes should be settable as command line flag values.
func Test_Size_Set_Success(t *testing.T) {
	t.Parallel()

	var s Size
	require.NoError(t, s.Set("64KiB"))
	require.Equal(t, Size(65536), s)
	require.Equal(t, "size", s.Type())

	require.ErrorIs(t, s.Set("lots"), ErrInvalid)
	require.Equal(t, Size(65536), s)
}
