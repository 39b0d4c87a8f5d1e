// Package config implements the YAML mount configuration file.
//
// A configuration file lists the media to mount together with their
// engine and mount options, for example:
//
//	dashboard: ":8000"
//	mounts:
//	  - label: data
//	    medium: flash
//	    image: /var/lib/lfsvfs/flash.img
//	    offset: 64KiB
//	    size: 1MiB
//	    mount_point: /data
//	    max_files: 10
//	    dircompat: true
//	    mtime: true
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/desertwitch/lfsvfs/internal/blockdev"
	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/storage"
	"github.com/desertwitch/lfsvfs/internal/vfs"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLabel      = "littlefs"
	DefaultMedium     = "ram"
	DefaultRAMSize    = 1 << 20
	DefaultSectorSize = 512
	DefaultMaxFiles   = 5

	flashBlockSize = 4096
)

// ErrInvalid is for a configuration which cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Size is a byte size, given either as a number or in a human
// readable form such as "64KiB" or "1MB".
type Size uint64

// UnmarshalYAML implements [yaml.Unmarshaler].
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: size must be a scalar", ErrInvalid, value.Line)
	}

	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("%w: line %d: %w", ErrInvalid, value.Line, err)
	}
	*s = Size(n)

	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Set parses a command line value, making Size a flag value.
func (s *Size) Set(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	*s = Size(n)

	return nil
}

// Type returns the flag type name of a Size.
func (s *Size) Type() string {
	return "size"
}

// File is the top-level configuration.
type File struct {
	// Dashboard is the listen address of the diagnostics dashboard,
	// the dashboard is disabled when empty.
	Dashboard string `yaml:"dashboard"`

	// LogLevel is the name of the logrus level, "info" when empty.
	LogLevel string `yaml:"log_level"`

	// LogBuffer is the amount of log lines kept for the dashboard.
	LogBuffer int `yaml:"log_buffer"`

	Mounts []Mount `yaml:"mounts"`
}

// Mount describes one medium and how it is mounted.
type Mount struct {
	Label  string `yaml:"label"`
	Medium string `yaml:"medium"`

	// Image is the image file of a flash partition or an SD card.
	Image  string `yaml:"image"`
	Offset Size   `yaml:"offset"`
	Size   Size   `yaml:"size"`

	SectorSize  Size   `yaml:"sector_size"`
	SectorCount uint32 `yaml:"sector_count"`
	DMA         bool   `yaml:"dma"`

	// Engine overrides the default engine configuration of the medium.
	Engine *Engine `yaml:"engine"`

	MountPoint          string  `yaml:"mount_point"`
	MaxFiles            int     `yaml:"max_files"`
	DirCompat           bool    `yaml:"dircompat"`
	Mtime               bool    `yaml:"mtime"`
	MtimeMode           string  `yaml:"mtime_mode"`
	FormatIfMountFailed bool    `yaml:"format_if_mount_failed"`
	ReadOnly            bool    `yaml:"read_only"`
	HashOnly            bool    `yaml:"hash_only"`
	Policy              *Policy `yaml:"fd_policy"`
}

// Engine holds engine configuration overrides, zero fields keep the
// default of the medium.
type Engine struct {
	ReadSize      Size   `yaml:"read_size"`
	ProgSize      Size   `yaml:"prog_size"`
	CacheSize     Size   `yaml:"cache_size"`
	LookaheadSize Size   `yaml:"lookahead_size"`
	BlockCount    uint32 `yaml:"block_count"`
	BlockCycles   int32  `yaml:"block_cycles"`
}

// Policy holds descriptor table overrides, zero fields keep the default.
type Policy struct {
	InitialSize   int   `yaml:"initial_size"`
	ReallocFactor int   `yaml:"realloc_factor"`
	MinSize       int   `yaml:"min_size"`
	Hysteresis    int   `yaml:"hysteresis"`
	Shrink        *bool `yaml:"shrink"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a configuration.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	f.applyDefaults()

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

func (f *File) applyDefaults() {
	if f.LogBuffer <= 0 {
		f.LogBuffer = 500 //nolint:mnd
	}
	for i := range f.Mounts {
		f.Mounts[i].ApplyDefaults()
	}
}

// ApplyDefaults fills in the empty fields of the mount.
func (m *Mount) ApplyDefaults() {
	if m.Label == "" {
		m.Label = DefaultLabel
	}
	if m.Medium == "" {
		m.Medium = DefaultMedium
	}
	if m.Medium == "ram" && m.Size == 0 {
		m.Size = DefaultRAMSize
	}
	if m.SectorSize == 0 {
		m.SectorSize = DefaultSectorSize
	}
	if m.MountPoint == "" {
		m.MountPoint = vfs.DefaultBasePath
	}
	if m.MaxFiles == 0 {
		m.MaxFiles = DefaultMaxFiles
	}
}

// Validate checks that the configuration is valid.
func (f *File) Validate() error {
	labels := make(map[string]struct{}, len(f.Mounts))
	points := make(map[string]struct{}, len(f.Mounts))

	for i := range f.Mounts {
		m := &f.Mounts[i]

		if err := m.Validate(); err != nil {
			return fmt.Errorf("mount %d (%q): %w", i, m.Label, err)
		}
		if _, ok := labels[m.Label]; ok {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalid, m.Label)
		}
		if _, ok := points[m.MountPoint]; ok {
			return fmt.Errorf("%w: duplicate mount point %q", ErrInvalid, m.MountPoint)
		}
		labels[m.Label] = struct{}{}
		points[m.MountPoint] = struct{}{}
	}

	return nil
}

// Validate checks that the mount is valid, after defaults were applied.
func (m *Mount) Validate() error {
	kind, err := storage.ParseKind(m.Medium)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch kind {
	case storage.KindRAM:
		if m.Size < flashBlockSize {
			return fmt.Errorf("%w: ram size %s below one block", ErrInvalid, m.Size)
		}
	case storage.KindFlash:
		if m.Image == "" {
			return fmt.Errorf("%w: flash medium needs an image", ErrInvalid)
		}
		if m.Size < flashBlockSize {
			return fmt.Errorf("%w: partition size %s below one block", ErrInvalid, m.Size)
		}
	case storage.KindSD:
		if m.SectorCount == 0 {
			return fmt.Errorf("%w: sd medium needs a sector count", ErrInvalid)
		}
	}

	if _, err := vfs.ParseMtimeMode(m.MtimeMode); err != nil {
		return err
	}

	if err := vfs.ValidateMountPoint(m.MountPoint); err != nil {
		return err
	}
	if m.MaxFiles <= 0 || m.MaxFiles > vfs.MaxFiles {
		return fmt.Errorf("%w: max files %d not in (0, %d]", ErrInvalid, m.MaxFiles, vfs.MaxFiles)
	}

	if err := m.policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

func (m *Mount) policy() fdcache.Policy {
	p := fdcache.DefaultPolicy()
	p.MaxSize = m.MaxFiles
	p.HashOnly = m.HashOnly

	if m.Policy != nil {
		if m.Policy.InitialSize != 0 {
			p.InitialSize = m.Policy.InitialSize
		}
		if m.Policy.ReallocFactor != 0 {
			p.ReallocFactor = m.Policy.ReallocFactor
		}
		if m.Policy.MinSize != 0 {
			p.MinSize = m.Policy.MinSize
		}
		if m.Policy.Hysteresis != 0 {
			p.Hysteresis = m.Policy.Hysteresis
		}
		if m.Policy.Shrink != nil {
			p.ShrinkOnRelease = *m.Policy.Shrink
		}
	}

	p.InitialSize = min(p.InitialSize, p.MaxSize)
	p.MinSize = min(p.MinSize, p.MaxSize)

	return p
}

// StorageMedium returns the medium described by the mount.
func (m *Mount) StorageMedium() (storage.Medium, error) {
	kind, err := storage.ParseKind(m.Medium)
	if err != nil {
		return storage.Medium{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return storage.Medium{
		Kind:        kind,
		Label:       m.Label,
		Path:        m.Image,
		Offset:      int64(m.Offset),
		Size:        int64(m.Size),
		SectorSize:  uint32(m.SectorSize),
		SectorCount: m.SectorCount,
		DMA:         m.DMA,
	}, nil
}

// StorageOptions returns the options to create the medium's instance with.
func (m *Mount) StorageOptions(medium storage.Medium) storage.Options {
	opts := storage.Options{FormatOnError: m.FormatIfMountFailed}

	if m.Engine != nil {
		blockSize := uint32(flashBlockSize)
		if medium.Kind == storage.KindSD {
			blockSize = medium.SectorSize
		}

		cfg := storage.DefaultConfig(medium.Kind, blockdev.Geometry{BlockSize: blockSize})
		cfg.BlockCount = m.Engine.BlockCount
		if m.Engine.ReadSize > 0 {
			cfg.ReadSize = uint32(m.Engine.ReadSize)
		}
		if m.Engine.ProgSize > 0 {
			cfg.ProgSize = uint32(m.Engine.ProgSize)
		}
		if m.Engine.CacheSize > 0 {
			cfg.CacheSize = uint32(m.Engine.CacheSize)
		}
		if m.Engine.LookaheadSize > 0 {
			cfg.LookaheadSize = uint32(m.Engine.LookaheadSize)
		}
		if m.Engine.BlockCycles != 0 {
			cfg.BlockCycles = m.Engine.BlockCycles
		}
		opts.Config = &cfg
	}

	return opts
}

// MountConfig returns the mount configuration of the engine handle.
func (m *Mount) MountConfig(fs *lfs.FS) (vfs.MountConfig, error) {
	mode, err := vfs.ParseMtimeMode(m.MtimeMode)
	if err != nil {
		return vfs.MountConfig{}, err
	}
	policy := m.policy()

	conf := vfs.MountConfig{
		BasePath:            m.MountPoint,
		Label:               m.Label,
		FS:                  fs,
		MaxFiles:            m.MaxFiles,
		DirCompat:           m.DirCompat,
		UseMtime:            m.Mtime,
		MtimeMode:           mode,
		FormatIfMountFailed: m.FormatIfMountFailed,
		ReadOnly:            m.ReadOnly,
		HashOnly:            m.HashOnly,
		Policy:              &policy,
	}

	return conf, conf.Validate()
}

// Find returns the mount of the label.
func (f *File) Find(label string) (*Mount, bool) {
	for i := range f.Mounts {
		if f.Mounts[i].Label == label {
			return &f.Mounts[i], true
		}
	}

	return nil, false
}
