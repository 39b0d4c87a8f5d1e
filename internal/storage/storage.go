// Package storage creates and tracks engine instances on storage media.
//
// A [Medium] describes a RAM region, a flash partition inside an image
// file or an SD card (as image file or in memory). The [Manager] opens
// the block device of a medium, mounts an engine on it and keeps the
// instance until it is deleted again, releasing the device with it.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/desertwitch/lfsvfs/internal/blockdev"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/registry"
	"github.com/sirupsen/logrus"
)

const (
	logTag = "LFS_ABS"

	ramBlockSize = 4096

	defaultReadSize  = 128
	defaultProgSize  = 128
	defaultCacheSize = 512
	defaultLookahead = 128
	defaultCycles    = 512
)

var (
	// ErrNotFound is for an engine handle not created by the [Manager].
	ErrNotFound = errors.New("instance not found")

	errInvalidArgument = errors.New("invalid argument")
)

// Kind is the type of a [Medium].
type Kind int

const (
	KindRAM Kind = iota
	KindFlash
	KindSD
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindFlash:
		return "flash"
	case KindSD:
		return "sd"
	default:
		return "unknown"
	}
}

// ParseKind returns the [Kind] of its name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "ram":
		return KindRAM, nil
	case "flash":
		return KindFlash, nil
	case "sd", "sdcard":
		return KindSD, nil
	default:
		return 0, fmt.Errorf("%w: unknown medium %q", errInvalidArgument, s)
	}
}

// Medium describes the storage an instance lives on.
type Medium struct {
	Kind  Kind
	Label string

	// Path is the image file of a flash partition or an SD card.
	// An SD card without a path is held in memory.
	Path string

	// Offset is the start of a flash partition within its image.
	Offset int64

	// Size is the size of a RAM region or a flash partition.
	Size int64

	// SectorSize and SectorCount are the geometry of an SD card.
	SectorSize  uint32
	SectorCount uint32

	// DMA stages every SD card transfer through an aligned buffer.
	DMA bool
}

// DefaultConfig returns the engine configuration for a medium of kind
// with the given device geometry.
func DefaultConfig(kind Kind, geo blockdev.Geometry) lfs.Config {
	cfg := lfs.Config{
		ReadSize:      defaultReadSize,
		ProgSize:      defaultProgSize,
		BlockSize:     geo.BlockSize,
		BlockCount:    geo.BlockCount,
		CacheSize:     defaultCacheSize,
		LookaheadSize: defaultLookahead,
		BlockCycles:   defaultCycles,
	}

	switch kind {
	case KindRAM:
		cfg.BlockCycles = -1
	case KindSD:
		cfg.ReadSize = geo.BlockSize
		cfg.ProgSize = geo.BlockSize
		cfg.CacheSize = max(defaultCacheSize, geo.BlockSize)
	}

	return cfg
}

// Options control the creation of an instance.
type Options struct {
	// Config replaces the default engine configuration of the medium.
	// Its geometry falls back to that of the device when empty.
	Config *lfs.Config

	// FormatOnError formats the medium when it cannot be mounted.
	FormatOnError bool

	// FreeContext is called with the device when the instance goes away,
	// after the device itself was closed.
	FreeContext func(dev blockdev.Device)
}

// Instance is an engine mounted on a medium.
type Instance struct {
	Medium Medium
	FS     *lfs.FS
	Stats  *blockdev.Stats

	dev     blockdev.Device
	card    blockdev.SectorDevice
	closer  func() error
	freeCtx func(blockdev.Device)
}

// Device returns the block device below the engine.
func (inst *Instance) Device() blockdev.Device {
	return inst.dev
}

// release closes the device and calls the free context hook.
func (inst *Instance) release() error {
	var err error
	if inst.closer != nil {
		err = inst.closer()
	}
	if inst.freeCtx != nil {
		inst.freeCtx(inst.dev)
	}

	return err
}

// Manager is the set of instances created from media.
type Manager struct {
	mu        sync.Mutex
	instances *registry.Table[*lfs.FS, *Instance]
	log       logrus.FieldLogger
}

// NewManager returns a pointer to a new empty [Manager].
func NewManager(log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Manager{
		instances: registry.New[*lfs.FS, *Instance](1),
		log:       log.WithField("tag", logTag),
	}
}

// SetGrowFunc installs a hook consulted before every growth of the table.
func (m *Manager) SetGrowFunc(fn registry.GrowFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances.SetGrowFunc(fn)
}

// Create opens the medium, mounts an engine on it and tracks the result.
// On any error the device is released again.
func (m *Manager) Create(medium Medium, opts Options) (*Instance, error) {
	inst, err := openMedium(medium)
	if err != nil {
		return nil, err
	}
	inst.freeCtx = opts.FreeContext

	log := m.log.WithFields(logrus.Fields{
		"medium": medium.Kind.String(),
		"label":  medium.Label,
	})

	cfg := DefaultConfig(medium.Kind, inst.dev.Geometry())
	if opts.Config != nil {
		cfg = *opts.Config
	}

	fs, err := lfs.New(inst.dev, cfg)
	if err != nil {
		return nil, m.abort(inst, fmt.Errorf("failed to configure engine: %w", err))
	}
	inst.FS = fs

	if err := fs.Mount(); err != nil {
		if !opts.FormatOnError {
			log.WithError(err).Error("mount failed")

			return nil, m.abort(inst, fmt.Errorf("failed to mount: %w", err))
		}

		log.WithError(err).Warn("mount failed, formatting")
		if err := fs.Format(); err != nil {
			log.WithError(err).Error("failed to format")

			return nil, m.abort(inst, fmt.Errorf("failed to format: %w", err))
		}
		if err := fs.Mount(); err != nil {
			log.WithError(err).Error("mount after format failed")

			return nil, m.abort(inst, fmt.Errorf("failed to mount after format: %w", err))
		}
	}

	m.mu.Lock()
	_, err = m.instances.Insert(fs, inst)
	m.mu.Unlock()

	if err != nil {
		_ = fs.Unmount()

		return nil, m.abort(inst, err)
	}

	log.WithField("blocks", cfg.BlockCount).Debug("created instance")

	return inst, nil
}

func (m *Manager) abort(inst *Instance, err error) error {
	if rerr := inst.release(); rerr != nil {
		m.log.WithError(rerr).Warn("failed to release device")
	}

	return err
}

// openMedium opens the counted block device of a medium.
func openMedium(medium Medium) (*Instance, error) {
	inst := &Instance{Medium: medium}

	var dev blockdev.Device

	switch medium.Kind {
	case KindRAM:
		if medium.Size < ramBlockSize {
			return nil, fmt.Errorf("%w: ram region of %d bytes", errInvalidArgument, medium.Size)
		}
		mem, err := blockdev.NewMemory(ramBlockSize, uint32(medium.Size/ramBlockSize))
		if err != nil {
			return nil, err
		}
		dev = mem

	case KindFlash:
		part, err := blockdev.OpenPartition(medium.Path, medium.Label, medium.Offset, medium.Size)
		if err != nil {
			return nil, err
		}
		dev = part
		inst.closer = part.Close

	case KindSD:
		var card blockdev.SectorDevice
		if medium.Path == "" {
			card = blockdev.NewMemorySectors(medium.SectorSize, medium.SectorCount)
		} else {
			fsec, err := blockdev.OpenFileSectors(medium.Path, medium.SectorSize, medium.SectorCount)
			if err != nil {
				return nil, err
			}
			card = fsec
			inst.closer = fsec.Close
		}

		sd, err := blockdev.NewSDCard(card, medium.DMA)
		if err != nil {
			_ = inst.release()

			return nil, err
		}
		dev = sd
		inst.card = card

	default:
		return nil, fmt.Errorf("%w: unknown medium kind %d", errInvalidArgument, medium.Kind)
	}

	counting := blockdev.NewCounting(dev)
	inst.dev = counting
	inst.Stats = counting.Stats

	return inst, nil
}

// Delete unmounts the engine, releases the device and forgets the instance.
func (m *Manager) Delete(fs *lfs.FS) error {
	m.mu.Lock()
	inst, err := m.instances.Remove(fs)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if fs.Mounted() {
		if err := fs.Unmount(); err != nil {
			m.log.WithError(err).Error("failed to unmount")
		}
	}

	if err := inst.release(); err != nil {
		return fmt.Errorf("failed to release device: %w", err)
	}

	return nil
}

// Is reports if the engine handle was created by the [Manager].
func (m *Manager) Is(fs *lfs.FS) bool {
	_, ok := m.Lookup(fs)

	return ok
}

// Lookup returns the instance of the engine handle.
func (m *Manager) Lookup(fs *lfs.FS) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.instances.Find(fs)
}

// Find returns the instance of the medium label.
func (m *Manager) Find(label string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.instances.FindFunc(func(_ *lfs.FS, inst *Instance) bool {
		return inst.Medium.Label == label
	})
}

// Instances returns all tracked instances.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.instances.Values()
}

// Info returns the total and the used bytes of the engine handle.
func (m *Manager) Info(fs *lfs.FS) (uint64, uint64, error) {
	if _, ok := m.Lookup(fs); !ok {
		return 0, 0, ErrNotFound
	}

	cfg := fs.Config()
	used, err := fs.FsSize()
	if err != nil {
		return 0, 0, err
	}

	return uint64(cfg.BlockSize) * uint64(cfg.BlockCount), uint64(cfg.BlockSize) * uint64(used), nil
}

// Format erases the whole medium of the engine handle and writes an
// empty filesystem, which is mounted again afterwards. The engine must
// not be in use by a mounted instance.
func (m *Manager) Format(fs *lfs.FS) error {
	inst, ok := m.Lookup(fs)
	if !ok {
		return ErrNotFound
	}

	if fs.Mounted() {
		if err := fs.Unmount(); err != nil {
			return fmt.Errorf("failed to unmount: %w", err)
		}
	}

	if err := inst.erase(); err != nil {
		return fmt.Errorf("failed to erase: %w", err)
	}
	if err := fs.Format(); err != nil {
		return fmt.Errorf("failed to format: %w", err)
	}
	if err := fs.Mount(); err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}

	m.log.WithField("label", inst.Medium.Label).Info("formatted medium")

	return nil
}

// erase clears every block. SD cards are zeroed sector by sector, as
// their block erase does nothing.
func (inst *Instance) erase() error {
	geo := inst.dev.Geometry()

	if inst.card != nil {
		zero := make([]byte, geo.BlockSize)
		for s := range geo.BlockCount {
			if err := inst.card.WriteSectors(zero, s, 1); err != nil {
				return err
			}
		}

		return nil
	}

	for b := range geo.BlockCount {
		if err := inst.dev.Erase(b); err != nil {
			return err
		}
	}

	return inst.dev.Sync()
}

// Close deletes every instance and returns the first error.
func (m *Manager) Close() error {
	var first error
	for _, inst := range m.Instances() {
		if err := m.Delete(inst.FS); err != nil && first == nil {
			first = err
		}
	}

	return first
}
