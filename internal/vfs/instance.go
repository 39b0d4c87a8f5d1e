package vfs

import (
	"errors"
	"fmt"
	"path"

	"github.com/desertwitch/lfsvfs/internal/fdcache"
	"github.com/desertwitch/lfsvfs/internal/lfs"
	"github.com/desertwitch/lfsvfs/internal/rmutex"
	"github.com/sirupsen/logrus"
)

// Instance is one mounted engine handle with its descriptor table.
type Instance struct {
	conf MountConfig
	fs   *lfs.FS
	host *Host

	mu        rmutex.Mutex
	files     *fdcache.Cache[*openFile]
	ownsMount bool
	unmounted bool

	log     logrus.FieldLogger
	Metrics *Metrics
}

type openFile struct {
	file  *lfs.File
	flags lfs.OpenFlag
}

// FS returns the engine handle of the instance.
func (inst *Instance) FS() *lfs.FS {
	return inst.fs
}

// Config returns the mount configuration of the instance.
func (inst *Instance) Config() MountConfig {
	return inst.conf
}

// MountPoint returns the mount point of the instance.
func (inst *Instance) MountPoint() string {
	return inst.conf.BasePath
}

// Label returns the medium label of the instance.
func (inst *Instance) Label() string {
	return inst.conf.Label
}

// Lock acquires the instance lock. The lock is reentrant, so operations
// of the instance can be called while holding it.
func (inst *Instance) Lock() {
	inst.mu.Lock()
}

// Unlock releases one level of the instance lock.
func (inst *Instance) Unlock() {
	inst.mu.Unlock()
}

// Descriptors returns the amount of open files and the table capacity.
func (inst *Instance) Descriptors() (int, int) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.files.Len(), inst.files.Cap()
}

// DescriptorStats returns the lifetime counters of the descriptor table.
func (inst *Instance) DescriptorStats() fdcache.Stats {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.files.Stats()
}

// OpenPaths returns the paths of all open files, empty in hash-only mode.
func (inst *Instance) OpenPaths() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	var out []string
	inst.files.Walk(func(_ int, e *fdcache.Entry[*openFile]) bool {
		out = append(out, e.Path())

		return true
	})

	return out
}

// Info returns the total and the used bytes of the medium.
func (inst *Instance) Info() (uint64, uint64, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return 0, 0, err
	}

	cfg := inst.fs.Config()
	used, err := inst.fs.FsSize()
	if err != nil {
		return 0, 0, inst.fail("info", "/", err)
	}

	total := uint64(cfg.BlockSize) * uint64(cfg.BlockCount)

	return total, uint64(cfg.BlockSize) * uint64(used), nil
}

// Format erases all contents of the instance. The engine is unmounted
// for the format and mounted again after it, all open descriptors are
// freed without being synced.
func (inst *Instance) Format() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.check(); err != nil {
		return err
	}
	if inst.conf.ReadOnly {
		return inst.fail("format", "/", ErrReadOnly)
	}

	if n := len(inst.files.Drain()); n > 0 {
		inst.Metrics.OpenFiles.Add(int64(-n))
		inst.log.WithField("count", n).Warn("freed open descriptors for format")
	}

	if inst.fs.Mounted() {
		if err := inst.fs.Unmount(); err != nil {
			return inst.fail("format", "/", err)
		}
	}
	if err := inst.fs.Format(); err != nil {
		return inst.fail("format", "/", err)
	}
	if err := inst.fs.Mount(); err != nil {
		return inst.fail("format", "/", err)
	}

	inst.log.Info("formatted")

	return nil
}

// teardown unpublishes the instance, frees its descriptors and unmounts
// the engine when the instance mounted it.
func (inst *Instance) teardown() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.unmounted {
		return nil
	}
	inst.unmounted = true

	inst.host.Unregister(inst.conf.BasePath)

	if n := len(inst.files.Drain()); n > 0 {
		inst.Metrics.OpenFiles.Add(int64(-n))
		inst.log.WithField("count", n).Warn("freed open descriptors on unmount")
	}

	if inst.ownsMount && inst.fs.Mounted() {
		if err := inst.fs.Unmount(); err != nil {
			inst.log.WithError(err).Error("failed to unmount engine")

			return fmt.Errorf("failed to unmount: %w", err)
		}
	}

	inst.log.Info("unmounted")

	return nil
}

func (inst *Instance) check() error {
	if inst.unmounted {
		return ErrUnmounted
	}

	return nil
}

// fail counts and logs a failed operation and wraps it as [PathError].
// Expected outcomes of path lookups are only logged for debugging.
func (inst *Instance) fail(op, p string, err error) error {
	inst.Metrics.TotalErrors.Add(1)

	log := inst.log.WithError(err).WithFields(logrus.Fields{
		"op":   op,
		"path": p,
	})

	var code lfs.Error
	if errors.As(err, &code) {
		log = log.WithFields(logrus.Fields{
			"code": int(code),
			"name": code.Name(),
		})
	}

	switch code {
	case lfs.ErrNoEnt, lfs.ErrExist, lfs.ErrNotEmpty, lfs.ErrNoAttr:
		log.Debug("operation failed")
	default:
		log.Error("operation failed")
	}

	return &PathError{Op: op, Path: p, Err: err}
}

// clean normalizes a path below the mount point.
func clean(p string) string {
	return path.Clean("/" + p)
}

// compat adapts the engine for the directory emulation, which runs while
// the instance lock is held. Existing and non-empty ancestors are the
// expected stops of the emulation and not counted as failed operations.
type compat struct {
	inst *Instance
}

func (c compat) Mkdir(p string) error {
	err := c.inst.fs.Mkdir(p)
	if err != nil && !isExist(err) {
		c.inst.Metrics.TotalErrors.Add(1)
	}

	return err
}

func (c compat) Remove(p string) error {
	info, err := c.inst.fs.Stat(p)
	if err == nil && !info.IsDir() {
		err = lfs.ErrNotDir
	}
	if err == nil {
		err = c.inst.fs.Remove(p)
	}
	if err != nil && !lfs.IsCode(err, lfs.ErrNotEmpty) {
		c.inst.Metrics.TotalErrors.Add(1)
	}

	return err
}

func (inst *Instance) compatLog() logrus.FieldLogger {
	return inst.log.WithField("tag", "LFS_DIRCOMPAT")
}
